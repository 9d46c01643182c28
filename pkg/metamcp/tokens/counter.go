// Package tokens provides cached per-model token counting.
//
// The counter backs two budgets: the 200k-token document budget per ask
// agent, and the pre-flight prompt-size check before any LLM call.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/metamcp/metamcp/pkg/logger"
)

// DefaultEncoding is the base encoding used when a model is unknown.
const DefaultEncoding = "cl100k_base"

// Counter maps model names to tokenizers and counts tokens in text.
// Encoders are cached per model; unknown models fall back to the default
// base encoding. Safe for concurrent use.
type Counter struct {
	mu       sync.Mutex
	encoders map[string]*tiktoken.Tiktoken
}

// NewCounter creates an empty counter. Encoders are loaded lazily on the
// first Count call for each model.
func NewCounter() *Counter {
	return &Counter{
		encoders: make(map[string]*tiktoken.Tiktoken),
	}
}

// Count returns the number of tokens in text under the given model's
// tokenizer. An empty model or unknown model uses DefaultEncoding.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	enc := c.encoderFor(model)
	if enc == nil {
		// Tokenizer data unavailable; fall back to a byte heuristic so
		// budgets still bind. ~4 bytes per token for English text.
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// encoderFor returns the cached encoder for model, loading it on demand.
func (c *Counter) encoderFor(model string) *tiktoken.Tiktoken {
	key := model
	if key == "" {
		key = DefaultEncoding
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if enc, ok := c.encoders[key]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(key)
	if err != nil {
		logger.Debugf("No tokenizer for model %q, falling back to %s", key, DefaultEncoding)
		enc, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			logger.Warnf("Failed to load default encoding %s: %v", DefaultEncoding, err)
			c.encoders[key] = nil
			return nil
		}
	}

	c.encoders[key] = enc
	return enc
}

// Clear drops all cached encoders, releasing their resources.
func (c *Counter) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.encoders = make(map[string]*tiktoken.Tiktoken)
}
