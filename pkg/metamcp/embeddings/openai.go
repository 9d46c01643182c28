package embeddings

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/sync/singleflight"

	"github.com/metamcp/metamcp/pkg/logger"
)

// defaultTimeout bounds one embeddings HTTP request.
const defaultTimeout = 30 * time.Second

// OpenAIProvider talks to an OpenAI-compatible embeddings endpoint
// (OpenAI, Ollama's /v1, text-embeddings-inference, etc.).
//
// The first successful request may trigger a model load on the remote
// side; concurrent first callers share one warm-up flight so the model is
// only loaded once.
type OpenAIProvider struct {
	client *openai.Client
	model  string

	warm   singleflight.Group
	warmed atomic.Bool
}

// NewOpenAIProvider creates a provider for the given endpoint and model.
// baseURL may be empty for the default OpenAI endpoint; apiKey may be
// empty for local servers that do not authenticate.
func NewOpenAIProvider(baseURL, apiKey, model string, timeout time.Duration) (*OpenAIProvider, error) {
	if model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// Embed returns a unit-normalized embedding for text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds all texts in one request, preserving order.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	if err := p.ensureWarm(ctx); err != nil {
		return nil, err
	}

	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.model),
		Input: texts,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding response size mismatch: got %d vectors for %d texts",
			len(resp.Data), len(texts))
	}

	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, fmt.Errorf("embedding response index %d out of range", item.Index)
		}
		vecs[item.Index] = normalize(item.Embedding)
	}
	return vecs, nil
}

// ensureWarm runs one shared warm-up request so that concurrent first
// callers wait on a single remote model load.
func (p *OpenAIProvider) ensureWarm(ctx context.Context) error {
	if p.warmed.Load() {
		return nil
	}
	_, err, _ := p.warm.Do("warmup", func() (any, error) {
		if p.warmed.Load() {
			return nil, nil
		}
		start := time.Now()
		_, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Model: openai.EmbeddingModel(p.model),
			Input: []string{"warmup"},
		})
		if err != nil {
			return nil, fmt.Errorf("embedding model warm-up failed: %w", err)
		}
		logger.Debugf("Embedding model %s warmed up in %s", p.model, time.Since(start))
		p.warmed.Store(true)
		return nil, nil
	})
	return err
}

// Close is a no-op; the underlying HTTP client has no persistent state.
func (*OpenAIProvider) Close() error {
	return nil
}

// normalize scales vec to unit length. Zero vectors are returned as-is.
func normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec
}
