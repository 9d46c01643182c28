// Package embeddings defines the embedding provider port used by the
// discovery index, plus an OpenAI-compatible HTTP client and a
// deterministic fake for tests.
package embeddings

import "context"

// Provider generates vector embeddings from text.
// Implementations may use local models, remote APIs, or deterministic
// fakes. Returned vectors are unit-normalized and of fixed dimension.
type Provider interface {
	// Embed returns a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns vector embeddings for multiple texts, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Close releases any resources held by the provider.
	Close() error
}
