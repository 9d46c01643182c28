// Package discovery maintains per-namespace in-memory vector indexes of
// tools and answers semantic search queries against them.
//
// Indexing is incremental: each tool's (name, title, description) content
// hash is compared against the cached entry and only changed tools are
// re-embedded. Indexing is designed to run fire-and-forget; failures are
// logged by the caller and never surface to the request that triggered them.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/metamcp/metamcp/pkg/logger"
	"github.com/metamcp/metamcp/pkg/metamcp"
	"github.com/metamcp/metamcp/pkg/metamcp/embeddings"
)

const (
	// embedParallelism bounds concurrent embedding requests per index run.
	embedParallelism = 5

	// DefaultThreshold is the minimum cosine similarity for a match.
	DefaultThreshold = 0.3

	// DefaultLimit is the result count when the caller does not specify one.
	DefaultLimit = 5

	// MaxLimit is the hard cap on search results.
	MaxLimit = 20
)

// ToolInput describes one tool to index.
type ToolInput struct {
	ServerName  string
	Name        string // original tool name, without server prefix
	Title       string
	Description string
	InputSchema json.RawMessage
}

// FullName returns the namespaced "serverName__toolName" form.
func (t ToolInput) FullName() string {
	return metamcp.FullToolName(t.ServerName, t.Name)
}

// embeddingText renders the canonical text embedded for a tool.
func (t ToolInput) embeddingText() string {
	desc := t.Description
	if desc == "" {
		desc = "No description"
	}
	if t.Title != "" {
		return fmt.Sprintf("Server: %s. Tool: %s. Title: %s. Description: %s", t.ServerName, t.Name, t.Title, desc)
	}
	return fmt.Sprintf("Server: %s. Tool: %s. Description: %s", t.ServerName, t.Name, desc)
}

// entry is one indexed tool.
type entry struct {
	ServerName   string
	OriginalName string
	Description  string
	InputSchema  json.RawMessage
	Embedding    []float32
	ContentHash  string
}

// Match is one search hit.
type Match struct {
	Name        string          `json:"name"`
	ServerName  string          `json:"serverName"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"arguments,omitempty"`

	// Score is the cosine similarity in [threshold, 1].
	Score float64 `json:"relevanceScore"`
}

// Index holds one vector index per namespace.
// Safe for concurrent use. The cache has no hard cap; namespaces are
// evicted explicitly via ClearNamespace on delete.
type Index struct {
	provider embeddings.Provider

	mu         sync.RWMutex
	namespaces map[uuid.UUID]map[string]*entry // ns -> full name -> entry

	// inflight dedupes concurrent IndexTools runs per namespace so that
	// re-entrant callers share one pending operation.
	inflight singleflight.Group
}

// NewIndex creates an empty index backed by the given embedding provider.
func NewIndex(provider embeddings.Provider) *Index {
	return &Index{
		provider:   provider,
		namespaces: make(map[uuid.UUID]map[string]*entry),
	}
}

// IndexTools reconciles the namespace's index against the given tool set.
// Tools whose content hash is unchanged keep their cached embedding; tools
// no longer present are dropped. Concurrent calls for the same namespace
// share one pending run.
func (idx *Index) IndexTools(ctx context.Context, namespaceUUID uuid.UUID, tools []ToolInput) error {
	_, err, _ := idx.inflight.Do(namespaceUUID.String(), func() (any, error) {
		return nil, idx.indexTools(ctx, namespaceUUID, tools)
	})
	return err
}

func (idx *Index) indexTools(ctx context.Context, namespaceUUID uuid.UUID, tools []ToolInput) error {
	// Decide what needs embedding under the read lock.
	idx.mu.RLock()
	current := idx.namespaces[namespaceUUID]
	var changed []ToolInput
	for _, tool := range tools {
		hash := metamcp.ContentHash(tool.Name, tool.Title, tool.Description)
		if cached, ok := current[tool.FullName()]; ok && cached.ContentHash == hash {
			continue
		}
		changed = append(changed, tool)
	}
	idx.mu.RUnlock()

	vectors := make([][]float32, len(changed))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedParallelism)
	for i, tool := range changed {
		g.Go(func() error {
			vec, err := idx.provider.Embed(gctx, tool.embeddingText())
			if err != nil {
				return fmt.Errorf("failed to embed tool %s: %w", tool.FullName(), err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Rebuild the namespace map: keep unchanged entries, add new vectors,
	// drop tools that disappeared.
	next := make(map[string]*entry, len(tools))
	idx.mu.Lock()
	defer idx.mu.Unlock()

	current = idx.namespaces[namespaceUUID]
	for _, tool := range tools {
		hash := metamcp.ContentHash(tool.Name, tool.Title, tool.Description)
		if cached, ok := current[tool.FullName()]; ok && cached.ContentHash == hash {
			next[tool.FullName()] = cached
		}
	}
	for i, tool := range changed {
		next[tool.FullName()] = &entry{
			ServerName:   tool.ServerName,
			OriginalName: tool.Name,
			Description:  tool.Description,
			InputSchema:  tool.InputSchema,
			Embedding:    vectors[i],
			ContentHash:  metamcp.ContentHash(tool.Name, tool.Title, tool.Description),
		}
	}
	idx.namespaces[namespaceUUID] = next

	logger.Debugf("Indexed namespace %s: %d tools total, %d re-embedded", namespaceUUID, len(next), len(changed))
	return nil
}

// Search embeds the query and returns tools whose cosine similarity meets
// the threshold, sorted by score descending and truncated to limit.
// A limit <= 0 uses DefaultLimit; limits above MaxLimit are capped.
// A threshold <= 0 uses DefaultThreshold.
func (idx *Index) Search(ctx context.Context, namespaceUUID uuid.UUID, query string, limit int, threshold float64) ([]Match, error) {
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", metamcp.ErrValidation)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	queryVec, err := idx.provider.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	matches := make([]Match, 0, limit)
	for fullName, e := range idx.namespaces[namespaceUUID] {
		score := CosineSimilarity(queryVec, e.Embedding)
		if score < threshold {
			continue
		}
		matches = append(matches, Match{
			Name:        fullName,
			ServerName:  e.ServerName,
			Description: e.Description,
			InputSchema: e.InputSchema,
			Score:       score,
		})
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Name < matches[j].Name
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Stats reports the number of indexed tools per namespace.
func (idx *Index) Stats() map[uuid.UUID]int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	stats := make(map[uuid.UUID]int, len(idx.namespaces))
	for ns, tools := range idx.namespaces {
		stats[ns] = len(tools)
	}
	return stats
}

// ClearNamespace drops the index for one namespace.
func (idx *Index) ClearNamespace(namespaceUUID uuid.UUID) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.namespaces, namespaceUUID)
}

// ClearAll drops every namespace index.
func (idx *Index) ClearAll() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.namespaces = make(map[uuid.UUID]map[string]*entry)
}
