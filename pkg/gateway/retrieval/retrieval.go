// Package retrieval defines the boundary to the knowledge-base
// collaborator. The core treats it as opaque and failure-tolerant: a
// retrieval error degrades a turn, it never tears a session down.
package retrieval

import "context"

// Source is one grounding passage retrieved from the knowledge base.
type Source struct {
	ID         string `json:"chunk_id"`
	Title      string `json:"title,omitempty"`
	Content    string `json:"chunk"`
	SourceFile string `json:"source_file,omitempty"`
}

// Searcher answers free-text queries against the knowledge base.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Source, error)
}

// Fetcher resolves known passage identifiers back to full sources, used
// when the model cites passages it was shown.
type Fetcher interface {
	FetchByIDs(ctx context.Context, ids []string) ([]Source, error)
}
