// Package azsearch implements the retrieval boundary against the Azure
// AI Search REST API.
package azsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/voicerag/gateway/pkg/gateway/retrieval"
)

const defaultAPIVersion = "2024-07-01"

// idPattern matches safe passage identifiers; anything else is dropped
// before it can reach a filter expression.
var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_=\-]+$`)

// Fields names the index fields the client reads. Zero values fall back
// to the layout produced by the standard ingestion pipeline.
type Fields struct {
	ID         string
	Content    string
	Title      string
	SourceFile string
	Embedding  string
}

func (f Fields) withDefaults() Fields {
	if f.ID == "" {
		f.ID = "chunk_id"
	}
	if f.Content == "" {
		f.Content = "chunk"
	}
	if f.Title == "" {
		f.Title = "title"
	}
	if f.SourceFile == "" {
		f.SourceFile = "source_file"
	}
	if f.Embedding == "" {
		f.Embedding = "text_vector"
	}
	return f
}

// Options configures the search client.
type Options struct {
	Endpoint   string
	Index      string
	APIKey     string
	APIVersion string
	Fields     Fields
	// SemanticConfiguration, when set, switches queries to semantic
	// ranking.
	SemanticConfiguration string
	// UseVectorQuery adds a vectorizable text query alongside the
	// keyword query for hybrid retrieval.
	UseVectorQuery bool
	// Top bounds how many passages a search returns.
	Top int

	HTTPClient *http.Client
	Logger     *slog.Logger
	Retry      *retrieval.RetryConfig
	Breaker    *retrieval.BreakerConfig
}

// Client talks to one Azure AI Search index. It implements
// retrieval.Searcher and retrieval.Fetcher.
type Client struct {
	endpoint   string
	index      string
	apiKey     string
	apiVersion string
	fields     Fields
	semantic   string
	useVector  bool
	top        int

	httpClient *http.Client
	logger     *slog.Logger
	retryCfg   retrieval.RetryConfig
	breaker    *retrieval.Breaker
}

func NewClient(opts Options) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(opts.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("search endpoint is required")
	}
	if strings.TrimSpace(opts.Index) == "" {
		return nil, fmt.Errorf("search index is required")
	}
	if opts.APIVersion == "" {
		opts.APIVersion = defaultAPIVersion
	}
	if opts.Top <= 0 {
		opts.Top = 5
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	retryCfg := retrieval.DefaultRetryConfig()
	if opts.Retry != nil {
		retryCfg = *opts.Retry
	}
	breakerCfg := retrieval.DefaultBreakerConfig()
	if opts.Breaker != nil {
		breakerCfg = *opts.Breaker
	}
	return &Client{
		endpoint:   endpoint,
		index:      opts.Index,
		apiKey:     strings.TrimSpace(opts.APIKey),
		apiVersion: opts.APIVersion,
		fields:     opts.Fields.withDefaults(),
		semantic:   opts.SemanticConfiguration,
		useVector:  opts.UseVectorQuery,
		top:        opts.Top,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		retryCfg:   retryCfg,
		breaker:    retrieval.NewBreaker(breakerCfg, opts.Logger),
	}, nil
}

// Search runs a hybrid (keyword + optional vector) query and returns the
// top passages.
func (c *Client) Search(ctx context.Context, query string) ([]retrieval.Source, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("query is required")
	}

	body := map[string]any{
		"search": query,
		"top":    c.top,
		"select": strings.Join([]string{c.fields.ID, c.fields.Content}, ","),
	}
	if c.semantic != "" {
		body["queryType"] = "semantic"
		body["semanticConfiguration"] = c.semantic
	} else {
		body["queryType"] = "simple"
	}
	if c.useVector {
		body["vectorQueries"] = []map[string]any{{
			"kind":   "text",
			"text":   query,
			"k":      50,
			"fields": c.fields.Embedding,
		}}
	}
	return c.search(ctx, "search", body)
}

// FetchByIDs resolves passage identifiers via a filter expression. The
// identifier field is filterable but not searchable, so a keyword query
// cannot serve this. Unsafe identifiers are silently dropped.
func (c *Client) FetchByIDs(ctx context.Context, ids []string) ([]retrieval.Source, error) {
	safe := make([]string, 0, len(ids))
	for _, id := range ids {
		if idPattern.MatchString(id) {
			safe = append(safe, id)
		}
	}
	if len(safe) == 0 {
		return nil, nil
	}

	conditions := make([]string, 0, len(safe))
	for _, id := range safe {
		conditions = append(conditions, fmt.Sprintf("%s eq '%s'", c.fields.ID, id))
	}
	body := map[string]any{
		"search": "*",
		"filter": strings.Join(conditions, " or "),
		"top":    len(safe),
		"select": strings.Join([]string{c.fields.ID, c.fields.Title, c.fields.Content, c.fields.SourceFile}, ","),
	}
	return c.search(ctx, "fetch_by_ids", body)
}

func (c *Client) search(ctx context.Context, operation string, body map[string]any) ([]retrieval.Source, error) {
	return retrieval.WithRetry(ctx, c.retryCfg, c.logger, operation, func() ([]retrieval.Source, error) {
		var sources []retrieval.Source
		err := c.breaker.Execute(operation, func() error {
			var err error
			sources, err = c.doSearch(ctx, body)
			return err
		})
		return sources, err
	})
}

func (c *Client) doSearch(ctx context.Context, body map[string]any) ([]retrieval.Source, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/indexes/%s/docs/search?api-version=%s", c.endpoint, c.index, c.apiVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("search error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		Value []map[string]any `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	sources := make([]retrieval.Source, 0, len(decoded.Value))
	for _, doc := range decoded.Value {
		s := retrieval.Source{
			ID:         stringField(doc, c.fields.ID),
			Title:      stringField(doc, c.fields.Title),
			Content:    stringField(doc, c.fields.Content),
			SourceFile: stringField(doc, c.fields.SourceFile),
		}
		if s.SourceFile == "" {
			s.SourceFile = s.Title
		}
		sources = append(sources, s)
	}
	return sources, nil
}

func stringField(doc map[string]any, key string) string {
	v, _ := doc[key].(string)
	return v
}
