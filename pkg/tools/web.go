package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sipeed/llmbot/pkg/logger"
)

const (
	searchUserAgent     = "LLMBot/1.0"
	searchTimeout       = 30 * time.Second
	defaultSearchLimit  = 10
	defaultSearXNGURL   = "http://localhost:8080/search"
	missingSnippetLabel = "No snippet available"
)

type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

type SearchProvider interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// SearXNGSearchProvider queries a SearXNG instance's JSON API.
type SearXNGSearchProvider struct {
	endpoint string
	client   *http.Client
}

func NewSearXNGSearchProvider(endpoint string) *SearXNGSearchProvider {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = defaultSearXNGURL
	}
	return &SearXNGSearchProvider{
		endpoint: endpoint,
		client:   &http.Client{Timeout: searchTimeout},
	}
}

func (p *SearXNGSearchProvider) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	q.Set("format", "json")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", searchUserAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search endpoint returned status %d", resp.StatusCode)
	}

	var searchResp struct {
		Results []struct {
			Title   string  `json:"title"`
			URL     string  `json:"url"`
			Content *string `json:"content"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &searchResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	if limit < 0 {
		limit = 0
	}
	results := make([]SearchResult, 0, min(limit, len(searchResp.Results)))
	for i, item := range searchResp.Results {
		if i >= limit {
			break
		}
		snippet := missingSnippetLabel
		if item.Content != nil {
			snippet = *item.Content
		}
		results = append(results, SearchResult{Title: item.Title, URL: item.URL, Snippet: snippet})
	}
	return results, nil
}

type WebSearchTool struct {
	provider SearchProvider
}

func NewWebSearchTool(provider SearchProvider) *WebSearchTool {
	return &WebSearchTool{provider: provider}
}

func (t *WebSearchTool) Name() string {
	return "websearch"
}

func (t *WebSearchTool) Description() string {
	return "Search the web using a local SearXNG instance"
}

func (t *WebSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query string",
			},
			"limit": map[string]any{
				"type":        "integer",
				"description": "Maximum number of results to return (default: 10)",
				"default":     defaultSearchLimit,
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]any) *ToolResult {
	query, err := stringArg(args, "query")
	if err != nil {
		return FailedResult(err)
	}
	limit, err := intArg(args, "limit", defaultSearchLimit)
	if err != nil {
		return FailedResult(err)
	}

	results, err := t.provider.Search(ctx, query, limit)
	if err != nil {
		logger.WarnCF("tool", "Web search failed",
			map[string]any{
				"query": query,
				"error": err.Error(),
			})
		return ErrorResult(fmt.Sprintf("Error performing web search: %v", err)).WithError(err)
	}
	if len(results) == 0 {
		return NewToolResult("No search results found for query: " + query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for '%s':\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, r.Title)
		fmt.Fprintf(&sb, "   URL: %s\n", r.URL)
		fmt.Fprintf(&sb, "   %s\n\n", r.Snippet)
	}
	return NewToolResult(strings.TrimSpace(sb.String()))
}
