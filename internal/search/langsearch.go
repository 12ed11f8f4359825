package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bonzainsights/mragent/internal/httpkit"
)

const langSearchEndpoint = "https://api.langsearch.com/v1/web-search"

// langSearchMaxCount is the largest page LangSearch serves.
const langSearchMaxCount = 10

// LangSearch implements the Provider interface for the LangSearch API.
type LangSearch struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewLangSearch creates a LangSearch provider.
func NewLangSearch(apiKey string) *LangSearch {
	return &LangSearch{
		apiKey:   apiKey,
		endpoint: langSearchEndpoint,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(15 * time.Second),
		),
	}
}

func (l *LangSearch) Name() string { return "langsearch" }

type langSearchRequest struct {
	Query     string `json:"query"`
	Count     int    `json:"count"`
	Freshness string `json:"freshness"`
	Summary   bool   `json:"summary"`
}

// langSearchResponse is the JSON response from the web-search endpoint.
type langSearchResponse struct {
	Data struct {
		WebPages struct {
			Value []langSearchResult `json:"value"`
		} `json:"webPages"`
	} `json:"data"`
}

type langSearchResult struct {
	Name          string `json:"name"`
	URL           string `json:"url"`
	Snippet       string `json:"snippet"`
	DatePublished string `json:"datePublished"`
}

func (l *LangSearch) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	if l.apiKey == "" {
		return nil, fmt.Errorf("langsearch: LANGSEARCH_API_KEY not set")
	}
	count := opts.Count
	if count <= 0 {
		count = DefaultCount
	}

	body, err := json.Marshal(langSearchRequest{
		Query:     query,
		Count:     min(count, langSearchMaxCount),
		Freshness: "noLimit",
	})
	if err != nil {
		return nil, fmt.Errorf("langsearch: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("langsearch: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+l.apiKey)

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("langsearch: request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if err := httpkit.CheckStatus("langsearch", resp); err != nil {
		return nil, err
	}

	var lr langSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("langsearch: decode response: %w", err)
	}

	results := make([]Result, 0, count)
	for i, r := range lr.Data.WebPages.Value {
		if i >= count {
			break
		}
		results = append(results, Result{
			Title:   r.Name,
			URL:     r.URL,
			Snippet: r.Snippet,
			Age:     r.DatePublished,
		})
	}
	return results, nil
}
