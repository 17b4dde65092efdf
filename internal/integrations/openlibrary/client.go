// Package openlibrary is a focused client for the Open Library search API,
// the external book catalog behind the resolver.
package openlibrary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	gocache "github.com/patrickmn/go-cache"
)

// Doc is one raw catalog hit from search.json, limited to the fields the
// pipeline consumes.
type Doc struct {
	Title               string   `json:"title"`
	AuthorName          []string `json:"author_name"`
	NumberOfPagesMedian int      `json:"number_of_pages_median"`
	FirstPublishYear    int      `json:"first_publish_year"`
	RatingsAverage      float64  `json:"ratings_average"`
	RatingsCount        int      `json:"ratings_count"`
	RatingsCount1       int      `json:"ratings_count_1"`
	RatingsCount2       int      `json:"ratings_count_2"`
	RatingsCount3       int      `json:"ratings_count_3"`
	RatingsCount4       int      `json:"ratings_count_4"`
	RatingsCount5       int      `json:"ratings_count_5"`
}

type searchResponse struct {
	NumFound int   `json:"numFound"`
	Docs     []Doc `json:"docs"`
}

// Query describes one search.json call. Exactly one of Q or Subject should
// be set; Author narrows either.
type Query struct {
	Q       string
	Subject string
	Author  string
	Limit   int
}

// HTTPStatusError captures non-2xx catalog responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openlibrary: unexpected status %d from %s", e.StatusCode, e.URL)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

const (
	defaultBaseURL = "https://openlibrary.org"
	// The catalog answers fast or not at all.
	defaultTimeout = 5 * time.Second

	cacheTTL     = 5 * time.Minute
	cacheSweep   = 10 * time.Minute
	retryInitial = 200 * time.Millisecond
	maxRetries   = 1
)

// requestedFields limits the response payload to what the resolver shapes
// into BookRecords.
var requestedFields = strings.Join([]string{
	"title", "author_name", "number_of_pages_median", "first_publish_year",
	"ratings_average", "ratings_count", "ratings_count_1", "ratings_count_2",
	"ratings_count_3", "ratings_count_4", "ratings_count_5",
}, ",")

// Client queries the Open Library search endpoint with a bounded timeout, a
// short-lived in-process response cache, and one retry with backoff on
// failure.
type Client struct {
	baseURL    string
	httpClient *http.Client
	cache      *gocache.Cache
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a catalog client with defaults suitable for production.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: defaultTimeout},
		cache:      gocache.New(cacheTTL, cacheSweep),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search issues one catalog query. Results are cached per request URL; a
// failed call is retried once with backoff before the error is surfaced.
func (c *Client) Search(ctx context.Context, q Query) ([]Doc, error) {
	if strings.TrimSpace(q.Q) == "" && strings.TrimSpace(q.Subject) == "" {
		return nil, errors.New("openlibrary: query needs a q or subject term")
	}

	reqURL := c.searchURL(q)
	if cached, ok := c.cache.Get(reqURL); ok {
		return cached.([]Doc), nil
	}

	var docs []Doc
	operation := func() error {
		var err error
		docs, err = c.doSearch(ctx, reqURL)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitial
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, maxRetries), ctx)); err != nil {
		return nil, err
	}

	c.cache.Set(reqURL, docs, gocache.DefaultExpiration)
	return docs, nil
}

func (c *Client) searchURL(q Query) string {
	vals := url.Values{}
	if s := strings.TrimSpace(q.Q); s != "" {
		vals.Set("q", s)
	}
	if s := strings.TrimSpace(q.Subject); s != "" {
		vals.Set("subject", s)
	}
	if s := strings.TrimSpace(q.Author); s != "" {
		vals.Set("author", s)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	vals.Set("limit", strconv.Itoa(limit))
	vals.Set("fields", requestedFields)
	return c.baseURL + "/search.json?" + vals.Encode()
}

func (c *Client) doSearch(ctx context.Context, reqURL string) ([]Doc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("openlibrary: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openlibrary: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: reqURL}
	}

	raw, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("openlibrary: read response body: %w", err)
	}

	var payload searchResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("openlibrary: decode response: %w", err)
	}
	return payload.Docs, nil
}
