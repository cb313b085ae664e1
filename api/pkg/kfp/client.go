// Package kfp is a thin client for the Kubeflow Pipelines structured API.
// The gateway treats the backend as a black box; this client covers only
// the calls the gateway itself needs: pipeline listing/upload for the
// import flow and the health probe for the debug endpoint.
package kfp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kfpbridge/kfpbridge/api/pkg/proxy"
)

const (
	apiPrefix = "apis/v2beta1"

	DefaultScanPageSize = 200
	DefaultScanMaxPages = 10
)

// Pipeline is the subset of the backend's pipeline object the gateway
// reads. The response schema is explicit: the gateway never probes object
// shapes at runtime.
type Pipeline struct {
	PipelineID  string `json:"pipeline_id"`
	DisplayName string `json:"display_name"`
	Description string `json:"description,omitempty"`
}

// ListPipelinesResponse mirrors the backend's list reply.
type ListPipelinesResponse struct {
	Pipelines     []Pipeline `json:"pipelines"`
	NextPageToken string     `json:"next_page_token"`
	TotalSize     int        `json:"total_size"`
}

// ListPipelinesOptions narrows a list call.
type ListPipelinesOptions struct {
	PageSize  int
	PageToken string
	Filter    string
	Namespace string
}

// Client talks to one configured backend endpoint on behalf of one user.
// It is cheap to construct per request from the user's stored config.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	scanPageSize int
	scanMaxPages int
}

// Option tunes a Client.
type Option func(*Client)

// WithScanBounds overrides the fallback scan's page size and page cap.
func WithScanBounds(pageSize, maxPages int) Option {
	return func(c *Client) {
		if pageSize > 0 {
			c.scanPageSize = pageSize
		}
		if maxPages > 0 {
			c.scanMaxPages = maxPages
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// New creates a client for a normalized endpoint. token may be empty.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		scanPageSize: DefaultScanPageSize,
		scanMaxPages: DefaultScanMaxPages,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx reply from the backend.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kfp backend returned %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body io.Reader, contentType string) ([]byte, error) {
	target := proxy.JoinURL(c.baseURL, path)
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request for %s: %w", target, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", target, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", target, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(respBody), 500)}
	}

	return respBody, nil
}

// ListPipelines fetches one page of pipelines.
func (c *Client) ListPipelines(ctx context.Context, opts ListPipelinesOptions) (*ListPipelinesResponse, error) {
	query := url.Values{}
	if opts.PageSize > 0 {
		query.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	if opts.PageToken != "" {
		query.Set("page_token", opts.PageToken)
	}
	if opts.Filter != "" {
		query.Set("filter", opts.Filter)
	}
	if opts.Namespace != "" {
		query.Set("namespace", opts.Namespace)
	}

	body, err := c.do(ctx, http.MethodGet, apiPrefix+"/pipelines", query, nil, "")
	if err != nil {
		return nil, err
	}

	var resp ListPipelinesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode pipeline list: %w", err)
	}
	return &resp, nil
}

// displayNameFilter builds the backend's JSON predicate filter for an
// exact display-name match.
func displayNameFilter(name string) string {
	filter := map[string]any{
		"predicates": []map[string]any{
			{
				"operation":    "EQUALS",
				"key":          "display_name",
				"string_value": name,
			},
		},
	}
	encoded, _ := json.Marshal(filter)
	return string(encoded)
}

// FindPipelineIDByName looks up a pipeline by display name. It first asks
// the backend for a server-side exact-match filter; if that call fails or
// misses, it falls back to an unfiltered paginated scan comparing display
// names client-side, capped at the configured page limit so a misbehaving
// or very large backend cannot drag the gateway into an unbounded scan.
// Returns the empty string when no pipeline has the name.
func (c *Client) FindPipelineIDByName(ctx context.Context, name, namespace string) (string, error) {
	resp, err := c.ListPipelines(ctx, ListPipelinesOptions{
		PageSize:  50,
		Filter:    displayNameFilter(name),
		Namespace: namespace,
	})
	if err == nil {
		for _, p := range resp.Pipelines {
			if p.DisplayName == name {
				return p.PipelineID, nil
			}
		}
		return "", nil
	}
	log.Warn().Err(err).Str("pipeline", name).Msg("filtered pipeline lookup failed, falling back to scan")

	pageToken := ""
	for page := 0; page < c.scanMaxPages; page++ {
		resp, err := c.ListPipelines(ctx, ListPipelinesOptions{
			PageSize:  c.scanPageSize,
			PageToken: pageToken,
			Namespace: namespace,
		})
		if err != nil {
			return "", err
		}
		for _, p := range resp.Pipelines {
			if p.DisplayName == name {
				return p.PipelineID, nil
			}
		}
		if resp.NextPageToken == "" {
			return "", nil
		}
		pageToken = resp.NextPageToken
	}

	log.Warn().
		Str("pipeline", name).
		Int("max_pages", c.scanMaxPages).
		Msg("pipeline scan hit the page cap without a match")
	return "", nil
}

// UploadPipeline registers a new pipeline from a compiled YAML package.
func (c *Client) UploadPipeline(ctx context.Context, pipelineYAML, name, description, namespace string) (*Pipeline, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("uploadfile", "pipeline.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to build upload body: %w", err)
	}
	if _, err := part.Write([]byte(pipelineYAML)); err != nil {
		return nil, fmt.Errorf("failed to write upload body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize upload body: %w", err)
	}

	query := url.Values{}
	query.Set("name", name)
	if description != "" {
		query.Set("description", description)
	}
	if namespace != "" {
		query.Set("namespace", namespace)
	}

	body, err := c.do(ctx, http.MethodPost, apiPrefix+"/pipelines/upload", query, &buf, writer.FormDataContentType())
	if err != nil {
		return nil, err
	}

	var pipeline Pipeline
	if err := json.Unmarshal(body, &pipeline); err != nil {
		return nil, fmt.Errorf("failed to decode uploaded pipeline: %w", err)
	}
	return &pipeline, nil
}

// HealthzResult reports the outcome of the connectivity probe.
type HealthzResult struct {
	StatusCode int
	Body       string
	Latency    time.Duration
}

// Healthz performs the lightweight connectivity probe used by the debug
// endpoint. timeout bounds the whole call.
func (c *Client) Healthz(ctx context.Context, timeout time.Duration) (*HealthzResult, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := proxy.JoinURL(c.baseURL, apiPrefix+"/healthz")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return nil, err
	}

	return &HealthzResult{
		StatusCode: resp.StatusCode,
		Body:       truncate(string(body), 200),
		Latency:    time.Since(start),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
