// Package proxy implements the shared request-forwarding primitive behind
// all three gateway entry points: it builds the upstream call, filters
// headers, relays the body, and rewrites addressing headers so that
// subsequent client-issued requests stay inside the authenticated prefix.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultRequestTimeout = 60 * time.Second
)

// hopByHopHeaders must never cross the proxy in either direction. Host is
// included because the upstream client sets its own.
var hopByHopHeaders = map[string]bool{
	"host":                true,
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// IsHopByHop reports whether a header is hop-by-hop and must be dropped.
func IsHopByHop(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// Request describes one forwarding call. Nothing is retained past the call.
type Request struct {
	Method string

	// TargetURL is the fully built upstream URL, query string included.
	TargetURL string

	// Header is the inbound header set; hop-by-hop entries are filtered
	// during forwarding.
	Header http.Header

	// Body is the inbound request body. Attached for POST/PUT/PATCH
	// always; for DELETE only when non-empty.
	Body []byte

	// BearerToken, when non-empty, overrides any forwarded Authorization
	// header.
	BearerToken string
}

// Response is the upstream reply as seen before header rewriting.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte

	// Duration is how long the upstream call took, for logging.
	Duration time.Duration
}

// UpstreamError is a transport-level failure talking to the upstream
// (refused connection, TLS failure, timeout). It maps to 502 with a
// structured JSON body naming the error type and the computed upstream URL
// so an operator can diagnose the misconfiguration.
type UpstreamError struct {
	URL  string
	Type string
	Err  error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream request to %s failed: %v", e.URL, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Core is the request-forwarding primitive shared by the UI, API, and
// root-fallback handlers. It is safe for concurrent use; each forwarding
// call is independent and carries its own timeouts.
type Core struct {
	client         *http.Client
	requestTimeout time.Duration
}

func NewCore(connectTimeout, requestTimeout time.Duration) *Core {
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Core{
		client: &http.Client{
			Transport: transport,
			// Redirects are relayed, not followed: the caller must see
			// the Location header to rewrite it into the mount prefix.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		requestTimeout: requestTimeout,
	}
}

// Forward performs one upstream call. The inbound request context is the
// parent, so a client disconnect abandons the upstream call; the total
// request timeout is layered on top. No retries, ever: a proxy must not
// silently double-submit mutating calls to an orchestration backend.
func (c *Core) Forward(ctx context.Context, req Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	var body io.Reader
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		body = bytes.NewReader(req.Body)
	case http.MethodDelete:
		// Most DELETE calls carry no body; only attach one when the
		// client actually sent bytes.
		if len(req.Body) > 0 {
			body = bytes.NewReader(req.Body)
		}
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, req.Method, req.TargetURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request for %s: %w", req.TargetURL, err)
	}

	for key, values := range req.Header {
		if IsHopByHop(key) {
			continue
		}
		for _, value := range values {
			upstreamReq.Header.Add(key, value)
		}
	}

	if req.BearerToken != "" {
		upstreamReq.Header.Set("Authorization", "Bearer "+req.BearerToken)
	}

	startTime := time.Now()
	resp, err := c.client.Do(upstreamReq)
	duration := time.Since(startTime)
	if err != nil {
		errType := classifyTransportError(err)
		UpstreamErrorsTotal.WithLabelValues(errType).Inc()
		log.Error().
			Err(err).
			Str("method", req.Method).
			Str("upstream", req.TargetURL).
			Dur("duration", duration).
			Msg("upstream request failed")
		return nil, &UpstreamError{URL: req.TargetURL, Type: errType, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		UpstreamErrorsTotal.WithLabelValues("body_read").Inc()
		return nil, &UpstreamError{URL: req.TargetURL, Type: "body_read", Err: err}
	}

	UpstreamRequestsTotal.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	UpstreamRequestDurationSeconds.WithLabelValues(req.Method).Observe(duration.Seconds())

	log.Info().
		Str("method", req.Method).
		Str("upstream", req.TargetURL).
		Int("status", resp.StatusCode).
		Int("bytes", len(respBody)).
		Dur("duration", duration).
		Msg("upstream request complete")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
		Duration:   duration,
	}, nil
}

func classifyTransportError(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		var urlErr *url.Error
		var opErr *net.OpError
		if errors.As(err, &urlErr) && errors.As(urlErr.Err, &opErr) {
			return "connection"
		}
		return "transport"
	}
}

// JoinURL concatenates an origin and a path with exactly one slash between
// them, preserving the query string handling to the caller.
func JoinURL(origin, path string) string {
	origin = strings.TrimRight(origin, "/")
	if path == "" {
		return origin
	}
	return origin + "/" + strings.TrimLeft(path, "/")
}
