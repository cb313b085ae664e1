package proxy

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kfpbridge/kfpbridge/api/pkg/system"
	"github.com/kfpbridge/kfpbridge/api/pkg/types"
)

// stripResponseHeaders are never forwarded from upstream verbatim.
// Content-Length and the coding headers are invalidated by body rewriting;
// upstream Set-Cookie must not leak into the gateway's cookie namespace.
var stripResponseHeaders = map[string]bool{
	"content-length":    true,
	"content-encoding":  true,
	"transfer-encoding": true,
	"connection":        true,
	"set-cookie":        true,
	"server":            true,
}

// RelayOptions controls how an upstream response's headers are rewritten
// before being sent to the client.
type RelayOptions struct {
	// MountBase is the gateway's public base path for this traffic family
	// (e.g. "/user/alice/ui"). Location headers are rewritten onto it.
	MountBase string

	// UpstreamOrigin is the normalized upstream base URL the request was
	// sent to; absolute Location values starting with it are rewritten.
	UpstreamOrigin string

	// RequestPath is the proxied path, used to fix mis-tagged static
	// asset content types.
	RequestPath string

	// NoStore forces Cache-Control no-store on the response so stale
	// rewritten HTML is never served from a cache.
	NoStore bool

	// KeepEncoding preserves the upstream Content-Encoding header, for
	// relays that pass the body through untouched.
	KeepEncoding bool
}

// RelayHeaders copies upstream response headers to the client, applying
// the strip set, the Location rewrite, the frame-embedding headers, and
// the content-type overrides.
func RelayHeaders(w http.ResponseWriter, upstream http.Header, opts RelayOptions) {
	header := w.Header()

	for key, values := range upstream {
		lower := strings.ToLower(key)
		if IsHopByHop(key) {
			continue
		}
		if stripResponseHeaders[lower] {
			if lower == "content-encoding" && opts.KeepEncoding {
				header.Set(key, values[0])
			}
			continue
		}
		if lower == "location" {
			header.Set("Location", RewriteLocation(values[0], opts.UpstreamOrigin, opts.MountBase))
			continue
		}
		for _, value := range values {
			header.Add(key, value)
		}
	}

	// The embedding frame must not be hijackable by a third origin.
	header.Set("X-Frame-Options", "SAMEORIGIN")
	header.Set("Content-Security-Policy", "frame-ancestors 'self'")

	if opts.NoStore {
		header.Set("Cache-Control", "no-store")
		header.Set("Pragma", "no-cache")
		header.Set("Expires", "0")
	}

	// Upstream static servers sometimes mis-tag assets.
	switch {
	case strings.HasSuffix(opts.RequestPath, ".js"):
		header.Set("Content-Type", "application/javascript")
	case strings.HasSuffix(opts.RequestPath, ".css"):
		header.Set("Content-Type", "text/css")
	}
}

// RewriteLocation maps an upstream redirect target back under the gateway
// mount. Targets on the upstream origin have the origin replaced with the
// mount base; origin-relative targets are prefixed with the mount base;
// anything else passes through unchanged.
func RewriteLocation(location, upstreamOrigin, mountBase string) string {
	mountBase = strings.TrimRight(mountBase, "/")
	if upstreamOrigin != "" && strings.HasPrefix(location, upstreamOrigin) {
		return mountBase + strings.TrimPrefix(location, upstreamOrigin)
	}
	if strings.HasPrefix(location, "/") {
		return mountBase + location
	}
	return location
}

// WriteForwardError renders a forwarding failure as the structured JSON
// error contract: 502 for transport failures, 500 for anything else. The
// gateway never lets its own error path render an HTML error page.
func WriteForwardError(w http.ResponseWriter, err error) {
	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		system.WriteJSON(w, http.StatusBadGateway, types.ErrorResponse{
			Error:       upstreamErr.Err.Error(),
			ErrorType:   upstreamErr.Type,
			UpstreamURL: upstreamErr.URL,
		})
		return
	}
	log.Error().Err(err).Msg("unexpected proxy failure")
	system.WriteJSON(w, http.StatusInternalServerError, types.ErrorResponse{
		Error:     "proxy failure",
		ErrorType: "internal",
	})
}
