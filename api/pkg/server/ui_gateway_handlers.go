package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/kfpbridge/kfpbridge/api/pkg/endpoint"
	"github.com/kfpbridge/kfpbridge/api/pkg/proxy"
	"github.com/kfpbridge/kfpbridge/api/pkg/system"
)

// bridgeRewriteSentinel marks an HTML document that already carries the
// injected rewriter, so re-proxied shells are not double-injected.
const bridgeRewriteSentinel = "data-kfp-bridge-rewrite"

// uiGatewayHandler proxies {mount}/ui/{path} to the pipelines UI service
// derived from the caller's endpoint. Every response also refreshes the
// bridge cookie, and the HTML shell gets the path rewriter injected.
func (s *Server) uiGatewayHandler(w http.ResponseWriter, r *http.Request) {
	user := getRequestUser(r)
	cfg := s.Store.GetOrCreate(user.ID)
	if cfg.Endpoint == "" {
		s.setBridgeCookie(w, r, user.SessionID)
		system.WriteError(w, http.StatusPreconditionFailed, endpointNotConfiguredMessage)
		return
	}

	uiOrigin := endpoint.ResolveUIOrigin(cfg.Endpoint)
	uiPath := mux.Vars(r)["path"]
	isShell := uiPath == "" || uiPath == "index.html"

	header := r.Header.Clone()
	if isShell {
		// The shell body gets rewritten below; ask for identity encoding
		// so there is something rewritable to work with.
		header.Del("Accept-Encoding")
	}

	target := proxy.JoinURL(uiOrigin, uiPath)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		system.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	s.setBridgeCookie(w, r, user.SessionID)

	resp, err := s.Core.Forward(r.Context(), proxy.Request{
		Method:      r.Method,
		TargetURL:   target,
		Header:      header,
		Body:        body,
		BearerToken: cfg.Token,
	})
	if err != nil {
		proxy.WriteForwardError(w, err)
		return
	}

	proxy.RelayHeaders(w, resp.Header, proxy.RelayOptions{
		MountBase:      s.mountBase() + "/ui",
		UpstreamOrigin: uiOrigin,
		RequestPath:    uiPath,
		NoStore:        true,
		KeepEncoding:   !isShell,
	})

	out := resp.Body
	if isShell && isHTMLContent(resp.Header) {
		if resp.Header.Get("Content-Encoding") != "" {
			// Upstream compressed anyway; serve it untouched rather than
			// corrupt the stream. The root fallback still covers escapes.
			log.Warn().Str("path", uiPath).Msg("shell arrived encoded, skipping rewriter injection")
			w.Header().Set("Content-Encoding", resp.Header.Get("Content-Encoding"))
		} else {
			out = injectRewriteScript(out, s.mountBase()+"/ui/_path_rewrite.js")
		}
	}

	w.WriteHeader(resp.StatusCode)
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return
	}
	_, _ = w.Write(out)
}

func isHTMLContent(header http.Header) bool {
	return strings.Contains(strings.ToLower(header.Get("Content-Type")), "text/html")
}

// injectRewriteScript inserts the rewriter script tag into an HTML shell,
// just before </head> when one exists. Injection is idempotent on the
// sentinel attribute.
func injectRewriteScript(body []byte, scriptSrc string) []byte {
	if bytes.Contains(body, []byte(bridgeRewriteSentinel)) {
		return body
	}

	tag := fmt.Sprintf(`<script src="%s" %s="1"></script>`, scriptSrc, bridgeRewriteSentinel)

	lower := bytes.ToLower(body)
	if idx := bytes.Index(lower, []byte("</head>")); idx >= 0 {
		out := make([]byte, 0, len(body)+len(tag))
		out = append(out, body[:idx]...)
		out = append(out, tag...)
		out = append(out, body[idx:]...)
		return out
	}

	// Headless document; prepend so the rewriter runs before the app.
	return append([]byte(tag), body...)
}

// setBridgeCookie mints a fresh short-lived bridge credential on every UI
// response so an open iframe never watches its credential expire.
func (s *Server) setBridgeCookie(w http.ResponseWriter, r *http.Request, sessionID string) {
	token, err := s.Signer.Mint(s.bridgePrefix(), sessionID)
	if err != nil {
		log.Error().Err(err).Msg("failed to mint bridge credential")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.Cfg.Bridge.CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(s.Cfg.Bridge.TTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}
