package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kfpbridge/kfpbridge/api/pkg/endpoint"
	"github.com/kfpbridge/kfpbridge/api/pkg/proxy"
	"github.com/kfpbridge/kfpbridge/api/pkg/store"
	"github.com/kfpbridge/kfpbridge/api/pkg/system"
)

// rootFallbackHandler catches API calls the embedded UI issued against the
// server root because the in-page rewriter missed them (gRPC-Web metadata
// calls, TensorBoard probes, early XHRs). In proxy mode it authorizes the
// request and forwards it to the UI origin with the path intact; in
// redirect mode it bounces the caller back under the mount instead.
func (s *Server) rootFallbackHandler(w http.ResponseWriter, r *http.Request) {
	// The intended upstream path is the request path with the mount prefix
	// removed, whether or not the caller happened to include the prefix.
	intendedPath := r.URL.Path
	if mountBase := s.mountBase(); mountBase != "" {
		intendedPath = strings.TrimPrefix(intendedPath, mountBase)
	}

	if s.Cfg.WebServer.RootFallbackMode == "redirect" {
		target := s.mountBase() + "/ui" + intendedPath
		if r.URL.RawQuery != "" {
			target += "?" + r.URL.RawQuery
		}
		w.Header().Set("Cache-Control", "no-store")
		http.Redirect(w, r, target, http.StatusTemporaryRedirect)
		return
	}

	identity, ok := s.authorizeRootFallback(r)
	if !ok {
		log.Debug().Str("path", r.URL.Path).Msg("root fallback request rejected")
		system.WriteError(w, http.StatusForbidden, "Not authorized")
		return
	}

	cfg := s.Store.GetOrCreate(identity)
	if cfg.Endpoint == "" {
		system.WriteError(w, http.StatusPreconditionFailed, endpointNotConfiguredMessage)
		return
	}
	uiOrigin := endpoint.ResolveUIOrigin(cfg.Endpoint)

	target := proxy.JoinURL(uiOrigin, intendedPath)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		system.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	resp, err := s.Core.Forward(r.Context(), proxy.Request{
		Method:      r.Method,
		TargetURL:   target,
		Header:      r.Header,
		Body:        body,
		BearerToken: cfg.Token,
	})
	if err != nil {
		proxy.WriteForwardError(w, err)
		return
	}

	s.relayUpstream(w, resp, proxy.RelayOptions{
		MountBase:      s.mountBase() + "/ui",
		UpstreamOrigin: uiOrigin,
		RequestPath:    intendedPath,
		KeepEncoding:   true,
	})
}

// authorizeRootFallback admits a request when either the host identity
// provider recognizes it or it presents a valid bridge credential. The
// bridge path exists because gRPC-Web calls from the iframe do not always
// carry the host's identity headers.
func (s *Server) authorizeRootFallback(r *http.Request) (string, bool) {
	if user := getRequestUser(r); user != nil {
		return user.ID, true
	}

	cookie, err := r.Cookie(s.Cfg.Bridge.CookieName)
	if err != nil {
		return "", false
	}

	sessionID := ""
	if session, err := r.Cookie(s.Cfg.Auth.SessionCookieName); err == nil {
		sessionID = session.Value
	}

	if !s.Signer.Verify(cookie.Value, s.bridgePrefix(), sessionID) {
		return "", false
	}
	// A bridge credential proves the caller loaded the UI through this
	// gateway but carries no identity of its own; configuration falls back
	// to the default entry, which is the only one in the single-user
	// deployments where identity headers are absent.
	return store.DefaultIdentity, true
}
