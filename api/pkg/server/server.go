package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/kfpbridge/kfpbridge/api/pkg/auth"
	"github.com/kfpbridge/kfpbridge/api/pkg/bridge"
	"github.com/kfpbridge/kfpbridge/api/pkg/config"
	"github.com/kfpbridge/kfpbridge/api/pkg/proxy"
	"github.com/kfpbridge/kfpbridge/api/pkg/store"
	"github.com/kfpbridge/kfpbridge/api/pkg/system"
)

// rootFallbackPrefixes are the absolute paths the embedded pipelines UI
// requests when its in-page rewriting has not caught a call. They are
// claimed at the server root regardless of the configured mount prefix.
var rootFallbackPrefixes = []string{
	"/ml_metadata.MetadataStoreService/",
	"/system/",
	"/apis/v1beta1/",
	"/apis/v2beta1/",
	"/k8s/",
}

type Server struct {
	Cfg          *config.ServerConfig
	Store        *store.UserConfigStore
	Signer       *bridge.Signer
	Core         *proxy.Core
	authProvider auth.Provider
	router       *mux.Router
}

func NewServer(cfg *config.ServerConfig) (*Server, error) {
	authProvider, err := auth.New(cfg.Auth, cfg.Bridge.Secret)
	if err != nil {
		return nil, err
	}

	signer, err := bridge.NewSigner(cfg.Bridge.Secret, cfg.Bridge.TTL)
	if err != nil {
		return nil, err
	}

	server := &Server{
		Cfg:          cfg,
		Store:        store.NewUserConfigStore(),
		Signer:       signer,
		Core:         proxy.NewCore(cfg.Upstream.ConnectTimeout, cfg.Upstream.RequestTimeout),
		authProvider: authProvider,
	}
	server.router = server.registerRoutes()
	return server, nil
}

// mountBase returns the configured mount prefix with a leading slash and
// no trailing slash. A root mount yields the empty string so route
// templates concatenate cleanly.
func (s *Server) mountBase() string {
	prefix := strings.TrimRight(s.Cfg.WebServer.MountPrefix, "/")
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	return prefix
}

// bridgePrefix is the path claim baked into bridge credentials. Tokens
// minted for one mount prefix never authorize another.
func (s *Server) bridgePrefix() string {
	return s.mountBase() + "/"
}

func (s *Server) registerRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(requestLogMiddleware)
	router.Use(s.extractUserMiddleware)

	// Escaped UI traffic arrives at the server root no matter where the
	// gateway is mounted, so these claims sit outside the mount subrouter.
	for _, prefix := range rootFallbackPrefixes {
		router.PathPrefix(prefix).HandlerFunc(s.rootFallbackHandler)
	}

	base := router
	if mountBase := s.mountBase(); mountBase != "" {
		base = router.PathPrefix(mountBase).Subrouter()
		// The same API families can also arrive already prefixed, e.g. from
		// rewritten pages that prepend the mount without routing through /ui.
		for _, prefix := range rootFallbackPrefixes {
			base.PathPrefix(prefix).HandlerFunc(s.rootFallbackHandler)
		}
	}

	base.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	authed := base.NewRoute().Subrouter()
	authed.Use(requireUser)

	authed.HandleFunc("/settings", system.Wrapper(s.getSettings)).Methods(http.MethodGet)
	authed.HandleFunc("/settings", system.Wrapper(s.updateSettings)).Methods(http.MethodPost)
	authed.HandleFunc("/debug", s.debugHandler).Methods(http.MethodGet)

	authed.HandleFunc("/pipelines/import", s.importPipelineHandler).Methods(http.MethodPost)
	authed.HandleFunc("/runs/{id:[^:/]+}:terminate", s.terminateRunHandler).Methods(http.MethodPost)
	authed.HandleFunc("/runs/{id}", s.getRunHandler).Methods(http.MethodGet)

	authed.HandleFunc("/compile", s.compilerPassthroughHandler).Methods(http.MethodPost)
	authed.HandleFunc("/submit", s.compilerPassthroughHandler).Methods(http.MethodPost)

	authed.HandleFunc("/proxy/{path:.*}", s.apiGatewayHandler)

	authed.HandleFunc("/ui/_path_rewrite.js", s.rewriteScriptHandler).Methods(http.MethodGet)
	authed.HandleFunc("/ui", s.uiGatewayHandler)
	authed.HandleFunc("/ui/{path:.*}", s.uiGatewayHandler)

	return router
}

func (s *Server) Router() http.Handler {
	return s.router
}

// ListenAndServe runs the gateway until the context is cancelled, then
// drains in-flight requests before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listenAddr := net.JoinHostPort(s.Cfg.WebServer.Host, fmt.Sprintf("%d", s.Cfg.WebServer.Port))
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("server shutdown")
		}
	}()

	log.Info().
		Str("address", listenAddr).
		Str("mount_prefix", s.bridgePrefix()).
		Msg("kfpbridge listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
