package server

import (
	"io"
	"net/http"
	"path"

	"github.com/kfpbridge/kfpbridge/api/pkg/proxy"
	"github.com/kfpbridge/kfpbridge/api/pkg/system"
)

// compilerPassthroughHandler forwards compile and submit requests to the
// sidecar compiler service. The gateway never interprets the payload; it
// only moves it and the reply.
func (s *Server) compilerPassthroughHandler(w http.ResponseWriter, r *http.Request) {
	if s.Cfg.Compiler.ServiceURL == "" {
		system.WriteError(w, http.StatusPreconditionFailed, "Compiler service is not configured.")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		system.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	operation := path.Base(r.URL.Path)
	resp, err := s.Core.Forward(r.Context(), proxy.Request{
		Method:    r.Method,
		TargetURL: proxy.JoinURL(s.Cfg.Compiler.ServiceURL, operation),
		Header:    r.Header,
		Body:      body,
	})
	if err != nil {
		proxy.WriteForwardError(w, err)
		return
	}

	s.relayUpstream(w, resp, proxy.RelayOptions{
		MountBase:      s.mountBase(),
		UpstreamOrigin: s.Cfg.Compiler.ServiceURL,
		RequestPath:    operation,
		KeepEncoding:   true,
	})
}
