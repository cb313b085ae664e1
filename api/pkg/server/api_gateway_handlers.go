package server

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kfpbridge/kfpbridge/api/pkg/proxy"
	"github.com/kfpbridge/kfpbridge/api/pkg/system"
)

const endpointNotConfiguredMessage = "KFP endpoint is not configured in the backend."

// namespaceScopedCollections are the list-style v2beta1 collections that
// return nothing useful without a namespace filter. Item paths (those with
// extra segments) are left alone.
var namespaceScopedCollections = map[string]bool{
	"pipelines":     true,
	"runs":          true,
	"experiments":   true,
	"recurringruns": true,
	"artifacts":     true,
	"executions":    true,
}

// ensureNamespaceQuery injects the caller's namespace into collection list
// requests that did not pin one themselves.
func ensureNamespaceQuery(apiPath string, query url.Values, namespace string) url.Values {
	if !namespaceScopedCollections[strings.Trim(apiPath, "/")] {
		return query
	}
	if strings.TrimSpace(query.Get("namespace")) != "" {
		return query
	}
	out := url.Values{}
	for key, values := range query {
		out[key] = values
	}
	out.Set("namespace", namespace)
	return out
}

// apiGatewayHandler forwards {mount}/proxy/{path} to the configured KFP
// API server as /apis/v2beta1/{path}, attaching the stored bearer token
// and the namespace filter.
func (s *Server) apiGatewayHandler(w http.ResponseWriter, r *http.Request) {
	user := getRequestUser(r)
	cfg := s.Store.GetOrCreate(user.ID)
	if cfg.Endpoint == "" {
		system.WriteError(w, http.StatusBadRequest, endpointNotConfiguredMessage)
		return
	}

	apiPath := mux.Vars(r)["path"]
	query := ensureNamespaceQuery(apiPath, r.URL.Query(), cfg.Namespace)

	target := proxy.JoinURL(cfg.Endpoint, "apis/v2beta1/"+strings.TrimLeft(apiPath, "/"))
	if encoded := query.Encode(); encoded != "" {
		target += "?" + encoded
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
		MountBase:      s.mountBase() + "/proxy",
		UpstreamOrigin: cfg.Endpoint,
		RequestPath:    apiPath,
		KeepEncoding:   true,
	})
}

// relayUpstream writes a forwarded response back to the client: rewritten
// headers, upstream status, untouched body.
func (s *Server) relayUpstream(w http.ResponseWriter, resp *proxy.Response, opts proxy.RelayOptions) {
	proxy.RelayHeaders(w, resp.Header, opts)
	w.WriteHeader(resp.StatusCode)
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return
	}
	_, _ = w.Write(resp.Body)
}
