package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kfpbridge/kfpbridge/api/pkg/proxy"
	"github.com/kfpbridge/kfpbridge/api/pkg/system"
)

// getRunHandler fetches a single run's details from the backend.
func (s *Server) getRunHandler(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	resp, ok := s.forwardRunCall(w, r, http.MethodGet, "apis/v2beta1/runs/"+runID, nil)
	if !ok {
		return
	}
	s.relayRunResponse(w, r, resp, resp.Body)
}

// terminateRunHandler asks the backend to stop a running run. The backend
// replies with an empty object on success; an entirely empty reply is
// normalized into an acknowledgement the caller can parse.
func (s *Server) terminateRunHandler(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	resp, ok := s.forwardRunCall(w, r, http.MethodPost, "apis/v2beta1/runs/"+runID+":terminate", []byte("{}"))
	if !ok {
		return
	}

	body := resp.Body
	if resp.StatusCode >= 200 && resp.StatusCode < 300 && len(body) == 0 {
		system.WriteJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"run_id": runID,
		})
		return
	}
	s.relayRunResponse(w, r, resp, body)
}

func (s *Server) forwardRunCall(w http.ResponseWriter, r *http.Request, method, apiPath string, body []byte) (*proxy.Response, bool) {
	user := getRequestUser(r)
	cfg := s.Store.GetOrCreate(user.ID)
	if cfg.Endpoint == "" {
		system.WriteError(w, http.StatusBadRequest, endpointNotConfiguredMessage)
		return nil, false
	}

	header := r.Header.Clone()
	if body != nil {
		header.Set("Content-Type", "application/json")
	}

	resp, err := s.Core.Forward(r.Context(), proxy.Request{
		Method:      method,
		TargetURL:   proxy.JoinURL(cfg.Endpoint, apiPath),
		Header:      header,
		Body:        body,
		BearerToken: cfg.Token,
	})
	if err != nil {
		proxy.WriteForwardError(w, err)
		return nil, false
	}
	return resp, true
}

func (s *Server) relayRunResponse(w http.ResponseWriter, r *http.Request, resp *proxy.Response, body []byte) {
	user := getRequestUser(r)
	cfg := s.Store.GetOrCreate(user.ID)

	proxy.RelayHeaders(w, resp.Header, proxy.RelayOptions{
		MountBase:      s.mountBase(),
		UpstreamOrigin: cfg.Endpoint,
		RequestPath:    r.URL.Path,
		KeepEncoding:   true,
	})
	w.WriteHeader(resp.StatusCode)
	if resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotModified {
		return
	}
	_, _ = w.Write(body)
}
