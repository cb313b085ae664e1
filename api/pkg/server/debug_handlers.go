package server

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/kfpbridge/kfpbridge/api/pkg/kfp"
	"github.com/kfpbridge/kfpbridge/api/pkg/proxy"
	"github.com/kfpbridge/kfpbridge/api/pkg/system"
	"github.com/kfpbridge/kfpbridge/api/pkg/types"
)

// debugHandler reports the caller's effective configuration and the result
// of a short healthz round trip against the configured endpoint: 400 when
// nothing is configured, 502 when the probe cannot reach the backend, 200
// with latency and status otherwise.
func (s *Server) debugHandler(w http.ResponseWriter, r *http.Request) {
	user := getRequestUser(r)
	cfg := s.Store.GetOrCreate(user.ID)

	if cfg.Endpoint == "" {
		system.WriteError(w, http.StatusBadRequest, "No endpoint configured")
		return
	}

	resp := types.DebugResponse{
		Config:       cfg.Public(),
		TestEndpoint: proxy.JoinURL(cfg.Endpoint, "apis/v2beta1/healthz"),
	}

	result, err := s.kfpClient(cfg).Healthz(r.Context(), s.Cfg.KFP.ProbeTimeout)
	if err != nil {
		resp.Connectivity = "FAILED"
		resp.Error = err.Error()
		resp.ErrorType = probeErrorType(err)
		system.WriteJSON(w, http.StatusBadGateway, resp)
		return
	}

	resp.Connectivity = "SUCCESS"
	resp.StatusCode = result.StatusCode
	resp.Body = result.Body
	resp.LatencyMS = float64(result.Latency.Microseconds()) / 1000.0
	system.WriteJSON(w, http.StatusOK, resp)
}

func probeErrorType(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	default:
		return "connection"
	}
}

// kfpClient builds a backend client from per-user configuration and the
// process-wide scan bounds.
func (s *Server) kfpClient(cfg types.UserConfig) *kfp.Client {
	return kfp.New(cfg.Endpoint, cfg.Token,
		kfp.WithScanBounds(s.Cfg.KFP.ScanPageSize, s.Cfg.KFP.ScanMaxPages))
}
