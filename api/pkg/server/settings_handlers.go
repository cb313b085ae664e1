package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/kfpbridge/kfpbridge/api/pkg/system"
	"github.com/kfpbridge/kfpbridge/api/pkg/types"
)

// getSettings returns the caller's configuration. The token itself is never
// echoed back, only whether one is stored.
func (s *Server) getSettings(_ http.ResponseWriter, req *http.Request) (types.UserConfigPublic, *system.HTTPError) {
	user := getRequestUser(req)
	return s.Store.GetOrCreate(user.ID).Public(), nil
}

// updateSettings applies a partial configuration update. The token field is
// three-state (absent keeps, empty clears, value replaces), which
// encoding/json cannot express on its own, so the raw body is first probed
// for key presence.
func (s *Server) updateSettings(_ http.ResponseWriter, req *http.Request) (types.SettingsResponse, *system.HTTPError) {
	user := getRequestUser(req)

	body, err := io.ReadAll(io.LimitReader(req.Body, 1<<20))
	if err != nil {
		return types.SettingsResponse{}, system.NewHTTPError400("failed to read request body")
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return types.SettingsResponse{}, system.NewHTTPError400("Invalid JSON body.")
	}

	var update types.SettingsUpdateRequest
	if err := json.Unmarshal(body, &update); err != nil {
		return types.SettingsResponse{}, system.NewHTTPError400("Invalid JSON body.")
	}
	_, update.TokenSet = raw["token"]

	cfg, err := s.Store.Update(user.ID, update)
	if err != nil {
		// Validation messages are shown verbatim in the settings form.
		return types.SettingsResponse{}, system.NewHTTPError400(err.Error())
	}

	log.Info().
		Str("user_id", user.ID).
		Str("namespace", cfg.Namespace).
		Bool("has_endpoint", cfg.Endpoint != "").
		Bool("has_token", cfg.Token != "").
		Msg("settings updated")

	return types.SettingsResponse{
		Status: "success",
		Config: cfg.Public(),
	}, nil
}
