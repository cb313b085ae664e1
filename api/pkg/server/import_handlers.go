package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/kfpbridge/kfpbridge/api/pkg/kfp"
	"github.com/kfpbridge/kfpbridge/api/pkg/system"
	"github.com/kfpbridge/kfpbridge/api/pkg/types"
)

// importPipelineHandler uploads a compiled pipeline definition, refusing
// with 409 when the display name is already taken so the caller can offer
// a versioned upload instead of producing a backend duplicate.
func (s *Server) importPipelineHandler(w http.ResponseWriter, r *http.Request) {
	user := getRequestUser(r)
	cfg := s.Store.GetOrCreate(user.ID)
	if cfg.Endpoint == "" {
		system.WriteError(w, http.StatusBadRequest, endpointNotConfiguredMessage)
		return
	}

	var req types.ImportPipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		system.WriteError(w, http.StatusBadRequest, "Invalid JSON body.")
		return
	}
	req.PipelineName = strings.TrimSpace(req.PipelineName)
	if req.PipelineName == "" {
		system.WriteError(w, http.StatusBadRequest, "pipeline_name is required.")
		return
	}
	if strings.TrimSpace(req.PipelineYAML) == "" {
		system.WriteError(w, http.StatusBadRequest, "pipeline_yaml is required.")
		return
	}

	client := s.kfpClient(cfg)

	existingID, err := client.FindPipelineIDByName(r.Context(), req.PipelineName, cfg.Namespace)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}
	if existingID != "" {
		system.WriteJSON(w, http.StatusConflict, types.ImportConflictResponse{
			Error:        fmt.Sprintf("A pipeline named %q already exists.", req.PipelineName),
			PipelineID:   existingID,
			PipelineName: req.PipelineName,
		})
		return
	}

	pipeline, err := client.UploadPipeline(r.Context(), req.PipelineYAML, req.PipelineName, req.Description, cfg.Namespace)
	if err != nil {
		s.writeBackendError(w, err)
		return
	}

	log.Info().
		Str("user_id", user.ID).
		Str("pipeline_id", pipeline.PipelineID).
		Str("pipeline_name", pipeline.DisplayName).
		Msg("pipeline imported")

	system.WriteJSON(w, http.StatusOK, types.ImportPipelineResponse{
		PipelineID:   pipeline.PipelineID,
		PipelineName: pipeline.DisplayName,
		URL:          cfg.Endpoint + "/#/pipelines/details/" + pipeline.PipelineID,
	})
}

// writeBackendError maps a KFP client failure onto the JSON error
// contract: backend rejections keep their status, transport failures
// become 502.
func (s *Server) writeBackendError(w http.ResponseWriter, err error) {
	var apiErr *kfp.APIError
	if errors.As(err, &apiErr) {
		system.WriteError(w, apiErr.StatusCode, apiErr.Body)
		return
	}
	system.WriteJSON(w, http.StatusBadGateway, types.ErrorResponse{
		Error:     err.Error(),
		ErrorType: "connection",
	})
}
