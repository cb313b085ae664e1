package types

// DefaultNamespace is applied whenever a user has not picked a namespace,
// and is what a namespace update resets to when given an empty value.
const DefaultNamespace = "kubeflow"

// UserConfig is the per-user gateway configuration. One instance exists per
// authenticated identity, created lazily on first access. It is never
// persisted to durable storage and lives for the process lifetime.
type UserConfig struct {
	// Endpoint is the normalized Kubeflow Pipelines base URL
	// (scheme://host[:port][/path], no trailing slash). Empty means
	// not configured.
	Endpoint string

	// Namespace is the Kubernetes namespace injected into list-style
	// API calls. Always non-empty (defaults to DefaultNamespace).
	Namespace string

	// Token is an optional bearer token attached to upstream calls.
	Token string
}

// UserConfigPublic is the JSON shape of a user's configuration as returned
// by the settings endpoint. The token itself is never echoed back.
type UserConfigPublic struct {
	Endpoint  *string `json:"endpoint"`
	Namespace string  `json:"namespace"`
	HasToken  bool    `json:"has_token"`
}

// Public converts a UserConfig into its client-visible form.
func (c UserConfig) Public() UserConfigPublic {
	pub := UserConfigPublic{
		Namespace: c.Namespace,
		HasToken:  c.Token != "",
	}
	if c.Endpoint != "" {
		endpoint := c.Endpoint
		pub.Endpoint = &endpoint
	}
	return pub
}

// User is the authenticated identity attached to each request by the auth
// middleware. ID is a stable per-user identifier; SessionID is the host
// session identifier when one is available (used for bridge credential
// binding) and empty otherwise.
type User struct {
	ID        string
	SessionID string
}

// SettingsUpdateRequest is the POST /settings body. Pointer fields
// distinguish "absent" from "present but empty": an absent endpoint or
// namespace leaves the stored value untouched, while the token follows a
// three-state contract (absent=keep, empty=clear, value=replace).
type SettingsUpdateRequest struct {
	Endpoint  *string `json:"endpoint"`
	Namespace *string `json:"namespace"`
	Token     *string `json:"token"`

	// TokenSet records whether the token key was present in the raw JSON
	// body at all. Populated by the settings handler, not by encoding/json.
	TokenSet bool `json:"-"`
}

// SettingsResponse is the POST /settings success body.
type SettingsResponse struct {
	Status string           `json:"status"`
	Config UserConfigPublic `json:"config"`
}

// ErrorResponse is the uniform JSON error body emitted by every handler.
// Proxy paths add the upstream diagnostic fields; plain API paths leave
// them empty.
type ErrorResponse struct {
	Error       string `json:"error"`
	ErrorType   string `json:"error_type,omitempty"`
	UpstreamURL string `json:"upstream_url,omitempty"`
}

// ImportPipelineRequest is the POST /pipelines/import body.
type ImportPipelineRequest struct {
	PipelineYAML string `json:"pipeline_yaml"`
	PipelineName string `json:"pipeline_name"`
	Description  string `json:"description,omitempty"`
}

// ImportPipelineResponse is returned after a successful pipeline import.
type ImportPipelineResponse struct {
	PipelineID   string `json:"pipeline_id"`
	PipelineName string `json:"pipeline_name"`
	URL          string `json:"url"`
}

// ImportConflictResponse is returned with 409 when a pipeline with the
// requested name already exists, carrying the existing identifier so the
// caller can branch to a "new version" flow.
type ImportConflictResponse struct {
	Error        string `json:"error"`
	PipelineID   string `json:"pipeline_id"`
	PipelineName string `json:"pipeline_name"`
}

// DebugResponse reports the result of the connectivity probe.
type DebugResponse struct {
	Config       UserConfigPublic `json:"config"`
	TestEndpoint string           `json:"test_endpoint"`
	Connectivity string           `json:"connectivity"`
	LatencyMS    float64          `json:"latency_ms,omitempty"`
	StatusCode   int              `json:"status_code,omitempty"`
	Body         string           `json:"body,omitempty"`
	Error        string           `json:"error,omitempty"`
	ErrorType    string           `json:"error_type,omitempty"`
}
