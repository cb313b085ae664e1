package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kfpbridge/kfpbridge/api/pkg/config"
	"github.com/kfpbridge/kfpbridge/api/pkg/types"
)

const testMount = "/user/alice"

func newTestConfig() *config.ServerConfig {
	cfg := &config.ServerConfig{}
	cfg.WebServer.MountPrefix = testMount
	cfg.WebServer.RootFallbackMode = "proxy"
	cfg.Auth.Mode = "none"
	cfg.Auth.IdentityHeader = "X-Forwarded-User"
	cfg.Auth.SessionCookieName = "kfpbridge-session"
	cfg.Bridge.Secret = "test-signing-secret-for-bridge-credentials"
	cfg.Bridge.TTL = time.Minute
	cfg.Bridge.CookieName = "kfp-bridge-auth"
	cfg.Upstream.ConnectTimeout = 2 * time.Second
	cfg.Upstream.RequestTimeout = 5 * time.Second
	cfg.KFP.ScanPageSize = 200
	cfg.KFP.ScanMaxPages = 10
	cfg.KFP.ProbeTimeout = 2 * time.Second
	return cfg
}

func newTestServer(t *testing.T, mutate func(cfg *config.ServerConfig)) *Server {
	t.Helper()
	cfg := newTestConfig()
	if mutate != nil {
		mutate(cfg)
	}
	srv, err := NewServer(cfg)
	require.NoError(t, err)
	return srv
}

// configureEndpoint stores an endpoint for the default identity.
func configureEndpoint(t *testing.T, srv *Server, rawEndpoint, token string) {
	t.Helper()
	update := types.SettingsUpdateRequest{Endpoint: &rawEndpoint}
	if token != "" {
		update.Token = &token
		update.TokenSet = true
	}
	_, err := srv.Store.Update("default", update)
	require.NoError(t, err)
}

func doJSON(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestSettingsLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)

	// Fresh identity: defaults only.
	rec := doJSON(t, srv, http.MethodGet, testMount+"/settings", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pub types.UserConfigPublic
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pub))
	assert.Nil(t, pub.Endpoint)
	assert.Equal(t, "kubeflow", pub.Namespace)
	assert.False(t, pub.HasToken)

	// Configure endpoint and token; the endpoint is normalized and the
	// token acknowledged without being echoed.
	rec = doJSON(t, srv, http.MethodPost, testMount+"/settings",
		`{"endpoint": "ml-pipeline.example.com/pipeline/", "token": "secret-token"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var settings types.SettingsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.Equal(t, "success", settings.Status)
	require.NotNil(t, settings.Config.Endpoint)
	assert.Equal(t, "http://ml-pipeline.example.com/pipeline", *settings.Config.Endpoint)
	assert.True(t, settings.Config.HasToken)
	assert.NotContains(t, rec.Body.String(), "secret-token")

	// Empty token clears it; an absent token key keeps it.
	rec = doJSON(t, srv, http.MethodPost, testMount+"/settings", `{"namespace": "team-a"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.True(t, settings.Config.HasToken, "absent token key must keep the stored token")
	assert.Equal(t, "team-a", settings.Config.Namespace)

	rec = doJSON(t, srv, http.MethodPost, testMount+"/settings", `{"token": ""}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &settings))
	assert.False(t, settings.Config.HasToken, "empty token must clear the stored token")

	// A rejected update leaves everything untouched.
	rec = doJSON(t, srv, http.MethodPost, testMount+"/settings", `{"endpoint": "localhost"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Contains(t, errResp.Error, "port")

	cfg := srv.Store.GetOrCreate("default")
	assert.Equal(t, "http://ml-pipeline.example.com/pipeline", cfg.Endpoint)
	assert.Equal(t, "team-a", cfg.Namespace)
}

func TestAPIGatewayNamespaceInjection(t *testing.T) {
	var seen *url.URL
	var seenAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.URL
		seenAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"runs": []}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil)
	configureEndpoint(t, srv, upstream.URL, "user-token")

	// Collection list without a namespace gets the stored one injected.
	rec := doJSON(t, srv, http.MethodGet, testMount+"/proxy/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/apis/v2beta1/runs", seen.Path)
	assert.Equal(t, "kubeflow", seen.Query().Get("namespace"))
	assert.Equal(t, "Bearer user-token", seenAuth)

	// A caller-pinned namespace wins.
	rec = doJSON(t, srv, http.MethodGet, testMount+"/proxy/runs?namespace=team-b", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "team-b", seen.Query().Get("namespace"))

	// Item paths are not namespace-scoped.
	rec = doJSON(t, srv, http.MethodGet, testMount+"/proxy/runs/run-123", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/apis/v2beta1/runs/run-123", seen.Path)
	assert.Empty(t, seen.Query().Get("namespace"))
}

func TestAPIGatewayWithoutEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodGet, testMount+"/proxy/runs", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "KFP endpoint is not configured")
}

func TestAPIGatewayUpstreamDown(t *testing.T) {
	srv := newTestServer(t, nil)
	configureEndpoint(t, srv, "http://127.0.0.1:1", "")

	rec := doJSON(t, srv, http.MethodGet, testMount+"/proxy/runs", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	var errResp types.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "connection", errResp.ErrorType)
	assert.Contains(t, errResp.UpstreamURL, "127.0.0.1:1")
}

func TestUIGatewayShellInjection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><head><title>Pipelines</title></head><body></body></html>"))
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil)
	configureEndpoint(t, srv, upstream.URL, "")

	rec := doJSON(t, srv, http.MethodGet, testMount+"/ui", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, testMount+"/ui/_path_rewrite.js")
	assert.Equal(t, 1, strings.Count(body, bridgeRewriteSentinel))
	assert.Greater(t, strings.Index(body, "</head>"), strings.Index(body, bridgeRewriteSentinel),
		"script must be injected before </head>")

	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "SAMEORIGIN", rec.Header().Get("X-Frame-Options"))

	var bridgeCookie *http.Cookie
	for _, cookie := range rec.Result().Cookies() {
		if cookie.Name == "kfp-bridge-auth" {
			bridgeCookie = cookie
		}
	}
	require.NotNil(t, bridgeCookie, "every UI response must refresh the bridge cookie")
	assert.True(t, bridgeCookie.HttpOnly)
	assert.True(t, srv.Signer.Verify(bridgeCookie.Value, testMount+"/", ""))
}

func TestUIGatewayAssetPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("console.log('app');"))
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil)
	configureEndpoint(t, srv, upstream.URL, "")

	rec := doJSON(t, srv, http.MethodGet, testMount+"/ui/vendor.bundle.js", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.NotContains(t, rec.Body.String(), bridgeRewriteSentinel)
}

func TestUIAndFallbackPathsAttachBearerToken(t *testing.T) {
	var seenAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil)
	configureEndpoint(t, srv, upstream.URL, "user-token")

	// UI asset fetches carry the stored token just like API calls do.
	rec := doJSON(t, srv, http.MethodGet, testMount+"/ui/app.js", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer user-token", seenAuth)

	// So do escaped gRPC-Web calls landing on the root fallback.
	rec = doJSON(t, srv, http.MethodPost, "/ml_metadata.MetadataStoreService/GetArtifacts", "payload")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Bearer user-token", seenAuth)
}

func TestUIGatewayWithoutEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodGet, testMount+"/ui", "")
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Contains(t, rec.Body.String(), "KFP endpoint is not configured")
}

func TestInjectRewriteScriptIdempotent(t *testing.T) {
	shell := []byte("<html><head></head><body></body></html>")
	once := injectRewriteScript(shell, "/ui/_path_rewrite.js")
	twice := injectRewriteScript(once, "/ui/_path_rewrite.js")
	assert.Equal(t, once, twice)

	headless := injectRewriteScript([]byte("plain"), "/ui/_path_rewrite.js")
	assert.True(t, strings.HasPrefix(string(headless), "<script"))
}

func TestRewriteScriptHandler(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodGet, testMount+"/ui/_path_rewrite.js", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"`+testMount+`"`)
	assert.NotContains(t, rec.Body.String(), "__KFP_BRIDGE_PREFIX__")
}

func TestRootFallbackProxiesAuthorizedTraffic(t *testing.T) {
	var seenPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		w.Header().Set("Content-Type", "application/grpc-web-text")
		_, _ = w.Write([]byte("grpc-reply"))
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil)
	configureEndpoint(t, srv, upstream.URL, "")

	rec := doJSON(t, srv, http.MethodPost, "/ml_metadata.MetadataStoreService/GetArtifacts", "payload")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/ml_metadata.MetadataStoreService/GetArtifacts", seenPath)
	assert.Equal(t, "grpc-reply", rec.Body.String())

	// The same call arriving already prefixed is forwarded with the mount
	// prefix stripped.
	rec = doJSON(t, srv, http.MethodPost, testMount+"/ml_metadata.MetadataStoreService/GetArtifacts", "payload")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/ml_metadata.MetadataStoreService/GetArtifacts", seenPath)
}

func TestRootFallbackBridgeCredential(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	// Header mode: the fallback routes carry no identity header, so only
	// the bridge credential can admit them.
	srv := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.Auth.Mode = "header"
	})
	configureEndpoint(t, srv, upstream.URL, "")

	req := httptest.NewRequest(http.MethodGet, "/apis/v1beta1/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code, "no session and no bridge credential")

	token, err := srv.Signer.Mint(testMount+"/", "")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/apis/v1beta1/healthz", nil)
	req.AddCookie(&http.Cookie{Name: "kfp-bridge-auth", Value: token})
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A credential minted for another mount is refused.
	foreign, err := srv.Signer.Mint("/user/mallory/", "")
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/apis/v1beta1/healthz", nil)
	req.AddCookie(&http.Cookie{Name: "kfp-bridge-auth", Value: foreign})
	rec = httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRootFallbackRedirectMode(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.WebServer.RootFallbackMode = "redirect"
	})

	rec := doJSON(t, srv, http.MethodGet, "/system/cluster-name?v=1", "")
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	assert.Equal(t, testMount+"/ui/system/cluster-name?v=1", rec.Header().Get("Location"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}

func TestImportPipelineConflict(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apis/v2beta1/pipelines", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pipelines": [{"pipeline_id": "existing-id", "display_name": "training"}]}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil)
	configureEndpoint(t, srv, upstream.URL, "")

	rec := doJSON(t, srv, http.MethodPost, testMount+"/pipelines/import",
		`{"pipeline_yaml": "spec: {}", "pipeline_name": "training"}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	var conflict types.ImportConflictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conflict))
	assert.Equal(t, "existing-id", conflict.PipelineID)
	assert.Equal(t, "training", conflict.PipelineName)
}

func TestImportPipelineSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/apis/v2beta1/pipelines":
			_, _ = w.Write([]byte(`{"pipelines": []}`))
		case "/apis/v2beta1/pipelines/upload":
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "training", r.URL.Query().Get("name"))
			_, _ = w.Write([]byte(`{"pipeline_id": "new-id", "display_name": "training"}`))
		default:
			t.Errorf("unexpected upstream path %s", r.URL.Path)
		}
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil)
	configureEndpoint(t, srv, upstream.URL, "")

	rec := doJSON(t, srv, http.MethodPost, testMount+"/pipelines/import",
		`{"pipeline_yaml": "spec: {}", "pipeline_name": "training"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var imported types.ImportPipelineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &imported))
	assert.Equal(t, "new-id", imported.PipelineID)
	assert.Contains(t, imported.URL, "/#/pipelines/details/new-id")
}

func TestImportPipelineValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	configureEndpoint(t, srv, "http://ml-pipeline.example.com", "")

	rec := doJSON(t, srv, http.MethodPost, testMount+"/pipelines/import", `{"pipeline_yaml": "spec: {}"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipeline_name")

	rec = doJSON(t, srv, http.MethodPost, testMount+"/pipelines/import", `{"pipeline_name": "x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "pipeline_yaml")
}

func TestRunRoutes(t *testing.T) {
	var seenMethod, seenPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenMethod = r.Method
		seenPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil)
	configureEndpoint(t, srv, upstream.URL, "")

	rec := doJSON(t, srv, http.MethodGet, testMount+"/runs/run-42", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.MethodGet, seenMethod)
	assert.Equal(t, "/apis/v2beta1/runs/run-42", seenPath)

	rec = doJSON(t, srv, http.MethodPost, testMount+"/runs/run-42:terminate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, http.MethodPost, seenMethod)
	assert.Equal(t, "/apis/v2beta1/runs/run-42:terminate", seenPath)
}

func TestTerminateRunEmptyReply(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil)
	configureEndpoint(t, srv, upstream.URL, "")

	rec := doJSON(t, srv, http.MethodPost, testMount+"/runs/run-42:terminate", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var ack map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, "ok", ack["status"])
	assert.Equal(t, "run-42", ack["run_id"])
}

func TestCompilerPassthrough(t *testing.T) {
	srv := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodPost, testMount+"/compile", `{"source": "pipeline.py"}`)
	require.Equal(t, http.StatusPreconditionFailed, rec.Code)
	assert.Contains(t, rec.Body.String(), "Compiler service is not configured")

	var seenPath, seenBody string
	compiler := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		buf, _ := io.ReadAll(r.Body)
		seenBody = string(buf)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status": "compiled"}`))
	}))
	defer compiler.Close()

	srv = newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.Compiler.ServiceURL = compiler.URL
	})

	rec = doJSON(t, srv, http.MethodPost, testMount+"/compile", `{"source": "pipeline.py"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/compile", seenPath)
	assert.Contains(t, seenBody, "pipeline.py")
	assert.Contains(t, rec.Body.String(), "compiled")
}

func TestDebugProbe(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apis/v2beta1/healthz", r.URL.Path)
		_, _ = w.Write([]byte(`{"multi_user": true}`))
	}))
	defer upstream.Close()

	srv := newTestServer(t, nil)

	rec := doJSON(t, srv, http.MethodGet, testMount+"/debug", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "No endpoint configured")

	configureEndpoint(t, srv, upstream.URL, "")
	rec = doJSON(t, srv, http.MethodGet, testMount+"/debug", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var debug types.DebugResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &debug))
	assert.Equal(t, "SUCCESS", debug.Connectivity)
	assert.Equal(t, http.StatusOK, debug.StatusCode)
	assert.Contains(t, debug.Body, "multi_user")

	// Unreachable backend: the probe outcome is reported with a 502.
	configureEndpoint(t, srv, "http://127.0.0.1:1", "")
	rec = doJSON(t, srv, http.MethodGet, testMount+"/debug", "")
	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &debug))
	assert.Equal(t, "FAILED", debug.Connectivity)
	assert.Equal(t, "connection", debug.ErrorType)
}

func TestRequireUserRejection(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.ServerConfig) {
		cfg.Auth.Mode = "header"
	})

	rec := doJSON(t, srv, http.MethodGet, testMount+"/settings", "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "Not authorized")

	req := httptest.NewRequest(http.MethodGet, testMount+"/settings", nil)
	req.Header.Set("X-Forwarded-User", "alice")
	out := httptest.NewRecorder()
	srv.Router().ServeHTTP(out, req)
	assert.Equal(t, http.StatusOK, out.Code)
}
