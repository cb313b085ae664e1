package endpoint

import (
	"fmt"
	"net/url"
	"strings"
	"unicode"
)

// Default in-cluster service names for Kubeflow Pipelines. The API server
// and the UI frontend are separate services; operators configure one
// endpoint and UI traffic is re-pointed at the parallel UI service.
const (
	APIServiceHost = "ml-pipeline"
	UIServiceHost  = "ml-pipeline-ui"

	// Documented default ports for the two services. When the configured
	// port matches either, the derived UI origin drops the port entirely
	// and relies on the scheme default.
	APIServiceDefaultPort = "8888"
	UIServiceDefaultPort  = "80"
)

// InvalidEndpointError reports a user-supplied endpoint that cannot be
// normalized. The message is returned verbatim to API callers.
type InvalidEndpointError struct {
	Reason string
}

func (e *InvalidEndpointError) Error() string {
	return e.Reason
}

func invalidEndpoint(format string, args ...any) error {
	return &InvalidEndpointError{Reason: fmt.Sprintf(format, args...)}
}

// Normalize validates a user-supplied base URL and reduces it to the form
// scheme://host[:port][/path] with no trailing slash and no query or
// fragment. An empty input normalizes to the empty string (not configured).
//
// localhost and 127.0.0.1 without an explicit port are rejected: such
// endpoints are a common misconfiguration that fails silently much later,
// deep inside a proxied call.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	for _, r := range raw {
		if unicode.IsSpace(r) {
			return "", invalidEndpoint("Endpoint must not contain whitespace.")
		}
	}

	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", invalidEndpoint("Endpoint must look like 'http(s)://host:port'.")
	}

	hostname := parsed.Hostname()
	if parsed.Port() == "" && (hostname == "localhost" || hostname == "127.0.0.1") {
		return "", invalidEndpoint(
			"For localhost, include an explicit port (e.g. http://%s:8080).", hostname)
	}

	path := strings.TrimRight(parsed.Path, "/")

	return parsed.Scheme + "://" + parsed.Host + path, nil
}

// ResolveUIOrigin derives the UI-service origin from a normalized API
// endpoint. If the host is the Kubeflow Pipelines API service (or a
// qualified form of it, e.g. ml-pipeline.kubeflow.svc.cluster.local), the
// host label is swapped for the UI service name. A port matching either
// service's documented default is dropped so the UI origin uses the scheme
// default. Hosts that do not reference the API service pass through
// unchanged.
func ResolveUIOrigin(normalized string) string {
	if normalized == "" {
		return ""
	}

	parsed, err := url.Parse(normalized)
	if err != nil {
		return normalized
	}

	hostname := parsed.Hostname()
	if hostname != APIServiceHost && !strings.HasPrefix(hostname, APIServiceHost+".") {
		return normalized
	}

	uiHost := UIServiceHost + strings.TrimPrefix(hostname, APIServiceHost)

	port := parsed.Port()
	if port == APIServiceDefaultPort || port == UIServiceDefaultPort {
		port = ""
	}
	if port != "" {
		uiHost = uiHost + ":" + port
	}

	path := strings.TrimRight(parsed.Path, "/")

	return parsed.Scheme + "://" + uiHost + path
}
