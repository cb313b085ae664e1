package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type ServerConfig struct {
	WebServer WebServer
	Auth      Auth
	Bridge    Bridge
	Upstream  Upstream
	KFP       KFP
	Compiler  Compiler
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

type WebServer struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"SERVER_PORT" default:"8601"`

	// MountPrefix is the path segment the host application serves this
	// gateway under (e.g. "/user/alice"). "/" means the gateway is
	// mounted at the root.
	MountPrefix string `envconfig:"MOUNT_PREFIX" default:"/"`

	// RootFallbackMode controls how prefix-escaping requests at the
	// server root are handled: "proxy" authorizes and forwards them,
	// "redirect" answers 307 to the prefixed path and lets the browser
	// retry under the mount prefix.
	RootFallbackMode string `envconfig:"ROOT_FALLBACK_MODE" default:"proxy"`
}

type Auth struct {
	// Mode selects the host identity provider: "none" (single fixed
	// identity, dev only), "header" (trust an upstream-injected header),
	// or "cookie" (signed session cookie).
	Mode string `envconfig:"AUTH_MODE" default:"none"`

	// IdentityHeader is the header carrying the user name in header mode.
	IdentityHeader string `envconfig:"AUTH_IDENTITY_HEADER" default:"X-Forwarded-User"`

	// SessionCookieName is the host session cookie read in cookie mode
	// and used for bridge credential session binding in every mode.
	SessionCookieName string `envconfig:"AUTH_SESSION_COOKIE" default:"kfpbridge-session"`
}

type Bridge struct {
	// Secret signs bridge credentials. Generated at startup when empty;
	// set it explicitly when running more than one replica.
	Secret string `envconfig:"BRIDGE_SECRET"`

	TTL time.Duration `envconfig:"BRIDGE_TTL" default:"600s"`

	CookieName string `envconfig:"BRIDGE_COOKIE_NAME" default:"kfp-bridge-auth"`
}

type Upstream struct {
	ConnectTimeout time.Duration `envconfig:"UPSTREAM_CONNECT_TIMEOUT" default:"15s"`
	RequestTimeout time.Duration `envconfig:"UPSTREAM_REQUEST_TIMEOUT" default:"60s"`
}

type KFP struct {
	// ScanPageSize and ScanMaxPages bound the client-side fallback scan
	// used to find a pipeline by name when the server-side filter fails.
	ScanPageSize int `envconfig:"KFP_SCAN_PAGE_SIZE" default:"200"`
	ScanMaxPages int `envconfig:"KFP_SCAN_MAX_PAGES" default:"10"`

	ProbeTimeout time.Duration `envconfig:"KFP_PROBE_TIMEOUT" default:"5s"`
}

type Compiler struct {
	// ServiceURL points at the external pipeline compilation/submission
	// service. The gateway only forwards bytes to it.
	ServiceURL string `envconfig:"COMPILER_SERVICE_URL"`
}
