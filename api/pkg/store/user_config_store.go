package store

import (
	"strings"
	"unicode"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/kfpbridge/kfpbridge/api/pkg/endpoint"
	"github.com/kfpbridge/kfpbridge/api/pkg/types"
)

// DefaultIdentity keys configuration when the host cannot supply a stable
// user identity (single-user dev deployments).
const DefaultIdentity = "default"

// InvalidNamespaceError reports a namespace update that failed validation.
type InvalidNamespaceError struct {
	Reason string
}

func (e *InvalidNamespaceError) Error() string {
	return e.Reason
}

// UserConfigStore holds the per-identity gateway configuration. It is
// created once at process start and passed by reference to every handler;
// entries live for the process lifetime and are never persisted.
//
// Reads and writes for different identities never block each other.
// Updates for the same identity are replace-on-write: the last writer wins
// and there is no merging of concurrent updates.
type UserConfigStore struct {
	configs *xsync.MapOf[string, types.UserConfig]
}

func NewUserConfigStore() *UserConfigStore {
	return &UserConfigStore{
		configs: xsync.NewMapOf[string, types.UserConfig](),
	}
}

func normalizeIdentity(identity string) string {
	if strings.TrimSpace(identity) == "" {
		return DefaultIdentity
	}
	return identity
}

// GetOrCreate returns the configuration for an identity, creating a default
// entry on first access.
func (s *UserConfigStore) GetOrCreate(identity string) types.UserConfig {
	cfg, _ := s.configs.LoadOrStore(normalizeIdentity(identity), types.UserConfig{
		Namespace: types.DefaultNamespace,
	})
	return cfg
}

// Update applies a settings request to an identity's configuration. Each
// field is validated and normalized independently; absent fields leave the
// stored value untouched. The token is three-state: absent keeps it, an
// empty value clears it, and a non-empty value replaces it.
func (s *UserConfigStore) Update(identity string, req types.SettingsUpdateRequest) (types.UserConfig, error) {
	cfg := s.GetOrCreate(identity)

	if req.Endpoint != nil {
		normalized, err := endpoint.Normalize(*req.Endpoint)
		if err != nil {
			return types.UserConfig{}, err
		}
		cfg.Endpoint = normalized
	}

	if req.Namespace != nil {
		ns := strings.TrimSpace(*req.Namespace)
		if ns != "" && containsSpace(ns) {
			return types.UserConfig{}, &InvalidNamespaceError{
				Reason: "Namespace must not contain whitespace.",
			}
		}
		if ns == "" {
			ns = types.DefaultNamespace
		}
		cfg.Namespace = ns
	}

	if req.TokenSet {
		if req.Token != nil {
			cfg.Token = *req.Token
		} else {
			cfg.Token = ""
		}
	}

	s.configs.Store(normalizeIdentity(identity), cfg)
	return cfg, nil
}

// Len reports how many identities have configuration entries.
func (s *UserConfigStore) Len() int {
	return s.configs.Size()
}

func containsSpace(s string) bool {
	return strings.IndexFunc(s, unicode.IsSpace) >= 0
}
