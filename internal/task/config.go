package task

import (
	"fmt"
	"strings"
)

// Adapter kinds accepted by AdapterConfig.
const (
	KindRemote = "remote"
	KindLocal  = "local"
)

// VaultRefPrefix marks an auth token that should be resolved from the vault
// instead of being used literally, e.g. "vault:backend-acme".
const VaultRefPrefix = "vault:"

// AdapterConfig declares one backend for InitializeModels. Remote kinds talk
// HTTP to Endpoint; local kinds run in-process heuristics.
type AdapterConfig struct {
	ModelID       string          `json:"model_id"`
	Kind          string          `json:"kind"`
	Capability    ModelCapability `json:"capability"`
	MaxConcurrent int             `json:"max_concurrent,omitempty"`

	// Remote-only fields. AuthToken may be a literal bearer token or a
	// "vault:<name>" reference; AuthTokenEnv names an env var to read
	// instead. TimeoutMs bounds each backend call.
	Endpoint     string `json:"endpoint,omitempty"`
	AuthToken    string `json:"auth_token,omitempty"`
	AuthTokenEnv string `json:"auth_token_env,omitempty"`
	TimeoutMs    int    `json:"timeout_ms,omitempty"`
}

// IsVaultRef reports whether the configured auth token is a vault reference,
// returning the vault entry name when it is.
func (c AdapterConfig) IsVaultRef() (string, bool) {
	if strings.HasPrefix(c.AuthToken, VaultRefPrefix) {
		return strings.TrimPrefix(c.AuthToken, VaultRefPrefix), true
	}
	return "", false
}

func (c AdapterConfig) Validate() error {
	if c.ModelID == "" {
		return fmt.Errorf("model_id is required")
	}
	switch c.Kind {
	case KindRemote:
		if c.Endpoint == "" {
			return fmt.Errorf("endpoint is required for remote backend %q", c.ModelID)
		}
		if !strings.HasPrefix(c.Endpoint, "http://") && !strings.HasPrefix(c.Endpoint, "https://") {
			return fmt.Errorf("endpoint %q for backend %q must be http(s)", c.Endpoint, c.ModelID)
		}
	case KindLocal:
		if c.Endpoint != "" {
			return fmt.Errorf("endpoint is not accepted for local backend %q", c.ModelID)
		}
	default:
		return fmt.Errorf("unknown kind %q for backend %q", c.Kind, c.ModelID)
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("max_concurrent must be >= 0 for backend %q", c.ModelID)
	}
	if c.TimeoutMs < 0 {
		return fmt.Errorf("timeout_ms must be >= 0 for backend %q", c.ModelID)
	}
	if err := c.Capability.Validate(); err != nil {
		return fmt.Errorf("backend %q: %w", c.ModelID, err)
	}
	return nil
}
