package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ServiceProfile is the §3 Service Profile record: a per-provider
// configuration snapshot read once at startup (or on hot-reload) and
// looked up by name when dispatching a converted request upstream.
// Grounded on the same plain encoding/json file-loading idiom
// internal/registry/profile.go uses for the conversion-profile table,
// since both are small, rarely-changing JSON documents rather than the
// process-wide env/yaml surface viper manages.
type ServiceProfile struct {
	ID                  string            `json:"-"`
	DefaultBaseURL      string            `json:"defaultBaseURL"`
	DefaultEndpointPath string            `json:"defaultEndpointPath"`
	DefaultModel        string            `json:"defaultModel"`
	Family              string            `json:"family"`
	DefaultHeaders      map[string]string `json:"defaultHeaders,omitempty"`

	TimeoutMS              int `json:"timeoutMs"`
	Retries                int `json:"retries"`
	StreamIdleTimeoutMS    int `json:"streamIdleTimeoutMs"`
	StreamHeadersTimeoutMS int `json:"streamHeadersTimeoutMs"`

	IsGLM bool `json:"isGLM,omitempty"`

	Auth ServiceAuth `json:"auth"`
}

// ServiceAuth names which auth mode a Service Profile requires and where
// to find the credential material for it.
type ServiceAuth struct {
	Kind string `json:"kind"` // "bearer" | "x-api-key" | "oauth"

	APIKeyEnv string `json:"apiKeyEnv,omitempty"`

	OAuthProviderID   string   `json:"oauthProviderId,omitempty"`
	OAuthTokenPath    string   `json:"oauthTokenPath,omitempty"`
	OAuthClientID     string   `json:"oauthClientId,omitempty"`
	OAuthClientSecret string   `json:"oauthClientSecret,omitempty"`
	OAuthTokenURL     string   `json:"oauthTokenUrl,omitempty"`
	OAuthScopes       []string `json:"oauthScopes,omitempty"`
	OAuthSkewSeconds  int      `json:"oauthSkewSeconds,omitempty"`
}

// Timeout returns TimeoutMS as a time.Duration.
func (p *ServiceProfile) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

// StreamIdleTimeout returns StreamIdleTimeoutMS as a time.Duration.
func (p *ServiceProfile) StreamIdleTimeout() time.Duration {
	return time.Duration(p.StreamIdleTimeoutMS) * time.Millisecond
}

// StreamHeadersTimeout returns StreamHeadersTimeoutMS as a time.Duration.
func (p *ServiceProfile) StreamHeadersTimeout() time.Duration {
	return time.Duration(p.StreamHeadersTimeoutMS) * time.Millisecond
}

// APIKey resolves the plain API key for bearer/x-api-key auth from the
// configured environment variable.
func (p *ServiceProfile) APIKey() string {
	if p.Auth.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.Auth.APIKeyEnv)
}

type serviceProfileFile struct {
	Providers map[string]*ServiceProfile `json:"providers"`
}

// LoadServiceProfiles reads the provider-configuration file at path.
func LoadServiceProfiles(path string) (map[string]*ServiceProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service profile file %s: %w", path, err)
	}
	var pf serviceProfileFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse service profile file %s: %w", path, err)
	}
	for id, p := range pf.Providers {
		p.ID = id
		if p.TimeoutMS <= 0 {
			p.TimeoutMS = 30000
		}
		if p.Retries <= 0 {
			p.Retries = 1
		}
		if p.StreamIdleTimeoutMS <= 0 {
			p.StreamIdleTimeoutMS = 30000
		}
		if p.StreamHeadersTimeoutMS <= 0 {
			p.StreamHeadersTimeoutMS = 15000
		}
	}
	return pf.Providers, nil
}
