// Package credential loads and evaluates API-key and OAuth token files.
//
// Grounded on the teacher's pkg/errors error-kind pattern and on the
// factory-registry package's "small, pure function" style
// (internal/infrastructure/llm/provider.go): Evaluate never touches disk,
// so it can be unit tested without a filesystem fixture for every case.
package credential

import (
	"encoding/json"
	"errors"
	"os"
	"time"
)

// Sentinel errors for Store.Read, matched by the §4.1 contract.
var (
	ErrNotFound = errors.New("credential: token file not found")
	ErrParse    = errors.New("credential: token file malformed")
)

// DefaultSkew is the default "expiring soon" window (§4.1).
const DefaultSkew = 60 * time.Second

// TokenSnapshot is the raw parse of a token file (§6 "Token file").
type TokenSnapshot struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // ms since epoch, 0 = unknown/absent
	ProjectID    string
	Email        string
	Scope        string
	NoRefresh    bool
	APIKey       string
}

// rawTokenFile mirrors every recognized on-disk field name (§6), including
// the casing variants real OAuth CLIs have shipped over the years.
type rawTokenFile struct {
	AccessToken       string `json:"access_token"`
	AccessTokenCamel  string `json:"AccessToken"`
	RefreshToken      string `json:"refresh_token"`
	ExpiresAt         int64  `json:"expires_at"`
	ProjectID         string `json:"project_id"`
	ProjectIDCamel    string `json:"projectId"`
	Projects          []struct {
		ProjectID string `json:"projectId"`
	} `json:"projects"`
	Email     string `json:"email"`
	Scope     string `json:"scope"`
	NoRefresh bool   `json:"no_refresh"`
	APIKey    string `json:"api_key"`
}

// Status is the evaluated state of a credential.
type Status string

const (
	StatusValid       Status = "valid"
	StatusExpiring    Status = "expiring"
	StatusExpired     Status = "expired"
	StatusMissing     Status = "missing"
	StatusAPIKeyOnly  Status = "apikey-only"
	StatusRefreshOnly Status = "refresh-only"
)

// TokenState is the §4.1 evaluate() result.
type TokenState struct {
	Status          Status
	ExpiresAt       time.Time
	MsUntilExpiry   int64
	HasAccessToken  bool
	HasRefreshToken bool
	HasAPIKey       bool
	NoRefresh       bool
}

// Store reads token files from disk on demand. It holds no cached state —
// every Read re-parses the file, per the "snapshot once per operation"
// invariant in §4.1.
type Store struct{}

// NewStore constructs a Store. It is stateless; the zero value works too,
// but NewStore documents the intended construction site.
func NewStore() *Store {
	return &Store{}
}

// Read loads and parses the token file at path. Returns ErrNotFound if the
// file is absent, ErrParse if its JSON is malformed. Never fails on expiry —
// expiry is evaluate()'s concern, not Read's.
func (s *Store) Read(path string) (*TokenSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var raw rawTokenFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ErrParse
	}

	snap := &TokenSnapshot{
		AccessToken:  firstNonEmpty(raw.AccessToken, raw.AccessTokenCamel),
		RefreshToken: raw.RefreshToken,
		ExpiresAt:    raw.ExpiresAt,
		ProjectID:    firstNonEmpty(raw.ProjectID, raw.ProjectIDCamel),
		Email:        raw.Email,
		Scope:        raw.Scope,
		NoRefresh:    raw.NoRefresh,
		APIKey:       raw.APIKey,
	}
	if snap.ProjectID == "" && len(raw.Projects) > 0 {
		snap.ProjectID = raw.Projects[0].ProjectID
	}
	return snap, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Evaluate computes a TokenState from snap as of now, using skew as the
// "expiring soon" window. Pure and side-effect free per §4.1's invariant.
func Evaluate(snap *TokenSnapshot, now time.Time, skew time.Duration) TokenState {
	if skew <= 0 {
		skew = DefaultSkew
	}
	if snap == nil {
		return TokenState{Status: StatusMissing}
	}

	hasAccess := snap.AccessToken != ""
	hasRefresh := snap.RefreshToken != ""
	hasAPIKey := snap.APIKey != ""

	state := TokenState{
		HasAccessToken:  hasAccess,
		HasRefreshToken: hasRefresh,
		HasAPIKey:       hasAPIKey,
		NoRefresh:       snap.NoRefresh,
	}

	if !hasAccess {
		switch {
		case hasAPIKey:
			state.Status = StatusAPIKeyOnly
		case hasRefresh:
			state.Status = StatusRefreshOnly
		default:
			state.Status = StatusMissing
		}
		return state
	}

	if snap.ExpiresAt == 0 {
		// No expiry recorded: treat as valid indefinitely.
		state.Status = StatusValid
		return state
	}

	expiresAt := time.UnixMilli(snap.ExpiresAt)
	state.ExpiresAt = expiresAt
	msUntilExpiry := expiresAt.Sub(now).Milliseconds()
	state.MsUntilExpiry = msUntilExpiry

	switch {
	case msUntilExpiry <= 0:
		state.Status = StatusExpired
	case time.Duration(msUntilExpiry)*time.Millisecond <= skew:
		state.Status = StatusExpiring
	default:
		state.Status = StatusValid
	}
	return state
}
