// Package oauth keeps OAuth-backed provider credentials usable without
// blocking serving traffic: silent refresh before dispatch, background
// interactive re-auth after an upstream 401, and a state machine per
// provider id to keep concurrent callers from racing each other's refresh.
//
// Grounded on the teacher's CircuitBreaker
// (internal/infrastructure/llm/circuit_breaker.go) for the "small state
// enum behind a mutex, one struct per key" shape, and on
// golang.org/x/oauth2 for the refresh-token exchange itself.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/ngoclaw/protoclaw/internal/credential"
	"github.com/ngoclaw/protoclaw/pkg/apperr"
)

// State is a credential's position in the §4.2 state machine.
type State string

const (
	StateUnknown          State = "unknown"
	StateValid            State = "valid"
	StateExpiring         State = "expiring"
	StateRefreshing       State = "refreshing"
	StateFailed           State = "failed"
	StateBackgroundReauth State = "background_reauth"
)

// AuthConfig describes how to refresh and (if needed) interactively
// reacquire a provider's OAuth credential.
type AuthConfig struct {
	TokenPath    string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	Skew         time.Duration
}

// Options controls a single EnsureValid/HandleUpstreamInvalidToken call.
type Options struct {
	OpenBrowser    bool
	ForceReacquire bool
	AllowBlocking  bool
	OAuthBrowser   string // path/command to launch interactive re-auth (§6 OAUTH_BROWSER)
}

// Manager implements the OAuth Lifecycle Manager (§4.2).
type Manager struct {
	store      *credential.Store
	logger     *zap.Logger
	httpClient *http.Client

	mu          sync.Mutex
	providerMus map[string]*sync.Mutex
	states      map[string]State
}

// New constructs a Manager backed by store for reading/writing token files.
func New(store *credential.Store, logger *zap.Logger) *Manager {
	return &Manager{
		store:       store,
		logger:      logger,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		providerMus: make(map[string]*sync.Mutex),
		states:      make(map[string]State),
	}
}

func (m *Manager) lockFor(providerID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	pm, ok := m.providerMus[providerID]
	if !ok {
		pm = &sync.Mutex{}
		m.providerMus[providerID] = pm
	}
	return pm
}

func (m *Manager) setState(providerID string, s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[providerID] = s
}

// State reports the last observed state for providerID, for the
// /internal/status endpoint.
func (m *Manager) State(providerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.states[providerID]; ok {
		return s
	}
	return StateUnknown
}

// EnsureValid is called before every outbound request. In silent mode
// (OpenBrowser=false, ForceReacquire=false per §4.2) it refreshes the
// token when expiring/expired and a refresh token exists, and never
// attempts interactive re-auth.
func (m *Manager) EnsureValid(ctx context.Context, providerID string, cfg AuthConfig, opts Options) error {
	pm := m.lockFor(providerID)
	pm.Lock()
	defer pm.Unlock()

	snap, err := m.store.Read(cfg.TokenPath)
	if err != nil {
		m.setState(providerID, StateFailed)
		return apperr.Wrap(apperr.KindAuthMissing, "read token file", err)
	}

	state := credential.Evaluate(snap, time.Now(), cfg.Skew)
	switch state.Status {
	case credential.StatusValid:
		m.setState(providerID, StateValid)
		return nil
	case credential.StatusAPIKeyOnly:
		m.setState(providerID, StateValid)
		return nil
	case credential.StatusMissing:
		m.setState(providerID, StateFailed)
		return apperr.New(apperr.KindAuthMissing, "no usable credential")
	}

	if !state.HasRefreshToken || snap.NoRefresh {
		m.setState(providerID, StateFailed)
		return apperr.New(apperr.KindAuthPreflightFatal, "credential expired and cannot be refreshed")
	}

	m.setState(providerID, StateRefreshing)
	if err := m.refresh(ctx, providerID, cfg, snap); err != nil {
		m.setState(providerID, StateFailed)
		return &apperr.Error{
			Kind:       apperr.KindAuthInvalid,
			Message:    "token refresh failed",
			StatusCode: 401,
			Code:       "AUTH_INVALID_TOKEN",
			Cause:      err,
		}
	}
	m.setState(providerID, StateValid)
	return nil
}

// HandleUpstreamInvalidToken is called after an upstream 401-class
// failure. On the serving path AllowBlocking is always false: it attempts
// one more silent refresh if a refresh token is available (replay=true on
// success) and otherwise schedules a background interactive re-auth and
// returns replay=false so the caller fails the current request fast.
func (m *Manager) HandleUpstreamInvalidToken(ctx context.Context, providerID string, cfg AuthConfig, upstreamErr error, opts Options) bool {
	pm := m.lockFor(providerID)

	snap, err := m.store.Read(cfg.TokenPath)
	if err == nil && snap.RefreshToken != "" && !snap.NoRefresh {
		pm.Lock()
		m.setState(providerID, StateRefreshing)
		refreshErr := m.refresh(ctx, providerID, cfg, snap)
		pm.Unlock()
		if refreshErr == nil {
			m.setState(providerID, StateValid)
			return true
		}
	}

	if m.ShouldTriggerInteractive(providerID, upstreamErr) {
		m.setState(providerID, StateBackgroundReauth)
		go m.runInteractive(providerID, cfg, opts)
	} else {
		m.setState(providerID, StateFailed)
	}
	return false
}

// ShouldTriggerInteractive classifies whether a background interactive
// re-auth is worth attempting for this error.
func (m *Manager) ShouldTriggerInteractive(providerID string, err error) bool {
	if err == nil {
		return false
	}
	if apperr.Is(err, apperr.KindAuthPreflightFatal) {
		return false
	}
	return apperr.Is(err, apperr.KindAuthInvalid) || apperr.Is(err, apperr.KindUpstreamStatus)
}

// runInteractive launches the configured OAUTH_BROWSER command as a
// detached process. The serving path never blocks on this — it only runs
// because HandleUpstreamInvalidToken decided a request already failed.
func (m *Manager) runInteractive(providerID string, cfg AuthConfig, opts Options) {
	pm := m.lockFor(providerID)
	pm.Lock()
	defer pm.Unlock()

	if opts.OAuthBrowser == "" {
		m.logger.Warn("interactive re-auth requested but no OAUTH_BROWSER configured",
			zap.String("provider", providerID))
		m.setState(providerID, StateFailed)
		return
	}

	m.logger.Info("launching interactive re-auth", zap.String("provider", providerID))
	cmd := exec.Command(opts.OAuthBrowser, providerID)
	if err := cmd.Start(); err != nil {
		m.logger.Error("interactive re-auth failed to launch", zap.String("provider", providerID), zap.Error(err))
		m.setState(providerID, StateFailed)
		return
	}
	if err := cmd.Wait(); err != nil {
		m.logger.Warn("interactive re-auth process exited with error", zap.String("provider", providerID), zap.Error(err))
		m.setState(providerID, StateFailed)
		return
	}
	m.setState(providerID, StateValid)
}

// refresh performs the actual token-refresh exchange via oauth2 and
// persists the new access/refresh token back to cfg.TokenPath.
func (m *Manager) refresh(ctx context.Context, providerID string, cfg AuthConfig, snap *credential.TokenSnapshot) error {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Endpoint:     oauth2.Endpoint{TokenURL: cfg.TokenURL},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	tokenSource := oauthCfg.TokenSource(ctx, &oauth2.Token{
		AccessToken:  snap.AccessToken,
		RefreshToken: snap.RefreshToken,
		Expiry:       time.UnixMilli(snap.ExpiresAt),
	})

	newToken, err := tokenSource.Token()
	if err != nil {
		return fmt.Errorf("oauth2 refresh: %w", err)
	}

	return persistToken(cfg.TokenPath, snap, newToken)
}

func persistToken(path string, snap *credential.TokenSnapshot, tok *oauth2.Token) error {
	updated := map[string]interface{}{
		"access_token":  tok.AccessToken,
		"refresh_token": firstNonEmptyToken(tok.RefreshToken, snap.RefreshToken),
		"expires_at":    tok.Expiry.UnixMilli(),
		"project_id":    snap.ProjectID,
		"email":         snap.Email,
		"scope":         snap.Scope,
	}
	data, err := json.MarshalIndent(updated, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal refreshed token: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

func firstNonEmptyToken(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
