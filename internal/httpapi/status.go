package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// statusResponse is the read-only operational snapshot exposed at
// GET /internal/status (a supplemented feature: the original distillation
// never names a status surface, but every provider-routing proxy in the
// example pack exposes one, and the OAuth/circuit-breaker states already
// tracked internally are otherwise invisible to an operator).
type statusResponse struct {
	PendingBindings int                    `json:"pendingBindings"`
	Providers       []providerStatusEntry  `json:"providers"`
}

type providerStatusEntry struct {
	ServiceProfileID string `json:"serviceProfileId"`
	Family           string `json:"family"`
	OAuthState       string `json:"oauthState,omitempty"`
	CircuitState     string `json:"circuitState"`
}

func (s *Server) handleStatus(c *gin.Context) {
	entries := make([]providerStatusEntry, 0, len(s.serviceProfiles))
	for id, sp := range s.serviceProfiles {
		entry := providerStatusEntry{
			ServiceProfileID: id,
			Family:           sp.Family,
			CircuitState:     s.dispatcher.CircuitState(id).String(),
		}
		if sp.Auth.Kind == "oauth" {
			entry.OAuthState = string(s.oauthMgr.State(sp.Auth.OAuthProviderID))
		}
		entries = append(entries, entry)
	}

	c.JSON(http.StatusOK, statusResponse{
		PendingBindings: s.registry.PendingBindings(),
		Providers:       entries,
	})
}
