// Package handlers implements the HTTP handlers of the platform API:
// authorization (tokens, entities, roles, providers), groundstation
// control and terminals, and the system log.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/discosat/satop-platform/internal/auth"
	"github.com/discosat/satop-platform/internal/gs"
	"github.com/discosat/satop-platform/internal/store"
	"github.com/discosat/satop-platform/internal/syslog"
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Auth      *auth.Authorization
	Store     store.Store
	Syslog    *syslog.Syslog
	Connector *gs.Connector
}

// New creates a Handlers instance.
func New(a *auth.Authorization, sl *syslog.Syslog, connector *gs.Connector) *Handlers {
	return &Handlers{
		Auth:      a,
		Store:     a.Store(),
		Syslog:    sl,
		Connector: connector,
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
