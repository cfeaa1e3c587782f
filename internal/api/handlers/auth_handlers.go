package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/api/apierror"
	"github.com/discosat/satop-platform/internal/api/middleware"
	"github.com/discosat/satop-platform/pkg/models"
)

// MintToken is the admin token endpoint: mints a pair for an existing
// entity without going through an authentication provider.
func (h *Handlers) MintToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EntityID  uuid.UUID `json:"entity_id"`
		ExpiresIn int       `json:"expires_in,omitempty"` // seconds, access token only
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.BadRequest.WithDetail("invalid request body"))
		return
	}

	if _, err := h.Store.GetEntity(r.Context(), req.EntityID); err != nil {
		apierror.Write(w, err)
		return
	}

	if req.ExpiresIn > 0 {
		access, err := h.Auth.Mint(req.EntityID, models.TokenAccess, time.Duration(req.ExpiresIn)*time.Second)
		if err != nil {
			apierror.Write(w, apierror.InternalError.Wrap(err))
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"access_token": access})
		return
	}

	pair, err := h.Auth.MintPair(req.EntityID)
	if err != nil {
		apierror.Write(w, apierror.InternalError.Wrap(err))
		return
	}
	log.Info().Stringer("entity", req.EntityID).Msg("minted token pair")
	respondJSON(w, http.StatusOK, pair)
}

// RefreshToken exchanges a bearer refresh token for a fresh pair.
func (h *Handlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	raw := middleware.BearerToken(r)
	if raw == "" {
		apierror.Write(w, apierror.MissingCredentials)
		return
	}
	pair, err := h.Auth.Refresh(raw)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	respondJSON(w, http.StatusOK, pair)
}

// ── Entities ────────────────────────────────────────────────

func (h *Handlers) ListEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := h.Store.ListEntities(r.Context())
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if entities == nil {
		entities = []models.Entity{}
	}
	respondJSON(w, http.StatusOK, entities)
}

func entityID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "entityID"))
	if err != nil {
		return uuid.Nil, apierror.NotFound.WithDetail("entity not found")
	}
	return id, nil
}

func (h *Handlers) GetEntity(w http.ResponseWriter, r *http.Request) {
	id, err := entityID(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	entity, err := h.Store.GetEntity(r.Context(), id)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

func (h *Handlers) CreateEntity(w http.ResponseWriter, r *http.Request) {
	var req models.NewEntity
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		apierror.Write(w, apierror.BadRequest.WithDetail("invalid entity body"))
		return
	}
	if req.Type == "" {
		req.Type = models.EntityPerson
	}

	entity, err := h.Store.CreateEntity(r.Context(), req)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	log.Info().Stringer("id", entity.ID).Str("name", entity.Name).Msg("entity created")
	respondJSON(w, http.StatusCreated, entity)
}

func (h *Handlers) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	id, err := entityID(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	var req models.NewEntity
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierror.Write(w, apierror.BadRequest.WithDetail("invalid entity body"))
		return
	}
	entity, err := h.Store.UpdateEntity(r.Context(), id, req)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entity)
}

func (h *Handlers) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	id, err := entityID(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if err := h.Store.DeleteEntity(r.Context(), id); err != nil {
		apierror.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ConnectIdentifier binds a provider identity to an entity.
func (h *Handlers) ConnectIdentifier(w http.ResponseWriter, r *http.Request) {
	id, err := entityID(r)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	var req models.ProviderIdentity
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Provider == "" || req.Identity == "" {
		apierror.Write(w, apierror.BadRequest.WithDetail("invalid identifier body"))
		return
	}

	ident := models.AuthenticationIdentifier{Provider: req.Provider, Identity: req.Identity, EntityID: id}
	if err := h.Store.ConnectIdentifier(r.Context(), ident); err != nil {
		apierror.Write(w, err)
		return
	}
	log.Info().Stringer("entity", id).Str("provider", req.Provider).Msg("identifier connected")
	respondJSON(w, http.StatusCreated, ident)
}

// ── Providers ───────────────────────────────────────────────

func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.Auth.Providers())
}

func (h *Handlers) GetProvider(w http.ResponseWriter, r *http.Request) {
	details, err := h.Auth.ProviderDetails(r.Context(), chi.URLParam(r, "provider"))
	if err != nil {
		apierror.Write(w, apierror.NotFound.WithDetail(err.Error()))
		return
	}
	respondJSON(w, http.StatusOK, details)
}

// ── Roles ───────────────────────────────────────────────────

func (h *Handlers) ListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.Store.ListRoles(r.Context())
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	respondJSON(w, http.StatusOK, roles)
}

func (h *Handlers) GetRole(w http.ResponseWriter, r *http.Request) {
	role := chi.URLParam(r, "role")
	scopes, err := h.Store.GetRoleScopes(r.Context(), role)
	if err != nil {
		apierror.Write(w, err)
		return
	}
	if len(scopes) == 0 {
		apierror.Write(w, apierror.NotFound.WithDetail("role not found"))
		return
	}
	respondJSON(w, http.StatusOK, models.NewRole{Name: role, Scopes: scopes})
}

// SetRole creates or replaces a role's scope set. Scope edits are
// reconciled with minimal inserts and deletes.
func (h *Handlers) SetRole(w http.ResponseWriter, r *http.Request) {
	var req models.NewRole
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		apierror.Write(w, apierror.BadRequest.WithDetail("invalid role body"))
		return
	}
	if err := h.Store.SetRoleScopes(r.Context(), req.Name, req.Scopes); err != nil {
		apierror.Write(w, err)
		return
	}
	log.Info().Str("role", req.Name).Int("scopes", len(req.Scopes)).Msg("role updated")
	respondJSON(w, http.StatusOK, req)
}

func (h *Handlers) DeleteRole(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteRole(r.Context(), chi.URLParam(r, "role")); err != nil {
		apierror.Write(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UsedScopes surfaces every scope the running process has demanded,
// with demand counts, so deployments can derive role definitions from
// observed traffic.
func (h *Handlers) UsedScopes(w http.ResponseWriter, r *http.Request) {
	used := h.Auth.UsedScopes()
	respondJSON(w, http.StatusOK, map[string]any{
		"scopes": used.Names(),
		"counts": used.Snapshot(),
	})
}
