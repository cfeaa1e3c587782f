// Package auth is the authorization core of the platform: symmetric-key
// token minting and validation, the runtime registry of authentication
// providers, and role→scope resolution with wildcard matching.
//
// Every other core subsystem depends on this package; it depends only on
// the store and the shared models.
package auth

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/store"
	"github.com/discosat/satop-platform/pkg/models"
)

// Authorization is the platform authorization core. Safe for concurrent
// use; the signing secret is loaded once and never mutated.
type Authorization struct {
	store  store.Store
	secret []byte

	// matchAnyScope switches RequireScope to the per-needed existence
	// rule instead of the single-stored-scope rule.
	matchAnyScope bool

	mu        sync.RWMutex
	providers map[string]string // provider key -> identity hint

	used *UsedScopes
}

// Options tune the authorization core.
type Options struct {
	// MatchAnyScope accepts a needed-scope set when every needed scope is
	// matched by some stored scope, instead of requiring a single stored
	// scope to match them all. Config key auth.scope_match_any.
	MatchAnyScope bool
}

// New loads (or creates) the token secret under dataRoot and returns the
// authorization core backed by s.
func New(dataRoot string, s store.Store, opts Options) (*Authorization, error) {
	secret, err := loadOrCreateSecret(dataRoot)
	if err != nil {
		return nil, fmt.Errorf("token secret: %w", err)
	}
	return &Authorization{
		store:         s,
		secret:        secret,
		matchAnyScope: opts.MatchAnyScope,
		providers:     make(map[string]string),
		used:          NewUsedScopes(),
	}, nil
}

// Store exposes the authorization store to the HTTP layer and plugins.
func (a *Authorization) Store() store.Store { return a.store }

// UsedScopes returns the process-wide record of scopes demanded by
// RequireScope call sites, for introspection.
func (a *Authorization) UsedScopes() *UsedScopes { return a.used }

// ── Providers ───────────────────────────────────────────────

// RegisterProvider records a runtime authentication provider under key.
// Registrations are process-lived; a duplicate key is an error.
func (a *Authorization) RegisterProvider(key, identityHint string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.providers[key]; exists {
		return fmt.Errorf("authentication provider %q already registered", key)
	}
	a.providers[key] = identityHint
	log.Info().Str("provider", key).Msg("authentication provider registered")
	return nil
}

// Providers lists the registered provider keys and their identity hints.
func (a *Authorization) Providers() []models.ProviderDetails {
	a.mu.RLock()
	defer a.mu.RUnlock()

	details := make([]models.ProviderDetails, 0, len(a.providers))
	for key, hint := range a.providers {
		details = append(details, models.ProviderDetails{Key: key, IdentityHint: hint})
	}
	return details
}

// ProviderDetails returns one provider with its registered identifiers.
func (a *Authorization) ProviderDetails(ctx context.Context, key string) (*models.ProviderDetails, error) {
	a.mu.RLock()
	hint, ok := a.providers[key]
	a.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown authentication provider %q", key)
	}

	registered, err := a.store.ListIdentifiers(ctx, key)
	if err != nil {
		return nil, err
	}
	return &models.ProviderDetails{Key: key, IdentityHint: hint, Registered: registered}, nil
}

// LookupEntityID resolves a provider credential to the entity it
// authenticates.
func (a *Authorization) LookupEntityID(ctx context.Context, provider, identity string) (uuid.UUID, error) {
	return a.store.LookupEntityID(ctx, provider, identity)
}

// EntityScopes returns the unexpanded scope-string set of an entity: the
// union over its roles of the role→scope table.
func (a *Authorization) EntityScopes(ctx context.Context, id uuid.UUID) ([]string, error) {
	return a.store.GetEntityScopes(ctx, id)
}
