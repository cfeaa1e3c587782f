// Package store provides the persistent authorization store of the
// platform: entities, authentication identifiers and role→scope rows,
// kept in an embedded relational database under <data_root>/database.
//
// All handler and auth-core code depends on the Store interface, so
// tests can run against a throwaway database file in t.TempDir().
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/discosat/satop-platform/pkg/models"
)

// Store is the authorization persistence interface.
type Store interface {
	EntityStore
	IdentifierStore
	RoleStore

	// Ping checks that the database is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying database handle.
	Close() error
}

// EntityStore manages the entity table. IDs are assigned on creation and
// immutable afterwards.
type EntityStore interface {
	ListEntities(ctx context.Context) ([]models.Entity, error)
	GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error)
	CreateEntity(ctx context.Context, entity models.NewEntity) (*models.Entity, error)
	UpdateEntity(ctx context.Context, id uuid.UUID, entity models.NewEntity) (*models.Entity, error)
	DeleteEntity(ctx context.Context, id uuid.UUID) error
}

// IdentifierStore maps (provider, identity) pairs to entity ids.
type IdentifierStore interface {
	ConnectIdentifier(ctx context.Context, ident models.AuthenticationIdentifier) error
	// LookupEntityID resolves a provider credential to an entity id.
	// Returns NotFound when the pair is unknown.
	LookupEntityID(ctx context.Context, provider, identity string) (uuid.UUID, error)
	ListIdentifiers(ctx context.Context, provider string) ([]models.AuthenticationIdentifier, error)
}

// RoleStore manages the role→scope association table.
type RoleStore interface {
	ListRoles(ctx context.Context) ([]string, error)
	GetRoleScopes(ctx context.Context, role string) ([]string, error)
	// SetRoleScopes reconciles the stored scope set of role against
	// scopes, applying minimal inserts and deletes.
	SetRoleScopes(ctx context.Context, role string, scopes []string) error
	DeleteRole(ctx context.Context, role string) error

	// GetEntityScopes returns the union of scopes over the entity's
	// roles, unexpanded (wildcards are matched at check time).
	GetEntityScopes(ctx context.Context, id uuid.UUID) ([]string, error)
}
