// Package models holds the shared data model of the SatOP platform:
// authenticatable entities, role/scope associations, token payloads and
// the artifact/event records kept by the system log.
//
// These types live in pkg/ (not internal/) so that out-of-tree plugins
// can exchange them with the core through the plugin contracts.
package models

import (
	"time"

	"github.com/google/uuid"
)

// ── Entities ────────────────────────────────────────────────

// EntityType distinguishes human operators from automated systems.
type EntityType string

const (
	EntityPerson EntityType = "person"
	EntitySystem EntityType = "system"
)

// Entity is an authenticatable principal. The ID is assigned on creation
// and never changes; roles are an ordered set of role names.
type Entity struct {
	ID    uuid.UUID  `json:"id" db:"id"`
	Name  string     `json:"name" db:"name"`
	Type  EntityType `json:"type" db:"type"`
	Roles []string   `json:"roles"`
}

// NewEntity is the creation/update request body for an Entity.
type NewEntity struct {
	Name  string     `json:"name"`
	Type  EntityType `json:"type"`
	Roles []string   `json:"roles"`
}

// AuthenticationIdentifier maps a provider-supplied identity (an email,
// an API key id, an institutional account) to a platform entity.
// (Provider, Identity) is globally unique; one entity may hold several.
type AuthenticationIdentifier struct {
	Provider string    `json:"provider" db:"provider"`
	Identity string    `json:"identity" db:"identity"`
	EntityID uuid.UUID `json:"entity_id" db:"entity_id"`
}

// ProviderIdentity is the request body for connecting an identifier.
type ProviderIdentity struct {
	Provider string `json:"provider"`
	Identity string `json:"identity"`
}

// ProviderDetails describes a runtime-registered authentication provider.
type ProviderDetails struct {
	Key          string                     `json:"key"`
	IdentityHint string                     `json:"identity_hint,omitempty"`
	Registered   []AuthenticationIdentifier `json:"registered_users,omitempty"`
}

// ── Roles and scopes ────────────────────────────────────────

// RoleScope is one (role, scope) association row. A stored scope may end
// in "*" to denote a prefix pattern.
type RoleScope struct {
	Role  string `json:"role" db:"role"`
	Scope string `json:"scope" db:"scope"`
}

// NewRole names a role and the full scope set it should carry.
type NewRole struct {
	Name   string   `json:"name"`
	Scopes []string `json:"scopes"`
}

// ── Tokens ──────────────────────────────────────────────────

// TokenType is the typ claim of a platform token.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// TokenPayload is the decoded claim set of a validated token.
type TokenPayload struct {
	Sub uuid.UUID `json:"sub"`
	Typ TokenType `json:"typ"`
	Iat time.Time `json:"iat"`
	Nbf time.Time `json:"nbf"`
	Exp time.Time `json:"exp"`

	// TestScopes is only populated by the test-auth bypass; it overrides
	// the role-derived scope set for the synthetic principal.
	TestScopes []string `json:"-"`
}

// TokenPair is the response of token issuance and refresh.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// ── System log ──────────────────────────────────────────────

// ArtifactRecord describes one content-addressed blob. The SHA-1 is both
// the primary key and the physical filename under artifact_data/.
type ArtifactRecord struct {
	SHA1 string `json:"sha1" db:"sha1"`
	Name string `json:"name" db:"name"`
	Size int64  `json:"size" db:"size"`
}

// Triple is one RDF-like (subject, predicate, object) statement in the
// append-only event log.
type Triple struct {
	Subject   string `json:"subject" db:"subject"`
	Predicate string `json:"predicate" db:"predicate"`
	Object    string `json:"object" db:"object"`
}

// EventRelationship ties an event action to another node. Exactly one of
// Subject or Object is set: the action fills the other side. A pre-built
// Triple passes through unchanged.
type EventRelationship struct {
	Subject   string  `json:"subject,omitempty"`
	Predicate string  `json:"predicate"`
	Object    string  `json:"object,omitempty"`
	Triple    *Triple `json:"triple,omitempty"`
}

// Event is a user-supplied log event, expanded into triples around a
// synthetic action node.
type Event struct {
	Descriptor    string              `json:"descriptor"`
	Relationships []EventRelationship `json:"relationships"`
	Timestamp     time.Time           `json:"timestamp,omitempty"`
}
