package store_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/discosat/satop-platform/internal/api/apierror"
	"github.com/discosat/satop-platform/internal/store"
	"github.com/discosat/satop-platform/pkg/models"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEntityCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateEntity(ctx, models.NewEntity{
		Name:  "Mission Control",
		Type:  models.EntitySystem,
		Roles: []string{"operator", "admin"},
	})
	if err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	if created.ID == uuid.Nil {
		t.Fatal("CreateEntity() did not assign an id")
	}

	got, err := s.GetEntity(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if got.Name != "Mission Control" || got.Type != models.EntitySystem {
		t.Errorf("GetEntity() = %+v", got)
	}
	if len(got.Roles) != 2 || got.Roles[0] != "operator" || got.Roles[1] != "admin" {
		t.Errorf("roles round-trip failed: %v", got.Roles)
	}

	updated, err := s.UpdateEntity(ctx, created.ID, models.NewEntity{
		Name: "MC", Type: models.EntitySystem, Roles: []string{"operator"},
	})
	if err != nil {
		t.Fatalf("UpdateEntity() error = %v", err)
	}
	if updated.Name != "MC" || len(updated.Roles) != 1 {
		t.Errorf("UpdateEntity() = %+v", updated)
	}

	all, err := s.ListEntities(ctx)
	if err != nil {
		t.Fatalf("ListEntities() error = %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListEntities() = %d entities, want 1", len(all))
	}

	if err := s.DeleteEntity(ctx, created.ID); err != nil {
		t.Fatalf("DeleteEntity() error = %v", err)
	}
	if _, err := s.GetEntity(ctx, created.ID); !errors.Is(err, apierror.NotFound) {
		t.Errorf("GetEntity() after delete = %v, want NotFound", err)
	}
}

func TestGetEntityNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetEntity(context.Background(), uuid.New()); !errors.Is(err, apierror.NotFound) {
		t.Errorf("GetEntity() = %v, want NotFound", err)
	}
}

func TestIdentifierLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entity, err := s.CreateEntity(ctx, models.NewEntity{Name: "Alex", Type: models.EntityPerson})
	if err != nil {
		t.Fatal(err)
	}

	ident := models.AuthenticationIdentifier{
		Provider: "email_password",
		Identity: "alex@discosat.dk",
		EntityID: entity.ID,
	}
	if err := s.ConnectIdentifier(ctx, ident); err != nil {
		t.Fatalf("ConnectIdentifier() error = %v", err)
	}

	got, err := s.LookupEntityID(ctx, "email_password", "alex@discosat.dk")
	if err != nil {
		t.Fatalf("LookupEntityID() error = %v", err)
	}
	if got != entity.ID {
		t.Errorf("LookupEntityID() = %s, want %s", got, entity.ID)
	}

	// Same (provider, identity) pair cannot be registered twice.
	if err := s.ConnectIdentifier(ctx, ident); !errors.Is(err, apierror.Conflict) {
		t.Errorf("duplicate ConnectIdentifier() = %v, want Conflict", err)
	}

	if _, err := s.LookupEntityID(ctx, "email_password", "nobody@discosat.dk"); !errors.Is(err, apierror.NotFound) {
		t.Errorf("unknown identity = %v, want NotFound", err)
	}

	idents, err := s.ListIdentifiers(ctx, "email_password")
	if err != nil {
		t.Fatal(err)
	}
	if len(idents) != 1 || idents[0].Identity != "alex@discosat.dk" {
		t.Errorf("ListIdentifiers() = %v", idents)
	}
}

func TestSetRoleScopesDiff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetRoleScopes(ctx, "operator", []string{"satop.gs.read", "satop.gs.control"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRoleScopes(ctx, "operator", []string{"satop.gs.read", "satop.log.write"}); err != nil {
		t.Fatal(err)
	}

	scopes, err := s.GetRoleScopes(ctx, "operator")
	if err != nil {
		t.Fatal(err)
	}
	want := map[string]bool{"satop.gs.read": true, "satop.log.write": true}
	if len(scopes) != len(want) {
		t.Fatalf("GetRoleScopes() = %v", scopes)
	}
	for _, sc := range scopes {
		if !want[sc] {
			t.Errorf("unexpected scope %q after reconcile", sc)
		}
	}
}

func TestEntityScopesUnionOverRoles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetRoleScopes(ctx, "reader", []string{"satop.gs.read"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetRoleScopes(ctx, "writer", []string{"satop.log.write", "satop.gs.read"}); err != nil {
		t.Fatal(err)
	}

	entity, err := s.CreateEntity(ctx, models.NewEntity{
		Name: "ops", Type: models.EntitySystem, Roles: []string{"reader", "writer"},
	})
	if err != nil {
		t.Fatal(err)
	}

	scopes, err := s.GetEntityScopes(ctx, entity.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(scopes) != 2 {
		t.Errorf("GetEntityScopes() = %v, want distinct union of 2", scopes)
	}
}

func TestDeleteRole(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetRoleScopes(ctx, "temp", []string{"a"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRole(ctx, "temp"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteRole(ctx, "temp"); !errors.Is(err, apierror.NotFound) {
		t.Errorf("DeleteRole() on missing role = %v, want NotFound", err)
	}
}
