package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/api/apierror"
	"github.com/discosat/satop-platform/pkg/models"
)

const authSchema = `
CREATE TABLE IF NOT EXISTS entity (
	id    TEXT PRIMARY KEY,
	name  TEXT NOT NULL,
	type  TEXT NOT NULL,
	roles TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS authenticationidentifiers (
	provider  TEXT NOT NULL,
	identity  TEXT NOT NULL,
	entity_id TEXT NOT NULL REFERENCES entity(id),
	PRIMARY KEY (provider, identity)
);
CREATE TABLE IF NOT EXISTS rolescopes (
	role  TEXT NOT NULL,
	scope TEXT NOT NULL,
	PRIMARY KEY (role, scope)
);
`

// SQLiteStore implements Store over <data_root>/database/authorization.db.
type SQLiteStore struct {
	db *sqlx.DB
}

// Open opens (and creates when missing) the authorization database under
// dataRoot and applies the schema.
func Open(dataRoot string) (*SQLiteStore, error) {
	dir := filepath.Join(dataRoot, "database")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}

	path := filepath.Join(dir, "authorization.db")
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open authorization db: %w", err)
	}
	if _, err := db.Exec(authSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply authorization schema: %w", err)
	}

	log.Info().Str("path", path).Msg("authorization store opened")
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteStore) Close() error { return s.db.Close() }

// entityRow is the raw table shape; roles are kept as a comma-separated
// list in one column.
type entityRow struct {
	ID    string `db:"id"`
	Name  string `db:"name"`
	Type  string `db:"type"`
	Roles string `db:"roles"`
}

func (r entityRow) toEntity() (models.Entity, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return models.Entity{}, fmt.Errorf("parse entity id %q: %w", r.ID, err)
	}
	return models.Entity{
		ID:    id,
		Name:  r.Name,
		Type:  models.EntityType(r.Type),
		Roles: splitRoles(r.Roles),
	}, nil
}

func splitRoles(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	roles := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			roles = append(roles, p)
		}
	}
	return roles
}

func joinRoles(roles []string) string { return strings.Join(roles, ",") }

func (s *SQLiteStore) ListEntities(ctx context.Context) ([]models.Entity, error) {
	var rows []entityRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT id, name, type, roles FROM entity ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	entities := make([]models.Entity, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntity()
		if err != nil {
			return nil, err
		}
		entities = append(entities, e)
	}
	return entities, nil
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	var row entityRow
	err := s.db.GetContext(ctx, &row, `SELECT id, name, type, roles FROM entity WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.NotFound.WithDetail("entity not found: " + id.String())
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	e, err := row.toEntity()
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) CreateEntity(ctx context.Context, entity models.NewEntity) (*models.Entity, error) {
	e := models.Entity{
		ID:    uuid.New(),
		Name:  entity.Name,
		Type:  entity.Type,
		Roles: entity.Roles,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entity (id, name, type, roles) VALUES (?, ?, ?, ?)`,
		e.ID.String(), e.Name, string(e.Type), joinRoles(e.Roles))
	if err != nil {
		return nil, fmt.Errorf("create entity: %w", err)
	}
	return &e, nil
}

func (s *SQLiteStore) UpdateEntity(ctx context.Context, id uuid.UUID, entity models.NewEntity) (*models.Entity, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entity SET name = ?, type = ?, roles = ? WHERE id = ?`,
		entity.Name, string(entity.Type), joinRoles(entity.Roles), id.String())
	if err != nil {
		return nil, fmt.Errorf("update entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, apierror.NotFound.WithDetail("entity not found: " + id.String())
	}
	return &models.Entity{ID: id, Name: entity.Name, Type: entity.Type, Roles: entity.Roles}, nil
}

func (s *SQLiteStore) DeleteEntity(ctx context.Context, id uuid.UUID) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM authenticationidentifiers WHERE entity_id = ?`, id.String()); err != nil {
		return fmt.Errorf("delete entity identifiers: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM entity WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NotFound.WithDetail("entity not found: " + id.String())
	}
	return tx.Commit()
}

func (s *SQLiteStore) ConnectIdentifier(ctx context.Context, ident models.AuthenticationIdentifier) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO authenticationidentifiers (provider, identity, entity_id) VALUES (?, ?, ?)`,
		ident.Provider, ident.Identity, ident.EntityID.String())
	if isUniqueViolation(err) {
		return apierror.Conflict.WithDetail("identifier already registered")
	}
	if err != nil {
		return fmt.Errorf("connect identifier: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LookupEntityID(ctx context.Context, provider, identity string) (uuid.UUID, error) {
	var raw string
	err := s.db.GetContext(ctx, &raw,
		`SELECT entity_id FROM authenticationidentifiers WHERE provider = ? AND identity = ?`,
		provider, identity)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, apierror.NotFound.WithDetail("identity not registered")
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup identifier: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse entity id %q: %w", raw, err)
	}
	return id, nil
}

func (s *SQLiteStore) ListIdentifiers(ctx context.Context, provider string) ([]models.AuthenticationIdentifier, error) {
	var rows []struct {
		Provider string `db:"provider"`
		Identity string `db:"identity"`
		EntityID string `db:"entity_id"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT provider, identity, entity_id FROM authenticationidentifiers WHERE provider = ? ORDER BY identity`,
		provider)
	if err != nil {
		return nil, fmt.Errorf("list identifiers: %w", err)
	}
	idents := make([]models.AuthenticationIdentifier, 0, len(rows))
	for _, r := range rows {
		id, err := uuid.Parse(r.EntityID)
		if err != nil {
			return nil, fmt.Errorf("parse entity id %q: %w", r.EntityID, err)
		}
		idents = append(idents, models.AuthenticationIdentifier{
			Provider: r.Provider,
			Identity: r.Identity,
			EntityID: id,
		})
	}
	return idents, nil
}

func (s *SQLiteStore) ListRoles(ctx context.Context) ([]string, error) {
	var roles []string
	if err := s.db.SelectContext(ctx, &roles, `SELECT DISTINCT role FROM rolescopes ORDER BY role`); err != nil {
		return nil, fmt.Errorf("list roles: %w", err)
	}
	return roles, nil
}

func (s *SQLiteStore) GetRoleScopes(ctx context.Context, role string) ([]string, error) {
	var scopes []string
	if err := s.db.SelectContext(ctx, &scopes, `SELECT scope FROM rolescopes WHERE role = ? ORDER BY scope`, role); err != nil {
		return nil, fmt.Errorf("get role scopes: %w", err)
	}
	return scopes, nil
}

// SetRoleScopes computes the diff between the stored and wanted scope
// sets and applies only the inserts and deletes needed.
func (s *SQLiteStore) SetRoleScopes(ctx context.Context, role string, scopes []string) error {
	current, err := s.GetRoleScopes(ctx, role)
	if err != nil {
		return err
	}

	have := make(map[string]bool, len(current))
	for _, sc := range current {
		have[sc] = true
	}
	want := make(map[string]bool, len(scopes))
	for _, sc := range scopes {
		want[sc] = true
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set role scopes: %w", err)
	}
	defer tx.Rollback()

	for sc := range want {
		if !have[sc] {
			if _, err := tx.ExecContext(ctx, `INSERT INTO rolescopes (role, scope) VALUES (?, ?)`, role, sc); err != nil {
				return fmt.Errorf("insert role scope: %w", err)
			}
		}
	}
	for sc := range have {
		if !want[sc] {
			if _, err := tx.ExecContext(ctx, `DELETE FROM rolescopes WHERE role = ? AND scope = ?`, role, sc); err != nil {
				return fmt.Errorf("delete role scope: %w", err)
			}
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DeleteRole(ctx context.Context, role string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rolescopes WHERE role = ?`, role)
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierror.NotFound.WithDetail("role not found: " + role)
	}
	return nil
}

func (s *SQLiteStore) GetEntityScopes(ctx context.Context, id uuid.UUID) ([]string, error) {
	entity, err := s.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(entity.Roles) == 0 {
		return nil, nil
	}

	query, args, err := sqlx.In(`SELECT DISTINCT scope FROM rolescopes WHERE role IN (?)`, entity.Roles)
	if err != nil {
		return nil, fmt.Errorf("build scope query: %w", err)
	}
	var scopes []string
	if err := s.db.SelectContext(ctx, &scopes, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("get entity scopes: %w", err)
	}
	return scopes, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}
