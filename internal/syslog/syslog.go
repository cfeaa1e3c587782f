// Package syslog is the system log of the platform: a content-addressed
// artifact store and an append-only event log of RDF-like triples.
//
// Artifacts are stored blob-first (file under artifact_data/, then the
// database row), so a crash can at worst leave an orphaned blob that the
// next upload of the same content reuses.
package syslog

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/api/apierror"
	"github.com/discosat/satop-platform/pkg/models"
)

const artifactSchema = `
CREATE TABLE IF NOT EXISTS artifactstore (
	sha1 TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	size INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS eventlog (
	subject   TEXT NOT NULL,
	predicate TEXT NOT NULL,
	object    TEXT NOT NULL,
	logged_at TEXT NOT NULL
);
`

// ErrArtifactExists reports that identical content was already stored.
// The existing record accompanies the error.
var ErrArtifactExists = errors.New("artifact already exists")

var hashPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Syslog owns the artifacts database and the blob directory.
type Syslog struct {
	db          *sqlx.DB
	artifactDir string
}

// Open creates the artifacts database and blob directory under dataRoot.
func Open(dataRoot string) (*Syslog, error) {
	dir := filepath.Join(dataRoot, "database")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	artifactDir := filepath.Join(dataRoot, "artifact_data")
	if err := os.MkdirAll(artifactDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}

	path := filepath.Join(dir, "artifacts.db")
	db, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open artifacts db: %w", err)
	}
	if _, err := db.Exec(artifactSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply artifacts schema: %w", err)
	}

	log.Info().Str("path", path).Msg("system log opened")
	return &Syslog{db: db, artifactDir: artifactDir}, nil
}

// Close releases the database handle.
func (s *Syslog) Close() error { return s.db.Close() }

// ArtifactDir returns the blob directory, for retention sweeps.
func (s *Syslog) ArtifactDir() string { return s.artifactDir }

func (s *Syslog) blobPath(sha string) string {
	return filepath.Join(s.artifactDir, sha)
}

// Put stores the content of r under its SHA-1. Idempotent: storing
// already-known content returns the existing record wrapped in
// ErrArtifactExists.
func (s *Syslog) Put(ctx context.Context, r io.Reader, filename string) (*models.ArtifactRecord, error) {
	tmp, err := os.CreateTemp(s.artifactDir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("stage artifact: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	hasher := sha1.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if err != nil {
		return nil, fmt.Errorf("stage artifact: %w", err)
	}
	sha := hex.EncodeToString(hasher.Sum(nil))

	record := models.ArtifactRecord{SHA1: sha, Name: filename, Size: size}

	if existing, err := s.Record(ctx, sha); err == nil {
		return existing, ErrArtifactExists
	}

	// Blob first, row second.
	if _, err := os.Stat(s.blobPath(sha)); os.IsNotExist(err) {
		if err := tmp.Close(); err != nil {
			return nil, fmt.Errorf("stage artifact: %w", err)
		}
		if err := os.Rename(tmp.Name(), s.blobPath(sha)); err != nil {
			return nil, fmt.Errorf("store artifact blob: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifactstore (sha1, name, size) VALUES (?, ?, ?)`,
		record.SHA1, record.Name, record.Size)
	if err != nil {
		// Concurrent upload of the same content; the stored row wins.
		if existing, lookupErr := s.Record(ctx, sha); lookupErr == nil {
			return existing, ErrArtifactExists
		}
		return nil, fmt.Errorf("insert artifact record: %w", err)
	}

	log.Debug().Str("sha1", sha).Str("name", filename).Int64("size", size).Msg("stored artifact")
	return &record, nil
}

// Record returns the artifact record for sha, or NotFound.
func (s *Syslog) Record(ctx context.Context, sha string) (*models.ArtifactRecord, error) {
	if !hashPattern.MatchString(sha) {
		return nil, apierror.NotFound.WithDetail("artifact not found")
	}
	var record models.ArtifactRecord
	err := s.db.GetContext(ctx, &record, `SELECT sha1, name, size FROM artifactstore WHERE sha1 = ?`, sha)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierror.NotFound.WithDetail("artifact not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact record: %w", err)
	}
	return &record, nil
}

// Get returns the record and content bytes for sha.
func (s *Syslog) Get(ctx context.Context, sha string) (*models.ArtifactRecord, []byte, error) {
	record, err := s.Record(ctx, sha)
	if err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(s.blobPath(record.SHA1))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, apierror.NotFound.WithDetail("artifact blob missing")
		}
		return nil, nil, fmt.Errorf("read artifact blob: %w", err)
	}
	return record, data, nil
}

// List returns every artifact record.
func (s *Syslog) List(ctx context.Context) ([]models.ArtifactRecord, error) {
	var records []models.ArtifactRecord
	if err := s.db.SelectContext(ctx, &records, `SELECT sha1, name, size FROM artifactstore ORDER BY name`); err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	return records, nil
}

// LogEvent expands event into triples around a synthetic action node and
// appends them to the event log. An (action, loggedAt, timestamp) triple
// is always emitted.
func (s *Syslog) LogEvent(ctx context.Context, event models.Event) ([]models.Triple, error) {
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	action := "action:" + event.Descriptor

	triples := []models.Triple{
		{Subject: action, Predicate: "loggedAt", Object: ts.Format(time.RFC3339Nano)},
	}

	for _, rel := range event.Relationships {
		switch {
		case rel.Triple != nil:
			triples = append(triples, *rel.Triple)
		case rel.Subject != "":
			triples = append(triples, models.Triple{Subject: rel.Subject, Predicate: rel.Predicate, Object: action})
		case rel.Object != "":
			triples = append(triples, models.Triple{Subject: action, Predicate: rel.Predicate, Object: rel.Object})
		default:
			log.Warn().Str("predicate", rel.Predicate).Msg("event relationship names neither subject nor object")
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("log event: %w", err)
	}
	defer tx.Rollback()

	for _, t := range triples {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO eventlog (subject, predicate, object, logged_at) VALUES (?, ?, ?, ?)`,
			t.Subject, t.Predicate, t.Object, ts.Format(time.RFC3339Nano)); err != nil {
			return nil, fmt.Errorf("append event triple: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("log event: %w", err)
	}

	for _, t := range triples {
		log.Info().Str("subject", t.Subject).Str("predicate", t.Predicate).Str("object", t.Object).Msg("logged event relation")
	}
	return triples, nil
}
