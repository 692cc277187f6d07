// Package metadata implements the relational index behind the registry:
// repositories, blobs, upload sessions, manifests, manifest layers, tags,
// users, API clients and per-repository scopes.
//
// All multi-row mutations run inside a gorp transaction; callers that need
// transactional composition acquire one via Store.Begin.
package metadata

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-gorp/gorp/v3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// ErrNotFound is returned by lookup methods when no row matches.
var ErrNotFound = errors.New("metadata: not found")

// UnknownLayerError is returned by PutManifest when a layer digest has no
// finalized blob row in the repository.
type UnknownLayerError struct {
	Digest string
}

func (e UnknownLayerError) Error() string {
	return fmt.Sprintf("metadata: layer %s: not found", e.Digest)
}

func (e UnknownLayerError) Unwrap() error { return ErrNotFound }

// Repository is a named namespace for blobs, manifests and tags.
type Repository struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	IsPublic bool   `db:"is_public"`
}

// Blob is a content-addressed object in a repository. During a chunked
// upload, per-chunk rows carry the owning session and chunk index; the
// finalized row has both unset.
type Blob struct {
	ID              int64          `db:"id"`
	RepositoryID    int64          `db:"repository_id"`
	Digest          string         `db:"digest"`
	FilePath        string         `db:"file_path"`
	RefCount        int64          `db:"ref_count"`
	UploadSessionID sql.NullString `db:"upload_session_id"`
	ChunkIndex      sql.NullInt64  `db:"chunk_count"`
	CreatedAt       time.Time      `db:"created_at"`
}

// Upload is an in-progress chunked upload session. CurrentChunk is the
// number of bytes received so far; the next chunk must start there.
type Upload struct {
	ID           int64     `db:"id"`
	RepositoryID int64     `db:"repository_id"`
	UUID         string    `db:"uuid"`
	CurrentChunk int64     `db:"current_chunk"`
	CreatedAt    time.Time `db:"created_at"`
}

// Manifest is an indexed image manifest.
type Manifest struct {
	ID            int64     `db:"id"`
	RepositoryID  int64     `db:"repository_id"`
	Digest        string    `db:"digest"`
	FilePath      string    `db:"file_path"`
	MediaType     string    `db:"media_type"`
	Size          int64     `db:"size"`
	SchemaVersion int64     `db:"schema_version"`
	CreatedAt     time.Time `db:"created_at"`
}

// ManifestLayer records that a manifest references a blob digest.
type ManifestLayer struct {
	ID           int64  `db:"id"`
	ManifestID   int64  `db:"manifest_id"`
	RepositoryID int64  `db:"repository_id"`
	Digest       string `db:"digest"`
	Size         int64  `db:"size"`
	MediaType    string `db:"media_type"`
}

// Tag binds a mutable name to a manifest within a repository.
type Tag struct {
	ID           int64  `db:"id"`
	RepositoryID int64  `db:"repository_id"`
	Tag          string `db:"tag"`
	ManifestID   int64  `db:"manifest_id"`
}

// User is a registry account. Password holds the bcrypt hash.
type User struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	Password  string    `db:"password"`
	IsAdmin   bool      `db:"is_admin"`
	CreatedAt time.Time `db:"created_at"`
}

// Client is a long-lived API key owned by a user. The secret is a UUID
// presented as a bearer credential and carries all scopes the owner holds.
type Client struct {
	ID        int64     `db:"id"`
	ClientID  string    `db:"client_id"`
	UserID    string    `db:"user_id"`
	Secret    string    `db:"secret"`
	CreatedAt time.Time `db:"created_at"`
}

// RepositoryScope grants a user actions on one repository.
type RepositoryScope struct {
	ID           int64  `db:"id"`
	UserID       string `db:"user_id"`
	RepositoryID int64  `db:"repository_id"`
	Pull         bool   `db:"pull"`
	Push         bool   `db:"push"`
	Del          bool   `db:"del"`
}

// Store wraps the database handle and the gorp table mappings.
type Store struct {
	dbMap *gorp.DbMap
}

// Open opens (creating if necessary) the metadata database at path and
// prepares the table mappings. Foreign keys are enforced for the lifetime of
// every connection.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("metadata: opening database: %w", err)
	}

	// sqlite serializes writers; a small pool keeps readers concurrent
	// without piling up lock contention.
	db.SetMaxOpenConns(8)

	dbMap := &gorp.DbMap{Db: db, Dialect: gorp.SqliteDialect{}}
	dbMap.AddTableWithName(Repository{}, "repositories").SetKeys(true, "id")
	dbMap.AddTableWithName(Blob{}, "blobs").SetKeys(true, "id")
	dbMap.AddTableWithName(Upload{}, "uploads").SetKeys(true, "id")
	dbMap.AddTableWithName(Manifest{}, "manifests").SetKeys(true, "id")
	dbMap.AddTableWithName(ManifestLayer{}, "manifest_layers").SetKeys(true, "id")
	dbMap.AddTableWithName(Tag{}, "tags").SetKeys(true, "id")
	dbMap.AddTableWithName(User{}, "users").SetKeys(false, "id")
	dbMap.AddTableWithName(Client{}, "clients").SetKeys(true, "id")
	dbMap.AddTableWithName(RepositoryScope{}, "repository_scopes").SetKeys(true, "id")

	s := &Store{dbMap: dbMap}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.dbMap.Db.Close()
}

// Begin starts a transaction. The returned handle exposes the same query
// surface as the store and must be committed or rolled back by the caller.
func (s *Store) Begin() (*gorp.Transaction, error) {
	return s.dbMap.Begin()
}

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	is_public BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS blobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	digest TEXT NOT NULL,
	file_path TEXT NOT NULL,
	ref_count INTEGER NOT NULL DEFAULT 0,
	upload_session_id TEXT,
	chunk_count INTEGER,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_blobs_repo_digest ON blobs (repository_id, digest);
CREATE INDEX IF NOT EXISTS idx_blobs_session ON blobs (upload_session_id, chunk_count);

CREATE TABLE IF NOT EXISTS uploads (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	uuid TEXT NOT NULL UNIQUE,
	current_chunk INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS manifests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	digest TEXT NOT NULL,
	file_path TEXT NOT NULL,
	media_type TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	schema_version INTEGER NOT NULL DEFAULT 2,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_manifests_repo_digest ON manifests (repository_id, digest);

CREATE TABLE IF NOT EXISTS manifest_layers (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	manifest_id INTEGER NOT NULL REFERENCES manifests(id) ON DELETE CASCADE,
	repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	digest TEXT NOT NULL,
	size INTEGER NOT NULL DEFAULT 0,
	media_type TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	tag TEXT NOT NULL,
	manifest_id INTEGER NOT NULL REFERENCES manifests(id) ON DELETE CASCADE,
	UNIQUE (repository_id, tag)
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	password TEXT NOT NULL,
	is_admin BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS clients (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	client_id TEXT NOT NULL,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	secret TEXT NOT NULL UNIQUE,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS repository_scopes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	repository_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
	pull BOOLEAN NOT NULL DEFAULT FALSE,
	push BOOLEAN NOT NULL DEFAULT FALSE,
	del BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (user_id, repository_id)
);
`

var tables = []string{
	"repository_scopes", "clients", "users", "tags", "manifest_layers",
	"manifests", "uploads", "blobs", "repositories",
}

func (s *Store) createTables() error {
	if _, err := s.dbMap.Exec(schema); err != nil {
		return fmt.Errorf("metadata: creating tables: %w", err)
	}
	return nil
}

// MigrateFresh drops every table and recreates the schema.
func (s *Store) MigrateFresh() error {
	for _, table := range tables {
		if _, err := s.dbMap.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return fmt.Errorf("metadata: dropping %s: %w", table, err)
		}
	}
	logrus.Info("metadata: recreating schema")
	return s.createTables()
}
