package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-gorp/gorp/v3"
	"github.com/google/uuid"
)

func asNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *Store) executor(ctx context.Context) gorp.SqlExecutor {
	return s.dbMap.WithContext(ctx)
}

// FindRepository looks up a repository by name.
func (s *Store) FindRepository(ctx context.Context, name string) (*Repository, error) {
	var repo Repository
	err := s.executor(ctx).SelectOne(&repo,
		"SELECT * FROM repositories WHERE name = ?", name)
	if err != nil {
		return nil, asNotFound(err)
	}
	return &repo, nil
}

// FindRepositoryByID looks a repository up by primary key.
func (s *Store) FindRepositoryByID(ctx context.Context, id int64) (*Repository, error) {
	var repo Repository
	err := s.executor(ctx).SelectOne(&repo,
		"SELECT * FROM repositories WHERE id = ?", id)
	if err != nil {
		return nil, asNotFound(err)
	}
	return &repo, nil
}

// CreateRepository creates a repository with the given visibility.
func (s *Store) CreateRepository(ctx context.Context, name string, isPublic bool) (*Repository, error) {
	repo := &Repository{Name: name, IsPublic: isPublic}
	if err := s.executor(ctx).Insert(repo); err != nil {
		return nil, fmt.Errorf("metadata: creating repository %q: %w", name, err)
	}
	return repo, nil
}

// EnsureRepository returns the named repository, creating it (private) on
// first use. Pushes create repositories implicitly.
func (s *Store) EnsureRepository(ctx context.Context, name string) (*Repository, error) {
	repo, err := s.FindRepository(ctx, name)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	return s.CreateRepository(ctx, name, false)
}

// RepositorySummary aggregates per-repository counts for the listing
// endpoint.
type RepositorySummary struct {
	Repository
	BlobCount     int64
	ManifestCount int64
	TagCount      int64
	LayerCount    int64
	Tags          []string
}

// Summaries returns one summary per repository, optionally restricted to
// public repositories.
func (s *Store) Summaries(ctx context.Context, publicOnly bool) ([]RepositorySummary, error) {
	exec := s.executor(ctx)

	query := "SELECT * FROM repositories"
	if publicOnly {
		query += " WHERE is_public"
	}
	var repos []Repository
	if _, err := exec.Select(&repos, query); err != nil {
		return nil, err
	}

	summaries := make([]RepositorySummary, 0, len(repos))
	for _, repo := range repos {
		summary := RepositorySummary{Repository: repo}
		var err error
		summary.BlobCount, err = exec.SelectInt(
			"SELECT COUNT(*) FROM blobs WHERE repository_id = ? AND upload_session_id IS NULL", repo.ID)
		if err != nil {
			return nil, err
		}
		summary.ManifestCount, err = exec.SelectInt(
			"SELECT COUNT(*) FROM manifests WHERE repository_id = ?", repo.ID)
		if err != nil {
			return nil, err
		}
		summary.TagCount, err = exec.SelectInt(
			"SELECT COUNT(*) FROM tags WHERE repository_id = ?", repo.ID)
		if err != nil {
			return nil, err
		}
		summary.LayerCount, err = exec.SelectInt(
			"SELECT COUNT(*) FROM manifest_layers WHERE repository_id = ?", repo.ID)
		if err != nil {
			return nil, err
		}
		if _, err := exec.Select(&summary.Tags,
			"SELECT tag FROM tags WHERE repository_id = ? ORDER BY tag COLLATE NOCASE", repo.ID); err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// BlobExists reports whether a finalized blob row exists for (repo, digest).
func (s *Store) BlobExists(ctx context.Context, repoID int64, dgst string) (bool, error) {
	n, err := s.executor(ctx).SelectInt(
		"SELECT COUNT(*) FROM blobs WHERE repository_id = ? AND digest = ? AND upload_session_id IS NULL",
		repoID, dgst)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FindBlob returns the finalized blob row for (repo, digest).
func (s *Store) FindBlob(ctx context.Context, repoID int64, dgst string) (*Blob, error) {
	var blob Blob
	err := s.executor(ctx).SelectOne(&blob,
		"SELECT * FROM blobs WHERE repository_id = ? AND digest = ? AND upload_session_id IS NULL",
		repoID, dgst)
	if err != nil {
		return nil, asNotFound(err)
	}
	return &blob, nil
}

// FindBlobAnyRepository returns any finalized blob row matching digest,
// used by cross-repository mounts without a source hint.
func (s *Store) FindBlobAnyRepository(ctx context.Context, dgst string) (*Blob, error) {
	var blob Blob
	err := s.executor(ctx).SelectOne(&blob,
		"SELECT * FROM blobs WHERE digest = ? AND upload_session_id IS NULL LIMIT 1", dgst)
	if err != nil {
		return nil, asNotFound(err)
	}
	return &blob, nil
}

// InsertBlob inserts a finalized blob row with ref_count zero.
func (s *Store) InsertBlob(ctx context.Context, repoID int64, dgst, path string) (*Blob, error) {
	blob := &Blob{
		RepositoryID: repoID,
		Digest:       dgst,
		FilePath:     path,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.executor(ctx).Insert(blob); err != nil {
		return nil, err
	}
	return blob, nil
}

// InsertChunk inserts a per-chunk blob row belonging to an upload session.
func (s *Store) InsertChunk(ctx context.Context, repoID int64, sessionID string, index int64, dgst, path string) error {
	blob := &Blob{
		RepositoryID:    repoID,
		Digest:          dgst,
		FilePath:        path,
		UploadSessionID: sql.NullString{String: sessionID, Valid: true},
		ChunkIndex:      sql.NullInt64{Int64: index, Valid: true},
		CreatedAt:       time.Now().UTC(),
	}
	return s.executor(ctx).Insert(blob)
}

// SessionChunks returns the chunk rows of a session ordered by chunk index.
func (s *Store) SessionChunks(ctx context.Context, sessionID string) ([]Blob, error) {
	var chunks []Blob
	_, err := s.executor(ctx).Select(&chunks,
		"SELECT * FROM blobs WHERE upload_session_id = ? ORDER BY chunk_count ASC", sessionID)
	return chunks, err
}

// DeleteSessionChunks removes all chunk rows of a session.
func (s *Store) DeleteSessionChunks(ctx context.Context, sessionID string) error {
	_, err := s.executor(ctx).Exec(
		"DELETE FROM blobs WHERE upload_session_id = ?", sessionID)
	return err
}

// DeleteBlob removes a finalized blob row. Rows still referenced by a
// manifest are refused.
func (s *Store) DeleteBlob(ctx context.Context, repoID int64, dgst string) (*Blob, error) {
	blob, err := s.FindBlob(ctx, repoID, dgst)
	if err != nil {
		return nil, err
	}
	if blob.RefCount > 0 {
		return nil, fmt.Errorf("metadata: blob %s has %d references", dgst, blob.RefCount)
	}
	if _, err := s.executor(ctx).Delete(blob); err != nil {
		return nil, err
	}
	return blob, nil
}

// ZeroRefBlobs returns every finalized blob whose ref_count reached zero.
func (s *Store) ZeroRefBlobs(ctx context.Context) ([]Blob, error) {
	var blobs []Blob
	_, err := s.executor(ctx).Select(&blobs,
		"SELECT * FROM blobs WHERE ref_count = 0 AND upload_session_id IS NULL")
	return blobs, err
}

// PathReferenced reports whether any blob row other than id still points at
// path. Cross-repository mounts share the underlying file.
func (s *Store) PathReferenced(ctx context.Context, path string, excludeID int64) (bool, error) {
	n, err := s.executor(ctx).SelectInt(
		"SELECT COUNT(*) FROM blobs WHERE file_path = ? AND id != ?", path, excludeID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ManifestPathReferenced reports whether any manifest row points at path.
func (s *Store) ManifestPathReferenced(ctx context.Context, path string) (bool, error) {
	n, err := s.executor(ctx).SelectInt(
		"SELECT COUNT(*) FROM manifests WHERE file_path = ?", path)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateUpload opens an upload session for a repository and returns its UUID.
func (s *Store) CreateUpload(ctx context.Context, repoID int64) (*Upload, error) {
	upload := &Upload{
		RepositoryID: repoID,
		UUID:         uuid.NewString(),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.executor(ctx).Insert(upload); err != nil {
		return nil, err
	}
	return upload, nil
}

// FindUpload returns the session identified by uuid within a repository.
func (s *Store) FindUpload(ctx context.Context, repoID int64, id string) (*Upload, error) {
	var upload Upload
	err := s.executor(ctx).SelectOne(&upload,
		"SELECT * FROM uploads WHERE repository_id = ? AND uuid = ?", repoID, id)
	if err != nil {
		return nil, asNotFound(err)
	}
	return &upload, nil
}

// AdvanceUpload moves the session offset from current to next. The
// compare-and-set guards against racing PATCH requests: exactly one of two
// concurrent writers with the same view advances, the other sees no rows
// updated.
func (s *Store) AdvanceUpload(ctx context.Context, id string, current, next int64) (bool, error) {
	res, err := s.executor(ctx).Exec(
		"UPDATE uploads SET current_chunk = ? WHERE uuid = ? AND current_chunk = ?",
		next, id, current)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteUpload removes a finished or cancelled session row.
func (s *Store) DeleteUpload(ctx context.Context, id string) error {
	_, err := s.executor(ctx).Exec("DELETE FROM uploads WHERE uuid = ?", id)
	return err
}

// StaleUploads returns sessions created before cutoff, for the orphan sweep.
func (s *Store) StaleUploads(ctx context.Context, cutoff time.Time) ([]Upload, error) {
	var uploads []Upload
	_, err := s.executor(ctx).Select(&uploads,
		"SELECT * FROM uploads WHERE created_at < ?", cutoff.UTC())
	return uploads, err
}

// ResolveManifest locates a manifest by tag first, digest second.
func (s *Store) ResolveManifest(ctx context.Context, repoID int64, reference string) (*Manifest, error) {
	exec := s.executor(ctx)

	var manifest Manifest
	err := exec.SelectOne(&manifest,
		`SELECT m.* FROM manifests m JOIN tags t ON t.manifest_id = m.id
		 WHERE t.repository_id = ? AND t.tag = ?`, repoID, reference)
	if err == nil {
		return &manifest, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	err = exec.SelectOne(&manifest,
		"SELECT * FROM manifests WHERE repository_id = ? AND digest = ?", repoID, reference)
	if err != nil {
		return nil, asNotFound(err)
	}
	return &manifest, nil
}

// PutManifest indexes a parsed manifest in one transaction: the manifest
// row, one manifest_layers row per layer with the referenced blob's
// ref_count incremented, and the tag binding (last write wins). A layer
// digest with no blob row in the repository aborts with ErrNotFound.
func (s *Store) PutManifest(ctx context.Context, repoID int64, manifest *Manifest, layers []ManifestLayer, tag string) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	txe := tx.WithContext(ctx)

	// Replacing a manifest under the same digest re-counts its layers, so
	// drop the previous index entry first.
	var previous Manifest
	err = txe.SelectOne(&previous,
		"SELECT * FROM manifests WHERE repository_id = ? AND digest = ?", repoID, manifest.Digest)
	switch {
	case err == nil:
		// The replacement re-counts its layers below, so keep zero-ref
		// blob rows in place here.
		if _, err := deleteManifestRows(ctx, tx, &previous, false); err != nil {
			return err
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return err
	}

	manifest.RepositoryID = repoID
	manifest.CreatedAt = time.Now().UTC()
	if err := txe.Insert(manifest); err != nil {
		return err
	}

	for i := range layers {
		res, err := txe.Exec(
			"UPDATE blobs SET ref_count = ref_count + 1 WHERE repository_id = ? AND digest = ? AND upload_session_id IS NULL",
			repoID, layers[i].Digest)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return UnknownLayerError{Digest: layers[i].Digest}
		}

		layers[i].ManifestID = manifest.ID
		layers[i].RepositoryID = repoID
		if err := txe.Insert(&layers[i]); err != nil {
			return err
		}
	}

	if tag != "" {
		if err := upsertTag(ctx, tx, repoID, tag, manifest.ID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func upsertTag(ctx context.Context, tx *gorp.Transaction, repoID int64, tag string, manifestID int64) error {
	_, err := tx.WithContext(ctx).Exec(
		`INSERT INTO tags (repository_id, tag, manifest_id) VALUES (?, ?, ?)
		 ON CONFLICT (repository_id, tag) DO UPDATE SET manifest_id = excluded.manifest_id`,
		repoID, tag, manifestID)
	return err
}

// deleteManifestRows removes a manifest's layer rows (decrementing blob
// refcounts), its tags and the manifest row itself. When dropRows is set,
// blob rows whose ref_count reaches zero are deleted and their file paths
// returned for physical removal; otherwise they stay behind for the garbage
// collector.
func deleteManifestRows(ctx context.Context, tx *gorp.Transaction, manifest *Manifest, dropRows bool) ([]string, error) {
	txe := tx.WithContext(ctx)

	var layers []ManifestLayer
	if _, err := txe.Select(&layers,
		"SELECT * FROM manifest_layers WHERE manifest_id = ?", manifest.ID); err != nil {
		return nil, err
	}

	var orphaned []string
	for _, layer := range layers {
		if _, err := txe.Exec(
			"UPDATE blobs SET ref_count = ref_count - 1 WHERE repository_id = ? AND digest = ? AND upload_session_id IS NULL AND ref_count > 0",
			manifest.RepositoryID, layer.Digest); err != nil {
			return nil, err
		}
		if !dropRows {
			continue
		}

		var zero []Blob
		if _, err := txe.Select(&zero,
			"SELECT * FROM blobs WHERE repository_id = ? AND digest = ? AND upload_session_id IS NULL AND ref_count = 0",
			manifest.RepositoryID, layer.Digest); err != nil {
			return nil, err
		}
		for _, b := range zero {
			if _, err := txe.Exec("DELETE FROM blobs WHERE id = ?", b.ID); err != nil {
				return nil, err
			}
			orphaned = append(orphaned, b.FilePath)
		}
	}

	if _, err := txe.Exec("DELETE FROM manifest_layers WHERE manifest_id = ?", manifest.ID); err != nil {
		return nil, err
	}
	if _, err := txe.Exec("DELETE FROM tags WHERE manifest_id = ?", manifest.ID); err != nil {
		return nil, err
	}
	if _, err := txe.Exec("DELETE FROM manifests WHERE id = ?", manifest.ID); err != nil {
		return nil, err
	}
	return orphaned, nil
}

// DeleteManifestCascade locates a manifest by tag or digest and removes it
// with its layer references, decrementing blob refcounts. Blob rows that
// drop to zero references are deleted too. It returns the manifest's file
// path and the file paths of the dropped blobs for physical deletion by the
// caller.
func (s *Store) DeleteManifestCascade(ctx context.Context, repoID int64, reference string) (string, []string, error) {
	manifest, err := s.ResolveManifest(ctx, repoID, reference)
	if err != nil {
		return "", nil, err
	}

	tx, err := s.Begin()
	if err != nil {
		return "", nil, err
	}
	defer tx.Rollback()

	orphaned, err := deleteManifestRows(ctx, tx, manifest, true)
	if err != nil {
		return "", nil, err
	}
	if err := tx.Commit(); err != nil {
		return "", nil, err
	}
	return manifest.FilePath, orphaned, nil
}

// ManifestLayers returns the layer rows of a manifest.
func (s *Store) ManifestLayers(ctx context.Context, manifestID int64) ([]ManifestLayer, error) {
	var layers []ManifestLayer
	_, err := s.executor(ctx).Select(&layers,
		"SELECT * FROM manifest_layers WHERE manifest_id = ?", manifestID)
	return layers, err
}

// Tags returns a repository's tags ordered case-insensitively ascending.
// When last is non-empty only strictly greater tags return; when n > 0 at
// most n tags return.
func (s *Store) Tags(ctx context.Context, repoID int64, n int, last string) ([]string, error) {
	query := "SELECT tag FROM tags WHERE repository_id = ?"
	args := []interface{}{repoID}
	if last != "" {
		query += " AND tag > ? COLLATE NOCASE"
		args = append(args, last)
	}
	query += " ORDER BY tag COLLATE NOCASE"
	if n > 0 {
		query += " LIMIT ?"
		args = append(args, n)
	}

	var tags []string
	_, err := s.executor(ctx).Select(&tags, query, args...)
	return tags, err
}

// DeleteTag removes a single tag binding without touching the manifest.
func (s *Store) DeleteTag(ctx context.Context, repoID int64, tag string) error {
	res, err := s.executor(ctx).Exec(
		"DELETE FROM tags WHERE repository_id = ? AND tag = ?", repoID, tag)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateUser inserts a user with the given bcrypt hash.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string, isAdmin bool) (*User, error) {
	user := &User{
		ID:        uuid.NewString(),
		Email:     email,
		Password:  passwordHash,
		IsAdmin:   isAdmin,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.executor(ctx).Insert(user); err != nil {
		return nil, err
	}
	return user, nil
}

// FindUserByEmail looks a user up by email.
func (s *Store) FindUserByEmail(ctx context.Context, email string) (*User, error) {
	var user User
	err := s.executor(ctx).SelectOne(&user, "SELECT * FROM users WHERE email = ?", email)
	if err != nil {
		return nil, asNotFound(err)
	}
	return &user, nil
}

// FindUser looks a user up by id.
func (s *Store) FindUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := s.executor(ctx).SelectOne(&user, "SELECT * FROM users WHERE id = ?", id)
	if err != nil {
		return nil, asNotFound(err)
	}
	return &user, nil
}

// CreateClient mints an API key for a user. The secret doubles as the
// bearer credential.
func (s *Store) CreateClient(ctx context.Context, userID string) (*Client, error) {
	client := &Client{
		ClientID:  uuid.NewString(),
		UserID:    userID,
		Secret:    uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.executor(ctx).Insert(client); err != nil {
		return nil, err
	}
	return client, nil
}

// FindClientBySecret resolves a bearer secret to its API key row.
func (s *Store) FindClientBySecret(ctx context.Context, secret string) (*Client, error) {
	var client Client
	err := s.executor(ctx).SelectOne(&client, "SELECT * FROM clients WHERE secret = ?", secret)
	if err != nil {
		return nil, asNotFound(err)
	}
	return &client, nil
}

// GrantScope gives a user actions on a repository, replacing any previous
// grant.
func (s *Store) GrantScope(ctx context.Context, userID string, repoID int64, pull, push, del bool) error {
	_, err := s.executor(ctx).Exec(
		`INSERT INTO repository_scopes (user_id, repository_id, pull, push, del) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, repository_id) DO UPDATE SET pull = excluded.pull, push = excluded.push, del = excluded.del`,
		userID, repoID, pull, push, del)
	return err
}

// ScopeGrant couples a scope row with the repository name it covers.
type ScopeGrant struct {
	Repository string `db:"name"`
	Pull       bool   `db:"pull"`
	Push       bool   `db:"push"`
	Del        bool   `db:"del"`
}

// ScopesForUser returns every repository grant the user holds.
func (s *Store) ScopesForUser(ctx context.Context, userID string) ([]ScopeGrant, error) {
	var grants []ScopeGrant
	_, err := s.executor(ctx).Select(&grants,
		`SELECT r.name AS name, rs.pull AS pull, rs.push AS push, rs.del AS del
		 FROM repository_scopes rs JOIN repositories r ON r.id = rs.repository_id
		 WHERE rs.user_id = ?`, userID)
	return grants, err
}
