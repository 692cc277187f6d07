package storage

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/quayd/quayd/registry/metadata"
	storagedriver "github.com/quayd/quayd/registry/storage/driver"
)

// StatBlob returns the metadata row of a finalized blob, or ErrBlobUnknown.
func (repo *Repository) StatBlob(ctx context.Context, dgst digest.Digest) (*metadata.Blob, error) {
	blob, err := repo.reg.db.FindBlob(ctx, repo.meta.ID, dgst.String())
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrBlobUnknown
		}
		return nil, err
	}
	return blob, nil
}

// BlobSize returns the stored size of the blob in bytes. The backend file
// is authoritative; the index does not record sizes.
func (repo *Repository) BlobSize(ctx context.Context, dgst digest.Digest) (int64, error) {
	blob, err := repo.StatBlob(ctx, dgst)
	if err != nil {
		return 0, err
	}
	fi, err := repo.reg.driver.Stat(ctx, blob.FilePath)
	if err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			return 0, ErrBlobUnknown
		}
		return 0, err
	}
	return fi.Size(), nil
}

// OpenBlob returns a reader over the blob content along with its metadata
// row. The caller owns the reader.
func (repo *Repository) OpenBlob(ctx context.Context, dgst digest.Digest) (io.ReadCloser, *metadata.Blob, error) {
	blob, err := repo.StatBlob(ctx, dgst)
	if err != nil {
		return nil, nil, err
	}
	rc, err := repo.reg.driver.Reader(ctx, blob.FilePath, 0)
	if err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			// Index and backend disagree; report the blob missing rather
			// than an internal error.
			return nil, nil, ErrBlobUnknown
		}
		return nil, nil, err
	}
	return rc, blob, nil
}

// BlobRedirectURL asks the storage backend for a direct-download URL for the
// blob. The empty string means the content must be proxied.
func (repo *Repository) BlobRedirectURL(ctx context.Context, method string, dgst digest.Digest) (string, error) {
	blob, err := repo.StatBlob(ctx, dgst)
	if err != nil {
		return "", err
	}
	return repo.reg.driver.RedirectURL(ctx, method, blob.FilePath)
}

// PutBlob stores a complete blob in one shot, verifying the content against
// the expected digest. It is idempotent: re-pushing an existing blob
// succeeds without duplicating rows.
func (repo *Repository) PutBlob(ctx context.Context, expected digest.Digest, r io.Reader) (*metadata.Blob, error) {
	if err := expected.Validate(); err != nil {
		return nil, DigestMismatchError{Expected: expected}
	}

	if err := repo.reg.installBlob(ctx, repo.meta.Name, expected, r); err != nil {
		return nil, err
	}

	if existing, err := repo.StatBlob(ctx, expected); err == nil {
		return existing, nil
	}
	return repo.reg.db.InsertBlob(ctx, repo.meta.ID, expected.String(), blobPath(repo.meta.Name, expected))
}

// installBlob streams content through the canonical digester into a staging
// file and moves it into the blob's final path only once the digest
// verifies. A previously stored file for the same digest is replaced by the
// rename and never touched on failure.
func (reg *Registry) installBlob(ctx context.Context, name string, expected digest.Digest, r io.Reader) error {
	stage := blobStagePath(name, uuid.NewString())
	fw, err := reg.driver.Writer(ctx, stage, false)
	if err != nil {
		return err
	}

	digester := digest.Canonical.Digester()
	if _, err := io.Copy(io.MultiWriter(fw, digester.Hash()), r); err != nil {
		fw.Cancel(ctx)
		return err
	}

	if actual := digester.Digest(); actual != expected {
		fw.Cancel(ctx)
		return DigestMismatchError{Expected: expected, Actual: actual}
	}

	if err := fw.Commit(ctx); err != nil {
		return err
	}
	if err := fw.Close(); err != nil {
		return err
	}
	return reg.driver.Move(ctx, stage, blobPath(name, expected))
}

// MountBlob links a blob that already exists in the source repository into
// this one without copying content. Both rows share the backend file.
func (repo *Repository) MountBlob(ctx context.Context, dgst digest.Digest, source *Repository) (*metadata.Blob, error) {
	if existing, err := repo.StatBlob(ctx, dgst); err == nil {
		return existing, nil
	}

	src, err := source.StatBlob(ctx, dgst)
	if err != nil {
		return nil, err
	}
	return repo.reg.db.InsertBlob(ctx, repo.meta.ID, dgst.String(), src.FilePath)
}

// DeleteBlob removes an unreferenced blob from the repository. Blobs still
// referenced by a manifest fail with ErrBlobReferenced. The backend file is
// removed unless another repository's row still points at it.
func (repo *Repository) DeleteBlob(ctx context.Context, dgst digest.Digest) error {
	blob, err := repo.StatBlob(ctx, dgst)
	if err != nil {
		return err
	}
	if blob.RefCount > 0 {
		return ErrBlobReferenced
	}

	if _, err := repo.reg.db.DeleteBlob(ctx, repo.meta.ID, dgst.String()); err != nil {
		return err
	}
	return repo.reg.removeFileIfUnreferenced(ctx, blob.FilePath, blob.ID)
}

// removeFileIfUnreferenced deletes a backend file unless a blob row other
// than excludeID still points at it, as happens with mounted blobs.
func (reg *Registry) removeFileIfUnreferenced(ctx context.Context, path string, excludeID int64) error {
	shared, err := reg.db.PathReferenced(ctx, path, excludeID)
	if err != nil {
		return err
	}
	if shared {
		return nil
	}
	if err := reg.driver.Delete(ctx, path); err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			logrus.WithField("path", path).Warn("blob file already missing")
			return nil
		}
		return err
	}
	return nil
}
