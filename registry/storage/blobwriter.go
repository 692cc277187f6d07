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

// BlobWriter is a resumable chunked upload session. Chunks must arrive in
// order; the content digest is computed over the assembled whole at commit
// time.
type BlobWriter struct {
	repo   *Repository
	upload *metadata.Upload
}

// CreateUpload opens a new upload session in the repository.
func (repo *Repository) CreateUpload(ctx context.Context) (*BlobWriter, error) {
	upload, err := repo.reg.db.CreateUpload(ctx, repo.meta.ID)
	if err != nil {
		return nil, err
	}
	logrus.WithFields(logrus.Fields{
		"repository": repo.meta.Name,
		"upload":     upload.UUID,
	}).Debug("upload session opened")
	return &BlobWriter{repo: repo, upload: upload}, nil
}

// ResumeUpload returns the session identified by id, or ErrUploadUnknown.
func (repo *Repository) ResumeUpload(ctx context.Context, id string) (*BlobWriter, error) {
	upload, err := repo.reg.db.FindUpload(ctx, repo.meta.ID, id)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrUploadUnknown
		}
		return nil, err
	}
	return &BlobWriter{repo: repo, upload: upload}, nil
}

// ID returns the session UUID.
func (bw *BlobWriter) ID() string {
	return bw.upload.UUID
}

// Offset returns the number of bytes received so far. The next chunk must
// start here.
func (bw *BlobWriter) Offset() int64 {
	return bw.upload.CurrentChunk
}

// WriteChunk streams one chunk into the session. start must equal the
// session's current offset or the write fails with OutOfOrderError and the
// session state is unchanged. The new offset is returned.
//
// Racing writers are resolved by the metadata compare-and-set: both may
// stream their chunk file, but only the one that advances the offset keeps
// it.
func (bw *BlobWriter) WriteChunk(ctx context.Context, start int64, r io.Reader) (int64, error) {
	if start != bw.upload.CurrentChunk {
		return bw.upload.CurrentChunk, OutOfOrderError{Offset: start, Expected: bw.upload.CurrentChunk}
	}

	chunkPath := uploadChunkPath(bw.repo.meta.Name, bw.upload.UUID, start)
	fw, err := bw.repo.reg.driver.Writer(ctx, chunkPath, false)
	if err != nil {
		return bw.upload.CurrentChunk, err
	}

	digester := digest.Canonical.Digester()
	n, err := io.Copy(io.MultiWriter(fw, digester.Hash()), r)
	if err != nil {
		// A transport error mid-chunk must not advance the session.
		fw.Cancel(ctx)
		return bw.upload.CurrentChunk, err
	}
	if err := fw.Commit(ctx); err != nil {
		return bw.upload.CurrentChunk, err
	}
	if err := fw.Close(); err != nil {
		return bw.upload.CurrentChunk, err
	}

	next := start + n
	ok, err := bw.repo.reg.db.AdvanceUpload(ctx, bw.upload.UUID, start, next)
	if err != nil {
		return bw.upload.CurrentChunk, err
	}
	if !ok {
		// Lost the compare-and-set to a concurrent writer. Drop our chunk
		// file; the winner's file is at a different index.
		bw.repo.reg.driver.Delete(ctx, chunkPath)
		current, ferr := bw.repo.reg.db.FindUpload(ctx, bw.repo.meta.ID, bw.upload.UUID)
		if ferr == nil {
			bw.upload = current
		}
		return bw.upload.CurrentChunk, OutOfOrderError{Offset: start, Expected: bw.upload.CurrentChunk}
	}

	// The per-chunk digest is informational; the authoritative digest is
	// computed over the assembled blob at commit.
	if err := bw.repo.reg.db.InsertChunk(ctx, bw.repo.meta.ID, bw.upload.UUID, start, digester.Digest().String(), chunkPath); err != nil {
		return bw.upload.CurrentChunk, err
	}

	bw.upload.CurrentChunk = next
	return next, nil
}

// Commit assembles the session's chunks in order, verifies the content
// against the expected digest and installs the finalized blob. On digest
// mismatch the chunk rows remain so the client may retry the finalizing
// request.
func (bw *BlobWriter) Commit(ctx context.Context, expected digest.Digest) (*metadata.Blob, error) {
	if err := expected.Validate(); err != nil {
		return nil, DigestMismatchError{Expected: expected}
	}

	chunks, err := bw.repo.reg.db.SessionChunks(ctx, bw.upload.UUID)
	if err != nil {
		return nil, err
	}

	// Assemble into a staging file first. A blob already stored under the
	// expected digest stays intact until the verified rename.
	path := blobPath(bw.repo.meta.Name, expected)
	stage := blobStagePath(bw.repo.meta.Name, uuid.NewString())
	fw, err := bw.repo.reg.driver.Writer(ctx, stage, false)
	if err != nil {
		return nil, err
	}

	digester := digest.Canonical.Digester()
	out := io.MultiWriter(fw, digester.Hash())
	for _, chunk := range chunks {
		if err := bw.copyChunk(ctx, out, chunk.FilePath); err != nil {
			fw.Cancel(ctx)
			return nil, err
		}
	}

	actual := digester.Digest()
	if actual != expected {
		fw.Cancel(ctx)
		return nil, DigestMismatchError{Expected: expected, Actual: actual}
	}

	if err := fw.Commit(ctx); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	if err := bw.repo.reg.driver.Move(ctx, stage, path); err != nil {
		return nil, err
	}

	blob, err := bw.repo.StatBlob(ctx, expected)
	if err != nil {
		if !errors.Is(err, ErrBlobUnknown) {
			return nil, err
		}
		blob, err = bw.repo.reg.db.InsertBlob(ctx, bw.repo.meta.ID, expected.String(), path)
		if err != nil {
			return nil, err
		}
	}

	if err := bw.cleanup(ctx); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"repository": bw.repo.meta.Name,
		"digest":     expected,
		"chunks":     len(chunks),
	}).Debug("upload session finalized")
	return blob, nil
}

func (bw *BlobWriter) copyChunk(ctx context.Context, w io.Writer, path string) error {
	rc, err := bw.repo.reg.driver.Reader(ctx, path, 0)
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(w, rc)
	return err
}

// Cancel aborts the session, removing its chunk files and rows.
func (bw *BlobWriter) Cancel(ctx context.Context) error {
	return bw.cleanup(ctx)
}

func (bw *BlobWriter) cleanup(ctx context.Context) error {
	if err := bw.repo.reg.db.DeleteSessionChunks(ctx, bw.upload.UUID); err != nil {
		return err
	}
	if err := bw.repo.reg.db.DeleteUpload(ctx, bw.upload.UUID); err != nil {
		return err
	}
	if err := bw.repo.reg.driver.Delete(ctx, uploadRootPath(bw.repo.meta.Name, bw.upload.UUID)); err != nil {
		// A session cancelled before its first chunk has no directory.
		if _, ok := err.(storagedriver.PathNotFoundError); !ok {
			return err
		}
	}
	return nil
}
