package storage

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	storagedriver "github.com/quayd/quayd/registry/storage/driver"
)

// uploadExpiry is how long an upload session may sit idle before the
// garbage collector reclaims it.
const uploadExpiry = 24 * time.Hour

// GCStats reports what a garbage collection pass removed.
type GCStats struct {
	Blobs   int
	Uploads int
}

// RunGC removes every blob whose reference count is zero and every upload
// session older than the expiry window, together with their backend files.
// It is safe to run while the registry serves traffic: zero-ref blobs are
// only those no manifest references, and refcounts only increase inside the
// manifest put transaction.
func (reg *Registry) RunGC(ctx context.Context) (GCStats, error) {
	var stats GCStats

	blobs, err := reg.db.ZeroRefBlobs(ctx)
	if err != nil {
		return stats, err
	}
	for _, blob := range blobs {
		if _, err := reg.db.DeleteBlob(ctx, blob.RepositoryID, blob.Digest); err != nil {
			return stats, err
		}
		if err := reg.removeFileIfUnreferenced(ctx, blob.FilePath, blob.ID); err != nil {
			return stats, err
		}
		logrus.WithFields(logrus.Fields{
			"digest": blob.Digest,
			"path":   blob.FilePath,
		}).Info("gc: removed unreferenced blob")
		stats.Blobs++
	}

	cutoff := time.Now().Add(-uploadExpiry)
	uploads, err := reg.db.StaleUploads(ctx, cutoff)
	if err != nil {
		return stats, err
	}
	for _, upload := range uploads {
		repo, err := reg.repositoryByID(ctx, upload.RepositoryID)
		if err != nil {
			return stats, err
		}
		bw := &BlobWriter{repo: repo, upload: &upload}
		if err := bw.Cancel(ctx); err != nil {
			return stats, err
		}
		logrus.WithFields(logrus.Fields{
			"upload":  upload.UUID,
			"started": upload.CreatedAt,
		}).Info("gc: reclaimed stale upload session")
		stats.Uploads++
	}

	return stats, nil
}

// SweepOrphans walks the backend and logs files the index does not know
// about. Orphans appear when a crash lands between a file write and its row
// insert; they are reported rather than deleted so an operator can inspect
// them first.
func (reg *Registry) SweepOrphans(ctx context.Context) ([]string, error) {
	var orphans []string
	err := reg.driver.Walk(ctx, "/", func(fi storagedriver.FileInfo) error {
		if fi.IsDir() {
			return nil
		}
		known, err := reg.db.PathReferenced(ctx, fi.Path(), 0)
		if err != nil {
			return err
		}
		if !known {
			known, err = reg.db.ManifestPathReferenced(ctx, fi.Path())
			if err != nil {
				return err
			}
		}
		if !known {
			logrus.WithField("path", fi.Path()).Warn("gc: orphaned file")
			orphans = append(orphans, fi.Path())
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			return nil, nil
		}
		return nil, err
	}
	return orphans, nil
}
