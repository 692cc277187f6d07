package storage

import (
	"context"
	"errors"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/sirupsen/logrus"

	"github.com/quayd/quayd/registry/manifest"
	"github.com/quayd/quayd/registry/metadata"
	storagedriver "github.com/quayd/quayd/registry/storage/driver"
)

// PutManifest validates and stores a manifest pushed under reference, which
// is either a tag or a digest. The manifest body is written to the backend,
// its layers are bound to the repository's blobs with reference counts, and
// a tag reference is (re)bound to the new manifest. The computed digest is
// returned.
func (repo *Repository) PutManifest(ctx context.Context, reference string, body []byte) (digest.Digest, error) {
	parsed, err := manifest.Parse(body)
	if err != nil {
		return "", err
	}

	dgst := digest.Canonical.FromBytes(body)

	tag := reference
	if strings.Contains(reference, ":") {
		// Pushed by digest: the reference must name the content.
		if ref, err := digest.Parse(reference); err != nil || ref != dgst {
			return "", DigestMismatchError{Expected: digest.Digest(reference), Actual: dgst}
		}
		tag = ""
	}

	path := manifestPath(repo.meta.Name, dgst)
	if err := repo.reg.driver.PutContent(ctx, path, body); err != nil {
		return "", err
	}

	row := &metadata.Manifest{
		Digest:        dgst.String(),
		FilePath:      path,
		MediaType:     parsed.MediaType,
		Size:          int64(len(body)),
		SchemaVersion: int64(parsed.SchemaVersion),
	}
	layers := make([]metadata.ManifestLayer, 0, len(parsed.Layers))
	for _, layer := range parsed.Layers {
		layers = append(layers, metadata.ManifestLayer{
			Digest:    layer.Digest.String(),
			Size:      layer.Size,
			MediaType: layer.MediaType,
		})
	}

	if err := repo.reg.db.PutManifest(ctx, repo.meta.ID, row, layers, tag); err != nil {
		var unknown metadata.UnknownLayerError
		if errors.As(err, &unknown) {
			// The index transaction rolled back; drop the stored body
			// unless another manifest row still points at it.
			repo.reg.removeFileIfUnreferenced(ctx, path, 0)
			return "", ManifestBlobUnknownError{Digest: digest.Digest(unknown.Digest)}
		}
		return "", err
	}

	logrus.WithFields(logrus.Fields{
		"repository": repo.meta.Name,
		"reference":  reference,
		"digest":     dgst,
	}).Info("manifest stored")
	return dgst, nil
}

// GetManifest resolves reference (tag first, digest second) and returns the
// stored manifest body along with its metadata row.
func (repo *Repository) GetManifest(ctx context.Context, reference string) ([]byte, *metadata.Manifest, error) {
	row, err := repo.reg.db.ResolveManifest(ctx, repo.meta.ID, reference)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, nil, ManifestUnknownError{Name: repo.meta.Name, Reference: reference}
		}
		return nil, nil, err
	}

	body, err := repo.reg.driver.GetContent(ctx, row.FilePath)
	if err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			return nil, nil, ManifestUnknownError{Name: repo.meta.Name, Reference: reference}
		}
		return nil, nil, err
	}
	return body, row, nil
}

// DeleteManifest removes the manifest resolved by reference together with
// its tags and layer references. Layer blobs whose reference count drops to
// zero are removed from index and backend.
func (repo *Repository) DeleteManifest(ctx context.Context, reference string) error {
	manifestFile, orphaned, err := repo.reg.db.DeleteManifestCascade(ctx, repo.meta.ID, reference)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return ManifestUnknownError{Name: repo.meta.Name, Reference: reference}
		}
		return err
	}

	for _, path := range orphaned {
		if err := repo.reg.removeFileIfUnreferenced(ctx, path, 0); err != nil {
			return err
		}
	}
	if err := repo.reg.driver.Delete(ctx, manifestFile); err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); !ok {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"repository": repo.meta.Name,
		"reference":  reference,
		"orphaned":   len(orphaned),
	}).Info("manifest deleted")
	return nil
}

// Tags lists the repository's tags in case-insensitive ascending order,
// starting strictly after last when given, and limited to n when n > 0.
func (repo *Repository) Tags(ctx context.Context, n int, last string) ([]string, error) {
	return repo.reg.db.Tags(ctx, repo.meta.ID, n, last)
}

// DeleteTag unbinds a single tag. The manifest it pointed at remains
// addressable by digest.
func (repo *Repository) DeleteTag(ctx context.Context, tag string) error {
	err := repo.reg.db.DeleteTag(ctx, repo.meta.ID, tag)
	if errors.Is(err, metadata.ErrNotFound) {
		return ManifestUnknownError{Name: repo.meta.Name, Reference: tag}
	}
	return err
}
