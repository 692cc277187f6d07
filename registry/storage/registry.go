// Package storage ties the metadata index and the content backend together:
// repositories, blobs, resumable uploads, manifests and garbage collection.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/quayd/quayd/registry/metadata"
	storagedriver "github.com/quayd/quayd/registry/storage/driver"
)

// Registry is the entry point into blob and manifest storage. All state
// lives in the metadata store and the storage driver; Registry itself is
// stateless and safe for concurrent use.
type Registry struct {
	db     *metadata.Store
	driver storagedriver.StorageDriver
}

// NewRegistry constructs a registry over the given metadata store and
// storage driver.
func NewRegistry(db *metadata.Store, driver storagedriver.StorageDriver) *Registry {
	return &Registry{db: db, driver: driver}
}

// Metadata exposes the underlying metadata store for components that manage
// users and access grants.
func (reg *Registry) Metadata() *metadata.Store {
	return reg.db
}

// Repository returns a handle on the named repository.
// RepositoryUnknownError is returned when it does not exist.
func (reg *Registry) Repository(ctx context.Context, name string) (*Repository, error) {
	if !validRepoComponent(name) {
		return nil, fmt.Errorf("invalid repository name %q", name)
	}
	meta, err := reg.db.FindRepository(ctx, name)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, RepositoryUnknownError{Name: name}
		}
		return nil, err
	}
	return &Repository{reg: reg, meta: meta}, nil
}

// EnsureRepository returns a handle on the named repository, creating it
// (private) when absent. Push operations create repositories implicitly.
func (reg *Registry) EnsureRepository(ctx context.Context, name string) (*Repository, error) {
	if !validRepoComponent(name) {
		return nil, fmt.Errorf("invalid repository name %q", name)
	}
	meta, err := reg.db.EnsureRepository(ctx, name)
	if err != nil {
		return nil, err
	}
	return &Repository{reg: reg, meta: meta}, nil
}

// CreateRepository creates a repository with explicit visibility, as done by
// the repository management endpoint and CLI.
func (reg *Registry) CreateRepository(ctx context.Context, name string, isPublic bool) (*Repository, error) {
	if !validRepoComponent(name) {
		return nil, fmt.Errorf("invalid repository name %q", name)
	}
	meta, err := reg.db.CreateRepository(ctx, name, isPublic)
	if err != nil {
		return nil, err
	}
	return &Repository{reg: reg, meta: meta}, nil
}

// repositoryByID resolves a repository handle from its primary key, as
// needed when walking rows that only carry the id.
func (reg *Registry) repositoryByID(ctx context.Context, id int64) (*Repository, error) {
	meta, err := reg.db.FindRepositoryByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Repository{reg: reg, meta: meta}, nil
}

// RepositorySummary describes one repository for the listing endpoint.
type RepositorySummary struct {
	Name          string   `json:"name"`
	IsPublic      bool     `json:"is_public"`
	BlobCount     int64    `json:"blob_count"`
	ManifestCount int64    `json:"manifest_count"`
	TagCount      int64    `json:"tag_count"`
	LayerCount    int64    `json:"layer_count"`
	DiskUsage     int64    `json:"disk_usage"`
	Tags          []string `json:"tags"`
}

// Summaries lists repositories with their counts and backend disk usage.
// When publicOnly is set, private repositories are omitted.
func (reg *Registry) Summaries(ctx context.Context, publicOnly bool) ([]RepositorySummary, error) {
	rows, err := reg.db.Summaries(ctx, publicOnly)
	if err != nil {
		return nil, err
	}

	summaries := make([]RepositorySummary, 0, len(rows))
	for _, row := range rows {
		summary := RepositorySummary{
			Name:          row.Name,
			IsPublic:      row.IsPublic,
			BlobCount:     row.BlobCount,
			ManifestCount: row.ManifestCount,
			TagCount:      row.TagCount,
			LayerCount:    row.LayerCount,
			Tags:          row.Tags,
		}
		summary.DiskUsage, err = reg.dirSize(ctx, repositoryRootPath(row.Name))
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, nil
}

// dirSize totals the file sizes under path. A missing path counts as zero;
// a repository with no pushed content has no directory yet.
func (reg *Registry) dirSize(ctx context.Context, path string) (int64, error) {
	var total int64
	err := reg.driver.Walk(ctx, path, func(fi storagedriver.FileInfo) error {
		if !fi.IsDir() {
			total += fi.Size()
		}
		return nil
	})
	if err != nil {
		if _, ok := err.(storagedriver.PathNotFoundError); ok {
			return 0, nil
		}
		return 0, err
	}
	return total, nil
}

// Repository is a handle on one named repository.
type Repository struct {
	reg  *Registry
	meta *metadata.Repository
}

// Name returns the repository name.
func (repo *Repository) Name() string {
	return repo.meta.Name
}

// IsPublic reports whether anonymous pulls are allowed.
func (repo *Repository) IsPublic() bool {
	return repo.meta.IsPublic
}
