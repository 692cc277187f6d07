package storage

import (
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ErrBlobUnknown is returned when a blob is not present in a repository.
var ErrBlobUnknown = errors.New("blob unknown to registry")

// ErrBlobReferenced is returned when deleting a blob that manifests still
// reference.
var ErrBlobReferenced = errors.New("blob is referenced by a manifest")

// ErrUploadUnknown is returned when an upload session does not exist, was
// cancelled, or already finished.
var ErrUploadUnknown = errors.New("blob upload unknown to registry")

// RepositoryUnknownError is returned when the named repository does not
// exist.
type RepositoryUnknownError struct {
	Name string
}

func (err RepositoryUnknownError) Error() string {
	return fmt.Sprintf("repository name not known to registry: %s", err.Name)
}

// ManifestUnknownError is returned when a manifest reference (tag or digest)
// resolves to nothing.
type ManifestUnknownError struct {
	Name      string
	Reference string
}

func (err ManifestUnknownError) Error() string {
	return fmt.Sprintf("manifest unknown: %s:%s", err.Name, err.Reference)
}

// ManifestBlobUnknownError is returned on manifest put when a referenced
// layer digest has no blob in the repository.
type ManifestBlobUnknownError struct {
	Digest digest.Digest
}

func (err ManifestBlobUnknownError) Error() string {
	return fmt.Sprintf("manifest references unknown blob: %s", err.Digest)
}

// OutOfOrderError is returned when a chunk's starting offset does not match
// the upload session's current offset. The session state is unchanged.
type OutOfOrderError struct {
	Offset   int64
	Expected int64
}

func (err OutOfOrderError) Error() string {
	return fmt.Sprintf("chunk start %d does not match upload offset %d", err.Offset, err.Expected)
}

// DigestMismatchError is returned when uploaded content hashes to something
// other than the digest the client claimed.
type DigestMismatchError struct {
	Expected digest.Digest
	Actual   digest.Digest
}

func (err DigestMismatchError) Error() string {
	return fmt.Sprintf("content digest %s does not match expected %s", err.Actual, err.Expected)
}
