package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
)

// The storage backend is laid out per repository:
//
//	/<repo>/
//		blobs/<algorithm>/<hex>        finalized blob content
//		uploads/<uuid>/<chunk-index>   chunk files of an open session
//		uploads/<uuid>                 staging file of a blob being installed
//		manifests/<algorithm>/<hex>    manifest JSON
//
// Digests are split into algorithm and hex components because backend paths
// may not contain the ':' separator of the canonical digest form.

func repositoryRootPath(name string) string {
	return "/" + name
}

func blobPath(name string, dgst digest.Digest) string {
	return fmt.Sprintf("/%s/blobs/%s/%s", name, dgst.Algorithm(), dgst.Hex())
}

func uploadRootPath(name, id string) string {
	return fmt.Sprintf("/%s/uploads/%s", name, id)
}

// blobStagePath is the scratch location a blob is assembled at before being
// moved into blobPath. id is always a fresh UUID, so stages never collide
// with session directories.
func blobStagePath(name, id string) string {
	return fmt.Sprintf("/%s/uploads/%s", name, id)
}

func uploadChunkPath(name, id string, index int64) string {
	return fmt.Sprintf("/%s/uploads/%s/%s", name, id, strconv.FormatInt(index, 10))
}

func manifestPath(name string, dgst digest.Digest) string {
	return fmt.Sprintf("/%s/manifests/%s/%s", name, dgst.Algorithm(), dgst.Hex())
}

// validRepoComponent reports whether every path component of a repository
// name is a normal component: no empty segments, no traversal, no absolute
// prefixes.
func validRepoComponent(name string) bool {
	if name == "" || strings.HasPrefix(name, "/") {
		return false
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}
