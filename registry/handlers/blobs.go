package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/quayd/quayd/registry/api/errcode"
	"github.com/quayd/quayd/registry/storage"
)

// blobDispatcher takes the request context and builds the appropriate
// handler for handling blob requests.
func blobDispatcher(ctx *Context, r *http.Request) http.Handler {
	dgst, err := digest.Parse(ctx.vars["digest"])
	if err != nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx.Errors = append(ctx.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(ctx.vars["digest"]))
		})
	}

	blobHandler := &blobHandler{
		Context: ctx,
		Digest:  dgst,
	}
	blobHandler.log = blobHandler.log.WithField("digest", dgst)

	return handlers.MethodHandler{
		"GET":    http.HandlerFunc(blobHandler.GetBlob),
		"HEAD":   http.HandlerFunc(blobHandler.HeadBlob),
		"DELETE": http.HandlerFunc(blobHandler.DeleteBlob),
	}
}

// blobHandler handles http operations on blobs.
type blobHandler struct {
	*Context

	Digest digest.Digest
}

// HeadBlob reports the existence and size of a blob without sending its
// content.
func (bh *blobHandler) HeadBlob(w http.ResponseWriter, r *http.Request) {
	repo, ok := bh.repository(r)
	if !ok {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeNameUnknown.WithDetail(bh.Name))
		return
	}

	size, err := repo.BlobSize(r.Context(), bh.Digest)
	if err != nil {
		bh.appendBlobError(err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Docker-Content-Digest", bh.Digest.String())
	w.WriteHeader(http.StatusOK)
}

// GetBlob serves the blob content, redirecting to the storage backend when
// it can serve the content directly.
func (bh *blobHandler) GetBlob(w http.ResponseWriter, r *http.Request) {
	repo, ok := bh.repository(r)
	if !ok {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeNameUnknown.WithDetail(bh.Name))
		return
	}

	if redirectURL, err := repo.BlobRedirectURL(r.Context(), r.Method, bh.Digest); err == nil && redirectURL != "" {
		http.Redirect(w, r, redirectURL, http.StatusTemporaryRedirect)
		return
	}

	size, err := repo.BlobSize(r.Context(), bh.Digest)
	if err != nil {
		bh.appendBlobError(err)
		return
	}

	rc, _, err := repo.OpenBlob(r.Context(), bh.Digest)
	if err != nil {
		bh.appendBlobError(err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.Header().Set("Docker-Content-Digest", bh.Digest.String())
	if _, err := io.Copy(w, rc); err != nil {
		bh.log.WithError(err).Error("streaming blob")
	}
}

// DeleteBlob removes an unreferenced blob from the repository.
func (bh *blobHandler) DeleteBlob(w http.ResponseWriter, r *http.Request) {
	repo, ok := bh.repository(r)
	if !ok {
		bh.Errors = append(bh.Errors, errcode.ErrorCodeNameUnknown.WithDetail(bh.Name))
		return
	}

	if err := repo.DeleteBlob(r.Context(), bh.Digest); err != nil {
		bh.appendBlobError(err)
		return
	}

	w.Header().Set("Docker-Content-Digest", bh.Digest.String())
	w.WriteHeader(http.StatusAccepted)
}

func (bh *blobHandler) appendBlobError(err error) {
	switch {
	case errors.Is(err, storage.ErrBlobUnknown):
		bh.Errors = append(bh.Errors, errcode.ErrorCodeBlobUnknown.WithDetail(bh.Digest.String()))
	case errors.Is(err, storage.ErrBlobReferenced):
		bh.Errors = append(bh.Errors, errcode.ErrorCodeBlobReferenced.WithDetail(bh.Digest.String()))
	default:
		bh.log.WithError(err).Error("blob operation failed")
		bh.Errors = append(bh.Errors, errcode.ErrorCodeUnknown)
	}
}
