package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/handlers"

	"github.com/quayd/quayd/registry/api/errcode"
	"github.com/quayd/quayd/registry/manifest"
	"github.com/quayd/quayd/registry/storage"
)

// maxManifestBodyBytes bounds manifest uploads. Manifests are small JSON
// documents; anything larger is rejected outright.
const maxManifestBodyBytes = 4 << 20

// imageManifestDispatcher takes the request context and builds the
// appropriate handler for handling image manifest requests.
func imageManifestDispatcher(ctx *Context, r *http.Request) http.Handler {
	imageManifestHandler := &imageManifestHandler{
		Context:   ctx,
		Reference: ctx.vars["reference"],
	}

	imageManifestHandler.log = imageManifestHandler.log.WithField("reference", imageManifestHandler.Reference)

	return handlers.MethodHandler{
		"GET":    http.HandlerFunc(imageManifestHandler.GetImageManifest),
		"HEAD":   http.HandlerFunc(imageManifestHandler.GetImageManifest),
		"PUT":    http.HandlerFunc(imageManifestHandler.PutImageManifest),
		"DELETE": http.HandlerFunc(imageManifestHandler.DeleteImageManifest),
	}
}

// imageManifestHandler handles http operations on image manifests.
type imageManifestHandler struct {
	*Context

	// Reference addresses the manifest, as either a tag or a digest.
	Reference string
}

// GetImageManifest fetches the image manifest from the storage backend, if
// it exists. HEAD requests send the headers without the body.
func (imh *imageManifestHandler) GetImageManifest(w http.ResponseWriter, r *http.Request) {
	repo, ok := imh.repository(r)
	if !ok {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeNameUnknown.WithDetail(imh.Name))
		return
	}

	body, row, err := repo.GetManifest(r.Context(), imh.Reference)
	if err != nil {
		imh.appendManifestError(err)
		return
	}

	w.Header().Set("Content-Type", row.MediaType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Docker-Content-Digest", row.Digest)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := w.Write(body); err != nil {
		imh.log.WithError(err).Error("writing manifest response")
	}
}

// PutImageManifest validates and stores a manifest in the registry.
func (imh *imageManifestHandler) PutImageManifest(w http.ResponseWriter, r *http.Request) {
	repo, err := imh.ensureRepository(r)
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeNameInvalid.WithDetail(err.Error()))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBodyBytes+1))
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeManifestInvalid.WithDetail(err.Error()))
		return
	}
	if len(body) > maxManifestBodyBytes {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeManifestInvalid.WithDetail("manifest too large"))
		return
	}

	dgst, err := repo.PutManifest(r.Context(), imh.Reference, body)
	if err != nil {
		imh.appendManifestError(err)
		return
	}

	location, err := imh.urlBuilder.BuildManifestURL(imh.Name, dgst.String())
	if err != nil {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown.WithDetail(err.Error()))
		return
	}

	w.Header().Set("Location", location)
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.WriteHeader(http.StatusCreated)
}

// DeleteImageManifest removes the manifest identified by the reference from
// the registry, unbinding its tags and releasing its layer references.
func (imh *imageManifestHandler) DeleteImageManifest(w http.ResponseWriter, r *http.Request) {
	repo, ok := imh.repository(r)
	if !ok {
		imh.Errors = append(imh.Errors, errcode.ErrorCodeNameUnknown.WithDetail(imh.Name))
		return
	}

	if err := repo.DeleteManifest(r.Context(), imh.Reference); err != nil {
		imh.appendManifestError(err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (imh *imageManifestHandler) appendManifestError(err error) {
	var (
		unknown     storage.ManifestUnknownError
		blobUnknown storage.ManifestBlobUnknownError
		mismatch    storage.DigestMismatchError
		invalid     manifest.InvalidError
	)
	switch {
	case errors.As(err, &unknown):
		imh.Errors = append(imh.Errors, errcode.ErrorCodeManifestUnknown.WithDetail(unknown.Reference))
	case errors.As(err, &blobUnknown):
		imh.Errors = append(imh.Errors, errcode.ErrorCodeManifestBlobUnknown.WithDetail(map[string]string{"digest": blobUnknown.Digest.String()}))
	case errors.As(err, &mismatch):
		imh.Errors = append(imh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(map[string]string{
			"expected": mismatch.Expected.String(),
			"actual":   mismatch.Actual.String(),
		}))
	case errors.As(err, &invalid):
		imh.Errors = append(imh.Errors, errcode.ErrorCodeManifestInvalid.WithDetail(invalid.Reason))
	default:
		imh.log.WithError(err).Error("manifest operation failed")
		imh.Errors = append(imh.Errors, errcode.ErrorCodeUnknown)
	}
}
