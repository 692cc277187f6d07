package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/handlers"
	"github.com/opencontainers/go-digest"

	"github.com/quayd/quayd/registry/api/errcode"
	"github.com/quayd/quayd/registry/auth"
	"github.com/quayd/quayd/registry/storage"
)

// blobUploadDispatcher constructs and returns the blob upload handler for
// the given request context.
func blobUploadDispatcher(ctx *Context, r *http.Request) http.Handler {
	blobUploadHandler := &blobUploadHandler{
		Context: ctx,
		UUID:    ctx.vars["uuid"],
	}

	if blobUploadHandler.UUID != "" {
		blobUploadHandler.log = blobUploadHandler.log.WithField("uuid", blobUploadHandler.UUID)
	}

	return handlers.MethodHandler{
		"POST":   http.HandlerFunc(blobUploadHandler.StartBlobUpload),
		"GET":    http.HandlerFunc(blobUploadHandler.GetUploadStatus),
		"PATCH":  http.HandlerFunc(blobUploadHandler.PatchBlobData),
		"PUT":    http.HandlerFunc(blobUploadHandler.PutBlobUploadComplete),
		"DELETE": http.HandlerFunc(blobUploadHandler.CancelBlobUpload),
	}
}

// blobUploadHandler handles the http blob upload process.
type blobUploadHandler struct {
	*Context

	// UUID identifies the upload session, set for requests addressing an
	// existing session.
	UUID string
}

// StartBlobUpload begins the blob upload process. Three forms are accepted:
// a bare POST opens a resumable session, a POST with a digest query and a
// body performs a monolithic upload, and a POST with mount and from queries
// links a blob from another repository.
func (buh *blobUploadHandler) StartBlobUpload(w http.ResponseWriter, r *http.Request) {
	repo, err := buh.ensureRepository(r)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeNameInvalid.WithDetail(err.Error()))
		return
	}

	if mount, from := r.URL.Query().Get("mount"), r.URL.Query().Get("from"); mount != "" && from != "" {
		buh.mountBlob(w, r, repo, mount, from)
		return
	}

	if dgstStr := r.URL.Query().Get("digest"); dgstStr != "" {
		buh.monolithicUpload(w, r, repo, dgstStr)
		return
	}

	upload, err := repo.CreateUpload(r.Context())
	if err != nil {
		buh.log.WithError(err).Error("starting upload")
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown)
		return
	}

	if err := buh.writeUploadResponse(w, upload, http.StatusAccepted); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err.Error()))
	}
}

// monolithicUpload stores the request body as a complete blob in one round
// trip.
func (buh *blobUploadHandler) monolithicUpload(w http.ResponseWriter, r *http.Request, repo *storage.Repository, dgstStr string) {
	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(dgstStr))
		return
	}

	if _, err := repo.PutBlob(r.Context(), dgst, r.Body); err != nil {
		var mismatch storage.DigestMismatchError
		if errors.As(err, &mismatch) {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(map[string]string{"digest": dgst.String()}))
			return
		}
		buh.log.WithError(err).Error("monolithic upload")
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown)
		return
	}

	buh.writeBlobCreatedResponse(w, dgst)
}

// mountBlob attempts a cross-repository mount. When the source blob cannot
// be mounted the registry falls back to opening a regular upload session.
func (buh *blobUploadHandler) mountBlob(w http.ResponseWriter, r *http.Request, repo *storage.Repository, mount, from string) {
	dgst, err := digest.Parse(mount)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(mount))
		return
	}

	source, err := buh.registry.Repository(r.Context(), from)
	if err == nil {
		// Mounting pulls content from the source repository, so the caller
		// needs read access there unless it is public.
		if !source.IsPublic() && !buh.Claims.Grants(from, auth.ActionPull) {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeDenied)
			return
		}
		if _, err := repo.MountBlob(r.Context(), dgst, source); err == nil {
			buh.writeBlobCreatedResponse(w, dgst)
			return
		}
	}

	// Fall back to a standard upload session per the distribution spec.
	upload, err := repo.CreateUpload(r.Context())
	if err != nil {
		buh.log.WithError(err).Error("starting upload after failed mount")
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown)
		return
	}
	if err := buh.writeUploadResponse(w, upload, http.StatusAccepted); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err.Error()))
	}
}

// GetUploadStatus returns the status of a given upload, identified by id.
func (buh *blobUploadHandler) GetUploadStatus(w http.ResponseWriter, r *http.Request) {
	upload, ok := buh.resumeUpload(r)
	if !ok {
		return
	}

	w.Header().Set("Docker-Upload-UUID", upload.ID())
	w.Header().Set("Range", rangeHeader(upload.Offset()))
	w.WriteHeader(http.StatusNoContent)
}

// PatchBlobData appends a chunk to the upload session. Chunks must arrive
// in order: a Content-Range that does not continue at the session offset is
// rejected with 416 and leaves the session unchanged.
func (buh *blobUploadHandler) PatchBlobData(w http.ResponseWriter, r *http.Request) {
	upload, ok := buh.resumeUpload(r)
	if !ok {
		return
	}

	start := upload.Offset()
	if cr := r.Header.Get("Content-Range"); cr != "" {
		var err error
		start, _, err = parseContentRange(cr)
		if err != nil {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeRangeInvalid.WithDetail(cr))
			return
		}
	}

	if _, err := upload.WriteChunk(r.Context(), start, r.Body); err != nil {
		var outOfOrder storage.OutOfOrderError
		if errors.As(err, &outOfOrder) {
			w.Header().Set("Docker-Upload-UUID", upload.ID())
			w.Header().Set("Range", rangeHeader(outOfOrder.Expected))
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			errcode.ServeJSON(&headerlessResponseWriter{w}, errcode.ErrorCodeRangeInvalid.WithDetail(map[string]int64{
				"offset":   outOfOrder.Offset,
				"expected": outOfOrder.Expected,
			}))
			return
		}
		buh.log.WithError(err).Error("writing chunk")
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown)
		return
	}

	if err := buh.writeUploadResponse(w, upload, http.StatusAccepted); err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err.Error()))
	}
}

// PutBlobUploadComplete takes the final chunk, if any, and finalizes the
// upload against the digest named in the query.
func (buh *blobUploadHandler) PutBlobUploadComplete(w http.ResponseWriter, r *http.Request) {
	upload, ok := buh.resumeUpload(r)
	if !ok {
		return
	}

	dgstStr := r.URL.Query().Get("digest")
	if dgstStr == "" {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail("digest missing"))
		return
	}
	dgst, err := digest.Parse(dgstStr)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(dgstStr))
		return
	}

	if r.ContentLength != 0 {
		if _, err := upload.WriteChunk(r.Context(), upload.Offset(), r.Body); err != nil {
			buh.log.WithError(err).Error("writing final chunk")
			buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown)
			return
		}
	}

	if _, err := upload.Commit(r.Context(), dgst); err != nil {
		var mismatch storage.DigestMismatchError
		if errors.As(err, &mismatch) {
			// The session's chunks survive a mismatch so the client can
			// retry the finalizing request with the right digest.
			buh.Errors = append(buh.Errors, errcode.ErrorCodeDigestInvalid.WithDetail(map[string]string{
				"expected": mismatch.Expected.String(),
				"actual":   mismatch.Actual.String(),
			}))
			return
		}
		buh.log.WithError(err).Error("finalizing upload")
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown)
		return
	}

	buh.writeBlobCreatedResponse(w, dgst)
}

// CancelBlobUpload cancels an in-progress upload of a blob.
func (buh *blobUploadHandler) CancelBlobUpload(w http.ResponseWriter, r *http.Request) {
	upload, ok := buh.resumeUpload(r)
	if !ok {
		return
	}

	if err := upload.Cancel(r.Context()); err != nil {
		buh.log.WithError(err).Error("cancelling upload")
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// resumeUpload resolves the session addressed by the request, reporting
// BLOB_UPLOAD_UNKNOWN through the error collection when it does not exist.
func (buh *blobUploadHandler) resumeUpload(r *http.Request) (*storage.BlobWriter, bool) {
	repo, ok := buh.repository(r)
	if !ok {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeNameUnknown.WithDetail(buh.Name))
		return nil, false
	}

	upload, err := repo.ResumeUpload(r.Context(), buh.UUID)
	if err != nil {
		if errors.Is(err, storage.ErrUploadUnknown) {
			buh.Errors = append(buh.Errors, errcode.ErrorCodeBlobUploadUnknown.WithDetail(buh.UUID))
		} else {
			buh.log.WithError(err).Error("resuming upload")
			buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown)
		}
		return nil, false
	}
	return upload, true
}

// writeUploadResponse sets the headers that describe an upload session: its
// location, id and received byte range.
func (buh *blobUploadHandler) writeUploadResponse(w http.ResponseWriter, upload *storage.BlobWriter, status int) error {
	uploadURL, err := buh.urlBuilder.BuildBlobUploadChunkURL(buh.Name, upload.ID())
	if err != nil {
		return err
	}

	w.Header().Set("Location", uploadURL)
	w.Header().Set("Docker-Upload-UUID", upload.ID())
	w.Header().Set("Range", rangeHeader(upload.Offset()))
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(status)
	return nil
}

// writeBlobCreatedResponse points the client at the finished blob.
func (buh *blobUploadHandler) writeBlobCreatedResponse(w http.ResponseWriter, dgst digest.Digest) {
	blobURL, err := buh.urlBuilder.BuildBlobURL(buh.Name, dgst)
	if err != nil {
		buh.Errors = append(buh.Errors, errcode.ErrorCodeUnknown.WithDetail(err.Error()))
		return
	}

	w.Header().Set("Location", blobURL)
	w.Header().Set("Docker-Content-Digest", dgst.String())
	w.Header().Set("Content-Length", "0")
	w.WriteHeader(http.StatusCreated)
}

// rangeHeader formats the inclusive byte range of received upload content.
// An empty session reports "0-0".
func rangeHeader(offset int64) string {
	if offset == 0 {
		return "0-0"
	}
	return fmt.Sprintf("0-%d", offset-1)
}

// parseContentRange parses a Content-Range header of the form "start-end",
// as sent during chunked uploads.
func parseContentRange(cr string) (start int64, end int64, err error) {
	parts := strings.SplitN(cr, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid content range format, %s", cr)
	}
	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	end, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	if start > end {
		return 0, 0, fmt.Errorf("invalid content range, %s", cr)
	}
	return start, end, nil
}

// headerlessResponseWriter suppresses WriteHeader, for responses whose
// status was already written.
type headerlessResponseWriter struct {
	http.ResponseWriter
}

func (hw *headerlessResponseWriter) WriteHeader(status int) {}
