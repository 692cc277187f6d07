package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/handlers"

	"github.com/quayd/quayd/registry/api/errcode"
	"github.com/quayd/quayd/registry/storage"
)

// tagsDispatcher constructs the tags handler api endpoint.
func tagsDispatcher(ctx *Context, r *http.Request) http.Handler {
	tagsHandler := &tagsHandler{Context: ctx}

	return handlers.MethodHandler{
		"GET": http.HandlerFunc(tagsHandler.GetTags),
	}
}

// tagsHandler handles requests for lists of tags under a repository name.
type tagsHandler struct {
	*Context
}

type tagsAPIResponse struct {
	Name string   `json:"name"`
	Tags []string `json:"tags"`
}

// GetTags returns a json list of tags for a specific image name, ordered
// lexically without regard to case. The n and last query parameters page
// through the list; when a page fills, a Link header points at the next.
func (th *tagsHandler) GetTags(w http.ResponseWriter, r *http.Request) {
	repo, ok := th.repository(r)
	if !ok {
		th.Errors = append(th.Errors, errcode.ErrorCodeNameUnknown.WithDetail(th.Name))
		return
	}

	q := r.URL.Query()
	n := 0
	if nStr := q.Get("n"); nStr != "" {
		parsed, err := strconv.Atoi(nStr)
		if err != nil || parsed < 0 {
			th.Errors = append(th.Errors, errcode.ErrorCodePaginationNumberInvalid.WithDetail(nStr))
			return
		}
		n = parsed
	}
	last := q.Get("last")

	tags, err := repo.Tags(r.Context(), n, last)
	if err != nil {
		th.log.WithError(err).Error("listing tags")
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown)
		return
	}

	if n > 0 && len(tags) == n {
		// A full page may have more results behind it.
		values := url.Values{
			"n":    []string{strconv.Itoa(n)},
			"last": []string{tags[len(tags)-1]},
		}
		nextURL, err := th.urlBuilder.BuildTagsURL(th.Name, values)
		if err == nil {
			w.Header().Set("Link", fmt.Sprintf(`<%s>; rel="next"`, nextURL))
		}
	}

	if err := serveJSON(w, tagsAPIResponse{Name: th.Name, Tags: tags}); err != nil {
		th.log.WithError(err).Error("writing tags response")
	}
}

// tagDispatcher constructs the single-tag handler api endpoint.
func tagDispatcher(ctx *Context, r *http.Request) http.Handler {
	tagHandler := &tagHandler{
		Context: ctx,
		Tag:     ctx.vars["tag"],
	}

	return handlers.MethodHandler{
		"DELETE": http.HandlerFunc(tagHandler.DeleteTag),
	}
}

// tagHandler handles operations on a single tag.
type tagHandler struct {
	*Context

	Tag string
}

// DeleteTag unbinds the tag, leaving the manifest it pointed at addressable
// by digest.
func (th *tagHandler) DeleteTag(w http.ResponseWriter, r *http.Request) {
	repo, ok := th.repository(r)
	if !ok {
		th.Errors = append(th.Errors, errcode.ErrorCodeNameUnknown.WithDetail(th.Name))
		return
	}

	if err := repo.DeleteTag(r.Context(), th.Tag); err != nil {
		var unknown storage.ManifestUnknownError
		if errors.As(err, &unknown) {
			th.Errors = append(th.Errors, errcode.ErrorCodeManifestUnknown.WithDetail(th.Tag))
			return
		}
		th.log.WithError(err).Error("deleting tag")
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}
