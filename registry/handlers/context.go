package handlers

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/quayd/quayd/registry/api/errcode"
	v2 "github.com/quayd/quayd/registry/api/v2"
	"github.com/quayd/quayd/registry/auth"
	"github.com/quayd/quayd/registry/storage"
)

// Context contains the request specific context for use across handlers.
// Resources that don't need to be shared across handlers should not be on
// this object.
type Context struct {
	// App points to the application structure that created this context.
	*App

	// Name is the repository name for the current request, when the route
	// carries one.
	Name string

	// Repository is the resolved repository handle. It is nil when the
	// repository does not exist yet; push handlers create it on demand.
	Repository *storage.Repository

	// Claims is the authenticated identity established by the access
	// controller.
	Claims *auth.Claims

	// Errors is a collection of errors encountered during the request to be
	// returned to the client API. If errors are added to the collection, the
	// handler *must not* start the response via http.ResponseWriter.
	Errors errcode.Errors

	// vars contains the extracted gorilla/mux variables that can be used for
	// assignment.
	vars map[string]string

	// log provides a context specific logger.
	log *logrus.Entry

	urlBuilder *v2.URLBuilder
}

// repository returns the repository handle, resolving it if the dispatcher
// could not. The boolean reports whether the repository exists.
func (ctx *Context) repository(r *http.Request) (*storage.Repository, bool) {
	if ctx.Repository != nil {
		return ctx.Repository, true
	}
	repo, err := ctx.registry.Repository(r.Context(), ctx.Name)
	if err != nil {
		return nil, false
	}
	ctx.Repository = repo
	return repo, true
}

// ensureRepository resolves the repository, creating it (private) when
// absent. Push operations create repositories implicitly.
func (ctx *Context) ensureRepository(r *http.Request) (*storage.Repository, error) {
	if ctx.Repository != nil {
		return ctx.Repository, nil
	}
	repo, err := ctx.registry.EnsureRepository(r.Context(), ctx.Name)
	if err != nil {
		return nil, err
	}
	ctx.Repository = repo
	return repo, nil
}
