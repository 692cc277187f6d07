package handlers

import (
	"net/http"

	"github.com/gorilla/handlers"

	"github.com/quayd/quayd/registry/api/errcode"
)

// repositoriesDispatcher constructs the repository listing endpoint.
func repositoriesDispatcher(ctx *Context, r *http.Request) http.Handler {
	repositoriesHandler := &repositoriesHandler{Context: ctx}

	return handlers.MethodHandler{
		"GET": http.HandlerFunc(repositoriesHandler.GetRepositories),
	}
}

type repositoriesHandler struct {
	*Context
}

// GetRepositories lists repositories with usage information. Anonymous and
// non-admin callers see public repositories only.
func (rh *repositoriesHandler) GetRepositories(w http.ResponseWriter, r *http.Request) {
	publicOnly := !rh.Claims.IsAdmin

	summaries, err := rh.registry.Summaries(r.Context(), publicOnly)
	if err != nil {
		rh.log.WithError(err).Error("listing repositories")
		rh.Errors = append(rh.Errors, errcode.ErrorCodeUnknown)
		return
	}

	if err := serveJSON(w, summaries); err != nil {
		rh.log.WithError(err).Error("writing repositories response")
	}
}

// repositoryCreateDispatcher constructs the explicit repository creation
// endpoint.
func repositoryCreateDispatcher(ctx *Context, r *http.Request) http.Handler {
	repositoryCreateHandler := &repositoryCreateHandler{
		Context: ctx,
		Public:  ctx.vars["public"] == "true",
	}

	return handlers.MethodHandler{
		"POST": http.HandlerFunc(repositoryCreateHandler.CreateRepository),
	}
}

type repositoryCreateHandler struct {
	*Context

	Public bool
}

// CreateRepository creates a repository with explicit visibility. Only
// admins may create repositories this way; pushes create private
// repositories implicitly.
func (rch *repositoryCreateHandler) CreateRepository(w http.ResponseWriter, r *http.Request) {
	if rch.Claims.Anonymous() {
		rch.Errors = append(rch.Errors, errcode.ErrorCodeUnauthorized)
		return
	}
	if !rch.Claims.IsAdmin {
		rch.Errors = append(rch.Errors, errcode.ErrorCodeDenied)
		return
	}

	if _, err := rch.registry.CreateRepository(r.Context(), rch.Name, rch.Public); err != nil {
		rch.log.WithError(err).Error("creating repository")
		rch.Errors = append(rch.Errors, errcode.ErrorCodeNameInvalid.WithDetail(err.Error()))
		return
	}

	w.WriteHeader(http.StatusCreated)
}
