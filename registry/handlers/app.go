// Package handlers serves the registry HTTP API: it dispatches the routes
// defined in the api/v2 package onto request-scoped handlers backed by the
// storage layer and guarded by the access controller.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/quayd/quayd/configuration"
	"github.com/quayd/quayd/registry/api/errcode"
	v2 "github.com/quayd/quayd/registry/api/v2"
	"github.com/quayd/quayd/registry/auth"
	"github.com/quayd/quayd/registry/metadata"
	"github.com/quayd/quayd/registry/storage"
	"github.com/quayd/quayd/registry/storage/driver/factory"
)

// App is a global registry application object. Shared resources can be placed
// on this object that will be accessible from all requests. Any writable
// fields should be protected.
type App struct {
	Config configuration.Configuration

	router *mux.Router

	// registry is the app global blob and manifest storage instance.
	registry *storage.Registry

	// accessController performs credential validation and scope checks for
	// every dispatched request.
	accessController *auth.Controller
}

// NewApp takes a configuration and returns a configured app, ready to serve
// requests. The app only implements ServeHTTP and can be wrapped in other
// handlers accordingly.
func NewApp(config configuration.Configuration) (*App, error) {
	app := &App{
		Config: config,
		router: v2.Router(),
	}
	app.registerRoutes()

	driver, err := factory.Create(context.Background(), config.Storage.Type(), config.Storage.Parameters())
	if err != nil {
		return nil, fmt.Errorf("creating storage driver %q: %w", config.Storage.Type(), err)
	}

	db, err := metadata.Open(config.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata database: %w", err)
	}

	app.registry = storage.NewRegistry(db, driver)
	app.accessController = auth.NewController(
		db,
		auth.NewTokenIssuer([]byte(config.HTTP.Secret)),
		config.HTTP.Host,
		serviceName(config),
	)

	return app, nil
}

// NewAppWithRegistry wires an app over an existing storage registry, as used
// by tests and by commands that already hold the database.
func NewAppWithRegistry(config configuration.Configuration, registry *storage.Registry) *App {
	app := &App{
		Config:   config,
		router:   v2.Router(),
		registry: registry,
	}
	app.registerRoutes()

	app.accessController = auth.NewController(
		registry.Metadata(),
		auth.NewTokenIssuer([]byte(config.HTTP.Secret)),
		config.HTTP.Host,
		serviceName(config),
	)

	return app
}

// registerRoutes attaches the handler dispatchers to the router's named
// routes.
func (app *App) registerRoutes() {
	app.register(v2.RouteNameBase, baseDispatcher)
	app.register(v2.RouteNameManifest, imageManifestDispatcher)
	app.register(v2.RouteNameTags, tagsDispatcher)
	app.register(v2.RouteNameTag, tagDispatcher)
	app.register(v2.RouteNameBlob, blobDispatcher)
	app.register(v2.RouteNameBlobUpload, blobUploadDispatcher)
	app.register(v2.RouteNameBlobUploadChunk, blobUploadDispatcher)
	app.register(v2.RouteNameRepositories, repositoriesDispatcher)
	app.register(v2.RouteNameRepositoryCreate, repositoryCreateDispatcher)
	app.register(v2.RouteNameAuthToken, authTokenDispatcher)
	app.register(v2.RouteNameAuthLogin, authLoginDispatcher)
	app.register(v2.RouteNameAuthRegister, authRegisterDispatcher)
}

// Registry exposes the storage layer, as needed by maintenance commands.
func (app *App) Registry() *storage.Registry {
	return app.registry
}

func serviceName(config configuration.Configuration) string {
	return config.HTTP.Host
}

func (app *App) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	app.router.ServeHTTP(w, r)
}

// register a handler with the application, by route name. The handler will be
// passed through the application filters and context will be constructed at
// request time.
func (app *App) register(routeName string, dispatch dispatchFunc) {
	app.router.GetRoute(routeName).Handler(app.dispatcher(routeName, dispatch))
}

// dispatchFunc takes a context and request and returns a constructed handler
// for the route. The dispatcher will use this to dynamically create request
// specific handlers for each endpoint without creating a new router for each
// request.
type dispatchFunc func(ctx *Context, r *http.Request) http.Handler

// singleStatusResponseWriter only allows the first status to be written to be
// the valid request status.
type singleStatusResponseWriter struct {
	http.ResponseWriter
	status int
}

func (ssrw *singleStatusResponseWriter) WriteHeader(status int) {
	if ssrw.status != 0 {
		return
	}
	ssrw.status = status
	ssrw.ResponseWriter.WriteHeader(status)
}

// dispatcher returns a handler that constructs a request specific context and
// handler, using the dispatch factory function.
func (app *App) dispatcher(routeName string, dispatch dispatchFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		context := &Context{
			App:        app,
			Name:       vars["name"],
			vars:       vars,
			urlBuilder: v2.NewURLBuilderFromRequest(r, false),
		}

		context.log = logrus.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		})
		if context.Name != "" {
			context.log = context.log.WithField("name", context.Name)
		}

		if err := app.authorize(context, r, routeName); err != nil {
			var challenge auth.Challenge
			if errors.As(err, &challenge) {
				challenge.SetHeaders(w)
				errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized)
				return
			}
			var denied *auth.AccessDeniedError
			if errors.As(err, &denied) {
				errcode.ServeJSON(w, errcode.ErrorCodeDenied)
				return
			}
			context.log.WithError(err).Error("authorizing request")
			errcode.ServeJSON(w, errcode.ErrorCodeUnknown)
			return
		}

		handler := dispatch(context, r)

		ssrw := &singleStatusResponseWriter{ResponseWriter: w}
		handler.ServeHTTP(ssrw, r)

		// Automated error response handling here. Handlers may return their
		// own errors if they need different behavior (such as range errors
		// for chunked uploads).
		if context.Errors.Len() > 0 {
			if ssrw.status == 0 {
				errcode.ServeJSON(w, context.Errors)
			}

			context.log.WithField("errors", context.Errors).Warn("request completed with errors")
		}
	})
}

// authorize authenticates the request's credential and checks the grants it
// carries against the route's target. Routes outside /v2/ and the auth
// endpoints validate credentials in their handlers instead.
func (app *App) authorize(context *Context, r *http.Request, routeName string) error {
	switch routeName {
	case v2.RouteNameAuthToken, v2.RouteNameAuthLogin, v2.RouteNameAuthRegister,
		v2.RouteNameRepositories, v2.RouteNameRepositoryCreate:
		claims, err := app.accessController.Authenticate(r.Context(), r)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidCredential) {
				claims = &auth.Claims{Scope: auth.Scope{}}
			} else {
				return err
			}
		}
		context.Claims = claims
		return nil
	}

	required := auth.RequiredAction(r.Method, r.URL.Path)
	if routeName == v2.RouteNameBase {
		// The base endpoint carries no repository scope, but still requires
		// a valid credential so that clients can probe authentication.
		claims, err := app.accessController.Authorize(r.Context(), r, "", false, auth.ActionNone)
		if err != nil {
			return err
		}
		if claims.Anonymous() {
			return app.accessController.Challenge("")
		}
		context.Claims = claims
		return nil
	}

	repoPublic := false
	if repo, err := app.registry.Repository(r.Context(), context.Name); err == nil {
		repoPublic = repo.IsPublic()
		context.Repository = repo
	}

	scope := fmt.Sprintf("repository:%s:%s", context.Name, required)
	claims, err := app.accessController.Authorize(r.Context(), r, context.Name, repoPublic, required)
	if err != nil {
		var authErr *auth.AuthenticationError
		if errors.As(err, &authErr) && authErr.Scope == "" {
			authErr.Scope = scope
		}
		return err
	}
	context.Claims = claims
	return nil
}
