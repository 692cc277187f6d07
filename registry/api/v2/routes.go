// Package v2 defines the routes, name grammar and URL construction for the
// registry HTTP API.
package v2

import "github.com/gorilla/mux"

// The following are definitions of the name under which all API routes are
// registered. These should be used to register the routes and to look them
// up when building URLs.
const (
	RouteNameBase             = "base"
	RouteNameAuthToken        = "auth-token"
	RouteNameAuthLogin        = "auth-login"
	RouteNameAuthRegister     = "auth-register"
	RouteNameManifest         = "manifest"
	RouteNameTags             = "tags"
	RouteNameTag              = "tag"
	RouteNameBlob             = "blob"
	RouteNameBlobUpload       = "blob-upload"
	RouteNameBlobUploadChunk  = "blob-upload-chunk"
	RouteNameRepositories     = "repositories"
	RouteNameRepositoryCreate = "repository-create"
)

// Router builds a gorilla router with named routes for the various API
// methods. This can be used directly by both server implementations and
// clients.
func Router() *mux.Router {
	return RouterWithPrefix("")
}

// RouterWithPrefix builds a gorilla router with a configured prefix on all
// routes.
func RouterWithPrefix(prefix string) *mux.Router {
	rootRouter := mux.NewRouter()
	router := rootRouter
	if prefix != "" {
		router = router.PathPrefix(prefix).Subrouter()
	}

	router.StrictSlash(true)

	for _, descriptor := range routeDescriptors {
		router.Path(descriptor.Path).Name(descriptor.Name)
	}

	return rootRouter
}
