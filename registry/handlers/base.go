package handlers

import (
	"net/http"

	"github.com/gorilla/handlers"
)

// baseDispatcher handles the API base endpoint, used by clients for version
// and authentication probes.
func baseDispatcher(ctx *Context, r *http.Request) http.Handler {
	baseHandler := &baseHandler{Context: ctx}

	return handlers.MethodHandler{
		"GET": http.HandlerFunc(baseHandler.GetBase),
	}
}

type baseHandler struct {
	*Context
}

// GetBase acknowledges that the registry speaks the v2 API.
func (bh *baseHandler) GetBase(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Docker-Distribution-API-Version", "registry/2.0")
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte("{}"))
}
