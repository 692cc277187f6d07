package handlers

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"golang.org/x/crypto/bcrypt"

	"github.com/quayd/quayd/registry/api/errcode"
	"github.com/quayd/quayd/registry/auth"
)

// tokenResponse is the body of a successful token exchange. Both token
// fields carry the same value; older clients read access_token.
type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	IssuedAt    string `json:"issued_at"`
}

// authTokenDispatcher constructs the token endpoint, which exchanges a
// credential for a scoped bearer token.
func authTokenDispatcher(ctx *Context, r *http.Request) http.Handler {
	tokenHandler := &tokenHandler{Context: ctx}

	return handlers.MethodHandler{
		"GET": http.HandlerFunc(tokenHandler.GetToken),
	}
}

type tokenHandler struct {
	*Context
}

// GetToken validates the request credential and issues a bearer token
// carrying the intersection of the requested scopes and the caller's
// grants. Without a scope query the token carries every grant the caller
// holds.
func (th *tokenHandler) GetToken(w http.ResponseWriter, r *http.Request) {
	if th.Claims.Anonymous() {
		th.challengeUnauthorized(w, strings.Join(r.URL.Query()["scope"], " "))
		return
	}

	scope := th.Claims.Scope
	if requested := r.URL.Query()["scope"]; len(requested) > 0 {
		parsed, err := auth.ParseScope(strings.Join(requested, " "))
		if err != nil {
			th.Errors = append(th.Errors, errcode.ErrorCodeUnknown.WithMessage("invalid scope").WithDetail(err.Error()))
			return
		}
		scope = subsetScope(th.Claims, parsed)
	}

	th.issueToken(w, th.Claims.Subject, th.Claims.IsAdmin, scope)
}

// subsetScope reduces the requested scope to what the claims actually
// permit, downgrading over-broad requests rather than rejecting them.
func subsetScope(claims *auth.Claims, requested auth.Scope) auth.Scope {
	granted := auth.Scope{}
	for repo, action := range requested {
		for candidate := action; candidate >= auth.ActionPull; candidate-- {
			if claims.Grants(repo, candidate) {
				granted.Add(repo, candidate)
				break
			}
		}
	}
	return granted
}

func (th *tokenHandler) issueToken(w http.ResponseWriter, subject string, isAdmin bool, scope auth.Scope) {
	token, err := th.accessController.Issuer().Issue(subject, isAdmin, scope)
	if err != nil {
		th.log.WithError(err).Error("signing token")
		th.Errors = append(th.Errors, errcode.ErrorCodeUnknown)
		return
	}

	serveJSON(w, tokenResponse{
		Token:       token,
		AccessToken: token,
		ExpiresIn:   int64(auth.TokenExpiry / time.Second),
		IssuedAt:    time.Now().UTC().Format(time.RFC3339),
	})
}

func (th *tokenHandler) challengeUnauthorized(w http.ResponseWriter, scope string) {
	th.accessController.Challenge(scope).SetHeaders(w)
	errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized)
}

// authLoginDispatcher constructs the login endpoint, which validates basic
// credentials and returns a bearer token carrying the user's grants.
func authLoginDispatcher(ctx *Context, r *http.Request) http.Handler {
	loginHandler := &loginHandler{Context: ctx}

	return handlers.MethodHandler{
		"POST": http.HandlerFunc(loginHandler.Login),
	}
}

type loginHandler struct {
	*Context
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login issues a token for a valid credential: basic auth, a JSON body or
// email/password query parameters.
func (lh *loginHandler) Login(w http.ResponseWriter, r *http.Request) {
	claims := lh.Claims
	if claims.Anonymous() {
		var req loginRequest
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}
		if req.Email == "" {
			req.Email = r.URL.Query().Get("email")
			req.Password = r.URL.Query().Get("password")
		}

		validated, err := lh.accessController.Login(r.Context(), req.Email, req.Password)
		if err != nil {
			lh.accessController.Challenge("").SetHeaders(w)
			errcode.ServeJSON(w, errcode.ErrorCodeUnauthorized)
			return
		}
		claims = validated
	}

	th := &tokenHandler{Context: lh.Context}
	th.issueToken(w, claims.Subject, claims.IsAdmin, claims.Scope)
	lh.Errors = th.Errors
}

// authRegisterDispatcher constructs the account registration endpoint.
func authRegisterDispatcher(ctx *Context, r *http.Request) http.Handler {
	registerHandler := &registerHandler{Context: ctx}

	return handlers.MethodHandler{
		"POST": http.HandlerFunc(registerHandler.Register),
	}
}

type registerHandler struct {
	*Context
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register creates a new, non-admin user account.
func (rh *registerHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid registration body")
		return
	}
	if msg := validateRegistration(req); msg != "" {
		writeJSONError(w, http.StatusBadRequest, msg)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		rh.log.WithError(err).Error("hashing password")
		rh.Errors = append(rh.Errors, errcode.ErrorCodeUnknown)
		return
	}

	if _, err := rh.registry.Metadata().CreateUser(r.Context(), req.Email, string(hash), false); err != nil {
		if isUniqueViolation(err) {
			writeJSONError(w, http.StatusConflict, "email already registered")
			return
		}
		rh.log.WithError(err).Error("creating user")
		rh.Errors = append(rh.Errors, errcode.ErrorCodeUnknown)
		return
	}

	w.WriteHeader(http.StatusCreated)
}

// validateRegistration applies the account rules: a plausible email and a
// password of at least 8 characters including a digit. It returns an empty
// string when the request passes.
func validateRegistration(req registerRequest) string {
	if !strings.Contains(req.Email, "@") || !strings.Contains(req.Email, ".") {
		return "a valid email address is required"
	}
	if len(req.Password) < 8 {
		return "password must be at least 8 characters"
	}
	if !strings.ContainsAny(req.Password, "0123456789") {
		return "password must contain a digit"
	}
	return ""
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// isUniqueViolation reports whether err is a sqlite unique constraint
// failure, as raised for duplicate emails.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
