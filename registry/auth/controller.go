package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/quayd/quayd/registry/metadata"
)

// ErrInvalidCredential is returned when a presented credential fails
// validation.
var ErrInvalidCredential = errors.New("auth: invalid credential")

// Challenge is an error that carries a WWW-Authenticate challenge for the
// client.
type Challenge interface {
	error

	// SetHeaders prepares the response to indicate the challenge to the
	// client.
	SetHeaders(w http.ResponseWriter)
}

// AuthenticationError challenges the client to present a (better)
// credential.
type AuthenticationError struct {
	Realm   string
	Service string
	Scope   string
	Err     error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("auth: authentication required: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// SetHeaders adds the bearer challenge pointing clients at the token
// endpoint.
func (e *AuthenticationError) SetHeaders(w http.ResponseWriter) {
	header := fmt.Sprintf("Bearer realm=%q,service=%q", e.Realm, e.Service)
	if e.Scope != "" {
		header += fmt.Sprintf(",scope=%q", e.Scope)
	}
	w.Header().Set("WWW-Authenticate", header)
}

// AccessDeniedError is returned when a valid credential lacks the required
// grant.
type AccessDeniedError struct {
	Repository string
	Required   Action
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("auth: access denied: needs %s on %s", e.Required, e.Repository)
}

// Controller validates request credentials and enforces repository scopes.
type Controller struct {
	db      *metadata.Store
	issuer  *TokenIssuer
	realm   string
	service string
}

// NewController builds a controller. appURL is the externally visible base
// URL, used to construct the challenge realm.
func NewController(db *metadata.Store, issuer *TokenIssuer, appURL, service string) *Controller {
	return &Controller{
		db:      db,
		issuer:  issuer,
		realm:   strings.TrimRight(appURL, "/") + "/v2/auth/token",
		service: service,
	}
}

// Issuer exposes the token issuer for the token endpoint.
func (c *Controller) Issuer() *TokenIssuer {
	return c.issuer
}

// Challenge builds the authentication challenge for a request that carried
// no usable credential for the given scope.
func (c *Controller) Challenge(scope string) *AuthenticationError {
	return &AuthenticationError{
		Realm:   c.realm,
		Service: c.service,
		Scope:   scope,
		Err:     errors.New("authentication required"),
	}
}

// Authenticate validates the request's Authorization header and returns the
// claims it establishes. An absent header yields anonymous claims; a present
// but invalid credential fails with ErrInvalidCredential.
func (c *Controller) Authenticate(ctx context.Context, r *http.Request) (*Claims, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return &Claims{Scope: Scope{}}, nil
	}

	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return c.authenticateBearer(ctx, token)
	}
	if email, password, ok := r.BasicAuth(); ok {
		return c.authenticateBasic(ctx, email, password)
	}
	return nil, ErrInvalidCredential
}

// Login validates an email/password pair presented outside the
// Authorization header, as used by the login endpoint's JSON body form.
func (c *Controller) Login(ctx context.Context, email, password string) (*Claims, error) {
	return c.authenticateBasic(ctx, email, password)
}

// authenticateBearer handles both bearer forms: an API-key secret (a bare
// UUID) and a signed token.
func (c *Controller) authenticateBearer(ctx context.Context, token string) (*Claims, error) {
	if _, err := uuid.Parse(token); err == nil {
		client, err := c.db.FindClientBySecret(ctx, token)
		if err != nil {
			if errors.Is(err, metadata.ErrNotFound) {
				return nil, ErrInvalidCredential
			}
			return nil, err
		}
		return c.claimsForUser(ctx, client.UserID)
	}

	claims, err := c.issuer.Verify(token)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	return claims, nil
}

func (c *Controller) authenticateBasic(ctx context.Context, email, password string) (*Claims, error) {
	user, err := c.db.FindUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(password)); err != nil {
		logrus.WithField("user", email).Debug("basic auth: password mismatch")
		return nil, ErrInvalidCredential
	}
	return c.claimsForUser(ctx, user.ID)
}

// claimsForUser builds claims from the user's stored grants. Admins carry
// the admin flag instead of enumerated scopes.
func (c *Controller) claimsForUser(ctx context.Context, userID string) (*Claims, error) {
	user, err := c.db.FindUser(ctx, userID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}

	claims := &Claims{Subject: user.ID, IsAdmin: user.IsAdmin, Scope: Scope{}}

	grants, err := c.db.ScopesForUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	for _, grant := range grants {
		switch {
		case grant.Del:
			claims.Scope.Add(grant.Repository, ActionDelete)
		case grant.Push:
			claims.Scope.Add(grant.Repository, ActionPush)
		case grant.Pull:
			claims.Scope.Add(grant.Repository, ActionPull)
		}
	}
	return claims, nil
}

// Authorize authenticates the request and checks the required action
// against the target repository. Anonymous pulls are allowed on public
// repositories; everything else needs a credential with a covering grant.
func (c *Controller) Authorize(ctx context.Context, r *http.Request, repo string, repoPublic bool, required Action) (*Claims, error) {
	requestedScope := ""
	if repo != "" && required != ActionNone {
		requestedScope = fmt.Sprintf("repository:%s:%s", repo, required)
	}

	claims, err := c.Authenticate(ctx, r)
	if err != nil {
		if errors.Is(err, ErrInvalidCredential) {
			return nil, &AuthenticationError{Realm: c.realm, Service: c.service, Scope: requestedScope, Err: err}
		}
		return nil, err
	}

	if required == ActionNone {
		return claims, nil
	}

	if claims.Anonymous() {
		if repoPublic && required == ActionPull {
			return claims, nil
		}
		return nil, &AuthenticationError{
			Realm:   c.realm,
			Service: c.service,
			Scope:   requestedScope,
			Err:     errors.New("authentication required"),
		}
	}

	if !claims.Grants(repo, required) {
		return nil, &AccessDeniedError{Repository: repo, Required: required}
	}
	return claims, nil
}
