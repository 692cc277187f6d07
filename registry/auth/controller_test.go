package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/quayd/quayd/registry/metadata"
)

func testController(t *testing.T) (*Controller, *metadata.Store) {
	t.Helper()
	db, err := metadata.Open(filepath.Join(t.TempDir(), "registry.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.MigrateFresh(); err != nil {
		t.Fatal(err)
	}
	issuer := NewTokenIssuer([]byte("test-secret"))
	return NewController(db, issuer, "http://registry.local/", "registry.local"), db
}

func newUser(t *testing.T, db *metadata.Store, email, password string, isAdmin bool) *metadata.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	user, err := db.CreateUser(context.Background(), email, string(hash), isAdmin)
	if err != nil {
		t.Fatal(err)
	}
	return user
}

func request(method, target string, auth string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	if auth != "" {
		r.Header.Set("Authorization", auth)
	}
	return r
}

func TestAuthenticateBasic(t *testing.T) {
	ctrl, db := testController(t)
	ctx := context.Background()

	user := newUser(t, db, "dev@example.com", "hunter2", false)
	repo, err := db.CreateRepository(ctx, "app", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.GrantScope(ctx, user.ID, repo.ID, true, true, false); err != nil {
		t.Fatal(err)
	}

	r := request(http.MethodGet, "/v2/", "")
	r.SetBasicAuth("dev@example.com", "hunter2")
	claims, err := ctrl.Authenticate(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != user.ID {
		t.Errorf("subject = %q, want %q", claims.Subject, user.ID)
	}
	if !claims.Grants("app", ActionPush) {
		t.Error("push grant missing")
	}
	if claims.Grants("app", ActionDelete) {
		t.Error("delete must not be granted")
	}

	r = request(http.MethodGet, "/v2/", "")
	r.SetBasicAuth("dev@example.com", "wrong")
	if _, err := ctrl.Authenticate(ctx, r); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("got %v, want ErrInvalidCredential", err)
	}
}

func TestAuthenticateClientSecret(t *testing.T) {
	ctrl, db := testController(t)
	ctx := context.Background()

	user := newUser(t, db, "ci@example.com", "irrelevant", true)
	client, err := db.CreateClient(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := ctrl.Authenticate(ctx, request(http.MethodGet, "/v2/", "Bearer "+client.Secret))
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != user.ID || !claims.IsAdmin {
		t.Fatalf("client secret should yield owner's admin claims, got %+v", claims)
	}

	// Well-formed UUID that matches no client.
	_, err = ctrl.Authenticate(ctx, request(http.MethodGet, "/v2/", "Bearer 7f9c24e8-0000-4000-8000-000000000000"))
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("got %v, want ErrInvalidCredential", err)
	}
}

func TestAuthenticateBearerToken(t *testing.T) {
	ctrl, _ := testController(t)
	ctx := context.Background()

	raw, err := ctrl.Issuer().Issue("user-9", false, Scope{"app": ActionPull})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ctrl.Authenticate(ctx, request(http.MethodGet, "/v2/", "Bearer "+raw))
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "user-9" || !claims.Grants("app", ActionPull) {
		t.Fatalf("unexpected claims %+v", claims)
	}

	if _, err := ctrl.Authenticate(ctx, request(http.MethodGet, "/v2/", "Bearer bogus")); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("got %v, want ErrInvalidCredential", err)
	}
}

func TestAuthenticateAnonymous(t *testing.T) {
	ctrl, _ := testController(t)
	claims, err := ctrl.Authenticate(context.Background(), request(http.MethodGet, "/v2/", ""))
	if err != nil {
		t.Fatal(err)
	}
	if !claims.Anonymous() {
		t.Fatalf("expected anonymous claims, got %+v", claims)
	}
}

func TestAuthorizePublicRepository(t *testing.T) {
	ctrl, _ := testController(t)
	ctx := context.Background()

	r := request(http.MethodGet, "/v2/pub/manifests/latest", "")
	if _, err := ctrl.Authorize(ctx, r, "pub", true, ActionPull); err != nil {
		t.Fatalf("anonymous pull on public repository should pass: %v", err)
	}

	// Anonymous push is challenged even on public repositories.
	r = request(http.MethodPost, "/v2/pub/blobs/uploads/", "")
	_, err := ctrl.Authorize(ctx, r, "pub", true, ActionPush)
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, want AuthenticationError", err)
	}

	w := httptest.NewRecorder()
	authErr.SetHeaders(w)
	challenge := w.Header().Get("WWW-Authenticate")
	for _, part := range []string{
		`Bearer realm="http://registry.local/v2/auth/token"`,
		`service="registry.local"`,
		`scope="repository:pub:push"`,
	} {
		if !strings.Contains(challenge, part) {
			t.Errorf("challenge %q missing %q", challenge, part)
		}
	}
}

func TestAuthorizePrivateRepository(t *testing.T) {
	ctrl, db := testController(t)
	ctx := context.Background()

	user := newUser(t, db, "dev@example.com", "hunter2", false)
	repo, err := db.CreateRepository(ctx, "secret", false)
	if err != nil {
		t.Fatal(err)
	}
	if err := db.GrantScope(ctx, user.ID, repo.ID, true, false, false); err != nil {
		t.Fatal(err)
	}

	// Anonymous pull on a private repository is challenged.
	r := request(http.MethodGet, "/v2/secret/manifests/latest", "")
	var authErr *AuthenticationError
	if _, err := ctrl.Authorize(ctx, r, "secret", false, ActionPull); !errors.As(err, &authErr) {
		t.Fatalf("got %v, want AuthenticationError", err)
	}

	// Pull grant lets the user read but not write.
	r = request(http.MethodGet, "/v2/secret/manifests/latest", "")
	r.SetBasicAuth("dev@example.com", "hunter2")
	if _, err := ctrl.Authorize(ctx, r, "secret", false, ActionPull); err != nil {
		t.Fatalf("pull with grant should pass: %v", err)
	}

	r = request(http.MethodPut, "/v2/secret/manifests/latest", "")
	r.SetBasicAuth("dev@example.com", "hunter2")
	var denied *AccessDeniedError
	if _, err := ctrl.Authorize(ctx, r, "secret", false, ActionPush); !errors.As(err, &denied) {
		t.Fatalf("got %v, want AccessDeniedError", err)
	}
}
