package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// TokenExpiry is the lifetime of issued bearer tokens.
const TokenExpiry = 24 * time.Hour

// ErrInvalidToken is returned for tokens that fail signature verification,
// are expired, or are otherwise malformed.
var ErrInvalidToken = errors.New("auth: invalid token")

// tokenClaims is the JWT payload: the registered claims plus the admin flag
// and the serialized scope strings.
type tokenClaims struct {
	jwt.RegisteredClaims
	IsAdmin bool     `json:"is_admin"`
	Scopes  []string `json:"scopes"`
}

// TokenIssuer signs and verifies bearer tokens with an HMAC secret.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer returns an issuer around the given HMAC secret.
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret}
}

// Issue signs a token for the subject carrying the scope. The token expires
// after TokenExpiry.
func (t *TokenIssuer) Issue(subject string, isAdmin bool, scope Scope) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(TokenExpiry)),
		},
		IsAdmin: isAdmin,
		Scopes:  scope.Strings(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}
	return signed, nil
}

// Verify checks the token's signature and expiry and reconstructs the
// claims it carries.
func (t *TokenIssuer) Verify(raw string) (*Claims, error) {
	var claims tokenClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	scope := Scope{}
	for _, s := range claims.Scopes {
		parsed, err := ParseScope(s)
		if err != nil {
			return nil, ErrInvalidToken
		}
		for repo, action := range parsed {
			scope.Add(repo, action)
		}
	}

	return &Claims{
		Subject: claims.Subject,
		IsAdmin: claims.IsAdmin,
		Scope:   scope,
	}, nil
}
