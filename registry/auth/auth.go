// Package auth implements credential validation and repository-scoped
// access control: basic credentials against bcrypt hashes, API-key bearer
// secrets, signed bearer tokens, and the scope grammar binding repositories
// to granted actions.
package auth

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Action is a privilege level on a repository. Actions are totally ordered:
// Delete implies Push implies Pull.
type Action int

const (
	// ActionNone grants nothing.
	ActionNone Action = iota
	// ActionPull allows reading blobs, manifests and tags.
	ActionPull
	// ActionPush allows ActionPull plus writes.
	ActionPush
	// ActionDelete allows everything.
	ActionDelete
)

// String returns the wire form used in scope strings.
func (a Action) String() string {
	switch a {
	case ActionPull:
		return "pull"
	case ActionPush:
		return "push"
	case ActionDelete:
		return "delete"
	default:
		return "none"
	}
}

// ParseAction maps a scope action token to an Action. The "*" token grants
// everything.
func ParseAction(s string) (Action, error) {
	switch s {
	case "pull":
		return ActionPull, nil
	case "push":
		return ActionPush, nil
	case "delete", "*":
		return ActionDelete, nil
	default:
		return ActionNone, fmt.Errorf("auth: unknown action %q", s)
	}
}

// Permits reports whether a granted action covers the requested one.
func (a Action) Permits(requested Action) bool {
	return a >= requested
}

// RequiredAction derives the action a request needs from its method. Writes
// need Push, deletes need Delete, reads under /v2/ need Pull, everything
// else is unguarded.
func RequiredAction(method, path string) Action {
	switch method {
	case http.MethodPut, http.MethodPost, http.MethodPatch:
		return ActionPush
	case http.MethodDelete:
		return ActionDelete
	default:
		if strings.HasPrefix(path, "/v2/") || path == "/v2" {
			return ActionPull
		}
		return ActionNone
	}
}

// WildcardRepository in a scope applies the granted action to every
// repository the holder can reach.
const WildcardRepository = "*"

// Scope maps repository names to the strongest action granted on each.
type Scope map[string]Action

// Grants reports whether the scope covers the requested action on repo,
// either through a direct grant or the wildcard entry.
func (s Scope) Grants(repo string, requested Action) bool {
	if requested == ActionNone {
		return true
	}
	if granted, ok := s[repo]; ok && granted.Permits(requested) {
		return true
	}
	if granted, ok := s[WildcardRepository]; ok && granted.Permits(requested) {
		return true
	}
	return false
}

// Add records a grant, keeping the strongest action per repository.
func (s Scope) Add(repo string, action Action) {
	if existing, ok := s[repo]; !ok || action > existing {
		s[repo] = action
	}
}

// ParseScope parses a space-separated list of scope strings of the form
//
//	repository:<name-or-*>:<action>[,<action>...]
//
// The comma list reduces to the strongest action named.
func ParseScope(raw string) (Scope, error) {
	scope := Scope{}
	for _, field := range strings.Fields(raw) {
		parts := strings.SplitN(field, ":", 3)
		if len(parts) != 3 || parts[0] != "repository" || parts[1] == "" {
			return nil, fmt.Errorf("auth: malformed scope %q", field)
		}
		for _, token := range strings.Split(parts[2], ",") {
			action, err := ParseAction(token)
			if err != nil {
				return nil, fmt.Errorf("auth: malformed scope %q: %w", field, err)
			}
			scope.Add(parts[1], action)
		}
	}
	return scope, nil
}

// Strings serializes the scope back into its wire form, sorted by
// repository for stable output.
func (s Scope) Strings() []string {
	repos := make([]string, 0, len(s))
	for repo := range s {
		repos = append(repos, repo)
	}
	sort.Strings(repos)

	out := make([]string, 0, len(repos))
	for _, repo := range repos {
		out = append(out, fmt.Sprintf("repository:%s:%s", repo, s[repo]))
	}
	return out
}

// Claims is the authenticated identity attached to a request.
type Claims struct {
	// Subject is the user id, empty for anonymous access.
	Subject string
	IsAdmin bool
	Scope   Scope
}

// Anonymous reports whether the request carried no credential.
func (c *Claims) Anonymous() bool {
	return c.Subject == "" && !c.IsAdmin
}

// Grants reports whether the claims permit the requested action on repo.
// Admins are allowed everything.
func (c *Claims) Grants(repo string, requested Action) bool {
	if c.IsAdmin {
		return true
	}
	return c.Scope.Grants(repo, requested)
}
