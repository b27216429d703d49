// Package auth resolves bearer tokens into principals holding
// "<resource>:<access>" scopes.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Resources a scope can name.
const (
	ScopeChooser = "chooser"
	ScopeHistory = "history"
	ScopeEvents  = "events"

	wildcard = "*"
)

var resources = map[string]bool{ScopeChooser: true, ScopeHistory: true, ScopeEvents: true}

type Access int

const (
	ReadOnly Access = iota + 1
	ReadWrite
)

func (a Access) String() string {
	switch a {
	case ReadOnly:
		return "ro"
	case ReadWrite:
		return "rw"
	default:
		return "?"
	}
}

// Scope grants Access to a resource. The wildcard resource "*" grants
// read-write on everything.
type Scope struct {
	Resource string
	Access   Access
}

func Read(resource string) Scope  { return Scope{Resource: resource, Access: ReadOnly} }
func Write(resource string) Scope { return Scope{Resource: resource, Access: ReadWrite} }

func (s Scope) String() string {
	if s.Resource == wildcard {
		return wildcard
	}
	return s.Resource + ":" + s.Access.String()
}

// Covers reports whether s satisfies need. Write implies read.
func (s Scope) Covers(need Scope) bool {
	if s.Resource == wildcard {
		return true
	}
	return s.Resource == need.Resource && s.Access >= need.Access
}

// ParseScope parses "*" or "<resource>:ro|rw".
func ParseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	if raw == wildcard {
		return Scope{Resource: wildcard, Access: ReadWrite}, nil
	}
	resource, access, ok := strings.Cut(raw, ":")
	if !ok {
		return Scope{}, fmt.Errorf("scope %q: want <resource>:ro or <resource>:rw", raw)
	}
	if !resources[resource] {
		return Scope{}, fmt.Errorf("scope %q: unknown resource %q", raw, resource)
	}
	switch access {
	case "ro":
		return Read(resource), nil
	case "rw":
		return Write(resource), nil
	default:
		return Scope{}, fmt.Errorf("scope %q: unknown access %q", raw, access)
	}
}

// ValidateScopes checks that every entry parses.
func ValidateScopes(raw []string) error {
	for _, s := range raw {
		if _, err := ParseScope(s); err != nil {
			return err
		}
	}
	return nil
}

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

type Principal struct {
	Token  string
	Scopes []Scope
}

// Open is the principal of an API with no credentials configured.
func Open() Principal {
	return Principal{Scopes: []Scope{{Resource: wildcard, Access: ReadWrite}}}
}

// Allows reports whether any of p's scopes covers need.
func (p Principal) Allows(need Scope) bool {
	for _, s := range p.Scopes {
		if s.Covers(need) {
			return true
		}
	}
	return false
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", errors.New("invalid Authorization header format")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func tokenEqual(a, b string) bool {
	if a == "" || b == "" || len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Authenticate matches a presented token. The API key grants every scope;
// configured tokens grant their parsed scopes, skipping malformed entries.
func Authenticate(presented, apiKey string, tokens []TokenConfig) (Principal, bool) {
	if tokenEqual(presented, apiKey) {
		p := Open()
		p.Token = presented
		return p, true
	}
	for _, t := range tokens {
		if !tokenEqual(presented, t.Token) {
			continue
		}
		p := Principal{Token: presented}
		for _, raw := range t.Scopes {
			if s, err := ParseScope(raw); err == nil {
				p.Scopes = append(p.Scopes, s)
			}
		}
		return p, true
	}
	return Principal{}, false
}
