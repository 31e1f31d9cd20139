package auth

import (
	"context"
	"errors"
	"strings"
)

// ErrUnauthenticated 表示当前调用没有可用的身份主体
// ErrUnauthenticated means no caller principal is available
var ErrUnauthenticated = errors.New("unauthenticated: no caller principal")

// Principal identifies the authenticated caller that owns threads and tasks.
type Principal struct {
	ID   string
	Name string
}

// IsZero reports whether p carries no identity.
func (p Principal) IsZero() bool {
	return strings.TrimSpace(p.ID) == ""
}

// Resolver resolves the caller identity for one request. Session issuance
// itself lives outside this module; the pipeline only asks "who is calling".
type Resolver interface {
	Resolve(ctx context.Context) (Principal, error)
}

// Static resolves to a fixed principal. Used by the CLI (single local user)
// and by tests.
type Static struct {
	Principal Principal
}

func (s Static) Resolve(ctx context.Context) (Principal, error) {
	if s.Principal.IsZero() {
		return Principal{}, ErrUnauthenticated
	}
	return s.Principal, nil
}

// None never resolves an identity.
type None struct{}

func (None) Resolve(ctx context.Context) (Principal, error) {
	return Principal{}, ErrUnauthenticated
}
