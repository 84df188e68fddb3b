// Package auth resolves incoming requests to a principal, spec.md §6:
// "Every request must carry either a Bearer token ... or HTTP Basic
// credentials ... Result is a principal (username, allowed_projects,
// admin_flag)." It is a Go port of the original Python project's
// authentication.py (CurrentUser, _auth_user_by_token,
// _auth_user_by_password), swapping Flask's request/g globals for an
// explicit Resolver taking *http.Request and returning a value, per the
// Design Note on eager boundary validation (spec.md §9).
package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"github.com/csc-fi/pifs/pkg/errtypes"
	"github.com/csc-fi/pifs/pkg/store"
	"golang.org/x/crypto/pbkdf2"

	"crypto/sha512"
)

// PBKDF2 parameters for HTTP Basic password verification, spec.md §6:
// "PBKDF2-HMAC-SHA-512, 200 000 iterations, 20-char salt, 64-byte digest".
const (
	pbkdf2Iterations = 200000
	pbkdf2KeyLen     = 64
	saltLength       = 20
)

// Principal is the authenticated identity, spec.md glossary: "the
// authenticated identity, projected to (username, allowed_projects,
// admin_flag)". Projects == nil means "all of the user's projects".
type Principal struct {
	Username string
	Projects []string
	Admin    bool
}

// AllowsProject reports whether the principal may operate on projectID,
// the Go analogue of CurrentUser.is_allowed_to_access_project.
func (p Principal) AllowsProject(projectID string) bool {
	if p.Admin {
		return true
	}
	if p.Projects == nil {
		return true
	}
	for _, id := range p.Projects {
		if id == projectID {
			return true
		}
	}
	return false
}

// Resolver authenticates a request against the Token/User stores and the
// pre-configured admin token bypass.
type Resolver struct {
	tokens     store.Tokens
	users      store.Users
	adminToken string
}

// New builds a Resolver. adminToken may be empty to disable the bypass.
func New(tokens store.Tokens, users store.Users, adminToken string) *Resolver {
	return &Resolver{tokens: tokens, users: users, adminToken: adminToken}
}

// Authenticate resolves r to a Principal, trying the Bearer token first and
// falling back to HTTP Basic, exactly as authenticate() tries
// _auth_user_by_token before _auth_user_by_password. Returns
// errtypes.Unauthorized if neither method succeeds.
func (a *Resolver) Authenticate(ctx context.Context, r *http.Request) (Principal, error) {
	if p, ok, err := a.byToken(ctx, r); err != nil {
		return Principal{}, err
	} else if ok {
		return p, nil
	}

	if p, ok, err := a.byPassword(ctx, r); err != nil {
		return Principal{}, err
	} else if ok {
		return p, nil
	}

	return Principal{}, errtypes.Unauthorized("missing or invalid credentials")
}

func (a *Resolver) byToken(ctx context.Context, r *http.Request) (Principal, bool, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return Principal{}, false, nil
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" {
		return Principal{}, false, nil
	}

	if a.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) == 1 {
		return Principal{Username: "admin", Projects: nil, Admin: true}, true, nil
	}

	hash := HashToken(token)
	rec, err := a.tokens.GetByHash(ctx, hash)
	if err == store.ErrNotFound {
		return Principal{}, false, nil
	}
	if err != nil {
		return Principal{}, false, err
	}
	if rec.ExpiresAt != nil && rec.ExpiresAt.Before(time.Now()) {
		return Principal{}, false, nil
	}

	return Principal{Username: rec.Username, Projects: rec.Projects, Admin: rec.Admin}, true, nil
}

func (a *Resolver) byPassword(ctx context.Context, r *http.Request) (Principal, bool, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return Principal{}, false, nil
	}

	user, err := a.users.Get(ctx, username)
	if err == store.ErrNotFound {
		// Calculate a digest anyway so a missing user takes the same time
		// as a wrong password, per authentication.py's
		// "avoid leaking information about which users exist".
		HashPassword(password, "0000000000000000000")
		return Principal{}, false, nil
	}
	if err != nil {
		return Principal{}, false, err
	}

	digest := HashPassword(password, user.Salt)
	if subtle.ConstantTimeCompare(digest, user.Digest) != 1 {
		return Principal{}, false, nil
	}

	// HTTP Basic Auth grants access to all of the user's projects,
	// matching authentication.py's `projects=None`.
	return Principal{Username: user.Username, Projects: nil, Admin: false}, true, nil
}

// HashPassword salts and hashes password using PBKDF2-HMAC-SHA512 with
// 200 000 iterations, the Go port of models/user.py's hash_passwd.
func HashPassword(password, salt string) []byte {
	return pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, pbkdf2KeyLen, sha512.New)
}

// HashToken returns the lowercase hex SHA-256 digest of an opaque bearer
// token, the value stored as Token.TokenHashHex.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
