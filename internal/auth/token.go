package auth

import (
	"crypto/rand"
	"encoding/base64"
)

// tokenPrefix marks every bearer token issued by this deployment, carried
// over from the original project's "fddps-" token prefix convention
// (models/token.py) so tokens remain recognisable in logs.
const tokenPrefix = "pifs-"

const randomCharset = "abcdefghijklmnopqrstuvwxyz" + "ABCDEFGHIJKLMNOPQRSTUVWXYZ" + "0123456789"

// GenerateToken returns a new opaque bearer token with 256 bits of
// randomness, matching models/token.py's `secrets.token_urlsafe(32)`. The
// caller stores only HashToken(token) and returns the raw value to the
// client once, at creation time.
func GenerateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateSalt returns a random alphanumeric string of length n, used both
// for the per-user password salt (20 chars, spec.md §6) and for generated
// passwords (models/user.py's PASSWD_LEN/SALT_LEN).
func GenerateSalt(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, v := range raw {
		out[i] = randomCharset[int(v)%len(randomCharset)]
	}
	return string(out), nil
}
