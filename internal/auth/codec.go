// Package auth implements the keyed password hasher and the stateless signed
// session codec. Tokens are self-contained: a base64url JSON claims payload
// joined to a hex HMAC-SHA256 tag by a single dot. No session state is kept
// server side; revocation happens by removing the user from the credential
// store, which Resolve re-reads on every request.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"tubepanel/internal/models"
)

// ErrInvalidToken is returned for any token that fails verification: bad
// format, bad signature, expired, undecodable, or referencing a user that no
// longer exists. Callers must not distinguish the causes to clients.
var ErrInvalidToken = errors.New("invalid session token")

// DefaultSessionTTL is how long an issued token remains valid.
const DefaultSessionTTL = 24 * time.Hour

// Codec builds and verifies signed session tokens with a process-wide secret.
type Codec struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithTTL overrides the token lifetime.
func WithTTL(ttl time.Duration) CodecOption {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock injects the time source used for issuance and expiry checks.
func WithClock(now func() time.Time) CodecOption {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// NewCodec constructs a Codec signing with the provided secret.
func NewCodec(secret string, opts ...CodecOption) *Codec {
	codec := &Codec{
		secret: []byte(secret),
		ttl:    DefaultSessionTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(codec)
		}
	}
	return codec
}

// GenerateSecret produces a random hex secret for processes started without
// one. Callers must warn operators that a generated secret invalidates every
// previously issued session on restart.
func GenerateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Issue serializes the user's identity into a signed token expiring after the
// configured TTL.
func (c *Codec) Issue(user models.User) (string, time.Time, error) {
	expires := c.now().Add(c.ttl)
	claims := models.Claims{
		Username:  user.Username,
		Role:      user.Role,
		Groups:    user.Groups,
		ExpiresAt: expires.UnixMilli(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("encode session claims: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + c.sign(encoded), expires, nil
}

// Parse verifies and decodes a token. The tag is checked before the payload
// is decoded so unauthenticated structured data is never acted upon. A length
// mismatch between the supplied and expected tag short-circuits to invalid
// without reaching the constant-time comparison, since feeding unequal-length
// buffers to the comparator is itself an error condition.
func (c *Codec) Parse(token string) (models.Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return models.Claims{}, ErrInvalidToken
	}
	payload, tag := parts[0], parts[1]
	expected := c.sign(payload)
	if len(tag) != len(expected) {
		return models.Claims{}, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(tag), []byte(expected)) != 1 {
		return models.Claims{}, ErrInvalidToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return models.Claims{}, ErrInvalidToken
	}
	var claims models.Claims
	if err := json.Unmarshal(raw, &claims); err != nil {
		return models.Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Username) == "" {
		return models.Claims{}, ErrInvalidToken
	}
	if claims.ExpiresAt != 0 && c.now().After(time.UnixMilli(claims.ExpiresAt)) {
		return models.Claims{}, ErrInvalidToken
	}
	return claims, nil
}

func (c *Codec) sign(payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// UserSource resolves usernames to their current credential records.
type UserSource interface {
	GetUser(username string) (models.User, bool)
}

// Resolve exchanges verified claims for the user's current record. The role
// and groups returned come from the store, not the token, so privilege
// changes take effect on the next request; a deleted user invalidates every
// outstanding token immediately.
func Resolve(claims models.Claims, source UserSource) (models.User, error) {
	user, ok := source.GetUser(claims.Username)
	if !ok {
		return models.User{}, ErrInvalidToken
	}
	return user, nil
}
