package access

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/c360/confhub/errors"
)

// DefaultTokenTTL bounds how long an anti-forgery token stays usable.
const DefaultTokenTTL = 15 * time.Minute

// TokenIssuer mints and verifies anti-forgery tokens. A token is bound to
// one session and one expiry, signed with the server's token key, so a
// caller cannot replay a token issued for another session.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewTokenIssuer creates an issuer. A ttl of 0 uses DefaultTokenTTL.
func NewTokenIssuer(key []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{key: key, ttl: ttl, now: time.Now}
}

// Issue returns a fresh token for the session.
func (t *TokenIssuer) Issue(session string) string {
	expiry := t.now().Add(t.ttl).Unix()
	mac := t.sign(session, expiry)
	return fmt.Sprintf("%d.%s", expiry, base64.RawURLEncoding.EncodeToString(mac))
}

// Verify checks a token against the session it was presented with.
// Expired, malformed, or foreign-session tokens all return ErrTokenInvalid.
func (t *TokenIssuer) Verify(session, token string) error {
	expiryPart, macPart, ok := strings.Cut(token, ".")
	if !ok {
		return errors.ErrTokenInvalid
	}
	expiry, err := strconv.ParseInt(expiryPart, 10, 64)
	if err != nil {
		return errors.ErrTokenInvalid
	}
	mac, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return errors.ErrTokenInvalid
	}
	if !hmac.Equal(mac, t.sign(session, expiry)) {
		return errors.ErrTokenInvalid
	}
	if t.now().Unix() > expiry {
		return errors.ErrTokenInvalid
	}
	return nil
}

func (t *TokenIssuer) sign(session string, expiry int64) []byte {
	h := hmac.New(sha256.New, t.key)
	fmt.Fprintf(h, "%s|%d", session, expiry)
	return h.Sum(nil)
}
