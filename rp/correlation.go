package rp

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
)

// correlationSentinel is the fixed value written into correlation cookies.
// The cookie's name carries the correlation id; the value only proves the
// cookie was set by us.
const correlationSentinel = "N"

// newRandomValue returns a base64url-encoded 32-byte random value, suitable
// for a correlation id or nonce.
func newRandomValue() (string, error) {
	const op = "rp.newRandomValue"
	b, err := uuid.GenerateRandomBytes(32)
	if err != nil {
		return "", fmt.Errorf("%s: unable to generate random bytes: %w", op, err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CorrelationManager issues and validates the one-time correlation id that
// binds an authorization response to the user agent that started the flow.
// The id travels two ways: inside the protected Properties bag (through the
// "state" parameter) and as a short-lived cookie on the user agent. A
// callback is only trusted when both halves are present, match, and the
// cookie has not been consumed before.
type CorrelationManager struct {
	// CookiePrefix is prepended to the correlation id to form the cookie
	// name.
	CookiePrefix string

	// MaxAge bounds the life of the correlation cookie.
	MaxAge time.Duration

	// Secure marks issued cookies as https-only.
	Secure bool

	Logger hclog.Logger
}

// Generate creates a correlation id, records it in the properties bag under
// the well-known item key, and sets the companion cookie. It must be called
// exactly once per challenge.
func (c *CorrelationManager) Generate(w http.ResponseWriter, props *Properties) (string, error) {
	const op = "CorrelationManager.Generate"
	if props == nil {
		return "", fmt.Errorf("%s: properties are nil: %w", op, ErrNilParameter)
	}
	id, err := newRandomValue()
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	props.SetItem(correlationIDKey, id)
	http.SetCookie(w, &http.Cookie{
		Name:     c.CookiePrefix + id,
		Value:    correlationSentinel,
		Path:     "/",
		MaxAge:   int(c.MaxAge / time.Second),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteNoneMode,
	})
	return id, nil
}

// Validate checks and consumes the correlation id carried by the properties
// bag recovered from "state". It never panics or returns an error for a bad
// callback; it logs the reason and returns false. A true result guarantees
// the companion cookie existed, carried the sentinel value, and has now been
// expired, so a second validation of the same id will fail.
func (c *CorrelationManager) Validate(w http.ResponseWriter, r *http.Request, props *Properties) bool {
	logger := c.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if props == nil {
		logger.Warn("correlation failed: no properties")
		return false
	}
	id, ok := props.takeItem(correlationIDKey)
	if !ok || id == "" {
		logger.Warn("correlation failed: state properties carry no correlation id")
		return false
	}
	cookieName := c.CookiePrefix + id
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		logger.Warn("correlation failed: correlation cookie not found", "cookie", cookieName)
		return false
	}
	// consume the cookie before judging its value, so a replay with the same
	// state cannot succeed either way
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteNoneMode,
	})
	if cookie.Value != correlationSentinel {
		logger.Warn("correlation failed: unexpected correlation cookie value", "cookie", cookieName)
		return false
	}
	return true
}
