package rp

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
)

// NonceStore persists the one-time replay nonce between the challenge that
// generates it and the callback that consumes it.
type NonceStore interface {
	// Store persists a newly generated nonce at challenge time.
	Store(ctx context.Context, w http.ResponseWriter, nonce string) error

	// Consume looks up and deletes the nonce extracted from a validated
	// id_token. It reports whether the nonce was present; a consumed or
	// never-issued nonce is simply absent, not an error.
	Consume(ctx context.Context, w http.ResponseWriter, r *http.Request, nonce string) (bool, error)
}

// DefaultNonceScanLimit caps how many request cookies a CookieNonceStore will
// inspect per callback; the shared-prefix scan is otherwise unbounded and an
// attacker-controlled cookie jar could make it arbitrarily expensive.
const DefaultNonceScanLimit = 32

// CookieNonceStore keeps the nonce on the user agent: the protected
// (encrypted) nonce becomes part of a cookie's name at challenge time, and
// the callback scans cookies sharing the prefix for one whose unprotected
// name matches the nonce from the id_token. First match wins and is deleted.
type CookieNonceStore struct {
	// CookiePrefix is prepended to the protected nonce to form the cookie
	// name.
	CookiePrefix string

	// Lifetime bounds the life of the nonce cookie.
	Lifetime time.Duration

	// Protector shields the nonce from the user agent.
	Protector DataProtector

	// Secure marks issued cookies as https-only.
	Secure bool

	// ScanLimit caps the number of cookies inspected per Consume call.
	// Zero means DefaultNonceScanLimit.
	ScanLimit int

	Logger hclog.Logger
}

// Store satisfies the NonceStore interface.
func (s *CookieNonceStore) Store(_ context.Context, w http.ResponseWriter, nonce string) error {
	const op = "CookieNonceStore.Store"
	protected, err := s.Protector.Protect([]byte(nonce))
	if err != nil {
		return fmt.Errorf("%s: unable to protect nonce: %w", op, err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     s.CookiePrefix + protected,
		Value:    correlationSentinel,
		Path:     "/",
		MaxAge:   int(s.Lifetime / time.Second),
		HttpOnly: true,
		Secure:   s.Secure,
		SameSite: http.SameSiteNoneMode,
	})
	return nil
}

// Consume satisfies the NonceStore interface.  A cookie whose name fails to
// unprotect is logged and skipped, never fatal; it may belong to a concurrent
// login or to nobody at all.
func (s *CookieNonceStore) Consume(_ context.Context, w http.ResponseWriter, r *http.Request, nonce string) (bool, error) {
	logger := s.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	limit := s.ScanLimit
	if limit <= 0 {
		limit = DefaultNonceScanLimit
	}
	scanned := 0
	for _, cookie := range r.Cookies() {
		if !strings.HasPrefix(cookie.Name, s.CookiePrefix) {
			continue
		}
		if scanned++; scanned > limit {
			logger.Warn("nonce cookie scan limit reached", "limit", limit)
			break
		}
		plain, err := s.Protector.Unprotect(strings.TrimPrefix(cookie.Name, s.CookiePrefix))
		if err != nil {
			logger.Warn("failed to unprotect nonce cookie, skipping", "error", err)
			continue
		}
		if string(plain) != nonce {
			continue
		}
		http.SetCookie(w, &http.Cookie{
			Name:     cookie.Name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   s.Secure,
			SameSite: http.SameSiteNoneMode,
		})
		return true, nil
	}
	return false, nil
}

// NonceCache is the external cache capability backing CacheNonceStore.
// Implementations must be safe for concurrent use.
type NonceCache interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key with the given time to live.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key.  Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}

// AtomicNonceCache is an optional NonceCache extension.  The plain Get/Set
// pair leaves a window between the collision check and the insert; caches
// backing multi-node deployments should implement SetIfAbsent so both happen
// as one atomic step.
type AtomicNonceCache interface {
	NonceCache

	// SetIfAbsent stores value under key with the given time to live only
	// when key is absent, and reports whether the value was stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}

// CacheNonceStore keeps nonces server side, keyed by the nonce value itself.
// Issuing a nonce that already exists in the cache is a replay and fails the
// challenge outright rather than silently overwriting.  A Cache implementing
// AtomicNonceCache makes the collision check race free.
type CacheNonceStore struct {
	Cache    NonceCache
	Lifetime time.Duration
	Logger   hclog.Logger
}

// Store satisfies the NonceStore interface.
func (s *CacheNonceStore) Store(ctx context.Context, _ http.ResponseWriter, nonce string) error {
	const op = "CacheNonceStore.Store"
	if s.Cache == nil {
		return fmt.Errorf("%s: nonce cache is nil: %w", op, ErrNilParameter)
	}
	if cache, ok := s.Cache.(AtomicNonceCache); ok {
		stored, err := cache.SetIfAbsent(ctx, nonce, correlationSentinel, s.Lifetime)
		if err != nil {
			return fmt.Errorf("%s: unable to store nonce: %w", op, err)
		}
		if !stored {
			return fmt.Errorf("%s: nonce already exists in the cache: %w", op, ErrReplayDetected)
		}
		return nil
	}
	_, found, err := s.Cache.Get(ctx, nonce)
	if err != nil {
		return fmt.Errorf("%s: unable to check nonce cache: %w", op, err)
	}
	if found {
		return fmt.Errorf("%s: nonce already exists in the cache: %w", op, ErrReplayDetected)
	}
	if err := s.Cache.Set(ctx, nonce, correlationSentinel, s.Lifetime); err != nil {
		return fmt.Errorf("%s: unable to store nonce: %w", op, err)
	}
	return nil
}

// Consume satisfies the NonceStore interface.
func (s *CacheNonceStore) Consume(ctx context.Context, _ http.ResponseWriter, _ *http.Request, nonce string) (bool, error) {
	const op = "CacheNonceStore.Consume"
	if s.Cache == nil {
		return false, fmt.Errorf("%s: nonce cache is nil: %w", op, ErrNilParameter)
	}
	_, found, err := s.Cache.Get(ctx, nonce)
	if err != nil {
		return false, fmt.Errorf("%s: unable to read nonce cache: %w", op, err)
	}
	if !found {
		return false, nil
	}
	if err := s.Cache.Delete(ctx, nonce); err != nil {
		return false, fmt.Errorf("%s: unable to delete nonce: %w", op, err)
	}
	return true, nil
}

// MemoryNonceCache is an in-process NonceCache suitable for tests and
// single-node deployments.  It is safe for concurrent use.
type MemoryNonceCache struct {
	mu      sync.Mutex
	entries map[string]memoryNonceEntry
}

type memoryNonceEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryNonceCache creates an empty MemoryNonceCache.
func NewMemoryNonceCache() *MemoryNonceCache {
	return &MemoryNonceCache{entries: map[string]memoryNonceEntry{}}
}

// Get satisfies the NonceCache interface.
func (c *MemoryNonceCache) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", false, nil
	}
	if !e.expiresAt.IsZero() && e.expiresAt.Before(time.Now()) {
		delete(c.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// Set satisfies the NonceCache interface.
func (c *MemoryNonceCache) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = newMemoryNonceEntry(value, ttl)
	return nil
}

// SetIfAbsent satisfies the AtomicNonceCache interface.
func (c *MemoryNonceCache) SetIfAbsent(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && (e.expiresAt.IsZero() || e.expiresAt.After(time.Now())) {
		return false, nil
	}
	c.entries[key] = newMemoryNonceEntry(value, ttl)
	return true, nil
}

func newMemoryNonceEntry(value string, ttl time.Duration) memoryNonceEntry {
	e := memoryNonceEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}

// Delete satisfies the NonceCache interface.
func (c *MemoryNonceCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}
