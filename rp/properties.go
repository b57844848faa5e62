package rp

import (
	"strconv"
	"time"
)

// Reserved Properties item keys.  Keys with a "." prefix are owned by the
// pipeline; callers should treat them as opaque.
const (
	correlationIDKey = ".xsrf"
	userStateKey     = "userstate"
	redirectURIKey   = ".redirect_uri"
	scopeKey         = ".scope"
	promptKey        = ".prompt"
	maxAgeKey        = ".max_age"
	sessionStateKey  = ".session_state"
	checkSessionKey  = ".check_session_iframe"
	tokenKeyPrefix   = ".token."
)

// Stored token names used with Properties.SetToken / Properties.Token when
// the handler is configured to save tokens.
const (
	TokenNameAccessToken  = "access_token"
	TokenNameIDToken      = "id_token"
	TokenNameRefreshToken = "refresh_token"
	TokenNameTokenType    = "token_type"
	TokenNameExpiresAt    = "expires_at"
)

// Properties is the opaque per-login state bag. It is created at challenge
// time, protected into the outbound "state" parameter, recovered at callback
// time, and destroyed once the callback consumes it.
//
// The bag must survive the protect/unprotect round trip with an identical
// item set; anything that cannot is tampering and fails the flow.
type Properties struct {
	// Items holds arbitrary string state.
	Items map[string]string `json:"items,omitempty"`

	// RedirectURI is the local URI to return the user to after the flow
	// completes.
	RedirectURI string `json:"redirect_uri,omitempty"`

	IssuedAt  time.Time `json:"issued_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// NewProperties creates an empty Properties bag.
func NewProperties() *Properties {
	return &Properties{Items: map[string]string{}}
}

// ensureItems lazily initializes Items, so a zero Properties value is usable.
func (p *Properties) ensureItems() {
	if p.Items == nil {
		p.Items = map[string]string{}
	}
}

// SetItem stores an item, removing it when value is empty.
func (p *Properties) SetItem(key, value string) {
	p.ensureItems()
	if value == "" {
		delete(p.Items, key)
		return
	}
	p.Items[key] = value
}

// Item returns the named item or "".
func (p *Properties) Item(key string) string {
	return p.Items[key]
}

// takeItem returns the named item and removes it from the bag.
func (p *Properties) takeItem(key string) (string, bool) {
	v, ok := p.Items[key]
	if ok {
		delete(p.Items, key)
	}
	return v, ok
}

// SetToken stores a token value under the reserved token namespace.
func (p *Properties) SetToken(name, value string) {
	p.SetItem(tokenKeyPrefix+name, value)
}

// Token returns a previously stored token value or "".
func (p *Properties) Token(name string) string {
	return p.Items[tokenKeyPrefix+name]
}

// SetScope overrides the scopes requested by the next challenge that uses
// this bag.
func (p *Properties) SetScope(scope string) { p.SetItem(scopeKey, scope) }

// SetPrompt sets the "prompt" parameter for the next challenge.
func (p *Properties) SetPrompt(prompt string) { p.SetItem(promptKey, prompt) }

// SetMaxAge sets the "max_age" parameter for the next challenge. The duration
// is floored to whole seconds when serialized.
func (p *Properties) SetMaxAge(d time.Duration) {
	p.SetItem(maxAgeKey, strconv.FormatInt(int64(d/time.Second), 10))
}

// Clone returns a deep copy.
func (p *Properties) Clone() *Properties {
	c := &Properties{
		RedirectURI: p.RedirectURI,
		IssuedAt:    p.IssuedAt,
		ExpiresAt:   p.ExpiresAt,
		Items:       make(map[string]string, len(p.Items)),
	}
	for k, v := range p.Items {
		c.Items[k] = v
	}
	return c
}
