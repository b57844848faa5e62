package rp

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Well-known OIDC protocol parameter names.
const (
	ParamClientID         = "client_id"
	ParamClientSecret     = "client_secret"
	ParamRedirectURI      = "redirect_uri"
	ParamResponseType     = "response_type"
	ParamResponseMode     = "response_mode"
	ParamScope            = "scope"
	ParamState            = "state"
	ParamNonce            = "nonce"
	ParamCode             = "code"
	ParamGrantType        = "grant_type"
	ParamIDToken          = "id_token"
	ParamIDTokenHint      = "id_token_hint"
	ParamAccessToken      = "access_token"
	ParamRefreshToken     = "refresh_token"
	ParamTokenType        = "token_type"
	ParamExpiresIn        = "expires_in"
	ParamError            = "error"
	ParamErrorDescription = "error_description"
	ParamErrorURI         = "error_uri"
	ParamPrompt           = "prompt"
	ParamMaxAge           = "max_age"
	ParamSessionState     = "session_state"
	ParamSid              = "sid"
	ParamPostLogoutURI    = "post_logout_redirect_uri"
)

// Well-known response types and modes.
const (
	ResponseTypeCode           = "code"
	ResponseTypeIDToken        = "id_token"
	ResponseTypeCodeIDToken    = "code id_token"
	ResponseModeQuery          = "query"
	ResponseModeFragment       = "fragment"
	ResponseModeFormPost       = "form_post"
	GrantTypeAuthorizationCode = "authorization_code"
)

// Message is a flat OIDC protocol message: an ordered multimap of parameter
// name to value(s). Duplicate parameters are preserved on input; the
// single-value accessors return the last value seen.
//
// IssuerAddress is the endpoint the message targets when serialized into a
// redirect URL or form post.
type Message struct {
	IssuerAddress string

	params url.Values
}

// NewMessage creates an empty Message.
func NewMessage() *Message {
	return &Message{params: url.Values{}}
}

// NewMessageFromValues creates a Message from existing values. The values are
// copied, so the caller may continue to mutate vals.
func NewMessageFromValues(vals url.Values) *Message {
	m := NewMessage()
	for name, vv := range vals {
		for _, v := range vv {
			m.params.Add(name, v)
		}
	}
	return m
}

// ParseRequestMessage builds a Message from an inbound HTTP request.
//
// A GET request produces a message from its query parameters.  A POST request
// with an application/x-www-form-urlencoded body (a charset suffix on the
// content type is tolerated) produces a message from its form fields.  Any
// other request shape produces no message (nil, nil).
//
// A message parsed from a GET query that carries a non-empty id_token or
// access_token fails with ErrForbiddenResponseMode: token material must never
// be delivered via response_mode=query.
func ParseRequestMessage(req *http.Request) (*Message, error) {
	const op = "rp.ParseRequestMessage"
	if req == nil {
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	switch {
	case req.Method == http.MethodGet:
		m := NewMessageFromValues(req.URL.Query())
		if m.IDToken() != "" || m.AccessToken() != "" {
			return nil, fmt.Errorf("%s: %w", op, ErrForbiddenResponseMode)
		}
		return m, nil
	case req.Method == http.MethodPost &&
		strings.HasPrefix(req.Header.Get("Content-Type"), "application/x-www-form-urlencoded") &&
		req.Body != nil:
		if err := req.ParseForm(); err != nil {
			return nil, fmt.Errorf("%s: unable to parse form body: %w", op, err)
		}
		return NewMessageFromValues(req.PostForm), nil
	default:
		return nil, nil
	}
}

// Get returns the last value set for the named parameter, or "" when unset.
func (m *Message) Get(name string) string {
	vv := m.params[name]
	if len(vv) == 0 {
		return ""
	}
	return vv[len(vv)-1]
}

// Set replaces the named parameter with a single value.  Setting an empty
// value removes the parameter.
func (m *Message) Set(name, value string) {
	if value == "" {
		m.params.Del(name)
		return
	}
	m.params.Set(name, value)
}

// Del removes the named parameter.
func (m *Message) Del(name string) {
	m.params.Del(name)
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := NewMessageFromValues(m.params)
	c.IssuerAddress = m.IssuerAddress
	return c
}

func (m *Message) ClientID() string     { return m.Get(ParamClientID) }
func (m *Message) State() string        { return m.Get(ParamState) }
func (m *Message) Nonce() string        { return m.Get(ParamNonce) }
func (m *Message) Code() string         { return m.Get(ParamCode) }
func (m *Message) IDToken() string      { return m.Get(ParamIDToken) }
func (m *Message) AccessToken() string  { return m.Get(ParamAccessToken) }
func (m *Message) RefreshToken() string { return m.Get(ParamRefreshToken) }
func (m *Message) TokenType() string    { return m.Get(ParamTokenType) }
func (m *Message) ErrorCode() string    { return m.Get(ParamError) }
func (m *Message) SessionState() string { return m.Get(ParamSessionState) }
func (m *Message) Sid() string          { return m.Get(ParamSid) }

// ProviderError builds a ProviderError from the message's error parameters.
func (m *Message) ProviderError(statusCode int) *ProviderError {
	return &ProviderError{
		Code:        m.Get(ParamError),
		Description: m.Get(ParamErrorDescription),
		URI:         m.Get(ParamErrorURI),
		StatusCode:  statusCode,
	}
}

// BuildRedirectURL serializes the message into IssuerAddress + "?" + the
// URL-encoded parameters.  The result is not guaranteed to be a well-formed
// absolute URI; see IsWellFormedRedirectURL.
func (m *Message) BuildRedirectURL() string {
	return m.IssuerAddress + "?" + m.params.Encode()
}

// IsWellFormedRedirectURL reports whether BuildRedirectURL would produce a
// well-formed absolute URI.  Callers should treat a false result as a warning
// and still attempt the redirect.
func (m *Message) IsWellFormedRedirectURL() bool {
	u, err := url.Parse(m.BuildRedirectURL())
	return err == nil && u.IsAbs()
}

// FormValues returns a copy of the message parameters, suitable for an
// x-www-form-urlencoded request body.
func (m *Message) FormValues() url.Values {
	vals := url.Values{}
	for name, vv := range m.params {
		for _, v := range vv {
			vals.Add(name, v)
		}
	}
	return vals
}

const formPostScript = "document.form.submit();"

// formPostScriptSha256 is computed from the script constant so the CSP header
// always matches what the template emits.
var formPostScriptSha256 = func() string {
	sum := sha256.Sum256([]byte(formPostScript))
	return base64.StdEncoding.EncodeToString(sum[:])
}()

var formPostTempl = template.Must(template.New("form-post").Parse(
	`<html><head><title>Please wait while you're being redirected to the identity provider</title></head><body><form name="form" method="post" action="{{.Action}}">{{range .Fields}}<input type="hidden" name="{{.Name}}" value="{{.Value}}" />{{end}}<noscript>Click here to finish the process: <input type="submit" /></noscript></form><script>` + formPostScript + `</script></body></html>`))

// WriteFormPost renders the message as an auto-submitting HTML form targeting
// IssuerAddress, with every parameter embedded as a hidden, HTML-escaped
// input field and a noscript fallback submit button.
func (m *Message) WriteFormPost(w io.Writer) error {
	const op = "Message.WriteFormPost"
	type field struct{ Name, Value string }
	fields := make([]field, 0, len(m.params))
	for name, vv := range m.params {
		for _, v := range vv {
			fields = append(fields, field{Name: name, Value: v})
		}
	}
	if err := formPostTempl.Execute(w, map[string]interface{}{
		"Action": m.IssuerAddress,
		"Fields": fields,
	}); err != nil {
		return fmt.Errorf("%s: unable to render form: %w", op, err)
	}
	return nil
}

// WriteFormPostResponseHeaders sets the content type and a content security
// policy that only allows the embedded auto-submit script.
func WriteFormPostResponseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Security-Policy", fmt.Sprintf("script-src 'sha256-%s'", formPostScriptSha256))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-store")
}

// defaultResponseMode returns the RFC-default response mode for the given
// response type: "query" for the pure code flow, "fragment" for anything that
// returns tokens on the front channel.
func defaultResponseMode(responseType string) string {
	if responseType == ResponseTypeCode {
		return ResponseModeQuery
	}
	return ResponseModeFragment
}
