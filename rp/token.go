package rp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/oauth2"
)

// maxResponseBytes caps how much of a backchannel response body is buffered.
const maxResponseBytes = 10 << 20 // 10 MB

// TokenResponse is the message returned by the token endpoint, with typed
// accessors over the usual response fields.
type TokenResponse struct {
	*Message
}

// ExpiresIn returns the access token lifetime in seconds, or 0 when absent
// or malformed.
func (t *TokenResponse) ExpiresIn() int64 {
	n, err := strconv.ParseInt(t.Get(ParamExpiresIn), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// OAuth2Token converts the response into a *oauth2.Token, which makes the
// result usable with anything in the golang.org/x/oauth2 ecosystem.
func (t *TokenResponse) OAuth2Token() *oauth2.Token {
	tk := &oauth2.Token{
		AccessToken:  t.AccessToken(),
		TokenType:    t.TokenType(),
		RefreshToken: t.RefreshToken(),
	}
	if n := t.ExpiresIn(); n > 0 {
		tk.Expiry = time.Now().Add(time.Duration(n) * time.Second)
	}
	return tk.WithExtra(map[string]interface{}{ParamIDToken: t.IDToken()})
}

// TokenClient redeems authorization codes against the provider's token
// endpoint over the backchannel.
type TokenClient struct {
	// HTTPClient performs the backchannel call. Timeouts and retries belong
	// to the client, not to this type.
	HTTPClient *http.Client

	// MaxResponseBytes caps response body buffering. Zero means the 10 MB
	// default.
	MaxResponseBytes int64

	Logger hclog.Logger
}

// Redeem POSTs the request message (grant_type, code, redirect_uri,
// client_id, client_secret) to the token endpoint as a form body and parses
// the response.
//
// The body is parsed as an OIDC message regardless of the declared content
// type; a non-JSON content type is only logged. An unparsable body fails
// with a TransportError carrying the HTTP status and content type. A non-2xx
// status with a parsable body fails with a ProviderError built from the
// message's error fields.
func (c *TokenClient) Redeem(ctx context.Context, tokenEndpoint string, request *Message) (*TokenResponse, error) {
	const op = "TokenClient.Redeem"
	if tokenEndpoint == "" {
		return nil, fmt.Errorf("%s: token endpoint is empty: %w", op, ErrConfiguration)
	}
	if request == nil {
		return nil, fmt.Errorf("%s: request message is nil: %w", op, ErrNilParameter)
	}
	logger := c.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenEndpoint,
		strings.NewReader(request.FormValues().Encode()))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: token endpoint request failed: %w", op, err)
	}
	defer resp.Body.Close()

	limit := c.MaxResponseBytes
	if limit <= 0 {
		limit = maxResponseBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read token endpoint response: %w", op, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if mediaType, _, _ := mime.ParseMediaType(contentType); mediaType != "application/json" {
		logger.Warn("token endpoint responded with unexpected content type", "content_type", contentType)
	}

	message, err := parseMessageBody(body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, &TransportError{
			StatusCode:  resp.StatusCode,
			ContentType: contentType,
			Body:        truncate(string(body), 1024),
			Err:         err,
		})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s: %w", op, message.ProviderError(resp.StatusCode))
	}
	return &TokenResponse{Message: message}, nil
}

// parseMessageBody decodes a JSON object body into a Message. Non-string
// scalar values (expires_in and friends) are stringified; nested structures
// are ignored, matching the flat protocol message model.
func parseMessageBody(body []byte) (*Message, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("body is not a JSON object: %w", err)
	}
	m := NewMessage()
	for name, v := range raw {
		if s := scalarString(v); s != "" {
			m.Set(name, s)
		}
	}
	return m, nil
}

func scalarString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// back off to a rune boundary so the cut never splits a UTF-8 sequence
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
