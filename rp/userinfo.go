package rp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"golang.org/x/oauth2"
)

// fetchUserInfo retrieves claims from the userinfo endpoint and merges them
// into the identity.  A missing endpoint or a missing access token means
// there is simply nothing to add; both are silent successes, not errors.
func (h *Handler) fetchUserInfo(ctx context.Context, cfg *Configuration, accessToken string, s *callbackState) error {
	const op = "Handler.fetchUserInfo"
	if cfg.UserInfoEndpoint == "" {
		h.logger.Debug("no userinfo endpoint discovered, skipping userinfo retrieval")
		return nil
	}
	if accessToken == "" {
		h.logger.Debug("no access token available, skipping userinfo retrieval")
		return nil
	}

	client := oauth2.NewClient(
		context.WithValue(ctx, oauth2.HTTPClient, h.client),
		oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserInfoEndpoint, nil)
	if err != nil {
		return fmt.Errorf("%s: unable to create userinfo request: %w", op, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: userinfo request failed: %w", op, err)
	}
	defer resp.Body.Close()

	limit := h.opts.MaxResponseBytes
	if limit <= 0 {
		limit = maxResponseBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return fmt.Errorf("%s: unable to read userinfo response: %w", op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %w", op, &TransportError{
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        truncate(string(body), 1024),
			Err:         fmt.Errorf("userinfo endpoint returned status %d", resp.StatusCode),
		})
	}

	claims, err := parseUserInfoBody(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if hook := h.opts.Events.UserInformationReceived; hook != nil {
		e := &UserInformationReceivedEvent{
			Message:    s.msg,
			Properties: s.props,
			Claims:     claims,
			Identity:   s.identity,
		}
		if err := hook(ctx, e); err != nil {
			return fmt.Errorf("%s: userinfo hook failed: %w", op, err)
		}
		if e.Action == EventHandled || e.Action == EventSkipped {
			return nil
		}
		claims = e.Claims
		s.identity = e.Identity
	}

	// structural validation: the userinfo response must describe the same
	// subject as the validated id_token
	if sub, _ := claims["sub"].(string); s.token != nil && sub != s.token.Subject {
		return fmt.Errorf("%s: userinfo response: %w", op, ErrSubjectMismatch)
	}

	applyClaimActions(claims, s.identity, h.opts.ClaimActions)
	return nil
}

// parseUserInfoBody accepts a JSON object body or a signed JWT whose payload
// is the claims object.  Any other content type is a hard failure.
func parseUserInfoBody(contentType string, body []byte) (map[string]interface{}, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch mediaType {
	case "application/json", "":
		var claims map[string]interface{}
		if err := json.Unmarshal(body, &claims); err != nil {
			return nil, fmt.Errorf("userinfo response is not a JSON object: %w", err)
		}
		return claims, nil
	case "application/jwt":
		// the payload is what matters here; signature trust comes from the
		// TLS-protected backchannel, same as the token endpoint
		token, err := jwt.ParseInsecure(body)
		if err != nil {
			return nil, fmt.Errorf("userinfo response is not a parsable JWT: %w: %v", ErrUnreadableToken, err)
		}
		claims, err := token.AsMap(context.Background())
		if err != nil {
			return nil, fmt.Errorf("unable to read userinfo JWT claims: %w", err)
		}
		return claims, nil
	default:
		return nil, fmt.Errorf("unsupported userinfo content type %q: %w", contentType, ErrProtocolViolation)
	}
}
