package rp

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func userInfoCallback(t *testing.T, p *TestProvider, h *Handler) HandleResult {
	t.Helper()
	ch := performChallenge(t, h, nil)
	p.SetExpectedNonce(ch.nonce)
	req := callbackGet(t, ch, url.Values{ParamCode: {"code-1"}, ParamState: {ch.state}})
	return h.HandleCallback(httptest.NewRecorder(), req)
}

func TestHandler_UserInfo_JSONClaimsMerged(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	p := StartTestProvider(t, "test-client")
	p.SetExpectedAuthCode("code-1")
	p.SetUserInfoReply(map[string]interface{}{
		"sub":    "alice@example.com",
		"locale": "en-NZ",
		"email":  "alice@example.com",
	})
	h := testHandler(t, p, func(o *Options) {
		o.GetClaimsFromUserInfoEndpoint = true
	})

	result := userInfoCallback(t, p, h)
	require.NoError(result.Err)
	require.True(result.Success())

	id := result.Ticket.Identity
	assert.Equal("en-NZ", id.Value("locale"), "userinfo claims are merged into the identity")
	assert.Equal("alice@example.com", id.Value("email"))

	// the sub claim already came from the id_token; the merge must not
	// duplicate it
	var subs int
	for _, c := range id.Claims {
		if c.Type == "sub" {
			subs++
		}
	}
	assert.Equal(1, subs)
}

func TestHandler_UserInfo_JWTResponse(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	p := StartTestProvider(t, "test-client")
	p.SetExpectedAuthCode("code-1")
	p.SetUserInfoContentType("application/jwt")
	p.SetUserInfoReply(map[string]interface{}{
		"sub":    "alice@example.com",
		"locale": "en-NZ",
	})
	h := testHandler(t, p, func(o *Options) {
		o.GetClaimsFromUserInfoEndpoint = true
	})

	result := userInfoCallback(t, p, h)
	require.NoError(result.Err)
	require.True(result.Success())
	assert.Equal("en-NZ", result.Ticket.Identity.Value("locale"))
}

func TestHandler_UserInfo_SubjectMismatch(t *testing.T) {
	require := require.New(t)
	p := StartTestProvider(t, "test-client")
	p.SetExpectedAuthCode("code-1")
	p.SetUserInfoReply(map[string]interface{}{
		"sub": "mallory@example.com",
	})
	h := testHandler(t, p, func(o *Options) {
		o.GetClaimsFromUserInfoEndpoint = true
	})

	result := userInfoCallback(t, p, h)
	require.Error(result.Err)
	require.ErrorIs(result.Err, ErrSubjectMismatch)
}

func TestHandler_UserInfo_SkippedWithoutAccessToken(t *testing.T) {
	require := require.New(t)
	p := StartTestProvider(t, "test-client")
	p.SetExpectedAuthCode("code-1")
	p.SetOmitAccessToken(true)
	h := testHandler(t, p, func(o *Options) {
		o.GetClaimsFromUserInfoEndpoint = true
	})

	result := userInfoCallback(t, p, h)
	require.NoError(result.Err, "no access token means nothing to fetch, not a failure")
	require.True(result.Success())
}

func TestHandler_UserInfo_SkippedWithoutEndpoint(t *testing.T) {
	require := require.New(t)
	p := StartTestProvider(t, "test-client")
	p.SetExpectedAuthCode("code-1")
	p.SetDisableUserInfo(true)
	h := testHandler(t, p, func(o *Options) {
		o.GetClaimsFromUserInfoEndpoint = true
	})

	result := userInfoCallback(t, p, h)
	require.NoError(result.Err)
	require.True(result.Success())
}

func TestHandler_UserInfo_HookCanRewriteClaims(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	p := StartTestProvider(t, "test-client")
	p.SetExpectedAuthCode("code-1")
	p.SetUserInfoReply(map[string]interface{}{
		"sub":             "alice@example.com",
		"internal_detail": "do-not-map",
	})
	h := testHandler(t, p, func(o *Options) {
		o.GetClaimsFromUserInfoEndpoint = true
		o.Events.UserInformationReceived = func(ctx context.Context, e *UserInformationReceivedEvent) error {
			delete(e.Claims, "internal_detail")
			e.Claims["derived"] = "from-hook"
			return nil
		}
	})

	result := userInfoCallback(t, p, h)
	require.NoError(result.Err)
	require.True(result.Success())
	assert.Equal("", result.Ticket.Identity.Value("internal_detail"))
	assert.Equal("from-hook", result.Ticket.Identity.Value("derived"))
}

func TestParseUserInfoBody(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		wantErr     bool
		wantErrIs   error
		wantKey     string
	}{
		{
			name:        "json",
			contentType: "application/json; charset=utf-8",
			body:        `{"sub":"alice"}`,
			wantKey:     "sub",
		},
		{
			name:        "no-content-type-treated-as-json",
			contentType: "",
			body:        `{"sub":"alice"}`,
			wantKey:     "sub",
		},
		{
			name:        "json-garbage",
			contentType: "application/json",
			body:        `not json`,
			wantErr:     true,
		},
		{
			name:        "unsupported-content-type",
			contentType: "text/html",
			body:        `<html></html>`,
			wantErr:     true,
			wantErrIs:   ErrProtocolViolation,
		},
		{
			name:        "jwt-garbage",
			contentType: "application/jwt",
			body:        `not-a-jwt`,
			wantErr:     true,
			wantErrIs:   ErrUnreadableToken,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := parseUserInfoBody(tt.contentType, []byte(tt.body))
			if tt.wantErr {
				require.Error(t, err)
				if tt.wantErrIs != nil {
					assert.ErrorIs(t, err, tt.wantErrIs)
				}
				return
			}
			require.NoError(t, err)
			assert.Contains(t, claims, tt.wantKey)
		})
	}
}
