package rp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProtectorKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i + 100)
	}
	return key
}

func testHandler(t *testing.T, p *TestProvider, mutate func(o *Options)) *Handler {
	t.Helper()
	opts := Options{
		ClientID:     "test-client",
		ClientSecret: "test-secret",
		Authority:    p.Addr(),
		CallbackPath: "/callback",
		ProtectorKey: testProtectorKey(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	h, err := NewHandler(opts)
	require.NoError(t, err)
	return h
}

// challengeRedirect drives a challenge and returns the parsed redirect query
// plus the recorder holding the issued cookies.
func challengeRedirect(t *testing.T, h *Handler, props *Properties) (url.Values, *httptest.ResponseRecorder) {
	t.Helper()
	require := require.New(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "https://rp.example.com/protected", nil)
	require.NoError(h.Challenge(w, req, props))
	require.Equal(http.StatusFound, w.Code)

	location, err := url.Parse(w.Header().Get("Location"))
	require.NoError(err)
	return location.Query(), w
}

func TestNewHandler(t *testing.T) {
	t.Run("invalid-options", func(t *testing.T) {
		_, err := NewHandler(Options{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("https-metadata-enforced", func(t *testing.T) {
		_, err := NewHandler(Options{
			ClientID:             "test-client",
			Authority:            "http://idp.example.com",
			CallbackPath:         "/callback",
			RequireHTTPSMetadata: true,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConfiguration)
	})

	t.Run("ephemeral-protector-key", func(t *testing.T) {
		// no ProtectorKey configured: the handler generates one
		h, err := NewHandler(Options{
			ClientID:     "test-client",
			Authority:    "https://idp.example.com",
			CallbackPath: "/callback",
		})
		require.NoError(t, err)
		assert.NotNil(t, h.protector)
	})
}

func TestHandler_Challenge(t *testing.T) {
	p := StartTestProvider(t, "test-client")

	t.Run("redirect-parameters", func(t *testing.T) {
		assert := assert.New(t)
		h := testHandler(t, p, func(o *Options) {
			o.Scopes = []string{"profile", "email"}
		})

		q, w := challengeRedirect(t, h, nil)
		assert.True(strings.HasPrefix(w.Header().Get("Location"), p.Addr()+"/authorize?"))
		assert.Equal("test-client", q.Get(ParamClientID))
		assert.Equal("https://rp.example.com/callback", q.Get(ParamRedirectURI))
		assert.Equal(ResponseTypeCode, q.Get(ParamResponseType))
		assert.Equal("openid profile email", q.Get(ParamScope))
		assert.NotEmpty(q.Get(ParamNonce))
		assert.NotEmpty(q.Get(ParamState))
		assert.Empty(q.Get(ParamResponseMode), "default response mode is omitted")

		var sawCorrelation, sawNonce bool
		for _, c := range w.Result().Cookies() {
			switch {
			case strings.HasPrefix(c.Name, DefaultCorrelationCookiePrefix):
				sawCorrelation = true
			case strings.HasPrefix(c.Name, DefaultNonceCookiePrefix):
				sawNonce = true
			}
		}
		assert.True(sawCorrelation, "challenge must set a correlation cookie")
		assert.True(sawNonce, "challenge must set a nonce cookie")
	})

	t.Run("state-is-protected", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testHandler(t, p, nil)

		q, _ := challengeRedirect(t, h, nil)
		protector, err := NewJoseDataProtector(testProtectorKey())
		require.NoError(err)
		props, err := unprotectProperties(protector, q.Get(ParamState))
		require.NoError(err)
		assert.NotEmpty(props.Item(correlationIDKey))
		assert.Equal("https://rp.example.com/callback", props.Item(redirectURIKey))
		assert.Equal("https://rp.example.com/protected", props.RedirectURI, "challenge records the original URL")
	})

	t.Run("non-default-response-mode-is-sent", func(t *testing.T) {
		h := testHandler(t, p, func(o *Options) {
			o.ResponseMode = ResponseModeFormPost
		})
		q, _ := challengeRedirect(t, h, nil)
		assert.Equal(t, ResponseModeFormPost, q.Get(ParamResponseMode))
	})

	t.Run("disable-nonce", func(t *testing.T) {
		assert := assert.New(t)
		h := testHandler(t, p, func(o *Options) {
			o.DisableNonce = true
		})
		q, w := challengeRedirect(t, h, nil)
		assert.Empty(q.Get(ParamNonce))
		for _, c := range w.Result().Cookies() {
			assert.False(strings.HasPrefix(c.Name, DefaultNonceCookiePrefix))
		}
	})

	t.Run("per-challenge-overrides", func(t *testing.T) {
		assert := assert.New(t)
		h := testHandler(t, p, nil)

		props := NewProperties()
		props.SetScope("openid custom")
		props.SetPrompt("login")
		props.SetMaxAge(5 * time.Minute)

		q, _ := challengeRedirect(t, h, props)
		assert.Equal("openid custom", q.Get(ParamScope))
		assert.Equal("login", q.Get(ParamPrompt))
		assert.Equal("300", q.Get(ParamMaxAge))
	})

	t.Run("hook-set-state-survives-in-the-bag", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testHandler(t, p, func(o *Options) {
			o.Events.RedirectToIdentityProvider = func(ctx context.Context, e *RedirectEvent) error {
				e.Message.Set(ParamState, "caller-state")
				return nil
			}
		})

		q, _ := challengeRedirect(t, h, nil)
		protector, err := NewJoseDataProtector(testProtectorKey())
		require.NoError(err)
		props, err := unprotectProperties(protector, q.Get(ParamState))
		require.NoError(err)
		assert.Equal("caller-state", props.Item(userStateKey))
	})

	t.Run("hook-handled-stops-the-challenge", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testHandler(t, p, func(o *Options) {
			o.Events.RedirectToIdentityProvider = func(ctx context.Context, e *RedirectEvent) error {
				e.Action = EventHandled
				return nil
			}
		})

		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "https://rp.example.com/protected", nil)
		require.NoError(h.Challenge(w, req, nil))
		assert.Empty(w.Header().Get("Location"), "a handled hook owns the response")
	})

	t.Run("form-post-method", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		h := testHandler(t, p, func(o *Options) {
			o.AuthenticationMethod = AuthenticationMethodFormPost
		})

		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "https://rp.example.com/protected", nil)
		require.NoError(h.Challenge(w, req, nil))

		body := w.Body.String()
		assert.Contains(w.Header().Get("Content-Type"), "text/html")
		assert.Contains(body, `action="`+p.Addr()+`/authorize"`)
		assert.Contains(body, `name="client_id"`)
	})
}

func TestHandler_Middleware(t *testing.T) {
	p := StartTestProvider(t, "test-client")

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	t.Run("unrelated-path-passes-through", func(t *testing.T) {
		h := testHandler(t, p, nil)
		mw := h.Middleware(next, func(w http.ResponseWriter, r *http.Request, tk *Ticket) {})

		w := httptest.NewRecorder()
		mw.ServeHTTP(w, httptest.NewRequest("GET", "https://rp.example.com/other", nil))
		assert.Equal(t, http.StatusTeapot, w.Code)
	})

	t.Run("skipped-callback-passes-through", func(t *testing.T) {
		h := testHandler(t, p, func(o *Options) {
			o.SkipUnrecognizedRequests = true
		})
		mw := h.Middleware(next, func(w http.ResponseWriter, r *http.Request, tk *Ticket) {})

		w := httptest.NewRecorder()
		mw.ServeHTTP(w, httptest.NewRequest("GET", "https://rp.example.com/callback", nil))
		assert.Equal(t, http.StatusTeapot, w.Code)
	})

	t.Run("failed-callback-is-unauthorized", func(t *testing.T) {
		h := testHandler(t, p, nil)
		mw := h.Middleware(next, func(w http.ResponseWriter, r *http.Request, tk *Ticket) {})

		w := httptest.NewRecorder()
		mw.ServeHTTP(w, httptest.NewRequest("GET", "https://rp.example.com/callback", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
