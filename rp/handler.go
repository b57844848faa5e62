package rp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"github.com/authrelay/oidcrp/rp/internal/strutils"
)

// AuthMethodOIDC names how identities established by this package were
// authenticated.
const AuthMethodOIDC = "oidc"

// Handler drives the relying-party side of the OIDC flows.  A single Handler
// is shared across concurrent requests; the only cross-request state it
// holds is the memoized provider configuration and the backchannel client,
// both safe for concurrent use.
type Handler struct {
	opts Options

	logger      hclog.Logger
	protector   DataProtector
	correlation *CorrelationManager
	nonces      NonceStore
	cfgManager  ConfigurationManager
	validator   TokenValidator
	tokenClient *TokenClient
	client      *http.Client
}

// NewHandler validates the options and builds a Handler, resolving every
// lazily-computable collaborator (backchannel client, protector, nonce
// store, configuration manager) exactly once.
func NewHandler(opts Options) (*Handler, error) {
	const op = "rp.NewHandler"
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts = opts.withDefaults()

	h := &Handler{
		opts:   opts,
		logger: opts.Logger,
	}

	client := opts.HTTPClient
	if client == nil {
		var err error
		if client, err = newHTTPClient(opts.ProviderCA, opts.BackchannelTimeout); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	h.client = client

	protector := opts.DataProtector
	if protector == nil {
		key := opts.ProtectorKey
		if key == nil {
			// an ephemeral key: in-flight logins will not survive a process
			// restart, which is an acceptable default for a single node
			var err error
			if key, err = uuid.GenerateRandomBytes(32); err != nil {
				return nil, fmt.Errorf("%s: unable to generate protector key: %w", op, err)
			}
		}
		var err error
		if protector, err = NewJoseDataProtector(key); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	h.protector = protector

	h.correlation = &CorrelationManager{
		CookiePrefix: opts.CorrelationCookiePrefix,
		MaxAge:       opts.NonceLifetime,
		Secure:       opts.SecureCookies,
		Logger:       h.logger,
	}

	if opts.NonceCache != nil {
		h.nonces = &CacheNonceStore{
			Cache:    opts.NonceCache,
			Lifetime: opts.NonceLifetime,
			Logger:   h.logger,
		}
	} else {
		h.nonces = &CookieNonceStore{
			CookiePrefix: opts.NonceCookiePrefix,
			Lifetime:     opts.NonceLifetime,
			Protector:    protector,
			Secure:       opts.SecureCookies,
			Logger:       h.logger,
		}
	}

	h.cfgManager = opts.ConfigurationManager
	if h.cfgManager == nil {
		mgr, err := NewHTTPConfigurationManager(opts.metadataAddress(), opts.RequireHTTPSMetadata, client, h.logger)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		h.cfgManager = mgr
	}

	h.validator = opts.TokenValidator
	if h.validator == nil {
		h.validator = &JWXValidator{}
	}

	h.tokenClient = &TokenClient{
		HTTPClient:       client,
		MaxResponseBytes: opts.MaxResponseBytes,
		Logger:           h.logger,
	}

	return h, nil
}

// Challenge starts an authentication flow: it builds the authorization
// request, persists the one-time correlation id and nonce, and sends the
// user agent to the identity provider.  props may be nil; a caller-supplied
// RedirectURI in props wins over the current request URI.
//
// Configuration problems (unreachable metadata, unsupported authentication
// method) surface as errors; there is no soft-failure result for an
// outbound stage.
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request, props *Properties) error {
	const op = "Handler.Challenge"
	ctx := r.Context()
	if props == nil {
		props = NewProperties()
	}
	props.ensureItems()
	if props.RedirectURI == "" {
		props.RedirectURI = requestURL(r)
	}

	cfg, err := h.cfgManager.GetConfiguration(ctx)
	if err != nil {
		return fmt.Errorf("%s: unable to get provider configuration: %w", op, err)
	}

	msg := NewMessage()
	msg.IssuerAddress = cfg.AuthorizationEndpoint
	msg.Set(ParamClientID, h.opts.ClientID)
	msg.Set(ParamRedirectURI, h.absoluteURL(r, h.opts.CallbackPath))
	msg.Set(ParamResponseType, h.opts.ResponseType)
	msg.Set(ParamScope, h.requestScope(props))
	if prompt, ok := props.takeItem(promptKey); ok {
		msg.Set(ParamPrompt, prompt)
	}
	if maxAge, ok := props.takeItem(maxAgeKey); ok {
		msg.Set(ParamMaxAge, maxAge)
	}
	// response_mode is omitted when it matches the protocol default for the
	// response type; some providers reject the redundant parameter
	if h.opts.ResponseMode != "" && h.opts.ResponseMode != defaultResponseMode(h.opts.ResponseType) {
		msg.Set(ParamResponseMode, h.opts.ResponseMode)
	}

	if h.usesNonce() {
		nonce, err := newRandomValue()
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		msg.Set(ParamNonce, nonce)
		if err := h.nonces.Store(ctx, w, nonce); err != nil {
			return fmt.Errorf("%s: unable to store nonce: %w", op, err)
		}
	}

	if _, err := h.correlation.Generate(w, props); err != nil {
		return fmt.Errorf("%s: unable to generate correlation id: %w", op, err)
	}

	if hook := h.opts.Events.RedirectToIdentityProvider; hook != nil {
		e := &RedirectEvent{Message: msg, Properties: props}
		if err := hook(ctx, e); err != nil {
			return fmt.Errorf("%s: redirect hook failed: %w", op, err)
		}
		if e.Action == EventHandled {
			return nil
		}
		msg, props = e.Message, e.Properties
	}

	// a caller-set state parameter survives the round trip inside the
	// protected bag; the wire "state" is ours
	if userState := msg.Get(ParamState); userState != "" {
		props.SetItem(userStateKey, userState)
	}
	props.SetItem(redirectURIKey, msg.Get(ParamRedirectURI))

	protected, err := protectProperties(h.protector, props)
	if err != nil {
		return fmt.Errorf("%s: unable to protect state: %w", op, err)
	}
	msg.Set(ParamState, protected)

	return h.sendMessage(w, r, msg)
}

// sendMessage emits an outbound protocol message using the configured
// authentication method.
func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request, msg *Message) error {
	const op = "Handler.sendMessage"
	switch h.opts.AuthenticationMethod {
	case AuthenticationMethodRedirect:
		redirectURL := msg.BuildRedirectURL()
		if !msg.IsWellFormedRedirectURL() {
			h.logger.Warn("redirect URL is not a well-formed absolute URI, attempting redirect anyway", "url", redirectURL)
		}
		http.Redirect(w, r, redirectURL, http.StatusFound)
		return nil
	case AuthenticationMethodFormPost:
		WriteFormPostResponseHeaders(w)
		if err := msg.WriteFormPost(w); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	default:
		return fmt.Errorf("%s: %q: %w", op, h.opts.AuthenticationMethod, ErrUnsupportedMethod)
	}
}

// usesNonce reports whether challenges carry a nonce.
func (h *Handler) usesNonce() bool {
	return !h.opts.DisableNonce
}

// requestScope resolves the scope parameter: a per-challenge override from
// the properties bag wins over the configured scopes; "openid" is always
// present.
func (h *Handler) requestScope(props *Properties) string {
	if scope, ok := props.takeItem(scopeKey); ok && scope != "" {
		return scope
	}
	scopes := append([]string{"openid"}, h.opts.Scopes...)
	return strings.Join(strutils.RemoveDuplicatesStable(scopes, false), " ")
}

// validationParameters builds the parameters for one token validation,
// unioning the discovered issuer and signing keys into the valid sets.
func (h *Handler) validationParameters(cfg *Configuration, requireSignature bool) ValidationParameters {
	params := ValidationParameters{
		ClientID:         h.opts.ClientID,
		RequireSignature: requireSignature,
		ClockSkew:        h.opts.ClockSkew,
	}
	if cfg.Issuer != "" {
		params.ValidIssuers = append(params.ValidIssuers, cfg.Issuer)
	}
	if cfg.SigningKeys != nil {
		params.SigningKeys = cfg.SigningKeys
	} else {
		params.SigningKeys = jwk.NewSet()
	}
	return params
}

// validateToken delegates to the validator and, on a signature key miss,
// primes a configuration refresh so the next request sees rolled-over keys.
// The current request still fails.
func (h *Handler) validateToken(ctx context.Context, token string, params ValidationParameters) (*ValidatedToken, error) {
	if !h.validator.CanRead(token) {
		return nil, fmt.Errorf("unable to read token: %w", ErrUnreadableToken)
	}
	vt, err := h.validator.Validate(ctx, token, params)
	if err != nil {
		if isSignatureKeyNotFound(err) && h.opts.RefreshOnIssuerKeyNotFound {
			h.logger.Debug("signature key not found, requesting configuration refresh")
			h.cfgManager.RequestRefresh()
		}
		return nil, err
	}
	return vt, nil
}

func isSignatureKeyNotFound(err error) bool {
	return errors.Is(err, ErrSignatureKeyNotFound)
}

// absoluteURL builds an absolute URL for a local path, using the inbound
// request's scheme and host.
func (h *Handler) absoluteURL(r *http.Request, path string) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + path
}

// requestURL reconstructs the inbound request's absolute URL.
func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

// Middleware routes the handler's three inbound paths, passing everything
// else through.  Successful callbacks are handed to onSignIn, which owns
// establishing the local session and redirecting the user.
func (h *Handler) Middleware(next http.Handler, onSignIn func(w http.ResponseWriter, r *http.Request, t *Ticket)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case h.opts.CallbackPath:
			result := h.HandleCallback(w, r)
			switch {
			case result.Success():
				onSignIn(w, r, result.Ticket)
			case result.Handled:
			case result.Skipped:
				next.ServeHTTP(w, r)
			default:
				h.logger.Warn("authentication failed", "error", result.Err)
				http.Error(w, "authentication failed", http.StatusUnauthorized)
			}
		case h.opts.SignedOutCallbackPath:
			if h.opts.SignedOutCallbackPath == "" {
				next.ServeHTTP(w, r)
				return
			}
			result := h.HandleSignedOutCallback(w, r)
			if result.Skipped {
				next.ServeHTTP(w, r)
			}
		case h.opts.RemoteSignOutPath:
			if h.opts.RemoteSignOutPath == "" {
				next.ServeHTTP(w, r)
				return
			}
			result := h.HandleRemoteSignOut(w, r)
			if result.Skipped {
				next.ServeHTTP(w, r)
			}
		default:
			next.ServeHTTP(w, r)
		}
	})
}
