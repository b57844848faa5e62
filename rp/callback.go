package rp

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// accessDeniedError is the error parameter value for a user declining
// consent; it gets its own non-exceptional path.
const accessDeniedError = "access_denied"

// HandleCallback processes an inbound authorization response: the second leg
// of the code, implicit, or hybrid flow.  It never writes a success response
// itself; the caller receives a HandleResult and owns establishing the local
// session.
//
// The stages run in a fixed order: parse, state recovery, MessageReceived,
// correlation, provider error triage, configuration, front-channel id_token
// validation, code redemption, backchannel id_token validation, token
// persistence and claims enrichment.  Hook mutations at any stage are
// visible to all later stages.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) HandleResult {
	const op = "Handler.HandleCallback"
	ctx := r.Context()

	msg, err := ParseRequestMessage(r)
	if err != nil {
		// tokens in a query response are a protocol violation, not an
		// unrecognized request
		return h.fail(ctx, nil, nil, fmt.Errorf("%s: %w", op, err))
	}
	if msg == nil {
		if h.opts.SkipUnrecognizedRequests {
			return resultSkip()
		}
		return h.fail(ctx, nil, nil, fmt.Errorf("%s: no message in request: %w", op, ErrProtocolViolation))
	}

	state := msg.State()
	if state == "" {
		if h.opts.SkipUnrecognizedRequests {
			return resultSkip()
		}
		return h.fail(ctx, msg, nil, fmt.Errorf("%s: message carries no state: %w", op, ErrProtocolViolation))
	}
	// state was present: a decode failure now means tampering or corruption
	// and is never silently ignored
	props, err := unprotectProperties(h.protector, state)
	if err != nil {
		return h.fail(ctx, msg, nil, fmt.Errorf("%s: unable to unprotect state: %w", op, err))
	}

	// hand the caller's own state value back, discarding our wrapper
	if userState, ok := props.takeItem(userStateKey); ok {
		msg.Set(ParamState, userState)
	} else {
		msg.Del(ParamState)
	}

	if hook := h.opts.Events.MessageReceived; hook != nil {
		e := &MessageReceivedEvent{Message: msg, Properties: props}
		if err := hook(ctx, e); err != nil {
			return h.fail(ctx, msg, props, fmt.Errorf("%s: message received hook failed: %w", op, err))
		}
		switch e.Action {
		case EventHandled:
			return resultHandled()
		case EventSkipped:
			return resultSkip()
		}
		msg, props = e.Message, e.Properties
	}

	// nothing in the response is trusted until the correlation id checks out
	if !h.correlation.Validate(w, r, props) {
		return h.fail(ctx, msg, props, fmt.Errorf("%s: %w", op, ErrCorrelationFailed))
	}

	if errCode := msg.ErrorCode(); errCode != "" {
		if errCode == accessDeniedError {
			return h.handleAccessDenied(ctx, w, r, msg, props)
		}
		return h.fail(ctx, msg, props, fmt.Errorf("%s: %w", op, msg.ProviderError(0)))
	}

	cfg, err := h.cfgManager.GetConfiguration(ctx)
	if err != nil {
		return h.fail(ctx, msg, props, fmt.Errorf("%s: unable to get provider configuration: %w", op, err))
	}

	if v := msg.SessionState(); v != "" {
		props.SetItem(sessionStateKey, v)
	}
	if cfg.CheckSessionIframe != "" {
		props.SetItem(checkSessionKey, cfg.CheckSessionIframe)
	}

	s := &callbackState{msg: msg, props: props}

	if idToken := msg.IDToken(); idToken != "" {
		frontToken, err := h.validateToken(ctx, idToken, h.validationParameters(cfg, true))
		if err != nil {
			return h.fail(ctx, msg, props, fmt.Errorf("%s: front-channel id_token validation failed: %w", op, err))
		}
		s.token = frontToken
		s.identity = identityFromToken(frontToken, AuthMethodOIDC, h.opts.ClaimActions)

		if result, done := h.validateNonceAndNotify(ctx, w, r, s); done {
			return result
		}
	}

	var tokenResponse *TokenResponse
	if code := s.msg.Code(); code != "" {
		redemption := h.redemptionRequest(r, code, s.props)

		if hook := h.opts.Events.AuthorizationCodeReceived; hook != nil {
			e := &AuthorizationCodeReceivedEvent{
				Message:           s.msg,
				Properties:        s.props,
				Code:              code,
				RedemptionRequest: redemption,
			}
			if err := hook(ctx, e); err != nil {
				return h.fail(ctx, s.msg, s.props, fmt.Errorf("%s: authorization code hook failed: %w", op, err))
			}
			switch e.Action {
			case EventHandled:
				return resultHandled()
			case EventSkipped:
				return resultSkip()
			}
			s.msg, s.props, redemption = e.Message, e.Properties, e.RedemptionRequest
			if e.HandledCodeRedemption() {
				tokenResponse = e.TokenResponse
			}
		}

		if tokenResponse == nil {
			tokenResponse, err = h.tokenClient.Redeem(ctx, cfg.TokenEndpoint, redemption)
			if err != nil {
				return h.fail(ctx, s.msg, s.props, fmt.Errorf("%s: %w", op, err))
			}
		}

		if hook := h.opts.Events.TokenResponseReceived; hook != nil {
			e := &TokenResponseReceivedEvent{Message: s.msg, Properties: s.props, TokenResponse: tokenResponse}
			if err := hook(ctx, e); err != nil {
				return h.fail(ctx, s.msg, s.props, fmt.Errorf("%s: token response hook failed: %w", op, err))
			}
			switch e.Action {
			case EventHandled:
				return resultHandled()
			case EventSkipped:
				return resultSkip()
			}
			s.msg, s.props, tokenResponse = e.Message, e.Properties, e.TokenResponse
		}

		backIDToken := tokenResponse.IDToken()
		if backIDToken == "" {
			return h.fail(ctx, s.msg, s.props, fmt.Errorf("%s: token response carries no id_token: %w", op, ErrMissingIDToken))
		}
		// the backchannel response arrived over TLS directly from the
		// provider, so signature validation is disabled here
		backToken, err := h.validateToken(ctx, backIDToken, h.validationParameters(cfg, false))
		if err != nil {
			return h.fail(ctx, s.msg, s.props, fmt.Errorf("%s: backchannel id_token validation failed: %w", op, err))
		}

		if s.token != nil {
			// hybrid flow: both tokens must describe the same subject,
			// compared ordinally
			if s.token.Subject != backToken.Subject {
				return h.fail(ctx, s.msg, s.props, fmt.Errorf("%s: front-channel and backchannel id_token: %w", op, ErrSubjectMismatch))
			}
		} else {
			// pure code flow: this is the only identity validation
			s.token = backToken
			s.identity = identityFromToken(backToken, AuthMethodOIDC, h.opts.ClaimActions)

			if result, done := h.validateNonceAndNotify(ctx, w, r, s); done {
				return result
			}
		}
	}

	if s.token == nil {
		return h.fail(ctx, s.msg, s.props, fmt.Errorf("%s: message carries neither code nor id_token: %w", op, ErrProtocolViolation))
	}

	// token persistence and userinfo run for every flow; without a token
	// endpoint response the front-channel message supplies the tokens
	tokenSource := tokenResponse
	if tokenSource == nil {
		tokenSource = &TokenResponse{Message: s.msg}
	}

	if h.opts.SaveTokens {
		saveTokens(s.props, tokenSource)
	}

	if h.opts.GetClaimsFromUserInfoEndpoint {
		if err := h.fetchUserInfo(ctx, cfg, tokenSource.AccessToken(), s); err != nil {
			return h.fail(ctx, s.msg, s.props, fmt.Errorf("%s: %w", op, err))
		}
	}

	if h.opts.UseTokenLifetime {
		if !s.token.ValidFrom.IsZero() {
			s.props.IssuedAt = s.token.ValidFrom
		}
		if !s.token.ValidTo.IsZero() {
			s.props.ExpiresAt = s.token.ValidTo
		}
	}

	return resultSuccess(&Ticket{Identity: s.identity, Properties: s.props})
}

// callbackState is the mutable working set of one callback: hooks may
// replace any of its parts, and replacements are visible to every later
// stage.
type callbackState struct {
	msg      *Message
	props    *Properties
	identity *Identity

	// token is the validated id_token the flow will trust; front channel
	// when present, backchannel otherwise.
	token *ValidatedToken
}

// validateNonceAndNotify consumes the one-time nonce carried by a validated
// token, fires the TokenValidated hook, then enforces nonce presence.  The
// consumption happens before the hook so that even a hook taking over the
// response cannot leave the nonce redeemable.
//
// done reports whether the pipeline must stop and return result as-is.
func (h *Handler) validateNonceAndNotify(ctx context.Context, w http.ResponseWriter, r *http.Request, s *callbackState) (result HandleResult, done bool) {
	const op = "Handler.validateNonceAndNotify"

	var nonceFound bool
	if s.token.Nonce != "" {
		var err error
		nonceFound, err = h.nonces.Consume(ctx, w, r, s.token.Nonce)
		if err != nil {
			return h.fail(ctx, s.msg, s.props, fmt.Errorf("%s: unable to consume nonce: %w", op, err)), true
		}
	}

	if hook := h.opts.Events.TokenValidated; hook != nil {
		e := &TokenValidatedEvent{
			Message:    s.msg,
			Properties: s.props,
			Token:      s.token,
			Identity:   s.identity,
			Nonce:      s.token.Nonce,
		}
		if err := hook(ctx, e); err != nil {
			return h.fail(ctx, s.msg, s.props, fmt.Errorf("%s: token validated hook failed: %w", op, err)), true
		}
		switch e.Action {
		case EventHandled:
			return resultHandled(), true
		case EventSkipped:
			return resultSkip(), true
		}
		s.msg, s.props, s.identity, s.token = e.Message, e.Properties, e.Identity, e.Token
	}

	if h.usesNonce() {
		if s.token.Nonce == "" || !nonceFound {
			return h.fail(ctx, s.msg, s.props, fmt.Errorf("%s: %w", op, ErrMissingNonce)), true
		}
	}

	return HandleResult{}, false
}

// redemptionRequest builds the token endpoint request for an authorization
// code.  The redirect_uri must be the exact value used on the authorization
// request, which the challenge recorded into the properties bag.
func (h *Handler) redemptionRequest(r *http.Request, code string, props *Properties) *Message {
	redirectURI, _ := props.takeItem(redirectURIKey)
	if redirectURI == "" {
		redirectURI = h.absoluteURL(r, h.opts.CallbackPath)
	}
	redemption := NewMessage()
	redemption.Set(ParamGrantType, GrantTypeAuthorizationCode)
	redemption.Set(ParamCode, code)
	redemption.Set(ParamRedirectURI, redirectURI)
	redemption.Set(ParamClientID, h.opts.ClientID)
	redemption.Set(ParamClientSecret, h.opts.ClientSecret)
	return redemption
}

// saveTokens persists the interesting parts of a token response onto the
// properties bag.
func saveTokens(props *Properties, t *TokenResponse) {
	props.SetToken(TokenNameAccessToken, t.AccessToken())
	props.SetToken(TokenNameIDToken, t.IDToken())
	props.SetToken(TokenNameRefreshToken, t.RefreshToken())
	props.SetToken(TokenNameTokenType, t.TokenType())
	if n := t.ExpiresIn(); n > 0 {
		expiresAt := time.Now().UTC().Add(time.Duration(n) * time.Second)
		props.SetToken(TokenNameExpiresAt, strconv.FormatInt(expiresAt.Unix(), 10))
	}
}

// handleAccessDenied routes the user-declined-consent outcome: it is an
// expected result, not a protocol failure.
func (h *Handler) handleAccessDenied(ctx context.Context, w http.ResponseWriter, r *http.Request, msg *Message, props *Properties) HandleResult {
	h.logger.Info("identity provider reported access_denied")
	if hook := h.opts.Events.AccessDenied; hook != nil {
		e := &AccessDeniedEvent{Message: msg, Properties: props}
		if err := hook(ctx, e); err != nil {
			return resultFailure(err)
		}
		switch e.Action {
		case EventHandled:
			return resultHandled()
		case EventSkipped:
			return resultSkip()
		}
	}
	if h.opts.AccessDeniedPath != "" {
		http.Redirect(w, r, h.opts.AccessDeniedPath, http.StatusFound)
		return resultHandled()
	}
	return resultFailure(ErrAccessDenied)
}

// fail funnels every callback failure through the AuthenticationFailed hook,
// which may override the outcome, before surfacing a failure result.
func (h *Handler) fail(ctx context.Context, msg *Message, props *Properties, err error) HandleResult {
	h.logger.Warn("authentication callback failed", "error", err)
	if hook := h.opts.Events.AuthenticationFailed; hook != nil {
		e := &AuthenticationFailedEvent{Message: msg, Properties: props, Err: err}
		if hookErr := hook(ctx, e); hookErr != nil {
			return resultFailure(hookErr)
		}
		switch e.Action {
		case EventHandled:
			return resultHandled()
		case EventSkipped:
			return resultSkip()
		}
	}
	return resultFailure(err)
}
