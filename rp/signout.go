package rp

import (
	"fmt"
	"net/http"
)

// SignOut starts an RP-initiated sign-out: it sends the user agent to the
// provider's end-session endpoint with an id_token hint and a post-logout
// redirect that round-trips through the signed-out callback path.  props may
// be nil; its RedirectURI is the final local destination after the provider
// redirects back.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request, props *Properties) error {
	const op = "Handler.SignOut"
	ctx := r.Context()
	if props == nil {
		props = NewProperties()
	}
	props.ensureItems()
	if props.RedirectURI == "" {
		props.RedirectURI = h.opts.PostLogoutRedirectURI
	}

	cfg, err := h.cfgManager.GetConfiguration(ctx)
	if err != nil {
		return fmt.Errorf("%s: unable to get provider configuration: %w", op, err)
	}

	msg := NewMessage()
	msg.IssuerAddress = cfg.EndSessionEndpoint
	if h.opts.SignedOutCallbackPath != "" {
		msg.Set(ParamPostLogoutURI, h.absoluteURL(r, h.opts.SignedOutCallbackPath))
	}
	if hint := h.idTokenHint(r); hint != "" {
		msg.Set(ParamIDTokenHint, hint)
	}

	protected, err := protectProperties(h.protector, props)
	if err != nil {
		return fmt.Errorf("%s: unable to protect state: %w", op, err)
	}
	msg.Set(ParamState, protected)

	if hook := h.opts.Events.RedirectToIdentityProviderForSignOut; hook != nil {
		e := &RedirectEvent{Message: msg, Properties: props}
		if err := hook(ctx, e); err != nil {
			return fmt.Errorf("%s: sign-out redirect hook failed: %w", op, err)
		}
		if e.Action == EventHandled {
			return nil
		}
		msg = e.Message
	}

	// a missing end-session endpoint only matters once we actually have to
	// send something there
	if msg.IssuerAddress == "" {
		return fmt.Errorf("%s: provider configuration has no end-session endpoint: %w", op, ErrConfiguration)
	}
	return h.sendMessage(w, r, msg)
}

// idTokenHint recovers the id_token saved on the established session, if the
// hosting layer gave us session access and the tokens were saved.
func (h *Handler) idTokenHint(r *http.Request) string {
	if h.opts.SessionStore == nil {
		return ""
	}
	ticket, err := h.opts.SessionStore.ReadSession(r)
	if err != nil || ticket == nil || ticket.Properties == nil {
		return ""
	}
	return ticket.Properties.Token(TokenNameIDToken)
}

// HandleSignedOutCallback processes the provider's redirect back after an
// RP-initiated sign-out, sending the user on to the recorded post-logout
// destination.
func (h *Handler) HandleSignedOutCallback(w http.ResponseWriter, r *http.Request) HandleResult {
	const op = "Handler.HandleSignedOutCallback"
	ctx := r.Context()

	msg, err := ParseRequestMessage(r)
	if err != nil {
		return resultFailure(fmt.Errorf("%s: %w", op, err))
	}

	var props *Properties
	if msg != nil && msg.State() != "" {
		if props, err = unprotectProperties(h.protector, msg.State()); err != nil {
			return resultFailure(fmt.Errorf("%s: unable to unprotect state: %w", op, err))
		}
	}

	redirectURI := h.opts.PostLogoutRedirectURI
	if props != nil && props.RedirectURI != "" {
		redirectURI = props.RedirectURI
	}

	if hook := h.opts.Events.SignedOutCallbackRedirect; hook != nil {
		e := &SignedOutCallbackEvent{Message: msg, Properties: props, RedirectURI: redirectURI}
		if err := hook(ctx, e); err != nil {
			return resultFailure(fmt.Errorf("%s: signed-out callback hook failed: %w", op, err))
		}
		switch e.Action {
		case EventHandled:
			return resultHandled()
		case EventSkipped:
			return resultSkip()
		}
		redirectURI = e.RedirectURI
	}

	if redirectURI != "" {
		http.Redirect(w, r, redirectURI, http.StatusFound)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	return resultHandled()
}

// HandleRemoteSignOut processes a front-channel logout notification from the
// provider.  When the local session recorded a session id (sid claim), the
// notification must carry a matching sid; anything else smells like an
// unsolicited logout and is ignored rather than honored.
func (h *Handler) HandleRemoteSignOut(w http.ResponseWriter, r *http.Request) HandleResult {
	const op = "Handler.HandleRemoteSignOut"
	ctx := r.Context()

	msg, err := ParseRequestMessage(r)
	if err != nil {
		return resultFailure(fmt.Errorf("%s: %w", op, err))
	}

	if hook := h.opts.Events.RemoteSignOut; hook != nil {
		e := &RemoteSignOutEvent{Message: msg}
		if err := hook(ctx, e); err != nil {
			return resultFailure(fmt.Errorf("%s: remote sign-out hook failed: %w", op, err))
		}
		switch e.Action {
		case EventHandled:
			return resultHandled()
		case EventSkipped:
			return resultSkip()
		}
		msg = e.Message
	}

	if h.opts.SessionStore == nil {
		h.logger.Warn("remote sign-out received but no session store is configured, ignoring")
		return resultSkip()
	}
	ticket, err := h.opts.SessionStore.ReadSession(r)
	if err != nil {
		return resultFailure(fmt.Errorf("%s: unable to read session: %w", op, err))
	}
	if ticket == nil || ticket.Identity == nil {
		// no local session to sign out of
		return resultSkip()
	}

	if localSid := ticket.Identity.Value(ParamSid); localSid != "" {
		messageSid := ""
		if msg != nil {
			messageSid = msg.Sid()
		}
		if messageSid == "" || messageSid != localSid {
			h.logger.Warn("remote sign-out sid mismatch, ignoring possible unsolicited logout",
				"message_sid", messageSid, "session_sid", localSid)
			return resultSkip()
		}
	}

	if err := h.opts.SessionStore.SignOutSession(w, r); err != nil {
		return resultFailure(fmt.Errorf("%s: unable to sign out session: %w", op, err))
	}
	return resultHandled()
}
