package rp

import "context"

// EventAction is a hook's verdict on the stage it intercepted.
type EventAction int

const (
	// EventContinue lets the pipeline proceed; the hook had no opinion.
	EventContinue EventAction = iota

	// EventHandled means the hook fully handled the response itself; the
	// pipeline must stop and produce no further output.
	EventHandled

	// EventSkipped means the request is not for this handler; the pipeline
	// must stop and let the surrounding application deal with the request.
	EventSkipped
)

// Events is the fixed set of hook points invoked around every protocol
// stage, in the documented order.  A nil hook is a no-op (Continue).  A hook
// failing (returning a non-nil error) fails the stage.
//
// Each hook receives a mutable context; mutations, including wholesale
// replacement of the Message or Properties, are visible to every subsequent
// stage.
type Events struct {
	// RedirectToIdentityProvider runs just before the challenge redirect is
	// written.
	RedirectToIdentityProvider func(ctx context.Context, e *RedirectEvent) error

	// RedirectToIdentityProviderForSignOut runs just before the sign-out
	// redirect is written.
	RedirectToIdentityProviderForSignOut func(ctx context.Context, e *RedirectEvent) error

	// MessageReceived runs once an inbound authorization response has been
	// parsed and its state unprotected, before anything is trusted.
	MessageReceived func(ctx context.Context, e *MessageReceivedEvent) error

	// TokenValidated runs after an id_token passed validation and its nonce
	// was consumed.
	TokenValidated func(ctx context.Context, e *TokenValidatedEvent) error

	// AuthorizationCodeReceived runs before the authorization code is
	// redeemed, giving the hook the chance to redeem it itself.
	AuthorizationCodeReceived func(ctx context.Context, e *AuthorizationCodeReceivedEvent) error

	// TokenResponseReceived runs once a token endpoint response is in hand.
	TokenResponseReceived func(ctx context.Context, e *TokenResponseReceivedEvent) error

	// UserInformationReceived runs once a userinfo response has been parsed,
	// before its claims are merged.
	UserInformationReceived func(ctx context.Context, e *UserInformationReceivedEvent) error

	// AuthenticationFailed runs when any callback stage fails, and may
	// override the outcome.
	AuthenticationFailed func(ctx context.Context, e *AuthenticationFailedEvent) error

	// AccessDenied runs when the provider reports the user declined consent.
	AccessDenied func(ctx context.Context, e *AccessDeniedEvent) error

	// RemoteSignOut runs when a front-channel logout notification arrives.
	RemoteSignOut func(ctx context.Context, e *RemoteSignOutEvent) error

	// SignedOutCallbackRedirect runs when the provider redirects back after
	// an RP-initiated sign-out.
	SignedOutCallbackRedirect func(ctx context.Context, e *SignedOutCallbackEvent) error
}

// RedirectEvent is the context for the outbound redirect hooks.
type RedirectEvent struct {
	// Message is the outbound protocol message. The hook may mutate or
	// replace it.
	Message *Message

	Properties *Properties

	Action EventAction
}

// MessageReceivedEvent is the context for the MessageReceived hook.
type MessageReceivedEvent struct {
	Message    *Message
	Properties *Properties

	Action EventAction
}

// TokenValidatedEvent is the context for the TokenValidated hook.
type TokenValidatedEvent struct {
	Message    *Message
	Properties *Properties

	// Token is the validated id_token.
	Token *ValidatedToken

	// Identity is the identity derived from the token so far.
	Identity *Identity

	// Nonce is the plain nonce recovered from the token, "" when absent.
	Nonce string

	Action EventAction
}

// AuthorizationCodeReceivedEvent is the context for the
// AuthorizationCodeReceived hook.
type AuthorizationCodeReceivedEvent struct {
	Message    *Message
	Properties *Properties

	// Code is the authorization code from the response.
	Code string

	// RedemptionRequest is the message the pipeline is about to send to the
	// token endpoint. The hook may mutate it.
	RedemptionRequest *Message

	// TokenResponse may be set by the hook to supply a ready-made token
	// response, in which case the pipeline skips its own redemption
	// (HandledCodeRedemption).
	TokenResponse *TokenResponse

	Action EventAction
}

// HandledCodeRedemption reports whether the hook supplied its own token
// response.
func (e *AuthorizationCodeReceivedEvent) HandledCodeRedemption() bool {
	return e.TokenResponse != nil
}

// TokenResponseReceivedEvent is the context for the TokenResponseReceived
// hook.
type TokenResponseReceivedEvent struct {
	Message    *Message
	Properties *Properties

	TokenResponse *TokenResponse

	Action EventAction
}

// UserInformationReceivedEvent is the context for the
// UserInformationReceived hook.
type UserInformationReceivedEvent struct {
	Message    *Message
	Properties *Properties

	// Claims is the parsed userinfo payload. The hook may mutate or replace
	// it before the claim actions run.
	Claims map[string]interface{}

	Identity *Identity

	Action EventAction
}

// AuthenticationFailedEvent is the context for the AuthenticationFailed
// hook.
type AuthenticationFailedEvent struct {
	Message    *Message
	Properties *Properties

	// Err is the failure about to be surfaced.
	Err error

	Action EventAction
}

// AccessDeniedEvent is the context for the AccessDenied hook.
type AccessDeniedEvent struct {
	Message    *Message
	Properties *Properties

	Action EventAction
}

// RemoteSignOutEvent is the context for the RemoteSignOut hook.
type RemoteSignOutEvent struct {
	// Message is the logout notification, when one could be parsed.
	Message *Message

	Action EventAction
}

// SignedOutCallbackEvent is the context for the SignedOutCallbackRedirect
// hook.
type SignedOutCallbackEvent struct {
	Message    *Message
	Properties *Properties

	// RedirectURI is where the user will be sent next. The hook may change
	// it.
	RedirectURI string

	Action EventAction
}
