package rp

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter      = errors.New("invalid parameter")
	ErrNilParameter          = errors.New("nil parameter")
	ErrInvalidCACert         = errors.New("invalid CA certificate")
	ErrConfiguration         = errors.New("invalid relying party configuration")
	ErrProtocolViolation     = errors.New("protocol violation")
	ErrForbiddenResponseMode = errors.New("id_token or access_token received in query response mode")
	ErrCorrelationFailed     = errors.New("correlation failed")
	ErrReplayDetected        = errors.New("replay detected")
	ErrMissingNonce          = errors.New("nonce is required but missing or already consumed")
	ErrMissingIDToken        = errors.New("id_token is missing")
	ErrUnreadableToken       = errors.New("token could not be read by any registered validator")
	ErrSignatureKeyNotFound  = errors.New("signature key not found")
	ErrTokenValidation       = errors.New("token validation failed")
	ErrSubjectMismatch       = errors.New("subject claims do not match")
	ErrAccessDenied          = errors.New("access denied by the end user or identity provider")
	ErrUnsupportedMethod     = errors.New("unsupported authentication method")
)

// ProviderError represents an OAuth2/OIDC error response returned by the
// identity provider, either on the front channel (authorization response
// "error" parameter) or by the token endpoint.
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#AuthError
type ProviderError struct {
	// Code is the "error" parameter value.
	Code string

	// Description is the "error_description" parameter value, if any.
	Description string

	// URI is the "error_uri" parameter value, if any.
	URI string

	// StatusCode is the HTTP status of the response that carried the error,
	// when the error came from a backchannel call. Zero otherwise.
	StatusCode int
}

// Error satisfies the error interface.  Fields the provider omitted are
// rendered as "(null)" so the message shape is stable for diagnostics.
func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("message contained error: %s, error_description: %s, error_uri: %s",
		orNull(e.Code), orNull(e.Description), orNull(e.URI))
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s, status code: %d", msg, e.StatusCode)
	}
	return msg
}

// Unwrap reports the error as an ErrProtocolViolation so callers can classify
// it with errors.Is without inspecting fields.
func (e *ProviderError) Unwrap() error {
	return ErrProtocolViolation
}

func orNull(s string) string {
	if s == "" {
		return "(null)"
	}
	return fmt.Sprintf("'%s'", s)
}

// TransportError represents a backchannel response that could not be
// understood at all: an unparsable body, regardless of HTTP status.  The
// status code and declared content type are carried for diagnosability.
type TransportError struct {
	StatusCode  int
	ContentType string

	// Body is a truncated copy of the response body.
	Body string

	// Err is the underlying parse or read error.
	Err error
}

// Error satisfies the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to parse backchannel response: status code: %d, content type: %q: %v",
		e.StatusCode, e.ContentType, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}
