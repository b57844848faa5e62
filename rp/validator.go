package rp

import (
	"context"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/authrelay/oidcrp/rp/internal/strutils"
)

// ValidationParameters carries everything a TokenValidator needs for one
// validation.  The handler augments the caller-supplied parameters with the
// discovered issuer and signing keys (union, never replace) before
// delegating.
type ValidationParameters struct {
	// ValidIssuers are the issuer values accepted on the "iss" claim.
	ValidIssuers []string

	// SigningKeys are the keys trusted to have signed the token.
	SigningKeys jwk.Set

	// ClientID is the expected audience. Empty disables the audience check.
	ClientID string

	// RequireSignature controls signature verification.  It is disabled for
	// tokens received over the TLS-protected backchannel, which are already
	// trusted by virtue of the channel.
	RequireSignature bool

	// ClockSkew is the acceptable clock skew for lifetime checks.
	ClockSkew time.Duration
}

// ValidatedToken is the structural result of a successful validation.
type ValidatedToken struct {
	// Raw is the compact serialization the token was parsed from.
	Raw string

	Subject   string
	Issuer    string
	Nonce     string
	SessionID string
	Audiences []string

	// ValidFrom and ValidTo are the token's nbf (or iat) and exp instants;
	// zero when the token does not carry them.
	ValidFrom time.Time
	ValidTo   time.Time

	// Claims is the full claims payload.
	Claims map[string]interface{}
}

// TokenValidator is the external validator capability: it owns signature and
// claims cryptographic validation, while the pipeline owns when validation
// happens and with what parameters.
type TokenValidator interface {
	// CanRead reports whether the validator can parse the token at all.
	CanRead(token string) bool

	// Validate parses and validates the token.  Failures wrap one of
	// ErrUnreadableToken, ErrSignatureKeyNotFound or ErrTokenValidation so
	// callers can branch on the failure class.
	Validate(ctx context.Context, token string, params ValidationParameters) (*ValidatedToken, error)
}

// JWXValidator is the default TokenValidator, built on lestrrat-go/jwx.
type JWXValidator struct{}

// CanRead satisfies the TokenValidator interface.
func (v *JWXValidator) CanRead(token string) bool {
	_, err := jwt.ParseInsecure([]byte(token))
	return err == nil
}

// Validate satisfies the TokenValidator interface.
func (v *JWXValidator) Validate(ctx context.Context, token string, params ValidationParameters) (*ValidatedToken, error) {
	const op = "JWXValidator.Validate"
	if token == "" {
		return nil, fmt.Errorf("%s: token is empty: %w", op, ErrInvalidParameter)
	}

	parsed, err := jwt.ParseInsecure([]byte(token))
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, ErrUnreadableToken, err)
	}

	if params.RequireSignature {
		if params.SigningKeys == nil || params.SigningKeys.Len() == 0 {
			return nil, fmt.Errorf("%s: no signing keys available: %w", op, ErrSignatureKeyNotFound)
		}
		if kid, ok := tokenKeyID(token); ok && kid != "" {
			if _, found := params.SigningKeys.LookupKeyID(kid); !found {
				return nil, fmt.Errorf("%s: no key with id %q in the current key set: %w", op, kid, ErrSignatureKeyNotFound)
			}
		}
		verified, err := jwt.Parse([]byte(token),
			jwt.WithKeySet(params.SigningKeys, jws.WithInferAlgorithmFromKey(true)),
			jwt.WithValidate(false),
		)
		if err != nil {
			return nil, fmt.Errorf("%s: signature verification failed: %w: %v", op, ErrTokenValidation, err)
		}
		parsed = verified
	}

	if len(params.ValidIssuers) > 0 && !strutils.StrListContains(params.ValidIssuers, parsed.Issuer()) {
		return nil, fmt.Errorf("%s: issuer %q is not in the valid issuer set: %w", op, parsed.Issuer(), ErrTokenValidation)
	}
	if params.ClientID != "" && !strutils.StrListContains(parsed.Audience(), params.ClientID) {
		return nil, fmt.Errorf("%s: audience does not include the client id: %w", op, ErrTokenValidation)
	}
	if err := jwt.Validate(parsed, jwt.WithAcceptableSkew(params.ClockSkew)); err != nil {
		return nil, fmt.Errorf("%s: token lifetime validation failed: %w: %v", op, ErrTokenValidation, err)
	}

	claims, err := parsed.AsMap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to read token claims: %w: %v", op, ErrTokenValidation, err)
	}

	vt := &ValidatedToken{
		Raw:       token,
		Subject:   parsed.Subject(),
		Issuer:    parsed.Issuer(),
		Audiences: parsed.Audience(),
		ValidTo:   parsed.Expiration(),
		Claims:    claims,
	}
	vt.ValidFrom = parsed.NotBefore()
	if vt.ValidFrom.IsZero() {
		vt.ValidFrom = parsed.IssuedAt()
	}
	if nonce, ok := parsed.Get(ParamNonce); ok {
		vt.Nonce, _ = nonce.(string)
	}
	if sid, ok := parsed.Get(ParamSid); ok {
		vt.SessionID, _ = sid.(string)
	}
	return vt, nil
}

// tokenKeyID extracts the kid from the token's protected header, reporting
// whether the token parsed as a JWS at all.
func tokenKeyID(token string) (string, bool) {
	msg, err := jws.Parse([]byte(token))
	if err != nil || len(msg.Signatures()) == 0 {
		return "", false
	}
	return msg.Signatures()[0].ProtectedHeaders().KeyID(), true
}
