package rp

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

// AuthenticationMethod selects how outbound protocol messages reach the
// identity provider's front channel.
type AuthenticationMethod string

const (
	// AuthenticationMethodRedirect sends the message as an HTTP 302 redirect.
	AuthenticationMethodRedirect AuthenticationMethod = "redirect_get"

	// AuthenticationMethodFormPost sends the message as an auto-submitting
	// HTML form post.
	AuthenticationMethodFormPost AuthenticationMethod = "form_post"
)

// Default values applied by Options.withDefaults.
const (
	DefaultBackchannelTimeout      = 1 * time.Minute
	DefaultNonceLifetime           = 15 * time.Minute
	DefaultCorrelationCookiePrefix = ".oidcrp.Correlation."
	DefaultNonceCookiePrefix       = ".oidcrp.Nonce."
	wellKnownConfigurationPath     = "/.well-known/openid-configuration"
)

// SessionStore is the local session capability the pipeline consumes for
// sign-out: reading the established session (for the id_token hint and the
// recorded sid) and clearing it on a valid front-channel logout.  The session
// mechanism itself (cookies, server-side store) belongs to the hosting layer.
type SessionStore interface {
	// ReadSession returns the current session's ticket, or nil when there is
	// no established session.
	ReadSession(r *http.Request) (*Ticket, error)

	// SignOutSession clears the current session.
	SignOutSession(w http.ResponseWriter, r *http.Request) error
}

// Options is the immutable configuration for a Handler.  Construct it once,
// validate it with NewHandler, and never mutate it afterwards.
type Options struct {
	// ClientID is the relying party's client identifier. Required.
	ClientID string

	// ClientSecret is the relying party's client secret, used for
	// authorization code redemption.
	ClientSecret string

	// Authority is the identity provider's issuer URL.  The metadata address
	// is derived from it when MetadataAddress is empty.
	Authority string

	// MetadataAddress is the full URL of the provider's discovery document.
	MetadataAddress string

	// ResponseType defaults to "code".
	ResponseType string

	// ResponseMode is only sent when it differs from the protocol default
	// for ResponseType.
	ResponseMode string

	// Scopes to request; "openid" is always included.
	Scopes []string

	// CallbackPath is the local path the provider redirects authorization
	// responses to. Required.
	CallbackPath string

	// SignedOutCallbackPath is the local path the provider redirects to
	// after an RP-initiated sign-out.
	SignedOutCallbackPath string

	// RemoteSignOutPath is the local path that receives front-channel logout
	// notifications from the provider.
	RemoteSignOutPath string

	// PostLogoutRedirectURI is the final local destination after sign-out,
	// used when the properties bag does not carry one.
	PostLogoutRedirectURI string

	// AccessDeniedPath, when set, turns an access_denied response into a
	// redirect to this local path instead of a failure.
	AccessDeniedPath string

	// AuthenticationMethod defaults to AuthenticationMethodRedirect.
	AuthenticationMethod AuthenticationMethod

	// UseTokenLifetime copies the validated token's lifetime onto the
	// session properties.
	UseTokenLifetime bool

	// SaveTokens persists access/id/refresh tokens into the ticket's
	// properties.
	SaveTokens bool

	// GetClaimsFromUserInfoEndpoint merges userinfo claims into the
	// identity after a successful sign-in, using the backchannel access
	// token when one exists and the front-channel one otherwise.
	GetClaimsFromUserInfoEndpoint bool

	// RequireHTTPSMetadata rejects non-https metadata addresses. Defaults to
	// false only to keep local development possible; production deployments
	// should set it.
	RequireHTTPSMetadata bool

	// RefreshOnIssuerKeyNotFound primes a configuration refresh when token
	// validation fails because the signing key is unknown (key rollover).
	RefreshOnIssuerKeyNotFound bool

	// SkipUnrecognizedRequests makes the callback report "not for me"
	// instead of failing when the inbound request carries no usable message.
	SkipUnrecognizedRequests bool

	// DisableNonce turns off nonce generation and enforcement. Leave it off
	// unless the provider cannot echo nonces.
	DisableNonce bool

	// BackchannelTimeout bounds token endpoint and userinfo calls.
	BackchannelTimeout time.Duration

	// MaxResponseBytes caps buffered backchannel response bodies; zero means
	// 10 MB.
	MaxResponseBytes int64

	// NonceLifetime bounds how long an issued nonce stays redeemable.
	NonceLifetime time.Duration

	// CorrelationCookiePrefix and NonceCookiePrefix name the one-time
	// cookies.
	CorrelationCookiePrefix string
	NonceCookiePrefix       string

	// SecureCookies marks issued cookies https-only.
	SecureCookies bool

	// ClockSkew is the acceptable clock skew for token lifetime checks.
	ClockSkew time.Duration

	// ProtectorKey is the 32-byte key for the default data protector. Ignored
	// when DataProtector is set.
	ProtectorKey []byte

	// ProviderCA is an optional CA certificate PEM for backchannel TLS.
	ProviderCA string

	// ClaimActions map upstream claims onto the identity; empty means map
	// everything.
	ClaimActions []ClaimAction

	// Events are the extensibility hooks.
	Events Events

	// ConfigurationManager overrides the default HTTP discovery manager.
	ConfigurationManager ConfigurationManager

	// TokenValidator overrides the default jwx-backed validator.
	TokenValidator TokenValidator

	// DataProtector overrides the default JWE protector built from
	// ProtectorKey.
	DataProtector DataProtector

	// NonceCache switches nonce persistence from cookies to the given
	// server-side cache.
	NonceCache NonceCache

	// SessionStore supplies local session access for sign-out flows.
	SessionStore SessionStore

	// HTTPClient overrides the default backchannel client.
	HTTPClient *http.Client

	Logger hclog.Logger
}

// Validate checks the options for caller misconfiguration. Every problem is
// reported, not just the first.
func (o *Options) Validate() error {
	const op = "Options.Validate"
	var result *multierror.Error
	if o.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("client id is empty: %w", ErrConfiguration))
	}
	if o.CallbackPath == "" || !strings.HasPrefix(o.CallbackPath, "/") {
		result = multierror.Append(result, fmt.Errorf("callback path %q must be a non-empty absolute path: %w", o.CallbackPath, ErrConfiguration))
	}
	if o.Authority == "" && o.MetadataAddress == "" && o.ConfigurationManager == nil {
		result = multierror.Append(result, fmt.Errorf("one of authority, metadata address or a configuration manager is required: %w", ErrConfiguration))
	}
	if o.RequireHTTPSMetadata && o.ConfigurationManager == nil && !strings.HasPrefix(o.metadataAddress(), "https://") {
		result = multierror.Append(result, fmt.Errorf("metadata address %q must use https: %w", o.metadataAddress(), ErrConfiguration))
	}
	switch o.AuthenticationMethod {
	case "", AuthenticationMethodRedirect, AuthenticationMethodFormPost:
	default:
		result = multierror.Append(result, fmt.Errorf("unsupported authentication method %q: %w", o.AuthenticationMethod, ErrConfiguration))
	}
	if o.DataProtector == nil && len(o.ProtectorKey) != 0 && len(o.ProtectorKey) != 32 {
		result = multierror.Append(result, fmt.Errorf("protector key must be 32 bytes: %w", ErrConfiguration))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// metadataAddress resolves the discovery document URL.
func (o *Options) metadataAddress() string {
	if o.MetadataAddress != "" {
		return o.MetadataAddress
	}
	if o.Authority != "" {
		return strings.TrimSuffix(o.Authority, "/") + wellKnownConfigurationPath
	}
	return ""
}

// withDefaults returns a copy with unset fields defaulted.
func (o Options) withDefaults() Options {
	if o.ResponseType == "" {
		o.ResponseType = ResponseTypeCode
	}
	if o.AuthenticationMethod == "" {
		o.AuthenticationMethod = AuthenticationMethodRedirect
	}
	if o.BackchannelTimeout <= 0 {
		o.BackchannelTimeout = DefaultBackchannelTimeout
	}
	if o.NonceLifetime <= 0 {
		o.NonceLifetime = DefaultNonceLifetime
	}
	if o.CorrelationCookiePrefix == "" {
		o.CorrelationCookiePrefix = DefaultCorrelationCookiePrefix
	}
	if o.NonceCookiePrefix == "" {
		o.NonceCookiePrefix = DefaultNonceCookiePrefix
	}
	if o.Logger == nil {
		o.Logger = hclog.NewNullLogger()
	}
	return o
}

// newHTTPClient builds the backchannel client: a pooled transport trusting
// the optional provider CA, with the configured timeout.
func newHTTPClient(caPEM string, timeout time.Duration) (*http.Client, error) {
	const op = "rp.newHTTPClient"
	tr := cleanhttp.DefaultPooledTransport()
	if caPEM != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(caPEM)); !ok {
			return nil, fmt.Errorf("%s: could not parse CA PEM value: %w", op, ErrInvalidCACert)
		}
		tr.TLSClientConfig = &tls.Config{RootCAs: certPool}
	}
	return &http.Client{Transport: tr, Timeout: timeout}, nil
}
