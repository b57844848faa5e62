package rp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/hashicorp/go-hclog"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"golang.org/x/sync/singleflight"
)

// Configuration is the issuer metadata discovered from the identity
// provider.  It is shared read-only across concurrent requests; a reader
// never observes a partially constructed value because refresh swaps in a
// fully built replacement.
type Configuration struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
	CheckSessionIframe    string `json:"check_session_iframe"`
	JWKSURI               string `json:"jwks_uri"`

	// SigningKeys holds the provider's current token signing keys.
	SigningKeys jwk.Set `json:"-"`
}

// ConfigurationManager is the async provider of issuer metadata the pipeline
// consumes.  GetConfiguration is memoized after the first successful call;
// RequestRefresh is a fire-and-forget hint to discard the memo on next
// access, used when a signature key miss suggests the provider rolled its
// keys.
type ConfigurationManager interface {
	GetConfiguration(ctx context.Context) (*Configuration, error)
	RequestRefresh()
}

// HTTPConfigurationManager discovers configuration from a well-known metadata
// address and the JWKS document it references.  It is safe for concurrent
// use: reads are lock free, concurrent refreshes are collapsed into a single
// fetch, and a refresh that loses the race simply overwrites with an
// equivalent document.
type HTTPConfigurationManager struct {
	metadataAddress string
	client          *http.Client
	logger          hclog.Logger

	current atomic.Pointer[Configuration]
	stale   atomic.Bool
	group   singleflight.Group
}

// NewHTTPConfigurationManager creates a manager for the given metadata
// address (the full URL of the openid-configuration document).  When
// requireHTTPS is set, a non-https address is a configuration error: failing
// fast here beats silently fetching trust roots over cleartext.
func NewHTTPConfigurationManager(metadataAddress string, requireHTTPS bool, client *http.Client, logger hclog.Logger) (*HTTPConfigurationManager, error) {
	const op = "rp.NewHTTPConfigurationManager"
	if metadataAddress == "" {
		return nil, fmt.Errorf("%s: metadata address is empty: %w", op, ErrConfiguration)
	}
	if requireHTTPS && !strings.HasPrefix(metadataAddress, "https://") {
		return nil, fmt.Errorf("%s: metadata address %q must use https: %w", op, metadataAddress, ErrConfiguration)
	}
	if client == nil {
		return nil, fmt.Errorf("%s: http client is nil: %w", op, ErrNilParameter)
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &HTTPConfigurationManager{
		metadataAddress: metadataAddress,
		client:          client,
		logger:          logger,
	}, nil
}

// GetConfiguration satisfies the ConfigurationManager interface.
func (m *HTTPConfigurationManager) GetConfiguration(ctx context.Context) (*Configuration, error) {
	const op = "HTTPConfigurationManager.GetConfiguration"
	if cfg := m.current.Load(); cfg != nil && !m.stale.Load() {
		return cfg, nil
	}
	v, err, _ := m.group.Do("configuration", func() (interface{}, error) {
		// the memo may have been filled while we waited on the flight
		if cfg := m.current.Load(); cfg != nil && !m.stale.Load() {
			return cfg, nil
		}
		cfg, err := m.fetch(ctx)
		if err != nil {
			return nil, err
		}
		m.current.Store(cfg)
		m.stale.Store(false)
		return cfg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v.(*Configuration), nil
}

// RequestRefresh satisfies the ConfigurationManager interface.
func (m *HTTPConfigurationManager) RequestRefresh() {
	m.stale.Store(true)
}

func (m *HTTPConfigurationManager) fetch(ctx context.Context) (*Configuration, error) {
	m.logger.Debug("fetching provider configuration", "metadata_address", m.metadataAddress)
	body, err := m.get(ctx, m.metadataAddress)
	if err != nil {
		return nil, fmt.Errorf("unable to fetch metadata document: %w", err)
	}
	cfg := &Configuration{}
	if err := json.Unmarshal(body, cfg); err != nil {
		return nil, fmt.Errorf("unable to parse metadata document: %w", err)
	}
	if cfg.JWKSURI != "" {
		keysBody, err := m.get(ctx, cfg.JWKSURI)
		if err != nil {
			return nil, fmt.Errorf("unable to fetch jwks document: %w", err)
		}
		keys, err := jwk.Parse(keysBody)
		if err != nil {
			return nil, fmt.Errorf("unable to parse jwks document: %w", err)
		}
		cfg.SigningKeys = keys
	}
	return cfg, nil
}

func (m *HTTPConfigurationManager) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
}

// StaticConfigurationManager serves a fixed Configuration.  Useful for tests
// and for providers without a discovery document.
type StaticConfigurationManager struct {
	Config *Configuration

	refreshes atomic.Int64
}

// GetConfiguration satisfies the ConfigurationManager interface.
func (m *StaticConfigurationManager) GetConfiguration(context.Context) (*Configuration, error) {
	const op = "StaticConfigurationManager.GetConfiguration"
	if m.Config == nil {
		return nil, fmt.Errorf("%s: configuration is nil: %w", op, ErrConfiguration)
	}
	return m.Config, nil
}

// RequestRefresh satisfies the ConfigurationManager interface.  There is
// nothing to refresh; the call is counted so tests can observe it.
func (m *StaticConfigurationManager) RequestRefresh() {
	m.refreshes.Add(1)
}

// Refreshes reports how many times RequestRefresh has been called.
func (m *StaticConfigurationManager) Refreshes() int64 {
	return m.refreshes.Load()
}
