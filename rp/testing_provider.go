package rp

import (
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	jose "gopkg.in/square/go-jose.v2"
)

// TestProvider is a local HTTP identity provider for testing the handler's
// protocol behavior.  It serves a discovery document, a JWKS document, a
// token endpoint and a userinfo endpoint, all backed by a fresh test signing
// key.  The zero knobs produce a well-behaved provider; tests flip individual
// knobs to model misbehavior.
//
// It must not be used outside of tests.
type TestProvider struct {
	t          *testing.T
	httpServer *httptest.Server

	privKey *ecdsa.PrivateKey
	keyID   string

	mu sync.Mutex

	clientID        string
	expectedCode    string
	expectedNonce   string
	replySubject    string
	replySid        string
	customClaims    map[string]interface{}
	omitIDToken     bool
	omitAccessToken bool

	tokenErrorCode   string
	tokenErrorDesc   string
	tokenErrorStatus int
	tokenRawReply    string

	userInfoReply       map[string]interface{}
	userInfoContentType string
	disableUserInfo     bool

	tokenRequests int
	jwksRequests  int
}

// StartTestProvider starts a TestProvider for the given client id.  The
// server is stopped via t.Cleanup.
func StartTestProvider(t *testing.T, clientID string) *TestProvider {
	t.Helper()
	p := &TestProvider{
		t:                   t,
		privKey:             TestGenerateKey(t),
		keyID:               "test-key-1",
		clientID:            clientID,
		replySubject:        "alice@example.com",
		userInfoContentType: "application/json",
	}
	p.httpServer = httptest.NewServer(p)
	t.Cleanup(p.httpServer.Close)
	return p
}

// Addr returns the provider's base URL, which doubles as its issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// SigningKey returns the provider's token signing key.
func (p *TestProvider) SigningKey() *ecdsa.PrivateKey { return p.privKey }

// KeyID returns the key id the provider advertises for its signing key.
func (p *TestProvider) KeyID() string { return p.keyID }

// SignJWT signs claims with the provider's key and key id.
func (p *TestProvider) SignJWT(claims map[string]interface{}) string {
	p.t.Helper()
	return TestSignJWT(p.t, p.privKey, p.keyID, claims)
}

// SignIDToken builds and signs an id_token for the provider's subject,
// merging in any additional claims.
func (p *TestProvider) SignIDToken(additional map[string]interface{}) string {
	p.t.Helper()
	p.mu.Lock()
	claims := testStandardClaims(p.httpServer.URL, p.clientID, p.replySubject, p.customClaims)
	if p.expectedNonce != "" {
		claims["nonce"] = p.expectedNonce
	}
	if p.replySid != "" {
		claims["sid"] = p.replySid
	}
	p.mu.Unlock()
	for k, v := range additional {
		claims[k] = v
	}
	return p.SignJWT(claims)
}

// SetExpectedAuthCode sets the only authorization code the token endpoint
// will redeem.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedCode = code
}

// SetExpectedNonce sets the nonce claim echoed in issued id_tokens.
func (p *TestProvider) SetExpectedNonce(nonce string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedNonce = nonce
}

// SetReplySubject overrides the subject of issued id_tokens.
func (p *TestProvider) SetReplySubject(sub string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replySubject = sub
}

// SetReplySid adds a sid claim to issued id_tokens.
func (p *TestProvider) SetReplySid(sid string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replySid = sid
}

// SetCustomClaims merges additional claims into issued id_tokens.
func (p *TestProvider) SetCustomClaims(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.customClaims = claims
}

// SetOmitIDToken makes the token endpoint reply without an id_token.
func (p *TestProvider) SetOmitIDToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = omit
}

// SetOmitAccessToken makes the token endpoint reply without an access_token.
func (p *TestProvider) SetOmitAccessToken(omit bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitAccessToken = omit
}

// SetTokenError makes the token endpoint reply with an OAuth error document
// and the given status.
func (p *TestProvider) SetTokenError(status int, code, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenErrorStatus = status
	p.tokenErrorCode = code
	p.tokenErrorDesc = description
}

// SetTokenRawReply makes the token endpoint reply with the given raw body
// instead of a token document.
func (p *TestProvider) SetTokenRawReply(body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tokenRawReply = body
}

// SetUserInfoReply sets the claims document served by the userinfo endpoint.
func (p *TestProvider) SetUserInfoReply(claims map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfoReply = claims
}

// SetUserInfoContentType selects the userinfo response encoding, either
// "application/json" or "application/jwt".
func (p *TestProvider) SetUserInfoContentType(contentType string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfoContentType = contentType
}

// SetDisableUserInfo removes the userinfo endpoint from the discovery
// document.
func (p *TestProvider) SetDisableUserInfo(disable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableUserInfo = disable
}

// TokenRequests reports how many token endpoint requests the provider has
// served.
func (p *TestProvider) TokenRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tokenRequests
}

// JWKSRequests reports how many JWKS document requests the provider has
// served.
func (p *TestProvider) JWKSRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jwksRequests
}

// ServeHTTP satisfies http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.t.Helper()
	require := require.New(p.t)

	switch r.URL.Path {
	case "/.well-known/openid-configuration":
		require.Equal(http.MethodGet, r.Method)
		p.writeDiscovery(w)
	case "/.well-known/jwks.json":
		require.Equal(http.MethodGet, r.Method)
		p.writeJWKS(w)
	case "/token":
		require.Equal(http.MethodPost, r.Method)
		p.writeTokenResponse(w, r)
	case "/userinfo":
		p.writeUserInfo(w, r)
	case "/authorize", "/logout", "/session-iframe":
		// front-channel endpoints exist only so the discovery document can
		// reference them; tests never drive a browser here
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *TestProvider) writeDiscovery(w http.ResponseWriter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	base := p.httpServer.URL
	doc := map[string]interface{}{
		"issuer":                 base,
		"authorization_endpoint": base + "/authorize",
		"token_endpoint":         base + "/token",
		"jwks_uri":               base + "/.well-known/jwks.json",
		"end_session_endpoint":   base + "/logout",
		"check_session_iframe":   base + "/session-iframe",
	}
	if !p.disableUserInfo {
		doc["userinfo_endpoint"] = base + "/userinfo"
	}
	p.writeJSON(w, doc)
}

func (p *TestProvider) writeJWKS(w http.ResponseWriter) {
	p.mu.Lock()
	p.jwksRequests++
	p.mu.Unlock()
	p.writeJSON(w, jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       p.privKey.Public(),
			KeyID:     p.keyID,
			Algorithm: string(jose.ES256),
			Use:       "sig",
		}},
	})
}

func (p *TestProvider) writeTokenResponse(w http.ResponseWriter, r *http.Request) {
	p.t.Helper()
	require := require.New(p.t)
	require.NoError(r.ParseForm())

	p.mu.Lock()
	p.tokenRequests++
	rawReply := p.tokenRawReply
	errStatus, errCode, errDesc := p.tokenErrorStatus, p.tokenErrorCode, p.tokenErrorDesc
	expectedCode := p.expectedCode
	omitIDToken, omitAccessToken := p.omitIDToken, p.omitAccessToken
	p.mu.Unlock()

	if rawReply != "" {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(rawReply))
		return
	}
	if errCode != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(errStatus)
		p.writeJSONBody(w, map[string]interface{}{
			"error":             errCode,
			"error_description": errDesc,
		})
		return
	}

	require.Equal(GrantTypeAuthorizationCode, r.PostFormValue(ParamGrantType))
	if expectedCode != "" && r.PostFormValue(ParamCode) != expectedCode {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		p.writeJSONBody(w, map[string]interface{}{"error": "invalid_grant"})
		return
	}

	reply := map[string]interface{}{
		"token_type": "Bearer",
		"expires_in": 3600,
	}
	if !omitAccessToken {
		reply["access_token"] = "test-access-token"
	}
	if !omitIDToken {
		reply["id_token"] = p.SignIDToken(nil)
	}
	p.writeJSON(w, reply)
}

func (p *TestProvider) writeUserInfo(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	reply := p.userInfoReply
	contentType := p.userInfoContentType
	subject := p.replySubject
	p.mu.Unlock()

	if r.Header.Get("Authorization") == "" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if reply == nil {
		reply = map[string]interface{}{"sub": subject}
	}
	switch contentType {
	case "application/jwt":
		w.Header().Set("Content-Type", "application/jwt")
		_, _ = w.Write([]byte(p.SignJWT(reply)))
	default:
		p.writeJSON(w, reply)
	}
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	p.writeJSONBody(w, v)
}

func (p *TestProvider) writeJSONBody(w http.ResponseWriter, v interface{}) {
	p.t.Helper()
	enc := json.NewEncoder(w)
	require.NoError(p.t, enc.Encode(v))
}
