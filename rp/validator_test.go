package rp

import (
	"context"
	"crypto"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeySet(t *testing.T, pub crypto.PublicKey, keyID string) jwk.Set {
	t.Helper()
	require := require.New(t)
	key, err := jwk.FromRaw(pub)
	require.NoError(err)
	require.NoError(key.Set(jwk.KeyIDKey, keyID))
	set := jwk.NewSet()
	require.NoError(set.AddKey(key))
	return set
}

func TestJWXValidator_CanRead(t *testing.T) {
	assert := assert.New(t)
	v := &JWXValidator{}
	priv := TestGenerateKey(t)

	token := TestSignJWT(t, priv, "kid-1", testStandardClaims("https://idp.example.com", "client", "alice", nil))
	assert.True(v.CanRead(token))
	assert.False(v.CanRead("not-a-jwt"))
	assert.False(v.CanRead(""))
}

func TestJWXValidator_Validate(t *testing.T) {
	const (
		issuer   = "https://idp.example.com"
		clientID = "test-client"
		keyID    = "kid-1"
	)
	priv := TestGenerateKey(t)
	keys := testKeySet(t, priv.Public(), keyID)

	baseParams := func() ValidationParameters {
		return ValidationParameters{
			ValidIssuers:     []string{issuer},
			SigningKeys:      keys,
			ClientID:         clientID,
			RequireSignature: true,
		}
	}

	tests := []struct {
		name    string
		token   func(t *testing.T) string
		params  func() ValidationParameters
		wantErr error
	}{
		{
			name: "valid",
			token: func(t *testing.T) string {
				return TestSignJWT(t, priv, keyID, testStandardClaims(issuer, clientID, "alice", nil))
			},
			params: baseParams,
		},
		{
			name: "garbage",
			token: func(t *testing.T) string {
				return "garbage"
			},
			params:  baseParams,
			wantErr: ErrUnreadableToken,
		},
		{
			name: "empty-key-set",
			token: func(t *testing.T) string {
				return TestSignJWT(t, priv, keyID, testStandardClaims(issuer, clientID, "alice", nil))
			},
			params: func() ValidationParameters {
				p := baseParams()
				p.SigningKeys = jwk.NewSet()
				return p
			},
			wantErr: ErrSignatureKeyNotFound,
		},
		{
			name: "unknown-key-id",
			token: func(t *testing.T) string {
				return TestSignJWT(t, priv, "rolled-over-kid", testStandardClaims(issuer, clientID, "alice", nil))
			},
			params:  baseParams,
			wantErr: ErrSignatureKeyNotFound,
		},
		{
			name: "forged-signature",
			token: func(t *testing.T) string {
				other := TestGenerateKey(t)
				return TestSignJWT(t, other, keyID, testStandardClaims(issuer, clientID, "alice", nil))
			},
			params:  baseParams,
			wantErr: ErrTokenValidation,
		},
		{
			name: "wrong-issuer",
			token: func(t *testing.T) string {
				return TestSignJWT(t, priv, keyID, testStandardClaims("https://evil.example.com", clientID, "alice", nil))
			},
			params:  baseParams,
			wantErr: ErrTokenValidation,
		},
		{
			name: "wrong-audience",
			token: func(t *testing.T) string {
				return TestSignJWT(t, priv, keyID, testStandardClaims(issuer, "someone-else", "alice", nil))
			},
			params:  baseParams,
			wantErr: ErrTokenValidation,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				claims := testStandardClaims(issuer, clientID, "alice", nil)
				claims["exp"] = time.Now().Add(-time.Hour).Unix()
				return TestSignJWT(t, priv, keyID, claims)
			},
			params:  baseParams,
			wantErr: ErrTokenValidation,
		},
		{
			name: "slightly-expired-within-skew",
			token: func(t *testing.T) string {
				claims := testStandardClaims(issuer, clientID, "alice", nil)
				claims["exp"] = time.Now().Add(-10 * time.Second).Unix()
				return TestSignJWT(t, priv, keyID, claims)
			},
			params: func() ValidationParameters {
				p := baseParams()
				p.ClockSkew = time.Minute
				return p
			},
		},
		{
			name: "forged-signature-accepted-when-signature-not-required",
			token: func(t *testing.T) string {
				other := TestGenerateKey(t)
				return TestSignJWT(t, other, keyID, testStandardClaims(issuer, clientID, "alice", nil))
			},
			params: func() ValidationParameters {
				p := baseParams()
				p.RequireSignature = false
				return p
			},
		},
		{
			name: "empty-token",
			token: func(t *testing.T) string {
				return ""
			},
			params:  baseParams,
			wantErr: ErrInvalidParameter,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert, require := assert.New(t), require.New(t)
			v := &JWXValidator{}
			vt, err := v.Validate(context.Background(), tt.token(t), tt.params())
			if tt.wantErr != nil {
				require.Error(err)
				assert.ErrorIs(err, tt.wantErr)
				return
			}
			require.NoError(err)
			assert.Equal("alice", vt.Subject)
		})
	}
}

func TestJWXValidator_ValidatedTokenFields(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	priv := TestGenerateKey(t)
	keys := testKeySet(t, priv.Public(), "kid-1")

	now := time.Now().Truncate(time.Second)
	claims := map[string]interface{}{
		"iss":   "https://idp.example.com",
		"sub":   "alice",
		"aud":   []string{"test-client", "other-api"},
		"iat":   now.Unix(),
		"nbf":   now.Add(-10 * time.Second).Unix(),
		"exp":   now.Add(time.Minute).Unix(),
		"nonce": "nonce-value",
		"sid":   "session-1",
		"email": "alice@example.com",
	}
	token := TestSignJWT(t, priv, "kid-1", claims)

	v := &JWXValidator{}
	vt, err := v.Validate(context.Background(), token, ValidationParameters{
		ValidIssuers:     []string{"https://idp.example.com"},
		SigningKeys:      keys,
		ClientID:         "test-client",
		RequireSignature: true,
	})
	require.NoError(err)

	assert.Equal(token, vt.Raw)
	assert.Equal("alice", vt.Subject)
	assert.Equal("https://idp.example.com", vt.Issuer)
	assert.Equal("nonce-value", vt.Nonce)
	assert.Equal("session-1", vt.SessionID)
	assert.ElementsMatch([]string{"test-client", "other-api"}, vt.Audiences)
	assert.True(vt.ValidFrom.Equal(now.Add(-10*time.Second)), "ValidFrom comes from nbf when present")
	assert.True(vt.ValidTo.Equal(now.Add(time.Minute)))
	assert.Contains(vt.Claims, "email")
}

func TestJWXValidator_ValidFromFallsBackToIssuedAt(t *testing.T) {
	assert, require := assert.New(t), require.New(t)
	priv := TestGenerateKey(t)
	keys := testKeySet(t, priv.Public(), "kid-1")

	now := time.Now().Truncate(time.Second)
	claims := map[string]interface{}{
		"iss": "https://idp.example.com",
		"sub": "alice",
		"aud": []string{"test-client"},
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
	}
	token := TestSignJWT(t, priv, "kid-1", claims)

	v := &JWXValidator{}
	vt, err := v.Validate(context.Background(), token, ValidationParameters{
		SigningKeys:      keys,
		ClientID:         "test-client",
		RequireSignature: true,
	})
	require.NoError(err)
	assert.True(vt.ValidFrom.Equal(now), "ValidFrom falls back to iat without nbf")
}
