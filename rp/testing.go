package rp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	jose "gopkg.in/square/go-jose.v2"
)

// TestGenerateKey generates a test ECDSA P-256 private key.
func TestGenerateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	require := require.New(t)
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	return privateKey
}

// TestSignJWT bundles the provided claims into a test JWT signed with
// ES256, carrying the given key id in its protected header.
func TestSignJWT(t *testing.T, key *ecdsa.PrivateKey, keyID string, claims map[string]interface{}) string {
	t.Helper()
	require := require.New(t)

	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.ES256,
			Key:       jose.JSONWebKey{Key: key, KeyID: keyID, Algorithm: string(jose.ES256)},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)

	payload, err := json.Marshal(claims)
	require.NoError(err)

	obj, err := signer.Sign(payload)
	require.NoError(err)

	raw, err := obj.CompactSerialize()
	require.NoError(err)
	return raw
}

// testStandardClaims returns a claims map that passes validation against the
// given issuer and client id, merged with any additional claims.
func testStandardClaims(issuer, clientID, subject string, additional map[string]interface{}) map[string]interface{} {
	now := time.Now()
	claims := map[string]interface{}{
		"iss": issuer,
		"sub": subject,
		"aud": []string{clientID},
		"iat": now.Unix(),
		"nbf": now.Add(-5 * time.Second).Unix(),
		"exp": now.Add(1 * time.Minute).Unix(),
	}
	for k, v := range additional {
		claims[k] = v
	}
	return claims
}
