package rp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIdentity(t *testing.T) {
	assert := assert.New(t)
	id := &Identity{AuthMethod: AuthMethodOIDC}

	id.AddClaim("sub", "alice")
	id.AddClaim("email", "alice@example.com")
	id.AddClaim("sub", "alice") // duplicate, ignored
	id.AddClaim("empty", "")    // empty value, ignored

	assert.Len(id.Claims, 2)
	assert.True(id.HasClaim("sub", "alice"))
	assert.False(id.HasClaim("sub", "bob"))
	assert.Equal("alice", id.Value("sub"))
	assert.Equal("", id.Value("missing"))

	// multi-valued claims keep every distinct value, Value returns the first
	id.AddClaim("group", "admins")
	id.AddClaim("group", "users")
	assert.Equal("admins", id.Value("group"))
	assert.True(id.HasClaim("group", "users"))
}

func TestMapAllClaims(t *testing.T) {
	assert := assert.New(t)
	claims := map[string]interface{}{
		"sub":      "alice",
		"verified": true,
		"age":      float64(30),
		"groups":   []interface{}{"admins", "users"},
		"nested":   map[string]interface{}{"ignored": true},
		"nothing":  nil,
	}

	id := &Identity{}
	MapAllClaims()(claims, id)

	assert.True(id.HasClaim("sub", "alice"))
	assert.True(id.HasClaim("verified", "true"))
	assert.True(id.HasClaim("age", "30"))
	assert.True(id.HasClaim("groups", "admins"))
	assert.True(id.HasClaim("groups", "users"))
	assert.Equal("", id.Value("nested"), "nested objects are not mapped")
	assert.Equal("", id.Value("nothing"))

	// deterministic order across runs: claim types arrive sorted
	assert.Equal("age", id.Claims[0].Type)

	// re-applying the same claims is idempotent
	before := len(id.Claims)
	MapAllClaims()(claims, id)
	assert.Len(id.Claims, before)
}

func TestMapClaim(t *testing.T) {
	assert := assert.New(t)
	claims := map[string]interface{}{"preferred_username": "alice"}

	id := &Identity{}
	MapClaim("preferred_username", "name")(claims, id)
	MapClaim("missing", "other")(claims, id)

	assert.True(id.HasClaim("name", "alice"))
	assert.Len(id.Claims, 1)
}

func TestDeleteClaim(t *testing.T) {
	assert := assert.New(t)
	id := &Identity{Claims: []Claim{
		{Type: "sub", Value: "alice"},
		{Type: "email", Value: "alice@example.com"},
		{Type: "email", Value: "alias@example.com"},
	}}

	DeleteClaim("email")(nil, id)
	assert.Len(id.Claims, 1)
	assert.Equal("sub", id.Claims[0].Type)
}

func TestClaimValueStrings(t *testing.T) {
	when := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   interface{}
		want []string
	}{
		{"string", "v", []string{"v"}},
		{"empty-string", "", nil},
		{"bool", false, []string{"false"}},
		{"number", float64(2.5), []string{"2.5"}},
		{"time", when, []string{"1785542400"}},
		{"string-slice", []string{"a", "", "b"}, []string{"a", "b"}},
		{"mixed-slice", []interface{}{"a", float64(1), true}, []string{"a", "1", "true"}},
		{"nil", nil, nil},
		{"object", map[string]interface{}{"k": "v"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, claimValueStrings(tt.in))
		})
	}
}

func TestApplyClaimActions_DefaultsToMapAll(t *testing.T) {
	assert := assert.New(t)
	claims := map[string]interface{}{"sub": "alice"}

	id := &Identity{}
	applyClaimActions(claims, id, nil)
	assert.True(id.HasClaim("sub", "alice"))

	only := &Identity{}
	applyClaimActions(claims, only, []ClaimAction{MapClaim("sub", "user")})
	assert.False(only.HasClaim("sub", "alice"), "configured actions replace the default")
	assert.True(only.HasClaim("user", "alice"))
}
