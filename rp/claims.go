package rp

import (
	"sort"
	"strconv"
	"time"
)

// Claim is a single assertion about the authenticated subject.
type Claim struct {
	Type  string
	Value string
}

// Identity is the local representation of the authenticated user: an ordered
// list of claims plus the method that authenticated them.
type Identity struct {
	// AuthMethod names how the identity was established, e.g. "oidc".
	AuthMethod string

	Claims []Claim
}

// HasClaim reports whether the identity already carries a claim with the
// exact type and value.
func (i *Identity) HasClaim(claimType, value string) bool {
	for _, c := range i.Claims {
		if c.Type == claimType && c.Value == value {
			return true
		}
	}
	return false
}

// Value returns the first claim value of the given type, or "".
func (i *Identity) Value(claimType string) string {
	for _, c := range i.Claims {
		if c.Type == claimType {
			return c.Value
		}
	}
	return ""
}

// AddClaim appends a claim unless an identical type+value pair is already
// present, so repeated merges of the same upstream claims are idempotent.
func (i *Identity) AddClaim(claimType, value string) {
	if value == "" || i.HasClaim(claimType, value) {
		return
	}
	i.Claims = append(i.Claims, Claim{Type: claimType, Value: value})
}

// ClaimAction maps claims from an upstream claims source (an id_token payload
// or a userinfo response) onto an Identity. The merge policy (add, overwrite,
// or skip on conflict) is owned by the action, not the pipeline.
type ClaimAction func(claims map[string]interface{}, identity *Identity)

// MapAllClaims returns a ClaimAction that adds every scalar claim (and every
// scalar element of array claims) not already present with the same type and
// value.  Claim types are visited in sorted order so the resulting identity
// is deterministic.
func MapAllClaims() ClaimAction {
	return func(claims map[string]interface{}, identity *Identity) {
		types := make([]string, 0, len(claims))
		for claimType := range claims {
			types = append(types, claimType)
		}
		sort.Strings(types)
		for _, claimType := range types {
			for _, value := range claimValueStrings(claims[claimType]) {
				identity.AddClaim(claimType, value)
			}
		}
	}
}

// MapClaim returns a ClaimAction that maps a single upstream claim key onto a
// (possibly different) local claim type.
func MapClaim(claimKey, claimType string) ClaimAction {
	return func(claims map[string]interface{}, identity *Identity) {
		for _, value := range claimValueStrings(claims[claimKey]) {
			identity.AddClaim(claimType, value)
		}
	}
}

// DeleteClaim returns a ClaimAction that removes every claim of the given
// type from the identity.
func DeleteClaim(claimType string) ClaimAction {
	return func(_ map[string]interface{}, identity *Identity) {
		kept := identity.Claims[:0]
		for _, c := range identity.Claims {
			if c.Type != claimType {
				kept = append(kept, c)
			}
		}
		identity.Claims = kept
	}
}

// claimValueStrings flattens an upstream claim value into zero or more claim
// value strings. Nested objects are not mapped.
func claimValueStrings(v interface{}) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case bool:
		return []string{strconv.FormatBool(t)}
	case float64:
		return []string{strconv.FormatFloat(t, 'f', -1, 64)}
	case time.Time:
		return []string{strconv.FormatInt(t.Unix(), 10)}
	case []string:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if e != "" {
				out = append(out, e)
			}
		}
		return out
	case []interface{}:
		var out []string
		for _, e := range t {
			out = append(out, claimValueStrings(e)...)
		}
		return out
	default:
		return nil
	}
}

// identityFromToken builds an Identity from a validated token's claims.
func identityFromToken(t *ValidatedToken, authMethod string, actions []ClaimAction) *Identity {
	identity := &Identity{AuthMethod: authMethod}
	applyClaimActions(t.Claims, identity, actions)
	return identity
}

// applyClaimActions runs the configured actions, defaulting to MapAllClaims.
func applyClaimActions(claims map[string]interface{}, identity *Identity, actions []ClaimAction) {
	if len(actions) == 0 {
		MapAllClaims()(claims, identity)
		return
	}
	for _, action := range actions {
		action(claims, identity)
	}
}
