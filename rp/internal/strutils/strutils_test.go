package strutils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrListContains(t *testing.T) {
	tests := []struct {
		name     string
		haystack []string
		needle   string
		want     bool
	}{
		{"found", []string{"a", "b", "c"}, "b", true},
		{"not-found", []string{"a", "b", "c"}, "z", false},
		{"empty-haystack", nil, "a", false},
		{"empty-needle", []string{"a", ""}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StrListContains(tt.haystack, tt.needle))
		})
	}
}

func TestRemoveDuplicatesStable(t *testing.T) {
	tests := []struct {
		name            string
		items           []string
		caseInsensitive bool
		want            []string
	}{
		{"dupes-removed", []string{"a", "b", "a", "c", "b"}, false, []string{"a", "b", "c"}},
		{"order-preserved", []string{"c", "a", "b"}, false, []string{"c", "a", "b"}},
		{"empties-dropped", []string{"a", "", "  ", "b"}, false, []string{"a", "b"}},
		{"case-insensitive", []string{"OpenID", "openid", "email"}, true, []string{"OpenID", "email"}},
		{"case-sensitive", []string{"OpenID", "openid"}, false, []string{"OpenID", "openid"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RemoveDuplicatesStable(tt.items, tt.caseInsensitive))
		})
	}
}
