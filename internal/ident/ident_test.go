package ident

import (
	"strings"
	"testing"
)

func TestMintedIDsValidate(t *testing.T) {
	tests := []struct {
		name  string
		mint  func() string
		check func(string) bool
		valid func(string) bool
		pre   string
	}{
		{"session", NewSessionID, IsSessionID, ValidSessionID, "s_"},
		{"call", NewCallID, IsCallID, ValidCallID, "c_"},
		{"reference", NewReferenceID, IsReferenceID, ValidReferenceID, "ref_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.mint()
			if !strings.HasPrefix(id, tt.pre) {
				t.Errorf("id %q missing prefix %q", id, tt.pre)
			}
			if !tt.check(id) {
				t.Errorf("prefix check failed for %q", id)
			}
			if !tt.valid(id) {
				t.Errorf("format check failed for %q", id)
			}
		})
	}
}

func TestUniqueness(t *testing.T) {
	seen := make(map[string]bool, 3000)
	for i := 0; i < 1000; i++ {
		for _, id := range []string{NewSessionID(), NewCallID(), NewReferenceID()} {
			if seen[id] {
				t.Fatalf("duplicate id minted: %q", id)
			}
			seen[id] = true
		}
	}
}

func TestPrefixChecksArePure(t *testing.T) {
	// A prefix check accepts malformed suffixes; full validation does not.
	if !IsSessionID("s_!!!") {
		t.Error("IsSessionID should only inspect the prefix")
	}
	if ValidSessionID("s_!!!") {
		t.Error("ValidSessionID accepted an invalid suffix")
	}
	if IsSessionID("c_abc") {
		t.Error("IsSessionID accepted a call id")
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		id    string
		valid func(string) bool
		want  bool
	}{
		{"s_abc-123_XYZ", ValidSessionID, true},
		{"s_", ValidSessionID, false},
		{"s_a b", ValidSessionID, false},
		{"", ValidSessionID, false},
		{"c_0-_", ValidCallID, true},
		{"c_", ValidCallID, false},
		{"ref_0123abcd-ef", ValidReferenceID, true},
		{"ref_XYZ", ValidReferenceID, false},
		{"ref_", ValidReferenceID, false},
	}
	for _, tt := range tests {
		if got := tt.valid(tt.id); got != tt.want {
			t.Errorf("validate(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
