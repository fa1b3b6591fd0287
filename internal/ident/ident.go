// Package ident mints and validates the broker's typed identifiers.
// Suffixes are CSPRNG-backed UUIDs: session and call IDs use the URL-safe
// base64 form of the raw bytes, reference IDs the canonical hex form.
package ident

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	SessionPrefix   = "s_"
	CallPrefix      = "c_"
	ReferencePrefix = "ref_"
)

var (
	sessionPattern   = regexp.MustCompile(`^s_[A-Za-z0-9_-]+$`)
	callPattern      = regexp.MustCompile(`^c_[A-Za-z0-9_-]+$`)
	referencePattern = regexp.MustCompile(`^ref_[0-9a-f-]+$`)
)

func compactSuffix() string {
	id := uuid.New()
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// NewSessionID returns a fresh s_-prefixed session identifier.
func NewSessionID() string {
	return SessionPrefix + compactSuffix()
}

// NewCallID returns a fresh c_-prefixed tool call identifier.
func NewCallID() string {
	return CallPrefix + compactSuffix()
}

// NewReferenceID returns a fresh ref_-prefixed reference identifier.
func NewReferenceID() string {
	return ReferencePrefix + uuid.NewString()
}

// IsSessionID is a pure prefix check.
func IsSessionID(id string) bool {
	return strings.HasPrefix(id, SessionPrefix)
}

// IsCallID is a pure prefix check.
func IsCallID(id string) bool {
	return strings.HasPrefix(id, CallPrefix)
}

// IsReferenceID is a pure prefix check.
func IsReferenceID(id string) bool {
	return strings.HasPrefix(id, ReferencePrefix)
}

// ValidSessionID reports whether id matches the session identifier format.
// Used for inbound, client-supplied values; minted IDs always pass.
func ValidSessionID(id string) bool {
	return sessionPattern.MatchString(id)
}

// ValidCallID reports whether id matches the call identifier format.
func ValidCallID(id string) bool {
	return callPattern.MatchString(id)
}

// ValidReferenceID reports whether id matches the reference identifier
// format.
func ValidReferenceID(id string) bool {
	return referencePattern.MatchString(id)
}
