package domain

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	// ErrMissingScope is returned when an operation is attempted without a
	// tenant and server.
	ErrMissingScope = errors.New("missing scope context")
	// ErrIsolationViolation is returned when a record's scope does not match
	// the scope of the operation writing it.
	ErrIsolationViolation = errors.New("isolation violation")
	// ErrNotFound is returned by lookups that match nothing in the scope.
	ErrNotFound = errors.New("not found")
)

// Scope is the (tenant, server) pair that owns every piece of persisted state.
type Scope struct {
	TenantID string `json:"tenant_id"`
	ServerID string `json:"server_id"`
}

// NewScope trims both parts.
func NewScope(tenantID, serverID string) Scope {
	return Scope{TenantID: strings.TrimSpace(tenantID), ServerID: strings.TrimSpace(serverID)}
}

// Validate returns ErrMissingScope unless both parts are set.
func (s Scope) Validate() error {
	if s.TenantID == "" || s.ServerID == "" {
		return ErrMissingScope
	}
	return nil
}

// reservedIDChars separate scope parts in URLs and broker subjects.
const reservedIDChars = "/.*>"

// ValidID reports whether id can be used as a tenant or server id. It must
// be non-empty and free of whitespace and of '/', '.', '*' and '>'.
func ValidID(id string) bool {
	return id != "" && !strings.ContainsAny(id, reservedIDChars) && strings.IndexFunc(id, unicode.IsSpace) < 0
}

// CheckIDs returns an error naming the first part of s that is not a
// ValidID.
func (s Scope) CheckIDs() error {
	if !ValidID(s.TenantID) {
		return fmt.Errorf("tenant id %q must be non-empty without whitespace or any of %q", s.TenantID, reservedIDChars)
	}
	if !ValidID(s.ServerID) {
		return fmt.Errorf("server id %q must be non-empty without whitespace or any of %q", s.ServerID, reservedIDChars)
	}
	return nil
}

// IsZero reports whether neither part is set.
func (s Scope) IsZero() bool {
	return s.TenantID == "" && s.ServerID == ""
}

func (s Scope) String() string {
	return s.TenantID + "/" + s.ServerID
}
