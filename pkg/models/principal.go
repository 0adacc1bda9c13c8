// Package models contains domain types shared across querypilot.
package models

// Principal is the authenticated identity making a request.
type Principal string

// Capability is a single permission a principal may hold.
type Capability string

const (
	CapabilityQueryExecute Capability = "query_execute"
	CapabilityQueryHistory Capability = "query_history"
	CapabilityQueryShare   Capability = "query_share"
	CapabilityUserAdmin    Capability = "user_admin"
	CapabilityAuditView    Capability = "audit_view"
	// CapabilityAdmin implies every other capability.
	CapabilityAdmin Capability = "admin"
)

// Role is a named bundle of capabilities.
type Role string

const (
	RoleViewer  Role = "viewer"
	RoleAnalyst Role = "analyst"
	RoleAdmin   Role = "admin"
)

// RoleCapabilities maps each role to the capabilities it grants.
var RoleCapabilities = map[Role][]Capability{
	RoleViewer: {CapabilityQueryHistory},
	RoleAnalyst: {
		CapabilityQueryExecute,
		CapabilityQueryHistory,
		CapabilityQueryShare,
	},
	RoleAdmin: {
		CapabilityQueryExecute,
		CapabilityQueryHistory,
		CapabilityQueryShare,
		CapabilityUserAdmin,
		CapabilityAuditView,
		CapabilityAdmin,
	},
}

// Identity is a resolved principal with its role assignments.
type Identity struct {
	Principal   Principal `json:"principal"`
	Email       string    `json:"email,omitempty"`
	FullName    string    `json:"full_name,omitempty"`
	DirectoryID string    `json:"directory_id,omitempty"`
	Roles       []Role    `json:"roles"`
	Active      bool      `json:"active"`
}

// Capabilities expands the identity's roles into a capability set.
func (id *Identity) Capabilities() map[Capability]bool {
	caps := make(map[Capability]bool)
	for _, role := range id.Roles {
		for _, c := range RoleCapabilities[role] {
			caps[c] = true
		}
	}
	return caps
}

// Has reports whether the identity holds the given capability.
// The admin capability grants everything.
func (id *Identity) Has(c Capability) bool {
	caps := id.Capabilities()
	return caps[c] || caps[CapabilityAdmin]
}
