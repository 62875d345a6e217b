package org

import "time"

type Role string

const (
	RoleAgent Role = "agent"
	RoleAdmin Role = "org_admin"
)

// Member is a user's place in the organisation hierarchy.
type Member struct {
	UserID         string
	OrganizationID string
	Role           Role
}

// Delegation lets DelegateUserID act on AgentID's records until it expires or is revoked.
type Delegation struct {
	ID             string
	AgentID        string
	DelegateUserID string
	GrantedAt      time.Time
	ExpiresAt      *time.Time
	RevokedAt      *time.Time
}

// Active reports whether d is in force at t.
func (d Delegation) Active(t time.Time) bool {
	if d.RevokedAt != nil && !t.Before(*d.RevokedAt) {
		return false
	}
	if d.ExpiresAt != nil && !t.Before(*d.ExpiresAt) {
		return false
	}
	return true
}
