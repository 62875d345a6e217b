package auth

import "time"

type Role string

const (
	RoleAgent Role = "agent"
	RoleAdmin Role = "org_admin"
)

// User is an agent account. Clients never have accounts; they act through
// SOA tokens only.
type User struct {
	ID             string
	Email          string
	FullName       string
	PasswordHash   string
	Phone          *string
	NPN            *string
	OrganizationID string
	Role           Role
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type RegisterRequest struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	FullName       string `json:"fullName"`
	Phone          string `json:"phone"`
	NPN            string `json:"npn"`
	OrganizationID string `json:"organizationId"`
	Role           Role   `json:"role"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Session is what a verified bearer token says about its holder.
type Session struct {
	UserID         string
	OrganizationID string
	Role           Role
	ExpiresAt      time.Time
}
