// Package soa implements the Scope-of-Appointment signing workflow: the record
// lifecycle, token capabilities, the client/agent countersign handshake and
// the edit, resend and void rules around them.
package soa

import "time"

type Status string

const (
	StatusDraft        Status = "draft"
	StatusSent         Status = "sent"
	StatusOpened       Status = "opened"
	StatusClientSigned Status = "client_signed"
	StatusCompleted    Status = "completed"
	StatusVoided       Status = "voided"
	StatusExpired      Status = "expired"
)

// Terminal reports whether no lifecycle event can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusVoided || s == StatusExpired
}

// Live reports whether a client may still act on a record in s.
func (s Status) Live() bool {
	return s == StatusSent || s == StatusOpened || s == StatusClientSigned
}

type DeliveryMethod string

const (
	DeliveryEmail DeliveryMethod = "email"
	DeliverySMS   DeliveryMethod = "sms"
	DeliveryLink  DeliveryMethod = "link"
)

func (m DeliveryMethod) Valid() bool {
	switch m {
	case DeliveryEmail, DeliverySMS, DeliveryLink:
		return true
	}
	return false
}

type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

type SignerRole string

const (
	SignerBeneficiary    SignerRole = "beneficiary"
	SignerRepresentative SignerRole = "authorized_representative"
)

// Record mirrors one soa_records row.
type Record struct {
	ID             string
	ClientID       string
	OrganizationID string
	AgentID        string

	SecureToken    string
	TokenRevokedAt *time.Time

	Status           Status
	ProductsSelected []string

	BeneficiaryName    string
	BeneficiaryPhone   string
	BeneficiaryAddress string
	AgentName          string
	AgentPhone         string
	AgentNPN           string
	Language           string

	InitialContactMethod string
	AppointmentDate      *time.Time

	DeliveryMethod  DeliveryMethod
	DeliveryAddress string
	DeliveryStatus  DeliveryStatus

	ClientTypedSignature *string
	ClientSignedAt       *time.Time
	ClientSignerRole     *SignerRole
	RepresentativeName   *string
	AgentTypedSignature  *string
	AgentSignedAt        *time.Time

	ArtifactKey    *string
	ArtifactDigest *string
	CompletedAt    *time.Time

	// FinalizeClaimedUntil is the lease of the worker currently rendering the PDF.
	FinalizeClaimedUntil *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time
}

// Countersigned reports whether the agent signature is on file.
func (r Record) Countersigned() bool {
	return r.AgentSignedAt != nil
}

// PendingFinalization is true for countersigned records still waiting on their PDF.
func (r Record) PendingFinalization() bool {
	return r.Status == StatusClientSigned && r.Countersigned()
}

// finalizeClaimed reports whether another finalization holds the record at now.
func (r Record) finalizeClaimed(now time.Time) bool {
	return r.FinalizeClaimedUntil != nil && now.Before(*r.FinalizeClaimedUntil)
}

func (r Record) expirable(now time.Time) bool {
	return (r.Status == StatusSent || r.Status == StatusOpened) && !now.Before(r.ExpiresAt)
}

// Artifact references the stored, finalized PDF.
type Artifact struct {
	Key    string
	Digest string
}

func (r Record) Artifact() (Artifact, bool) {
	if r.ArtifactKey == nil {
		return Artifact{}, false
	}
	a := Artifact{Key: *r.ArtifactKey}
	if r.ArtifactDigest != nil {
		a.Digest = *r.ArtifactDigest
	}
	return a, true
}

// PublicView is what a token holder may see. It carries no internal ids.
type PublicView struct {
	Status               Status
	ProductsSelected     []string
	BeneficiaryName      string
	BeneficiaryPhone     string
	BeneficiaryAddress   string
	AgentName            string
	AgentPhone           string
	AgentNPN             string
	Language             string
	InitialContactMethod string
	AppointmentDate      *time.Time
	ClientSignedAt       *time.Time
	ClientSignerRole     *SignerRole
	ExpiresAt            time.Time
}

func (r Record) Public() PublicView {
	return PublicView{
		Status:               r.Status,
		ProductsSelected:     append([]string(nil), r.ProductsSelected...),
		BeneficiaryName:      r.BeneficiaryName,
		BeneficiaryPhone:     r.BeneficiaryPhone,
		BeneficiaryAddress:   r.BeneficiaryAddress,
		AgentName:            r.AgentName,
		AgentPhone:           r.AgentPhone,
		AgentNPN:             r.AgentNPN,
		Language:             r.Language,
		InitialContactMethod: r.InitialContactMethod,
		AppointmentDate:      r.AppointmentDate,
		ClientSignedAt:       r.ClientSignedAt,
		ClientSignerRole:     r.ClientSignerRole,
		ExpiresAt:            r.ExpiresAt,
	}
}
