// Package audit is the append-only event log behind every SOA lifecycle
// change. Entries are chained with BLAKE3 so any rewrite of history is
// detectable by Verify.
package audit

import "time"

// Action names one lifecycle event.
type Action string

const (
	ActionCreated            Action = "created"
	ActionSent               Action = "sent"
	ActionDeliveryFailed     Action = "delivery_failed"
	ActionOpened             Action = "opened"
	ActionClientSigned       Action = "client_signed"
	ActionAgentCountersigned Action = "agent_countersigned"
	ActionPDFGenerated       Action = "pdf_generated"
	ActionEdited             Action = "edited"
	ActionVoided             Action = "voided"
	ActionExpired            Action = "expired"
	ActionResent             Action = "resent"
)

// ActorKind tells who caused the event.
type ActorKind string

const (
	ActorAgent  ActorKind = "agent"
	ActorClient ActorKind = "client"
	ActorSystem ActorKind = "system"
)

// Entry mirrors one soa_audit_entries row.
type Entry struct {
	ID        string
	SOAID     string
	Seq       int
	Action    Action
	ActorID   *string
	ActorKind ActorKind
	Metadata  map[string]any
	PrevHash  string
	Hash      string
	CreatedAt time.Time
}

// Timeline is the ordered history of one SOA plus the result of chain verification.
type Timeline struct {
	Entries    []Entry
	ChainValid bool
	BrokenAt   int
}
