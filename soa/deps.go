package soa

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"soaflow/audit"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AuditLog is satisfied by *audit.Log.
type AuditLog interface {
	Append(ctx context.Context, tx pgx.Tx, e audit.Entry) (audit.Entry, error)
	Timeline(ctx context.Context, soaID string) (audit.Timeline, error)
}

type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Delivery is one request to put a sign link in front of the client.
type Delivery struct {
	SOAID           string
	Method          DeliveryMethod
	Address         string
	URL             string
	Language        string
	BeneficiaryName string
	AgentName       string
	ExpiresAt       time.Time
	Resend          bool
}

// Dispatcher delivers sign links by email or SMS.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Delivery) error
}

// Authorizer answers whether actorID may act on records owned by ownerID in
// organizationID: the owner, an active delegate, or an organisation admin.
type Authorizer interface {
	CanActFor(ctx context.Context, actorID, ownerID, organizationID string) (bool, error)
}

// ClientDirectory resolves a CRM client to its organisation.
type ClientDirectory interface {
	ClientOrganization(ctx context.Context, clientID string) (organizationID string, found bool, err error)
}

// DocumentFinalizer renders and stores the executed PDF for r. It must be
// safe to call more than once for the same record.
type DocumentFinalizer interface {
	Finalize(ctx context.Context, r Record) (Artifact, error)
}

// ArtifactLinker issues time-limited download URLs for stored artifacts.
type ArtifactLinker interface {
	SignedURL(key string, ttl time.Duration) (string, time.Time, error)
}

// RetryScheduler arranges for Service.Finalize to be retried out of band.
type RetryScheduler interface {
	ScheduleFinalize(ctx context.Context, soaID string) error
}

// Metrics receives counters for lifecycle events.
type Metrics interface {
	Transition(action audit.Action)
	DeliveryFailed(method DeliveryMethod)
	FinalizationFailed()
}

type nopMetrics struct{}

func (nopMetrics) Transition(audit.Action)       {}
func (nopMetrics) DeliveryFailed(DeliveryMethod) {}
func (nopMetrics) FinalizationFailed()           {}
