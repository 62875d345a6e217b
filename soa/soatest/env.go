package soatest

import (
	"context"
	"time"

	"soaflow/audit"
	"soaflow/soa"
)

const (
	OrgID      = "4f6b1c2e-0d7a-4a51-9a3e-5d2c7b9e1f00"
	AgentID    = "6a1e2b3c-4d5e-4f60-8a9b-0c1d2e3f4a5b"
	DelegateID = "7b2f3c4d-5e6f-4071-9bac-1d2e3f4a5b6c"
	AdminID    = "8c3a4d5e-6f70-4182-8cbd-2e3f4a5b6c7d"
	OutsiderID = "9d4b5e6f-7081-4293-9dce-3f4a5b6c7d8e"
	ClientID   = "1a2b3c4d-5e6f-4a7b-8c9d-0e1f2a3b4c5d"
)

// Env wires a soa.Service to in-memory collaborators with a fixed org,
// owning agent, delegate, admin and client.
type Env struct {
	Service    *soa.Service
	Pool       *Pool
	Repo       *Repository
	AuditRepo  *audit.MemoryRepository
	Audit      *audit.Log
	Dispatcher *Dispatcher
	Authorizer *Authorizer
	Clients    *Clients
	Finalizer  *Finalizer
	Scheduler  *Scheduler
	Clock      *Clock
}

func NewEnv() *Env {
	clock := NewClock(time.Date(2025, 2, 20, 15, 0, 0, 0, time.UTC))
	env := &Env{
		Pool:       &Pool{},
		Repo:       NewRepository(),
		AuditRepo:  audit.NewMemoryRepository(),
		Dispatcher: &Dispatcher{},
		Authorizer: NewAuthorizer(),
		Clients:    NewClients(),
		Finalizer:  &Finalizer{},
		Scheduler:  &Scheduler{},
		Clock:      clock,
	}
	env.Audit = audit.NewLog(env.AuditRepo).WithClock(clock.Now)

	env.Authorizer.Member(AgentID, OrgID)
	env.Authorizer.Member(DelegateID, OrgID)
	env.Authorizer.Delegate(AgentID, DelegateID)
	env.Authorizer.Admin(AdminID, OrgID)
	env.Clients.Add(ClientID, OrgID)

	env.Service = soa.NewService(env.Pool, env.Repo, env.Audit, soa.Options{
		PublicBaseURL: "https://sign.test",
		LinkTTL:       72 * time.Hour,
	}).
		WithClock(clock.Now).
		WithDispatcher(env.Dispatcher).
		WithAuthorizer(env.Authorizer).
		WithClients(env.Clients).
		WithFinalizer(env.Finalizer).
		WithArtifactLinker(Linker{Clock: clock}).
		WithRetryScheduler(env.Scheduler)
	return env
}

// SendParams is a complete create-and-send request for the fixed client.
func SendParams(method soa.DeliveryMethod) soa.CreateParams {
	address := "jane@example.com"
	if method == soa.DeliverySMS {
		address = "+15555550100"
	}
	return soa.CreateParams{
		ActorID:          AgentID,
		ClientID:         ClientID,
		ProductsSelected: []string{"part_c"},
		BeneficiaryName:  "Jane Doe",
		BeneficiaryPhone: "+15555550100",
		AgentName:        "Agent Smith",
		AgentPhone:       "+15555550199",
		AgentNPN:         "12345678",
		Language:         "en",
		DeliveryMethod:   method,
		DeliveryAddress:  address,
	}
}

// Actions returns the audit actions recorded for soaID in order.
func (e *Env) Actions(soaID string) []audit.Action {
	entries, _ := e.AuditRepo.List(context.Background(), soaID)
	out := make([]audit.Action, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.Action)
	}
	return out
}
