package soatest

import (
	"context"
	"sync"
	"time"

	"soaflow/soa"
)

// Dispatcher records deliveries and fails with Err when set.
type Dispatcher struct {
	mu         sync.Mutex
	Err        error
	Deliveries []soa.Delivery
}

func (d *Dispatcher) Dispatch(_ context.Context, delivery soa.Delivery) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Deliveries = append(d.Deliveries, delivery)
	return d.Err
}

func (d *Dispatcher) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Deliveries)
}

func (d *Dispatcher) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Err = err
}

// Authorizer lets owners act on their own records plus whatever grants are added.
type Authorizer struct {
	mu        sync.Mutex
	delegates map[[2]string]bool
	admins    map[string]string
	members   map[string]string
}

func NewAuthorizer() *Authorizer {
	return &Authorizer{
		delegates: map[[2]string]bool{},
		admins:    map[string]string{},
		members:   map[string]string{},
	}
}

// Member places userID in orgID as a plain agent.
func (a *Authorizer) Member(userID, orgID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.members[userID] = orgID
}

func (a *Authorizer) Delegate(ownerID, delegateID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.delegates[[2]string{ownerID, delegateID}] = true
}

func (a *Authorizer) Admin(userID, orgID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.admins[userID] = orgID
	a.members[userID] = orgID
}

func (a *Authorizer) CanActFor(_ context.Context, actorID, ownerID, organizationID string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.members[actorID] != organizationID {
		return false, nil
	}
	if actorID == ownerID {
		return true, nil
	}
	if a.delegates[[2]string{ownerID, actorID}] {
		return true, nil
	}
	return a.admins[actorID] == organizationID, nil
}

// Clients maps client ids to organisations.
type Clients struct {
	mu   sync.Mutex
	orgs map[string]string
}

func NewClients() *Clients {
	return &Clients{orgs: map[string]string{}}
}

func (c *Clients) Add(clientID, orgID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.orgs[clientID] = orgID
}

func (c *Clients) ClientOrganization(_ context.Context, clientID string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	org, ok := c.orgs[clientID]
	return org, ok, nil
}

// Finalizer returns a deterministic artifact per record.
type Finalizer struct {
	mu    sync.Mutex
	Err   error
	Calls []string
}

func (f *Finalizer) Finalize(_ context.Context, r soa.Record) (soa.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, r.ID)
	if f.Err != nil {
		return soa.Artifact{}, f.Err
	}
	return soa.Artifact{Key: "soa/" + r.ID + ".pdf", Digest: "digest-" + r.ID}, nil
}

func (f *Finalizer) SetErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Err = err
}

func (f *Finalizer) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Calls)
}

// Scheduler records finalize retries.
type Scheduler struct {
	mu        sync.Mutex
	Err       error
	Scheduled []string
}

func (s *Scheduler) ScheduleFinalize(_ context.Context, soaID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Err != nil {
		return s.Err
	}
	s.Scheduled = append(s.Scheduled, soaID)
	return nil
}

// Linker builds fake download URLs against Clock.
type Linker struct {
	Clock *Clock
}

func (l Linker) SignedURL(key string, ttl time.Duration) (string, time.Time, error) {
	return "https://files.test/" + key + "?sig=test", l.Clock.Now().Add(ttl), nil
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
