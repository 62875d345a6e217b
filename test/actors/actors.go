package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go/jetstream"

	"soaflow/outbox"
	"soaflow/soa"
)

// Target is a sent SOA and the token its client signs with.
type Target struct {
	ID    string
	Token string
}

// Targets is the shared set of records the actors race over.
type Targets struct {
	mu    sync.Mutex
	items []Target
}

func (t *Targets) Add(tg Target) {
	t.mu.Lock()
	t.items = append(t.items, tg)
	t.mu.Unlock()
}

func (t *Targets) Pick() (Target, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.items) == 0 {
		return Target{}, false
	}
	return t.items[rand.Intn(len(t.items))], true
}

func (t *Targets) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.items)
}

// Stats counts successful operations per actor kind.
type Stats struct {
	Created       atomic.Int64
	Opened        atomic.Int64
	Signed        atomic.Int64
	Countersigned atomic.Int64
	Voided        atomic.Int64
	Expired       atomic.Int64
	Edited        atomic.Int64
	Relayed       atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("created=%d opened=%d signed=%d countersigned=%d voided=%d expired=%d edited=%d relayed=%d",
		s.Created.Load(), s.Opened.Load(), s.Signed.Load(), s.Countersigned.Load(),
		s.Voided.Load(), s.Expired.Load(), s.Edited.Load(), s.Relayed.Load())
}

func pause(min, spread int) {
	time.Sleep(time.Duration(min+rand.Intn(spread)) * time.Millisecond)
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

// Creator sends new SOAs to random clients and registers their links.
func Creator(ctx context.Context, svc *soa.Service, repo soa.Repository, agentID string, clientIDs []string, targets *Targets, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		res, err := svc.CreateAndSend(ctx, soa.CreateParams{
			ActorID:          agentID,
			ClientID:         clientIDs[rand.Intn(len(clientIDs))],
			ProductsSelected: []string{"part_c", "part_d"},
			BeneficiaryName:  "Stress Client",
			AgentName:        "Stress Agent",
			AgentNPN:         "87654321",
			Language:         "en",
			DeliveryMethod:   soa.DeliveryEmail,
			DeliveryAddress:  "client@example.com",
		})
		if err == nil || errors.Is(err, soa.ErrDeliveryFailed) {
			if rec, gerr := repo.Get(ctx, res.Record.ID); gerr == nil {
				targets.Add(Target{ID: rec.ID, Token: rec.SecureToken})
				stats.Created.Add(1)
			}
		}
		pause(20, 40)
	}
	return nil
}

// Signer opens and signs random links. Several signers race on the same token.
func Signer(ctx context.Context, svc *soa.Service, targets *Targets, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		tg, ok := targets.Pick()
		if !ok {
			pause(10, 10)
			continue
		}
		if rand.Intn(2) == 0 {
			if _, err := svc.ReadByToken(ctx, tg.Token); err == nil {
				stats.Opened.Add(1)
			}
		}
		view, err := svc.ClientSign(ctx, tg.Token, soa.ClientSignParams{
			TypedSignature:    fmt.Sprintf("Signer %d", rand.Intn(1000)),
			ProductsConfirmed: []string{"part_c"},
			IPAddress:         "198.51.100.1",
			UserAgent:         "stress",
		})
		if err == nil {
			if view.Status != soa.StatusClientSigned {
				return fmt.Errorf("client sign %s: status %s after success", tg.ID, view.Status)
			}
			stats.Signed.Add(1)
		}
		pause(5, 20)
	}
	return nil
}

// Countersigner countersigns random records as the owning agent.
func Countersigner(ctx context.Context, svc *soa.Service, agentID string, targets *Targets, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		tg, ok := targets.Pick()
		if !ok {
			pause(10, 10)
			continue
		}
		rec, err := svc.Countersign(ctx, soa.CountersignParams{
			ActorID:        agentID,
			SOAID:          tg.ID,
			TypedSignature: "Stress Agent",
		})
		var fe *soa.FinalizationError
		switch {
		case err == nil:
			completed := rec.Status == soa.StatusCompleted && rec.ArtifactDigest != nil
			// another worker may hold the finalization claim
			if !completed && !rec.PendingFinalization() {
				return fmt.Errorf("countersign %s: status %s without artifact", tg.ID, rec.Status)
			}
			stats.Countersigned.Add(1)
		case errors.As(err, &fe):
			stats.Countersigned.Add(1)
		}
		pause(10, 30)
	}
	return nil
}

// Voider voids random records as an organisation admin.
func Voider(ctx context.Context, svc *soa.Service, adminID string, targets *Targets, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		tg, ok := targets.Pick()
		if !ok {
			pause(10, 10)
			continue
		}
		if rand.Intn(4) == 0 {
			if _, err := svc.Void(ctx, adminID, tg.ID, "stress"); err == nil {
				stats.Voided.Add(1)
			}
		}
		pause(30, 60)
	}
	return nil
}

// Editor moves appointment dates, which is allowed in every live status.
func Editor(ctx context.Context, svc *soa.Service, agentID string, targets *Targets, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		tg, ok := targets.Pick()
		if !ok {
			pause(10, 10)
			continue
		}
		date := time.Now().UTC().AddDate(0, 0, 1+rand.Intn(30))
		if _, err := svc.Edit(ctx, soa.EditParams{
			ActorID: agentID,
			SOAID:   tg.ID,
			Changes: soa.EditChanges{AppointmentDate: &date},
		}); err == nil {
			stats.Edited.Add(1)
		}
		pause(20, 40)
	}
	return nil
}

// Expirer runs the expiry sweep continuously.
func Expirer(ctx context.Context, svc *soa.Service, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		n, _ := svc.ExpireDue(ctx, 50)
		stats.Expired.Add(int64(n))
		pause(200, 200)
	}
	return nil
}

type discardPublisher struct {
	stats *Stats
}

func (p discardPublisher) Publish(_ context.Context, subject string, _ []byte, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if rand.Intn(10) == 0 {
		return nil, errors.New("simulated publish failure")
	}
	p.stats.Relayed.Add(1)
	return &jetstream.PubAck{Stream: outbox.StreamName}, nil
}

// OutboxRelay drains the outbox through a publisher that fails at random.
func OutboxRelay(ctx context.Context, pool *pgxpool.Pool, stats *Stats, stop <-chan struct{}) error {
	relay := outbox.NewRelay(pool, outbox.NewStore(), discardPublisher{stats: stats}).WithBatchSize(50)
	for !stopped(ctx, stop) {
		_, _ = relay.RelayOnce(ctx)
		pause(50, 50)
	}
	return nil
}
