package soa

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"soaflow/audit"
)

const (
	DefaultLinkTTL          = 7 * 24 * time.Hour
	DefaultSignedURLTTL     = 15 * time.Minute
	DefaultFinalizeClaimTTL = 5 * time.Minute
)

type Options struct {
	// PublicBaseURL prefixes client sign links.
	PublicBaseURL string
	LinkTTL       time.Duration
	SignedURLTTL  time.Duration
	// FinalizeClaimTTL bounds how long one worker may hold a record while
	// rendering before another may take over.
	FinalizeClaimTTL time.Duration
}

type Service struct {
	pool  TxBeginner
	repo  Repository
	audit AuditLog
	opts  Options

	dispatcher Dispatcher
	authorizer Authorizer
	clients    ClientDirectory
	finalizer  DocumentFinalizer
	linker     ArtifactLinker
	scheduler  RetryScheduler
	outbox     OutboxWriter
	metrics    Metrics
	logger     *slog.Logger

	now            func() time.Time
	idGenerator    func() string
	tokenGenerator func() (string, error)
}

func NewService(pool TxBeginner, repo Repository, log AuditLog, opts Options) *Service {
	if opts.LinkTTL <= 0 {
		opts.LinkTTL = DefaultLinkTTL
	}
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = DefaultSignedURLTTL
	}
	if opts.FinalizeClaimTTL <= 0 {
		opts.FinalizeClaimTTL = DefaultFinalizeClaimTTL
	}
	return &Service{
		pool:           pool,
		repo:           repo,
		audit:          log,
		opts:           opts,
		metrics:        nopMetrics{},
		logger:         slog.Default(),
		now:            time.Now,
		idGenerator:    func() string { return uuid.NewString() },
		tokenGenerator: NewToken,
	}
}

func (s *Service) WithDispatcher(d Dispatcher) *Service {
	s.dispatcher = d
	return s
}

func (s *Service) WithAuthorizer(a Authorizer) *Service {
	s.authorizer = a
	return s
}

func (s *Service) WithClients(c ClientDirectory) *Service {
	s.clients = c
	return s
}

func (s *Service) WithFinalizer(f DocumentFinalizer) *Service {
	s.finalizer = f
	return s
}

func (s *Service) WithArtifactLinker(l ArtifactLinker) *Service {
	s.linker = l
	return s
}

func (s *Service) WithRetryScheduler(r RetryScheduler) *Service {
	s.scheduler = r
	return s
}

func (s *Service) WithOutbox(o OutboxWriter) *Service {
	s.outbox = o
	return s
}

func (s *Service) WithMetrics(m Metrics) *Service {
	if m != nil {
		s.metrics = m
	}
	return s
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	if l != nil {
		s.logger = l
	}
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithTokenGenerator(gen func() (string, error)) *Service {
	s.tokenGenerator = gen
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

type actor struct {
	kind audit.ActorKind
	id   string
}

func agentActor(id string) actor { return actor{kind: audit.ActorAgent, id: id} }

var (
	clientActor = actor{kind: audit.ActorClient}
	systemActor = actor{kind: audit.ActorSystem}
)

// txn collects what one transition wrote so metrics and logs fire after commit.
type txn struct {
	tx     pgx.Tx
	now    time.Time
	events []recorded
	dirty  bool
}

// recorded is one audit action and the status the record had when it was written.
type recorded struct {
	action audit.Action
	status Status
}

type loader func(ctx context.Context, tx pgx.Tx) (Record, error)

func (s *Service) byID(id string) loader {
	return func(ctx context.Context, tx pgx.Tx) (Record, error) {
		return s.repo.GetForUpdate(ctx, tx, id)
	}
}

func (s *Service) byToken(token string) loader {
	return func(ctx context.Context, tx pgx.Tx) (Record, error) {
		return s.repo.GetByTokenForUpdate(ctx, tx, token)
	}
}

// transact locks one record, applies a transition to it and commits the
// record, its audit entries and outbox rows together. A live record found
// past its expiry is expired and committed first, and ev is then rejected.
// When apply neither appends audit entries nor marks the txn dirty, nothing
// is written.
func (s *Service) transact(ctx context.Context, ev Event, who actor, load loader, apply func(ctx context.Context, t *txn, rec *Record) error) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("soa: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := load(ctx, tx)
	if err != nil {
		return Record{}, err
	}
	if who.kind == audit.ActorAgent {
		if err := s.authorize(ctx, who.id, rec); err != nil {
			return Record{}, err
		}
	}

	t := &txn{tx: tx, now: s.clock()}
	from := rec.Status

	if ev != EventExpire && rec.expirable(t.now) {
		if err := s.applyExpire(ctx, t, &rec); err != nil {
			return Record{}, err
		}
		if err := s.commit(ctx, t, &rec, from); err != nil {
			return Record{}, err
		}
		return Record{}, &TransitionError{From: StatusExpired, Event: ev}
	}

	if err := apply(ctx, t, &rec); err != nil {
		return Record{}, err
	}
	if len(t.events) == 0 && !t.dirty {
		return rec, nil
	}
	if err := s.commit(ctx, t, &rec, from); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (s *Service) commit(ctx context.Context, t *txn, rec *Record, from Status) error {
	rec.UpdatedAt = t.now
	if err := s.repo.Update(ctx, t.tx, *rec, from); err != nil {
		return err
	}
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("soa: commit tx: %w", err)
	}
	for _, ev := range t.events {
		s.metrics.Transition(ev.action)
		s.logger.Info("soa event recorded", "soa_id", rec.ID, "action", ev.action, "status", ev.status)
	}
	return nil
}

// record appends one audit entry and its outbox event inside t.
func (s *Service) record(ctx context.Context, t *txn, rec Record, action audit.Action, who actor, meta map[string]any) error {
	entry := audit.Entry{
		SOAID:     rec.ID,
		Action:    action,
		ActorKind: who.kind,
		Metadata:  meta,
	}
	if who.id != "" {
		id := who.id
		entry.ActorID = &id
	}
	if _, err := s.audit.Append(ctx, t.tx, entry); err != nil {
		return fmt.Errorf("soa: append audit: %w", err)
	}

	if s.outbox != nil {
		payload := map[string]any{
			"soa_id":          rec.ID,
			"client_id":       rec.ClientID,
			"organization_id": rec.OrganizationID,
			"agent_id":        rec.AgentID,
			"action":          string(action),
			"status":          string(rec.Status),
		}
		if err := s.outbox.Enqueue(ctx, t.tx, "soa.events."+string(action), payload); err != nil {
			return fmt.Errorf("soa: enqueue outbox: %w", err)
		}
	}

	t.events = append(t.events, recorded{action: action, status: rec.Status})
	return nil
}

func (s *Service) authorize(ctx context.Context, actorID string, rec Record) error {
	if actorID == "" {
		return ErrUnauthorized
	}
	if s.authorizer == nil {
		if actorID == rec.AgentID {
			return nil
		}
		return ErrUnauthorized
	}
	ok, err := s.authorizer.CanActFor(ctx, actorID, rec.AgentID, rec.OrganizationID)
	if err != nil {
		return fmt.Errorf("soa: authorize: %w", err)
	}
	if !ok {
		return ErrUnauthorized
	}
	return nil
}

func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

type CreateParams struct {
	ActorID  string
	ClientID string

	ProductsSelected   []string
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
}

// Create stores a new draft SOA for an existing client and mints its token.
func (s *Service) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.ActorID == "" {
		return Record{}, ErrUnauthorized
	}
	if !validID(params.ClientID) {
		return Record{}, invalid("clientId", "must be a client id")
	}
	products, err := normalizeProducts("productsSelected", params.ProductsSelected, false)
	if err != nil {
		return Record{}, err
	}
	if params.DeliveryMethod != "" && !params.DeliveryMethod.Valid() {
		return Record{}, invalid("deliveryMethod", "must be email, sms or link")
	}
	if s.clients == nil {
		return Record{}, fmt.Errorf("soa: no client directory configured")
	}

	orgID, found, err := s.clients.ClientOrganization(ctx, params.ClientID)
	if err != nil {
		return Record{}, fmt.Errorf("soa: lookup client: %w", err)
	}
	if !found {
		return Record{}, fmt.Errorf("soa: client %s: %w", params.ClientID, ErrNotFound)
	}
	if s.authorizer != nil {
		ok, err := s.authorizer.CanActFor(ctx, params.ActorID, params.ActorID, orgID)
		if err != nil {
			return Record{}, fmt.Errorf("soa: authorize: %w", err)
		}
		if !ok {
			return Record{}, ErrUnauthorized
		}
	}

	token, err := s.tokenGenerator()
	if err != nil {
		return Record{}, err
	}

	now := s.clock()
	language := strings.TrimSpace(params.Language)
	if language == "" {
		language = "en"
	}
	rec := Record{
		ID:                   s.idGenerator(),
		ClientID:             params.ClientID,
		OrganizationID:       orgID,
		AgentID:              params.ActorID,
		SecureToken:          token,
		Status:               StatusDraft,
		ProductsSelected:     products,
		BeneficiaryName:      strings.TrimSpace(params.BeneficiaryName),
		BeneficiaryPhone:     strings.TrimSpace(params.BeneficiaryPhone),
		BeneficiaryAddress:   strings.TrimSpace(params.BeneficiaryAddress),
		AgentName:            strings.TrimSpace(params.AgentName),
		AgentPhone:           strings.TrimSpace(params.AgentPhone),
		AgentNPN:             strings.TrimSpace(params.AgentNPN),
		Language:             language,
		InitialContactMethod: strings.TrimSpace(params.InitialContactMethod),
		AppointmentDate:      dateOnly(params.AppointmentDate),
		DeliveryMethod:       params.DeliveryMethod,
		DeliveryAddress:      strings.TrimSpace(params.DeliveryAddress),
		DeliveryStatus:       DeliveryStatusPending,
		CreatedAt:            now,
		UpdatedAt:            now,
		ExpiresAt:            now.Add(s.opts.LinkTTL),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("soa: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.Insert(ctx, tx, rec); err != nil {
		return Record{}, err
	}
	t := &txn{tx: tx, now: now}
	meta := map[string]any{
		"client_id":         rec.ClientID,
		"products_selected": rec.ProductsSelected,
	}
	if err := s.record(ctx, t, rec, audit.ActionCreated, agentActor(params.ActorID), meta); err != nil {
		return Record{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("soa: commit tx: %w", err)
	}

	s.metrics.Transition(audit.ActionCreated)
	s.logger.Info("soa created", "soa_id", rec.ID, "client_id", rec.ClientID, "agent_id", rec.AgentID)
	return rec, nil
}

// SendResult describes a committed send or resend.
type SendResult struct {
	Record Record
	// SignURL is set for sms and link delivery.
	SignURL string
	// Warning and LiveSOAIDs flag other live SOAs for the same client.
	Warning    string
	LiveSOAIDs []string
}

// CreateAndSend validates the send guards up front so a bad request leaves no
// orphaned draft behind, then creates and sends.
func (s *Service) CreateAndSend(ctx context.Context, params CreateParams) (SendResult, error) {
	products, err := normalizeProducts("productsSelected", params.ProductsSelected, true)
	if err != nil {
		return SendResult{}, err
	}
	candidate := Record{
		ProductsSelected: products,
		BeneficiaryName:  strings.TrimSpace(params.BeneficiaryName),
		AgentName:        strings.TrimSpace(params.AgentName),
		AgentNPN:         strings.TrimSpace(params.AgentNPN),
		DeliveryMethod:   params.DeliveryMethod,
		DeliveryAddress:  strings.TrimSpace(params.DeliveryAddress),
	}
	if err := validateForSend(candidate); err != nil {
		return SendResult{}, err
	}

	rec, err := s.Create(ctx, params)
	if err != nil {
		return SendResult{}, err
	}
	return s.Send(ctx, params.ActorID, rec.ID)
}

// Send moves a draft to sent and dispatches the sign link. The send commits
// before dispatch; a dispatch failure is recorded and returned as a
// *DeliveryError alongside the result.
func (s *Service) Send(ctx context.Context, actorID, id string) (SendResult, error) {
	if !validID(id) {
		return SendResult{}, ErrNotFound
	}

	rec, err := s.transact(ctx, EventSend, agentActor(actorID), s.byID(id), func(ctx context.Context, t *txn, rec *Record) error {
		to, err := Next(*rec, EventSend)
		if err != nil {
			return err
		}
		if err := validateForSend(*rec); err != nil {
			return err
		}
		rec.Status = to
		rec.ExpiresAt = t.now.Add(s.opts.LinkTTL)
		rec.DeliveryStatus = DeliveryStatusPending
		if rec.DeliveryMethod == DeliveryLink {
			rec.DeliveryStatus = DeliveryStatusDelivered
		}
		return s.record(ctx, t, *rec, audit.ActionSent, agentActor(actorID), map[string]any{
			"delivery_method":   string(rec.DeliveryMethod),
			"delivery_address":  rec.DeliveryAddress,
			"products_selected": rec.ProductsSelected,
			"expires_at":        rec.ExpiresAt.Format(time.RFC3339),
		})
	})
	if err != nil {
		return SendResult{}, err
	}

	result := s.sendResult(rec)
	result.LiveSOAIDs, result.Warning = s.liveAdvisory(ctx, rec)
	if err := s.deliver(ctx, &result.Record, false); err != nil {
		return result, err
	}
	return result, nil
}

// Resend replays delivery of the existing link. Status and token are untouched.
func (s *Service) Resend(ctx context.Context, actorID, id string) (SendResult, error) {
	if !validID(id) {
		return SendResult{}, ErrNotFound
	}

	rec, err := s.transact(ctx, EventResend, agentActor(actorID), s.byID(id), func(ctx context.Context, t *txn, rec *Record) error {
		to, err := Next(*rec, EventResend)
		if err != nil {
			return err
		}
		rec.Status = to
		return s.record(ctx, t, *rec, audit.ActionResent, agentActor(actorID), map[string]any{
			"delivery_method":  string(rec.DeliveryMethod),
			"delivery_address": rec.DeliveryAddress,
		})
	})
	if err != nil {
		return SendResult{}, err
	}

	result := s.sendResult(rec)
	if err := s.deliver(ctx, &result.Record, true); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Service) sendResult(rec Record) SendResult {
	result := SendResult{Record: rec}
	if rec.DeliveryMethod != DeliveryEmail {
		result.SignURL = SignURL(s.opts.PublicBaseURL, rec.SecureToken)
	}
	return result
}

func (s *Service) liveAdvisory(ctx context.Context, rec Record) ([]string, string) {
	ids, err := s.repo.LiveForClient(ctx, rec.ClientID, rec.ID)
	if err != nil {
		s.logger.Warn("live soa check failed", "soa_id", rec.ID, "error", err)
		return nil, ""
	}
	if len(ids) == 0 {
		return nil, ""
	}
	return ids, fmt.Sprintf("client has %d other live SOA(s); void the older link so only one can be signed", len(ids))
}

// deliver dispatches the sign link outside any transaction and then records
// the outcome on the record.
func (s *Service) deliver(ctx context.Context, rec *Record, resend bool) error {
	if rec.DeliveryMethod == DeliveryLink {
		return nil
	}

	d := Delivery{
		SOAID:           rec.ID,
		Method:          rec.DeliveryMethod,
		Address:         rec.DeliveryAddress,
		URL:             SignURL(s.opts.PublicBaseURL, rec.SecureToken),
		Language:        rec.Language,
		BeneficiaryName: rec.BeneficiaryName,
		AgentName:       rec.AgentName,
		ExpiresAt:       rec.ExpiresAt,
		Resend:          resend,
	}
	var dispatchErr error
	if s.dispatcher == nil {
		dispatchErr = errors.New("no dispatcher configured")
	} else {
		dispatchErr = s.dispatcher.Dispatch(ctx, d)
	}

	updated, err := s.recordDelivery(ctx, rec.ID, rec.DeliveryMethod, resend, dispatchErr)
	if err != nil {
		s.logger.Error("record delivery outcome", "soa_id", rec.ID, "error", err)
	} else {
		*rec = updated
	}

	if dispatchErr != nil {
		s.metrics.DeliveryFailed(rec.DeliveryMethod)
		s.logger.Warn("soa delivery failed", "soa_id", rec.ID, "method", rec.DeliveryMethod, "status", rec.Status, "error", dispatchErr)
		if !TokenSignable(rec.Status) {
			// signed, voided or expired meanwhile; there is nothing left to resend
			return nil
		}
		return &DeliveryError{SOAID: rec.ID, Err: dispatchErr}
	}
	return nil
}

// recordDelivery stamps delivery_status and, on failure, appends
// delivery_failed. It does not change status. A record that left sent or
// opened while the dispatch ran is returned untouched.
func (s *Service) recordDelivery(ctx context.Context, id string, method DeliveryMethod, resend bool, dispatchErr error) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("soa: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Record{}, err
	}
	if !TokenSignable(rec.Status) {
		return rec, nil
	}
	t := &txn{tx: tx, now: s.clock(), dirty: true}

	rec.DeliveryStatus = DeliveryStatusDelivered
	if dispatchErr != nil {
		rec.DeliveryStatus = DeliveryStatusFailed
		meta := map[string]any{
			"delivery_method": string(method),
			"error":           dispatchErr.Error(),
			"resend":          resend,
		}
		if err := s.record(ctx, t, rec, audit.ActionDeliveryFailed, systemActor, meta); err != nil {
			return Record{}, err
		}
	}
	if err := s.commit(ctx, t, &rec, rec.Status); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Void retires a record before completion and revokes its token.
func (s *Service) Void(ctx context.Context, actorID, id, reason string) (Record, error) {
	if !validID(id) {
		return Record{}, ErrNotFound
	}

	return s.transact(ctx, EventVoid, agentActor(actorID), s.byID(id), func(ctx context.Context, t *txn, rec *Record) error {
		to, err := Next(*rec, EventVoid)
		if err != nil {
			return err
		}
		previous := rec.Status
		rec.Status = to
		rec.TokenRevokedAt = &t.now
		return s.record(ctx, t, *rec, audit.ActionVoided, agentActor(actorID), map[string]any{
			"previous_status": string(previous),
			"reason":          strings.TrimSpace(reason),
		})
	})
}

func (s *Service) applyExpire(ctx context.Context, t *txn, rec *Record) error {
	to, err := Next(*rec, EventExpire)
	if err != nil {
		return err
	}
	previous := rec.Status
	rec.Status = to
	rec.TokenRevokedAt = &t.now
	return s.record(ctx, t, *rec, audit.ActionExpired, systemActor, map[string]any{
		"previous_status": string(previous),
		"expires_at":      rec.ExpiresAt.Format(time.RFC3339),
	})
}

var errNotDue = errors.New("soa: not due")

// ExpireDue expires up to limit live records whose link lifetime has passed.
// Records that moved on concurrently are skipped.
func (s *Service) ExpireDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.repo.DueForExpiry(ctx, s.clock(), limit)
	if err != nil {
		return 0, err
	}

	var (
		expired int
		errs    []error
	)
	for _, id := range ids {
		_, err := s.transact(ctx, EventExpire, systemActor, s.byID(id), func(ctx context.Context, t *txn, rec *Record) error {
			if !rec.expirable(t.now) {
				return errNotDue
			}
			return s.applyExpire(ctx, t, rec)
		})
		switch {
		case err == nil:
			expired++
		case errors.Is(err, errNotDue), errors.Is(err, ErrInvalidTransition),
			errors.Is(err, ErrConcurrentUpdate), errors.Is(err, ErrNotFound):
		default:
			errs = append(errs, fmt.Errorf("soa: expire %s: %w", id, err))
		}
	}
	return expired, errors.Join(errs...)
}

// Get returns the agent view of one record.
func (s *Service) Get(ctx context.Context, actorID, id string) (Record, error) {
	if !validID(id) {
		return Record{}, ErrNotFound
	}
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if err := s.authorize(ctx, actorID, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// List returns the records for clientID that actorID may see, newest first.
func (s *Service) List(ctx context.Context, actorID, clientID string) ([]Record, error) {
	if actorID == "" {
		return nil, ErrUnauthorized
	}
	if !validID(clientID) {
		return nil, invalid("clientId", "must be a client id")
	}
	all, err := s.repo.ListByClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	visible := make([]Record, 0, len(all))
	for _, rec := range all {
		err := s.authorize(ctx, actorID, rec)
		if errors.Is(err, ErrUnauthorized) {
			continue
		}
		if err != nil {
			return nil, err
		}
		visible = append(visible, rec)
	}
	return visible, nil
}

// Audit returns the ordered, verified timeline for one record.
func (s *Service) Audit(ctx context.Context, actorID, id string) (audit.Timeline, error) {
	if _, err := s.Get(ctx, actorID, id); err != nil {
		return audit.Timeline{}, err
	}
	return s.audit.Timeline(ctx, id)
}

func validateForSend(rec Record) error {
	if _, err := normalizeProducts("productsSelected", rec.ProductsSelected, true); err != nil {
		return err
	}
	if rec.AgentName == "" {
		return invalid("agentName", "required")
	}
	if rec.AgentNPN == "" {
		return invalid("agentNpn", "required")
	}
	if rec.BeneficiaryName == "" {
		return invalid("beneficiaryName", "required")
	}
	if !rec.DeliveryMethod.Valid() {
		return invalid("deliveryMethod", "must be email, sms or link")
	}
	return validateDeliveryAddress(rec)
}

// validateDeliveryAddress checks the address fits the record's delivery method.
func validateDeliveryAddress(rec Record) error {
	switch rec.DeliveryMethod {
	case DeliveryEmail:
		if !strings.Contains(rec.DeliveryAddress, "@") {
			return invalid("deliveryAddress", "email address required")
		}
	case DeliverySMS:
		if rec.DeliveryAddress == "" {
			return invalid("deliveryAddress", "phone number required")
		}
	}
	return nil
}

func dateOnly(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &day
}
