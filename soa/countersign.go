package soa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"soaflow/audit"
)

// ReadByToken returns the client view for a token. The first read of a sent
// record moves it to opened; later reads write nothing.
func (s *Service) ReadByToken(ctx context.Context, token string) (PublicView, error) {
	if !wellFormedToken(token) {
		return PublicView{}, ErrNotFound
	}

	rec, err := s.transact(ctx, EventOpen, clientActor, s.byToken(token), func(ctx context.Context, t *txn, rec *Record) error {
		if rec.TokenRevokedAt != nil || !TokenReadable(rec.Status) {
			return &TransitionError{From: rec.Status, Event: EventOpen}
		}
		if rec.Status != StatusSent {
			return nil
		}
		to, err := Next(*rec, EventOpen)
		if err != nil {
			return err
		}
		rec.Status = to
		return s.record(ctx, t, *rec, audit.ActionOpened, clientActor, map[string]any{})
	})
	if err != nil {
		return PublicView{}, err
	}
	return rec.Public(), nil
}

type ClientSignParams struct {
	TypedSignature    string
	ProductsConfirmed []string

	// Optional corrections the client may make to their own details.
	BeneficiaryName    string
	BeneficiaryPhone   string
	BeneficiaryAddress string

	SignerRole         SignerRole
	RepresentativeName string

	IPAddress string
	UserAgent string
}

// ClientSign applies the client's typed signature through the token. Signing
// a record that was never opened records the open first.
func (s *Service) ClientSign(ctx context.Context, token string, params ClientSignParams) (PublicView, error) {
	if !wellFormedToken(token) {
		return PublicView{}, ErrNotFound
	}

	rec, err := s.transact(ctx, EventClientSign, clientActor, s.byToken(token), func(ctx context.Context, t *txn, rec *Record) error {
		if rec.TokenRevokedAt != nil || !TokenSignable(rec.Status) {
			return &TransitionError{From: rec.Status, Event: EventClientSign}
		}

		signature := strings.TrimSpace(params.TypedSignature)
		if signature == "" {
			return invalid("typedSignature", "required")
		}
		products, err := normalizeProducts("productsConfirmed", params.ProductsConfirmed, true)
		if err != nil {
			return err
		}
		role := params.SignerRole
		if role == "" {
			role = SignerBeneficiary
		}
		representative := strings.TrimSpace(params.RepresentativeName)
		switch role {
		case SignerBeneficiary:
			representative = ""
		case SignerRepresentative:
			if representative == "" {
				return invalid("representativeName", "required when signing as authorized representative")
			}
		default:
			return invalid("signerRole", "must be beneficiary or authorized_representative")
		}

		if rec.Status == StatusSent {
			to, err := Next(*rec, EventOpen)
			if err != nil {
				return err
			}
			rec.Status = to
			if err := s.record(ctx, t, *rec, audit.ActionOpened, clientActor, map[string]any{"implicit": true}); err != nil {
				return err
			}
		}

		to, err := Next(*rec, EventClientSign)
		if err != nil {
			return err
		}
		rec.Status = to
		rec.ProductsSelected = products
		if v := strings.TrimSpace(params.BeneficiaryName); v != "" {
			rec.BeneficiaryName = v
		}
		if v := strings.TrimSpace(params.BeneficiaryPhone); v != "" {
			rec.BeneficiaryPhone = v
		}
		if v := strings.TrimSpace(params.BeneficiaryAddress); v != "" {
			rec.BeneficiaryAddress = v
		}
		signedAt := t.now
		rec.ClientTypedSignature = &signature
		rec.ClientSignedAt = &signedAt
		rec.ClientSignerRole = &role
		if representative != "" {
			rec.RepresentativeName = &representative
		}

		meta := map[string]any{
			"typed_signature":   signature,
			"products_selected": products,
			"signer_role":       string(role),
			"ip_address":        params.IPAddress,
			"user_agent":        params.UserAgent,
		}
		if representative != "" {
			meta["representative_name"] = representative
		}
		return s.record(ctx, t, *rec, audit.ActionClientSigned, clientActor, meta)
	})
	if err != nil {
		return PublicView{}, err
	}
	return rec.Public(), nil
}

type CountersignParams struct {
	ActorID        string
	SOAID          string
	TypedSignature string
	// Optional; only fill fields that were left empty at send time.
	InitialContactMethod string
	AppointmentDate      *time.Time
}

// Countersign records the agent signature and then finalizes. When the
// finalizer fails the countersignature stands, a retry is scheduled, and a
// *FinalizationError is returned with the countersigned record.
func (s *Service) Countersign(ctx context.Context, params CountersignParams) (Record, error) {
	if !validID(params.SOAID) {
		return Record{}, ErrNotFound
	}
	who := agentActor(params.ActorID)

	rec, err := s.transact(ctx, EventCountersign, who, s.byID(params.SOAID), func(ctx context.Context, t *txn, rec *Record) error {
		to, err := Next(*rec, EventCountersign)
		if err != nil {
			return err
		}
		signature := strings.TrimSpace(params.TypedSignature)
		if signature == "" {
			return invalid("typedSignature", "required")
		}

		var filled []string
		if method := strings.TrimSpace(params.InitialContactMethod); method != "" {
			switch rec.InitialContactMethod {
			case "":
				rec.InitialContactMethod = method
				filled = append(filled, "initial_contact_method")
			case method:
			default:
				return invalid("initialContactMethod", "already recorded; use edit to change it")
			}
		}
		if date := dateOnly(params.AppointmentDate); date != nil {
			switch {
			case rec.AppointmentDate == nil:
				rec.AppointmentDate = date
				filled = append(filled, "appointment_date")
			case rec.AppointmentDate.Equal(*date):
			default:
				return invalid("appointmentDate", "already recorded; use edit to change it")
			}
		}

		signedAt := t.now
		rec.Status = to
		rec.AgentTypedSignature = &signature
		rec.AgentSignedAt = &signedAt

		meta := map[string]any{
			"typed_signature":        signature,
			"initial_contact_method": rec.InitialContactMethod,
			"appointment_date":       formatDate(rec.AppointmentDate),
		}
		if len(filled) > 0 {
			meta["filled"] = filled
		}
		return s.record(ctx, t, *rec, audit.ActionAgentCountersigned, who, meta)
	})
	if err != nil {
		return Record{}, err
	}

	done, err := s.Finalize(ctx, rec.ID)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return rec, err
		}
		if errors.Is(err, ErrFinalizationInProgress) {
			// a sweep or retry worker got the claim first and will complete it
			return rec, nil
		}
		var fe *FinalizationError
		if !errors.As(err, &fe) {
			fe = &FinalizationError{SOAID: rec.ID, Err: err}
		}
		fe.RetryScheduled = s.scheduleFinalize(ctx, rec.ID)
		return rec, fe
	}
	return done, nil
}

// Finalize produces the PDF for a countersigned record and completes it. It
// is idempotent: a completed record is returned as is without re-rendering.
// A claim taken before rendering keeps concurrent callers from rendering the
// same record; they get ErrFinalizationInProgress.
func (s *Service) Finalize(ctx context.Context, id string) (Record, error) {
	if !validID(id) {
		return Record{}, ErrNotFound
	}
	rec, err := s.claimFinalization(ctx, id)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusCompleted {
		return rec, nil
	}
	claim := *rec.FinalizeClaimedUntil

	var artifact Artifact
	if s.finalizer == nil {
		err = errors.New("no finalizer configured")
	} else {
		artifact, err = s.finalizer.Finalize(ctx, rec)
	}
	if err != nil {
		s.metrics.FinalizationFailed()
		s.logger.Warn("soa finalization failed", "soa_id", id, "error", err)
		s.releaseFinalization(ctx, id, claim)
		return Record{}, &FinalizationError{SOAID: id, Err: err}
	}

	return s.transact(ctx, EventFinalize, systemActor, s.byID(id), func(ctx context.Context, t *txn, rec *Record) error {
		if rec.Status == StatusCompleted {
			return nil
		}
		if rec.FinalizeClaimedUntil == nil || !rec.FinalizeClaimedUntil.Equal(claim) {
			// our claim lapsed and another worker took over
			return ErrFinalizationInProgress
		}
		to, err := Next(*rec, EventFinalize)
		if err != nil {
			return err
		}
		key, digest := artifact.Key, artifact.Digest
		completedAt := t.now
		rec.Status = to
		rec.ArtifactKey = &key
		rec.ArtifactDigest = &digest
		rec.CompletedAt = &completedAt
		rec.TokenRevokedAt = &completedAt
		rec.FinalizeClaimedUntil = nil
		return s.record(ctx, t, *rec, audit.ActionPDFGenerated, systemActor, map[string]any{
			"artifact_key":    key,
			"artifact_digest": digest,
		})
	})
}

// claimFinalization stamps a finalization lease on a countersigned record.
// A completed record comes back unchanged and unclaimed.
func (s *Service) claimFinalization(ctx context.Context, id string) (Record, error) {
	return s.transact(ctx, EventFinalize, systemActor, s.byID(id), func(ctx context.Context, t *txn, rec *Record) error {
		if rec.Status == StatusCompleted {
			return nil
		}
		if _, err := Next(*rec, EventFinalize); err != nil {
			return err
		}
		if rec.finalizeClaimed(t.now) {
			return ErrFinalizationInProgress
		}
		until := t.now.Add(s.opts.FinalizeClaimTTL)
		rec.FinalizeClaimedUntil = &until
		t.dirty = true
		return nil
	})
}

// releaseFinalization drops claim after a failed render so a retry need not
// wait for the lease to lapse.
func (s *Service) releaseFinalization(ctx context.Context, id string, claim time.Time) {
	_, err := s.transact(context.WithoutCancel(ctx), EventFinalize, systemActor, s.byID(id), func(ctx context.Context, t *txn, rec *Record) error {
		if rec.FinalizeClaimedUntil == nil || !rec.FinalizeClaimedUntil.Equal(claim) {
			return nil
		}
		rec.FinalizeClaimedUntil = nil
		t.dirty = true
		return nil
	})
	if err != nil {
		s.logger.Warn("release finalization claim", "soa_id", id, "error", err)
	}
}

func (s *Service) scheduleFinalize(ctx context.Context, id string) bool {
	if s.scheduler == nil {
		return false
	}
	if err := s.scheduler.ScheduleFinalize(ctx, id); err != nil {
		s.logger.Error("schedule finalize retry", "soa_id", id, "error", err)
		return false
	}
	return true
}

// PendingFinalization lists countersigned records still waiting for their PDF
// that no worker is currently rendering.
func (s *Service) PendingFinalization(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.PendingFinalization(ctx, s.clock(), limit)
}

// RetryPendingFinalization hands every pending record to the retry
// scheduler, or finalizes inline when none is configured.
func (s *Service) RetryPendingFinalization(ctx context.Context, limit int) (int, error) {
	ids, err := s.PendingFinalization(ctx, limit)
	if err != nil {
		return 0, err
	}
	var handled int
	for _, id := range ids {
		if s.scheduler != nil {
			if s.scheduleFinalize(ctx, id) {
				handled++
			}
			continue
		}
		if _, err := s.Finalize(ctx, id); err != nil {
			if !errors.Is(err, ErrFinalizationInProgress) {
				s.logger.Warn("inline finalize retry failed", "soa_id", id, "error", err)
			}
			continue
		}
		handled++
	}
	return handled, nil
}

// SignedURL returns a time-limited download link for a completed record's PDF.
func (s *Service) SignedURL(ctx context.Context, actorID, id string) (string, time.Time, error) {
	rec, err := s.Get(ctx, actorID, id)
	if err != nil {
		return "", time.Time{}, err
	}
	if rec.Status != StatusCompleted {
		return "", time.Time{}, &TransitionError{From: rec.Status, Event: EventSignedURL}
	}
	artifact, ok := rec.Artifact()
	if !ok {
		return "", time.Time{}, fmt.Errorf("soa: completed record %s has no artifact", id)
	}
	if s.linker == nil {
		return "", time.Time{}, fmt.Errorf("soa: no artifact linker configured")
	}
	url, expires, err := s.linker.SignedURL(artifact.Key, s.opts.SignedURLTTL)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("soa: sign artifact url: %w", err)
	}
	return url, expires, nil
}

func formatDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}
