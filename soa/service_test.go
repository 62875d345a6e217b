package soa_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"soaflow/audit"
	"soaflow/soa"
	"soaflow/soa/soatest"
)

func sendOne(t *testing.T, env *soatest.Env, method soa.DeliveryMethod) soa.SendResult {
	t.Helper()
	res, err := env.Service.CreateAndSend(context.Background(), soatest.SendParams(method))
	if err != nil {
		t.Fatalf("create and send: %v", err)
	}
	return res
}

func expectActions(t *testing.T, env *soatest.Env, id string, want ...audit.Action) {
	t.Helper()
	got := env.Actions(id)
	if !slices.Equal(got, want) {
		t.Fatalf("audit actions mismatch\nwant %v\ngot  %v", want, got)
	}
	if _, err := soa.ReplayHistory(got); err != nil {
		t.Fatalf("recorded history does not replay: %v", err)
	}
}

func expectTransitionFrom(t *testing.T, err error, from soa.Status) {
	t.Helper()
	var te *soa.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if te.From != from {
		t.Fatalf("expected transition error from %s, got %s", from, te.From)
	}
}

func appointment(day int) *time.Time {
	d := time.Date(2025, 3, day, 0, 0, 0, 0, time.UTC)
	return &d
}

func TestFullSigningFlow(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()

	sent := sendOne(t, env, soa.DeliveryEmail)
	if sent.Record.Status != soa.StatusSent {
		t.Fatalf("expected sent, got %s", sent.Record.Status)
	}
	if sent.SignURL != "" {
		t.Fatalf("email delivery must not return the sign url")
	}
	if env.Dispatcher.Count() != 1 {
		t.Fatalf("expected one dispatch, got %d", env.Dispatcher.Count())
	}
	if sent.Record.DeliveryStatus != soa.DeliveryStatusDelivered {
		t.Fatalf("expected delivered, got %s", sent.Record.DeliveryStatus)
	}
	token := sent.Record.SecureToken

	view, err := env.Service.ReadByToken(ctx, token)
	if err != nil {
		t.Fatalf("read by token: %v", err)
	}
	if view.Status != soa.StatusOpened {
		t.Fatalf("expected opened, got %s", view.Status)
	}

	view, err = env.Service.ClientSign(ctx, token, soa.ClientSignParams{
		TypedSignature:    "Jane Doe",
		ProductsConfirmed: []string{"part_c"},
	})
	if err != nil {
		t.Fatalf("client sign: %v", err)
	}
	if view.Status != soa.StatusClientSigned {
		t.Fatalf("expected client_signed, got %s", view.Status)
	}

	done, err := env.Service.Countersign(ctx, soa.CountersignParams{
		ActorID:         soatest.AgentID,
		SOAID:           sent.Record.ID,
		TypedSignature:  "Agent Smith",
		AppointmentDate: appointment(1),
	})
	if err != nil {
		t.Fatalf("countersign: %v", err)
	}
	if done.Status != soa.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	if done.ClientTypedSignature == nil || *done.ClientTypedSignature != "Jane Doe" {
		t.Fatalf("expected client signature Jane Doe, got %v", done.ClientTypedSignature)
	}
	if done.AppointmentDate == nil || done.AppointmentDate.Format("2006-01-02") != "2025-03-01" {
		t.Fatalf("expected appointment date filled at countersign, got %v", done.AppointmentDate)
	}
	if done.TokenRevokedAt == nil {
		t.Fatalf("expected token revoked on completion")
	}
	if artifact, ok := done.Artifact(); !ok || artifact.Key != "soa/"+done.ID+".pdf" {
		t.Fatalf("unexpected artifact %+v", artifact)
	}

	expectActions(t, env, sent.Record.ID,
		audit.ActionCreated, audit.ActionSent, audit.ActionOpened,
		audit.ActionClientSigned, audit.ActionAgentCountersigned, audit.ActionPDFGenerated)

	tl, err := env.Service.Audit(ctx, soatest.AgentID, sent.Record.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !tl.ChainValid {
		t.Fatalf("expected valid audit chain")
	}

	if _, err := env.Service.ReadByToken(ctx, token); !errors.Is(err, soa.ErrInvalidTransition) {
		t.Fatalf("expected completed token to be unusable, got %v", err)
	}
}

func TestVoidRevokesToken(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sent := sendOne(t, env, soa.DeliveryEmail)

	voided, err := env.Service.Void(ctx, soatest.AgentID, sent.Record.ID, "wrong products")
	if err != nil {
		t.Fatalf("void: %v", err)
	}
	if voided.Status != soa.StatusVoided || voided.TokenRevokedAt == nil {
		t.Fatalf("expected voided with revoked token, got %s", voided.Status)
	}

	_, err = env.Service.Countersign(ctx, soa.CountersignParams{
		ActorID: soatest.AgentID, SOAID: sent.Record.ID, TypedSignature: "Agent Smith",
	})
	expectTransitionFrom(t, err, soa.StatusVoided)

	_, err = env.Service.ReadByToken(ctx, sent.Record.SecureToken)
	expectTransitionFrom(t, err, soa.StatusVoided)

	_, err = env.Service.ClientSign(ctx, sent.Record.SecureToken, soa.ClientSignParams{
		TypedSignature: "Jane Doe", ProductsConfirmed: []string{"part_c"},
	})
	expectTransitionFrom(t, err, soa.StatusVoided)

	_, err = env.Service.Resend(ctx, soatest.AgentID, sent.Record.ID)
	expectTransitionFrom(t, err, soa.StatusVoided)

	expectActions(t, env, sent.Record.ID, audit.ActionCreated, audit.ActionSent, audit.ActionVoided)
}

func TestExpiredLinkIsRejectedOnOpen(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sent := sendOne(t, env, soa.DeliveryEmail)

	env.Clock.Advance(73 * time.Hour)

	_, err := env.Service.ReadByToken(ctx, sent.Record.SecureToken)
	expectTransitionFrom(t, err, soa.StatusExpired)

	rec, err := env.Service.Get(ctx, soatest.AgentID, sent.Record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != soa.StatusExpired || rec.TokenRevokedAt == nil {
		t.Fatalf("expected expired with revoked token, got %s", rec.Status)
	}
	expectActions(t, env, sent.Record.ID, audit.ActionCreated, audit.ActionSent, audit.ActionExpired)

	// a second attempt must not log another expiry
	_, err = env.Service.ReadByToken(ctx, sent.Record.SecureToken)
	expectTransitionFrom(t, err, soa.StatusExpired)
	if n := len(env.Actions(sent.Record.ID)); n != 3 {
		t.Fatalf("expected 3 entries, got %d", n)
	}
}

func TestExpireDueSweepsLiveRecords(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	first := sendOne(t, env, soa.DeliveryEmail)
	second := sendOne(t, env, soa.DeliveryLink)
	if _, err := env.Service.ReadByToken(ctx, second.Record.SecureToken); err != nil {
		t.Fatalf("open: %v", err)
	}
	draft, err := env.Service.Create(ctx, soatest.SendParams(soa.DeliveryEmail))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	env.Clock.Advance(72 * time.Hour)

	n, err := env.Service.ExpireDue(ctx, 10)
	if err != nil {
		t.Fatalf("expire due: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 expired, got %d", n)
	}
	for _, id := range []string{first.Record.ID, second.Record.ID} {
		rec, _ := env.Service.Get(ctx, soatest.AgentID, id)
		if rec.Status != soa.StatusExpired {
			t.Fatalf("expected %s expired, got %s", id, rec.Status)
		}
	}
	rec, _ := env.Service.Get(ctx, soatest.AgentID, draft.ID)
	if rec.Status != soa.StatusDraft {
		t.Fatalf("drafts never expire, got %s", rec.Status)
	}

	if n, _ := env.Service.ExpireDue(ctx, 10); n != 0 {
		t.Fatalf("expected second sweep to find nothing, got %d", n)
	}
}

func TestCompletedEditKeepsSignatures(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	done := complete(t, env)
	before := len(env.Actions(done.ID))

	res, err := env.Service.Edit(ctx, soa.EditParams{
		ActorID: soatest.AgentID,
		SOAID:   done.ID,
		Changes: soa.EditChanges{AppointmentDate: appointment(5)},
	})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if res.Warning == "" {
		t.Fatalf("expected a compliance warning")
	}
	if res.Record.Status != soa.StatusCompleted {
		t.Fatalf("expected completed, got %s", res.Record.Status)
	}
	if *res.Record.ClientTypedSignature != *done.ClientTypedSignature || !res.Record.ClientSignedAt.Equal(*done.ClientSignedAt) {
		t.Fatalf("client signature changed by edit")
	}
	actions := env.Actions(done.ID)
	if len(actions) != before+1 || actions[len(actions)-1] != audit.ActionEdited {
		t.Fatalf("expected one edited entry, got %v", actions)
	}

	entries, _ := env.AuditRepo.List(ctx, done.ID)
	last := entries[len(entries)-1]
	beforeMeta, _ := last.Metadata["before"].(map[string]any)
	afterMeta, _ := last.Metadata["after"].(map[string]any)
	if beforeMeta["appointment_date"] != "2025-03-01" || afterMeta["appointment_date"] != "2025-03-05" {
		t.Fatalf("unexpected before/after metadata %v", last.Metadata)
	}

	forged := "Someone Else"
	_, err = env.Service.Edit(ctx, soa.EditParams{
		ActorID: soatest.AgentID,
		SOAID:   done.ID,
		Changes: soa.EditChanges{ClientTypedSignature: &forged},
	})
	var ve *soa.ValidationError
	if !errors.As(err, &ve) || ve.Field != "clientTypedSignature" {
		t.Fatalf("expected validation error on client signature, got %v", err)
	}

	name := "Janet Doe"
	_, err = env.Service.Edit(ctx, soa.EditParams{
		ActorID: soatest.AgentID,
		SOAID:   done.ID,
		Changes: soa.EditChanges{BeneficiaryName: &name, ProductsSelected: []string{"part_c", "part_d"}},
	})
	if !errors.As(err, &ve) {
		t.Fatalf("expected locked field validation error, got %v", err)
	}

	agent := "Agent J. Smith"
	res, err = env.Service.Edit(ctx, soa.EditParams{
		ActorID: soatest.AgentID,
		SOAID:   done.ID,
		Changes: soa.EditChanges{AgentName: &agent},
	})
	if err != nil {
		t.Fatalf("agent name edit: %v", err)
	}
	if res.Warning != "" {
		t.Fatalf("agent name edits carry no warning, got %q", res.Warning)
	}
	if len(env.Actions(done.ID)) != before+2 {
		t.Fatalf("rejected edits must not be audited")
	}
}

func TestEditPolicyByStatus(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()

	draft, err := env.Service.Create(ctx, soatest.SendParams(soa.DeliveryEmail))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	res, err := env.Service.Edit(ctx, soa.EditParams{
		ActorID: soatest.AgentID,
		SOAID:   draft.ID,
		Changes: soa.EditChanges{ProductsSelected: []string{"part_d", "dental_vision_hearing"}},
	})
	if err != nil {
		t.Fatalf("draft edit: %v", err)
	}
	if !slices.Equal(res.Record.ProductsSelected, []string{"part_d", "dental_vision_hearing"}) {
		t.Fatalf("unexpected products %v", res.Record.ProductsSelected)
	}

	same := draft.AgentName
	_, err = env.Service.Edit(ctx, soa.EditParams{
		ActorID: soatest.AgentID,
		SOAID:   draft.ID,
		Changes: soa.EditChanges{AgentName: &same},
	})
	if !errors.Is(err, soa.ErrValidation) {
		t.Fatalf("expected no-op edit to be rejected, got %v", err)
	}

	sent := sendOne(t, env, soa.DeliveryEmail)
	if _, err := env.Service.Void(ctx, soatest.AgentID, sent.Record.ID, ""); err != nil {
		t.Fatalf("void: %v", err)
	}
	name := "New Name"
	_, err = env.Service.Edit(ctx, soa.EditParams{
		ActorID: soatest.AgentID,
		SOAID:   sent.Record.ID,
		Changes: soa.EditChanges{AgentName: &name},
	})
	expectTransitionFrom(t, err, soa.StatusVoided)
}

func TestEditDeliveryAddressMustFitMethod(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sent := sendOne(t, env, soa.DeliveryEmail)

	for _, bad := range []string{"", "   ", "not-an-email"} {
		_, err := env.Service.Edit(ctx, soa.EditParams{
			ActorID: soatest.AgentID, SOAID: sent.Record.ID,
			Changes: soa.EditChanges{DeliveryAddress: &bad},
		})
		var ve *soa.ValidationError
		if !errors.As(err, &ve) || ve.Field != "deliveryAddress" {
			t.Fatalf("address %q: expected deliveryAddress validation error, got %v", bad, err)
		}
	}
	expectActions(t, env, sent.Record.ID, audit.ActionCreated, audit.ActionSent)

	good := "jane.doe@example.com"
	if _, err := env.Service.Edit(ctx, soa.EditParams{
		ActorID: soatest.AgentID, SOAID: sent.Record.ID,
		Changes: soa.EditChanges{DeliveryAddress: &good},
	}); err != nil {
		t.Fatalf("edit address: %v", err)
	}
	if _, err := env.Service.Resend(ctx, soatest.AgentID, sent.Record.ID); err != nil {
		t.Fatalf("resend: %v", err)
	}
	last := env.Dispatcher.Deliveries[len(env.Dispatcher.Deliveries)-1]
	if last.Address != good {
		t.Fatalf("expected resend to %s, got %s", good, last.Address)
	}

	// drafts are checked at send time
	draft, err := env.Service.Create(ctx, soatest.SendParams(soa.DeliverySMS))
	if err != nil {
		t.Fatalf("create draft: %v", err)
	}
	blank := ""
	if _, err := env.Service.Edit(ctx, soa.EditParams{
		ActorID: soatest.AgentID, SOAID: draft.ID,
		Changes: soa.EditChanges{DeliveryAddress: &blank},
	}); err != nil {
		t.Fatalf("blanking a draft address: %v", err)
	}
	_, err = env.Service.Send(ctx, soatest.AgentID, draft.ID)
	var ve *soa.ValidationError
	if !errors.As(err, &ve) || ve.Field != "deliveryAddress" {
		t.Fatalf("expected send to reject the blank address, got %v", err)
	}
}

func TestResendIsRepeatable(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sent := sendOne(t, env, soa.DeliveryEmail)

	for i := 0; i < 3; i++ {
		res, err := env.Service.Resend(ctx, soatest.AgentID, sent.Record.ID)
		if err != nil {
			t.Fatalf("resend %d: %v", i, err)
		}
		if res.Record.Status != soa.StatusSent {
			t.Fatalf("resend changed status to %s", res.Record.Status)
		}
		if res.Record.SecureToken != sent.Record.SecureToken {
			t.Fatalf("resend rotated the token")
		}
	}
	if env.Dispatcher.Count() != 4 {
		t.Fatalf("expected 4 dispatches, got %d", env.Dispatcher.Count())
	}
	if !env.Dispatcher.Deliveries[3].Resend {
		t.Fatalf("expected resend flag on replayed delivery")
	}
	expectActions(t, env, sent.Record.ID,
		audit.ActionCreated, audit.ActionSent, audit.ActionResent, audit.ActionResent, audit.ActionResent)
}

func TestResendRejectedAfterClientSigns(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sent := sendOne(t, env, soa.DeliveryEmail)
	signClient(t, env, sent.Record.SecureToken)

	_, err := env.Service.Resend(ctx, soatest.AgentID, sent.Record.ID)
	expectTransitionFrom(t, err, soa.StatusClientSigned)
}

func TestDeliveryFailureKeepsRecordSent(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	env.Dispatcher.SetErr(errors.New("smtp 421"))

	res, err := env.Service.CreateAndSend(ctx, soatest.SendParams(soa.DeliveryEmail))
	if !errors.Is(err, soa.ErrDeliveryFailed) {
		t.Fatalf("expected ErrDeliveryFailed, got %v", err)
	}
	var de *soa.DeliveryError
	if !errors.As(err, &de) || de.SOAID != res.Record.ID || res.Record.ID == "" {
		t.Fatalf("expected delivery error to carry the soa id")
	}
	if res.Record.Status != soa.StatusSent || res.Record.DeliveryStatus != soa.DeliveryStatusFailed {
		t.Fatalf("expected sent/failed, got %s/%s", res.Record.Status, res.Record.DeliveryStatus)
	}
	expectActions(t, env, res.Record.ID, audit.ActionCreated, audit.ActionSent, audit.ActionDeliveryFailed)

	env.Dispatcher.SetErr(nil)
	again, err := env.Service.Resend(ctx, soatest.AgentID, res.Record.ID)
	if err != nil {
		t.Fatalf("resend: %v", err)
	}
	if again.Record.DeliveryStatus != soa.DeliveryStatusDelivered {
		t.Fatalf("expected delivered after resend, got %s", again.Record.DeliveryStatus)
	}
}

// voidingDispatcher voids the record mid-dispatch and then fails.
type voidingDispatcher struct {
	svc *soa.Service
}

func (d voidingDispatcher) Dispatch(ctx context.Context, delivery soa.Delivery) error {
	if _, err := d.svc.Void(ctx, soatest.AgentID, delivery.SOAID, "wrong beneficiary"); err != nil {
		return err
	}
	return errors.New("smtp down")
}

func TestDeliveryFailureAfterVoidIsNotRecorded(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	env.Service.WithDispatcher(voidingDispatcher{svc: env.Service})

	res, err := env.Service.CreateAndSend(ctx, soatest.SendParams(soa.DeliveryEmail))
	if err != nil {
		t.Fatalf("a voided record has nothing to resend, got %v", err)
	}
	if res.Record.Status != soa.StatusVoided {
		t.Fatalf("expected voided, got %s", res.Record.Status)
	}
	if res.Record.DeliveryStatus == soa.DeliveryStatusFailed {
		t.Fatalf("delivery status stamped on a voided record")
	}
	expectActions(t, env, res.Record.ID, audit.ActionCreated, audit.ActionSent, audit.ActionVoided)

	_, err = env.Service.Resend(ctx, soatest.AgentID, res.Record.ID)
	expectTransitionFrom(t, err, soa.StatusVoided)
}

func TestLinkAndSMSReturnSignURL(t *testing.T) {
	env := soatest.NewEnv()

	link := sendOne(t, env, soa.DeliveryLink)
	if link.SignURL != "https://sign.test/sign/"+link.Record.SecureToken {
		t.Fatalf("unexpected sign url %q", link.SignURL)
	}
	if env.Dispatcher.Count() != 0 {
		t.Fatalf("link delivery must not dispatch")
	}

	sms := sendOne(t, env, soa.DeliverySMS)
	if sms.SignURL == "" {
		t.Fatalf("expected sms send to return the sign url")
	}
	if env.Dispatcher.Count() != 1 || env.Dispatcher.Deliveries[0].Method != soa.DeliverySMS {
		t.Fatalf("expected one sms dispatch")
	}
}

func TestSecondLiveSOAIsFlagged(t *testing.T) {
	env := soatest.NewEnv()
	first := sendOne(t, env, soa.DeliveryEmail)
	second := sendOne(t, env, soa.DeliveryEmail)

	if first.Warning != "" {
		t.Fatalf("first send should not warn")
	}
	if second.Warning == "" || !slices.Equal(second.LiveSOAIDs, []string{first.Record.ID}) {
		t.Fatalf("expected advisory naming %s, got %q %v", first.Record.ID, second.Warning, second.LiveSOAIDs)
	}
	rec, _ := env.Service.Get(context.Background(), soatest.AgentID, first.Record.ID)
	if rec.Status != soa.StatusSent {
		t.Fatalf("advisory must not void the older record, got %s", rec.Status)
	}
}

func TestTokenScopedToOneRecord(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	a := sendOne(t, env, soa.DeliveryEmail)
	b := sendOne(t, env, soa.DeliveryEmail)

	signClient(t, env, a.Record.SecureToken)

	recA, _ := env.Service.Get(ctx, soatest.AgentID, a.Record.ID)
	recB, _ := env.Service.Get(ctx, soatest.AgentID, b.Record.ID)
	if recA.Status != soa.StatusClientSigned {
		t.Fatalf("expected a signed, got %s", recA.Status)
	}
	if recB.Status != soa.StatusSent || recB.ClientSignedAt != nil {
		t.Fatalf("token for a touched b: %s", recB.Status)
	}

	if _, err := env.Service.ReadByToken(ctx, "not-a-token"); !errors.Is(err, soa.ErrNotFound) {
		t.Fatalf("expected malformed token not found, got %v", err)
	}
	unknown, _ := soa.NewToken()
	if _, err := env.Service.ReadByToken(ctx, unknown); !errors.Is(err, soa.ErrNotFound) {
		t.Fatalf("expected unknown token not found, got %v", err)
	}
}

func TestDraftIsNotTokenAccessible(t *testing.T) {
	env := soatest.NewEnv()
	draft, err := env.Service.Create(context.Background(), soatest.SendParams(soa.DeliveryEmail))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.Service.ReadByToken(context.Background(), draft.SecureToken)
	expectTransitionFrom(t, err, soa.StatusDraft)
}

func TestReReadDoesNotRelogOpen(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sent := sendOne(t, env, soa.DeliveryEmail)

	for i := 0; i < 3; i++ {
		if _, err := env.Service.ReadByToken(ctx, sent.Record.SecureToken); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	expectActions(t, env, sent.Record.ID, audit.ActionCreated, audit.ActionSent, audit.ActionOpened)
}

func TestSignWithoutOpenLogsImplicitOpen(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sent := sendOne(t, env, soa.DeliveryEmail)

	view, err := env.Service.ClientSign(ctx, sent.Record.SecureToken, soa.ClientSignParams{
		TypedSignature:     "Robert Doe",
		ProductsConfirmed:  []string{"part_c", "part_d"},
		SignerRole:         soa.SignerRepresentative,
		RepresentativeName: "Robert Doe",
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !slices.Equal(view.ProductsSelected, []string{"part_c", "part_d"}) {
		t.Fatalf("expected client amended products, got %v", view.ProductsSelected)
	}
	if view.ClientSignerRole == nil || *view.ClientSignerRole != soa.SignerRepresentative {
		t.Fatalf("expected representative signer role")
	}
	expectActions(t, env, sent.Record.ID, audit.ActionCreated, audit.ActionSent, audit.ActionOpened, audit.ActionClientSigned)

	entries, _ := env.AuditRepo.List(ctx, sent.Record.ID)
	if entries[2].Metadata["implicit"] != true {
		t.Fatalf("expected implicit open metadata, got %v", entries[2].Metadata)
	}
	if entries[3].Metadata["signer_role"] != "authorized_representative" {
		t.Fatalf("expected signer role in metadata, got %v", entries[3].Metadata)
	}

	_, err = env.Service.ClientSign(ctx, sent.Record.SecureToken, soa.ClientSignParams{
		TypedSignature: "Again", ProductsConfirmed: []string{"part_c"},
	})
	expectTransitionFrom(t, err, soa.StatusClientSigned)
}

func TestImplicitOpenLogsItsOwnStatus(t *testing.T) {
	env := soatest.NewEnv()
	var buf bytes.Buffer
	env.Service.WithLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	sent := sendOne(t, env, soa.DeliveryLink)

	if _, err := env.Service.ClientSign(context.Background(), sent.Record.SecureToken, soa.ClientSignParams{
		TypedSignature: "Jane Doe", ProductsConfirmed: []string{"part_c"},
	}); err != nil {
		t.Fatalf("sign: %v", err)
	}

	statuses := map[string]string{}
	dec := json.NewDecoder(&buf)
	for dec.More() {
		var line map[string]any
		if err := dec.Decode(&line); err != nil {
			t.Fatalf("decode log line: %v", err)
		}
		if line["msg"] != "soa event recorded" {
			continue
		}
		action, _ := line["action"].(string)
		status, _ := line["status"].(string)
		statuses[action] = status
	}
	if statuses["opened"] != "opened" || statuses["client_signed"] != "client_signed" {
		t.Fatalf("expected each action logged with its own status, got %v", statuses)
	}
}

func TestClientSignValidation(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sent := sendOne(t, env, soa.DeliveryEmail)
	token := sent.Record.SecureToken

	cases := map[string]soa.ClientSignParams{
		"typedSignature":     {TypedSignature: "   ", ProductsConfirmed: []string{"part_c"}},
		"productsConfirmed":  {TypedSignature: "Jane Doe"},
		"representativeName": {TypedSignature: "Jane Doe", ProductsConfirmed: []string{"part_c"}, SignerRole: soa.SignerRepresentative},
		"signerRole":         {TypedSignature: "Jane Doe", ProductsConfirmed: []string{"part_c"}, SignerRole: "spouse"},
	}
	for field, params := range cases {
		_, err := env.Service.ClientSign(ctx, token, params)
		var ve *soa.ValidationError
		if !errors.As(err, &ve) || ve.Field != field {
			t.Fatalf("expected validation error on %s, got %v", field, err)
		}
	}
	expectActions(t, env, sent.Record.ID, audit.ActionCreated, audit.ActionSent)
}

func TestCountersignGuards(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sent := sendOne(t, env, soa.DeliveryEmail)

	_, err := env.Service.Countersign(ctx, soa.CountersignParams{
		ActorID: soatest.AgentID, SOAID: sent.Record.ID, TypedSignature: "Agent Smith",
	})
	expectTransitionFrom(t, err, soa.StatusSent)

	signClient(t, env, sent.Record.SecureToken)

	_, err = env.Service.Countersign(ctx, soa.CountersignParams{
		ActorID: soatest.OutsiderID, SOAID: sent.Record.ID, TypedSignature: "Intruder",
	})
	if !errors.Is(err, soa.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	_, err = env.Service.Countersign(ctx, soa.CountersignParams{
		ActorID: soatest.AgentID, SOAID: sent.Record.ID, TypedSignature: " ",
	})
	if !errors.Is(err, soa.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	done, err := env.Service.Countersign(ctx, soa.CountersignParams{
		ActorID: soatest.DelegateID, SOAID: sent.Record.ID, TypedSignature: "Delegate Jones",
		InitialContactMethod: "inbound_call",
	})
	if err != nil {
		t.Fatalf("delegate countersign: %v", err)
	}
	if done.InitialContactMethod != "inbound_call" {
		t.Fatalf("expected contact method filled, got %q", done.InitialContactMethod)
	}

	_, err = env.Service.Countersign(ctx, soa.CountersignParams{
		ActorID: soatest.AgentID, SOAID: sent.Record.ID, TypedSignature: "Agent Smith",
	})
	expectTransitionFrom(t, err, soa.StatusCompleted)
}

func TestCountersignDoesNotOverwriteAppointment(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	params := soatest.SendParams(soa.DeliveryEmail)
	params.AppointmentDate = appointment(2)
	sent, err := env.Service.CreateAndSend(ctx, params)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	signClient(t, env, sent.Record.SecureToken)

	_, err = env.Service.Countersign(ctx, soa.CountersignParams{
		ActorID: soatest.AgentID, SOAID: sent.Record.ID, TypedSignature: "Agent Smith",
		AppointmentDate: appointment(9),
	})
	var ve *soa.ValidationError
	if !errors.As(err, &ve) || ve.Field != "appointmentDate" {
		t.Fatalf("expected appointment conflict, got %v", err)
	}

	done, err := env.Service.Countersign(ctx, soa.CountersignParams{
		ActorID: soatest.AgentID, SOAID: sent.Record.ID, TypedSignature: "Agent Smith",
		AppointmentDate: appointment(2),
	})
	if err != nil {
		t.Fatalf("countersign with same date: %v", err)
	}
	if done.AppointmentDate.Day() != 2 {
		t.Fatalf("appointment date changed")
	}
}

func TestFinalizationFailureIsRetriable(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sent := sendOne(t, env, soa.DeliveryEmail)
	signClient(t, env, sent.Record.SecureToken)

	env.Finalizer.SetErr(errors.New("renderer unavailable"))
	rec, err := env.Service.Countersign(ctx, soa.CountersignParams{
		ActorID: soatest.AgentID, SOAID: sent.Record.ID, TypedSignature: "Agent Smith",
	})
	if !errors.Is(err, soa.ErrFinalizationFailed) {
		t.Fatalf("expected ErrFinalizationFailed, got %v", err)
	}
	var fe *soa.FinalizationError
	if !errors.As(err, &fe) || !fe.RetryScheduled {
		t.Fatalf("expected a scheduled retry, got %v", err)
	}
	if !slices.Equal(env.Scheduler.Scheduled, []string{sent.Record.ID}) {
		t.Fatalf("expected retry scheduled for record, got %v", env.Scheduler.Scheduled)
	}
	if rec.Status != soa.StatusClientSigned || !rec.Countersigned() {
		t.Fatalf("expected countersigned client_signed record, got %s", rec.Status)
	}
	expectActions(t, env, sent.Record.ID,
		audit.ActionCreated, audit.ActionSent, audit.ActionOpened, audit.ActionClientSigned, audit.ActionAgentCountersigned)

	pending, _ := env.Service.PendingFinalization(ctx, 10)
	if !slices.Equal(pending, []string{sent.Record.ID}) {
		t.Fatalf("expected record pending finalization, got %v", pending)
	}

	_, err = env.Service.Countersign(ctx, soa.CountersignParams{
		ActorID: soatest.AgentID, SOAID: sent.Record.ID, TypedSignature: "Agent Smith",
	})
	expectTransitionFrom(t, err, soa.StatusClientSigned)

	env.Finalizer.SetErr(nil)
	done, err := env.Service.Finalize(ctx, sent.Record.ID)
	if err != nil {
		t.Fatalf("finalize retry: %v", err)
	}
	if done.Status != soa.StatusCompleted {
		t.Fatalf("expected completed, got %s", done.Status)
	}
	calls := env.Finalizer.CallCount()

	again, err := env.Service.Finalize(ctx, sent.Record.ID)
	if err != nil {
		t.Fatalf("idempotent finalize: %v", err)
	}
	if env.Finalizer.CallCount() != calls {
		t.Fatalf("finalize re-rendered a completed record")
	}
	if *again.ArtifactKey != *done.ArtifactKey {
		t.Fatalf("expected same artifact")
	}
	expectActions(t, env, sent.Record.ID,
		audit.ActionCreated, audit.ActionSent, audit.ActionOpened, audit.ActionClientSigned,
		audit.ActionAgentCountersigned, audit.ActionPDFGenerated)
}

func TestFinalizeRejectsUnsignedRecords(t *testing.T) {
	env := soatest.NewEnv()
	sent := sendOne(t, env, soa.DeliveryEmail)
	_, err := env.Service.Finalize(context.Background(), sent.Record.ID)
	expectTransitionFrom(t, err, soa.StatusSent)
}

func TestRetryPendingFinalizationSchedulesEach(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	env.Finalizer.SetErr(errors.New("storage down"))
	var ids []string
	for i := 0; i < 2; i++ {
		sent := sendOne(t, env, soa.DeliveryLink)
		signClient(t, env, sent.Record.SecureToken)
		_, _ = env.Service.Countersign(ctx, soa.CountersignParams{
			ActorID: soatest.AgentID, SOAID: sent.Record.ID, TypedSignature: "Agent Smith",
		})
		ids = append(ids, sent.Record.ID)
	}
	env.Scheduler.Scheduled = nil

	n, err := env.Service.RetryPendingFinalization(ctx, 10)
	if err != nil {
		t.Fatalf("retry pending: %v", err)
	}
	if n != 2 || len(env.Scheduler.Scheduled) != 2 {
		t.Fatalf("expected both records rescheduled, got %d %v", n, env.Scheduler.Scheduled)
	}
}

func TestSignedURLRequiresCompletion(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sent := sendOne(t, env, soa.DeliveryEmail)

	_, _, err := env.Service.SignedURL(ctx, soatest.AgentID, sent.Record.ID)
	expectTransitionFrom(t, err, soa.StatusSent)

	done := complete(t, env)
	url, expires, err := env.Service.SignedURL(ctx, soatest.AgentID, done.ID)
	if err != nil {
		t.Fatalf("signed url: %v", err)
	}
	if url != "https://files.test/soa/"+done.ID+".pdf?sig=test" {
		t.Fatalf("unexpected url %s", url)
	}
	if !expires.After(env.Clock.Now()) {
		t.Fatalf("expected future expiry")
	}

	if _, _, err := env.Service.SignedURL(ctx, soatest.OutsiderID, done.ID); !errors.Is(err, soa.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestCreateChecksClientAndAgent(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()

	params := soatest.SendParams(soa.DeliveryEmail)
	params.ClientID = "2b3c4d5e-6f70-4a81-9b2c-3d4e5f607182"
	if _, err := env.Service.Create(ctx, params); !errors.Is(err, soa.ErrNotFound) {
		t.Fatalf("expected unknown client not found, got %v", err)
	}

	params = soatest.SendParams(soa.DeliveryEmail)
	params.ActorID = soatest.OutsiderID
	if _, err := env.Service.Create(ctx, params); !errors.Is(err, soa.ErrUnauthorized) {
		t.Fatalf("expected outsider unauthorized, got %v", err)
	}

	params = soatest.SendParams(soa.DeliveryEmail)
	params.AgentNPN = ""
	var ve *soa.ValidationError
	if _, err := env.Service.CreateAndSend(ctx, params); !errors.As(err, &ve) || ve.Field != "agentNpn" {
		t.Fatalf("expected agentNpn validation error, got %v", err)
	}
	if list, _ := env.Service.List(ctx, soatest.AgentID, soatest.ClientID); len(list) != 0 {
		t.Fatalf("failed create-and-send must not leave a draft, got %d", len(list))
	}

	params = soatest.SendParams(soa.DeliveryEmail)
	params.ProductsSelected = []string{"annuity"}
	if _, err := env.Service.CreateAndSend(ctx, params); !errors.Is(err, soa.ErrValidation) {
		t.Fatalf("expected unknown product validation error, got %v", err)
	}
}

func TestListFiltersByAuthority(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sendOne(t, env, soa.DeliveryEmail)
	sendOne(t, env, soa.DeliveryEmail)

	for _, actor := range []string{soatest.AgentID, soatest.DelegateID, soatest.AdminID} {
		list, err := env.Service.List(ctx, actor, soatest.ClientID)
		if err != nil {
			t.Fatalf("list as %s: %v", actor, err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 records for %s, got %d", actor, len(list))
		}
	}
	list, err := env.Service.List(ctx, soatest.OutsiderID, soatest.ClientID)
	if err != nil {
		t.Fatalf("list as outsider: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("outsider must see nothing, got %d", len(list))
	}
}

func TestAdminMayVoid(t *testing.T) {
	env := soatest.NewEnv()
	sent := sendOne(t, env, soa.DeliveryEmail)
	if _, err := env.Service.Void(context.Background(), soatest.AdminID, sent.Record.ID, "duplicate"); err != nil {
		t.Fatalf("admin void: %v", err)
	}
	entries, _ := env.AuditRepo.List(context.Background(), sent.Record.ID)
	last := entries[len(entries)-1]
	if last.ActorID == nil || *last.ActorID != soatest.AdminID || last.ActorKind != audit.ActorAgent {
		t.Fatalf("expected void attributed to admin")
	}
}

func TestVoidRacingClientSign(t *testing.T) {
	for round := 0; round < 20; round++ {
		env := soatest.NewEnv()
		ctx := context.Background()
		sent := sendOne(t, env, soa.DeliveryEmail)

		var (
			wg               sync.WaitGroup
			signErr, voidErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, signErr = env.Service.ClientSign(ctx, sent.Record.SecureToken, soa.ClientSignParams{
				TypedSignature: "Jane Doe", ProductsConfirmed: []string{"part_c"},
			})
		}()
		go func() {
			defer wg.Done()
			_, voidErr = env.Service.Void(ctx, soatest.AgentID, sent.Record.ID, "race")
		}()
		wg.Wait()

		if voidErr != nil {
			t.Fatalf("void must always win or follow the signature: %v", voidErr)
		}
		rec, _ := env.Service.Get(ctx, soatest.AgentID, sent.Record.ID)
		if rec.Status != soa.StatusVoided {
			t.Fatalf("expected voided, got %s", rec.Status)
		}
		actions := env.Actions(sent.Record.ID)
		if _, err := soa.ReplayHistory(actions); err != nil {
			t.Fatalf("history out of order: %v (%v)", err, actions)
		}
		signedLogged := slices.Contains(actions, audit.ActionClientSigned)
		if (signErr == nil) != signedLogged {
			t.Fatalf("sign result %v disagrees with audit %v", signErr, actions)
		}
		if signErr != nil && !errors.Is(signErr, soa.ErrInvalidTransition) {
			t.Fatalf("losing sign must see invalid transition, got %v", signErr)
		}
	}
}

func TestConcurrentResendsAreEachAudited(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sent := sendOne(t, env, soa.DeliveryEmail)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Service.Resend(ctx, soatest.AgentID, sent.Record.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("resend: %v", err)
		}
	}

	tl, err := env.Service.Audit(ctx, soatest.AgentID, sent.Record.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !tl.ChainValid || len(tl.Entries) != 2+n {
		t.Fatalf("expected %d chained entries, got %d valid=%v", 2+n, len(tl.Entries), tl.ChainValid)
	}
}

func TestConcurrentUpdateSurfaces(t *testing.T) {
	env := soatest.NewEnv()
	ctx := context.Background()
	sent := sendOne(t, env, soa.DeliveryEmail)

	env.Repo.UpdateHook = func(rec soa.Record, expected soa.Status) error {
		return soa.ErrConcurrentUpdate
	}
	_, err := env.Service.Void(ctx, soatest.AgentID, sent.Record.ID, "")
	if !errors.Is(err, soa.ErrConcurrentUpdate) {
		t.Fatalf("expected ErrConcurrentUpdate, got %v", err)
	}
	env.Repo.UpdateHook = nil

	last := env.Pool.Txs[len(env.Pool.Txs)-1]
	if last.Committed() || !last.RolledBack() {
		t.Fatalf("expected the failed transition to roll back")
	}
}

func signClient(t *testing.T, env *soatest.Env, token string) {
	t.Helper()
	if _, err := env.Service.ClientSign(context.Background(), token, soa.ClientSignParams{
		TypedSignature:    "Jane Doe",
		ProductsConfirmed: []string{"part_c"},
	}); err != nil {
		t.Fatalf("client sign: %v", err)
	}
}

func complete(t *testing.T, env *soatest.Env) soa.Record {
	t.Helper()
	sent := sendOne(t, env, soa.DeliveryEmail)
	signClient(t, env, sent.Record.SecureToken)
	done, err := env.Service.Countersign(context.Background(), soa.CountersignParams{
		ActorID:         soatest.AgentID,
		SOAID:           sent.Record.ID,
		TypedSignature:  "Agent Smith",
		AppointmentDate: appointment(1),
	})
	if err != nil {
		t.Fatalf("countersign: %v", err)
	}
	return done
}
