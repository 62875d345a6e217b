package soa

import (
	"errors"
	"testing"
	"time"

	"soaflow/audit"
)

func TestNextRejectsUnlistedEvents(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
	}{
		{StatusDraft, EventOpen},
		{StatusDraft, EventClientSign},
		{StatusSent, EventClientSign},
		{StatusDraft, EventVoid},
		{StatusSent, EventCountersign},
		{StatusOpened, EventFinalize},
		{StatusClientSigned, EventResend},
		{StatusClientSigned, EventExpire},
		{StatusCompleted, EventVoid},
		{StatusCompleted, EventClientSign},
		{StatusVoided, EventEdit},
		{StatusVoided, EventResend},
		{StatusExpired, EventOpen},
		{StatusExpired, EventEdit},
	}
	for _, tc := range cases {
		_, err := Next(Record{Status: tc.from}, tc.event)
		var te *TransitionError
		if !errors.As(err, &te) {
			t.Fatalf("%s from %s: expected TransitionError, got %v", tc.event, tc.from, err)
		}
		if te.From != tc.from || te.Event != tc.event {
			t.Fatalf("unexpected transition error contents: %+v", te)
		}
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("expected errors.Is ErrInvalidTransition")
		}
	}
}

func TestNextCountersignOnlyOnce(t *testing.T) {
	r := Record{Status: StatusClientSigned}
	if _, err := Next(r, EventFinalize); err == nil {
		t.Fatalf("expected finalize to require a countersignature")
	}
	to, err := Next(r, EventCountersign)
	if err != nil || to != StatusClientSigned {
		t.Fatalf("expected countersign to keep client_signed, got %s %v", to, err)
	}

	signed := time.Now()
	r.AgentSignedAt = &signed
	if _, err := Next(r, EventCountersign); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second countersign to fail, got %v", err)
	}
	if to, err := Next(r, EventFinalize); err != nil || to != StatusCompleted {
		t.Fatalf("expected finalize to complete, got %s %v", to, err)
	}
}

func TestTokenWindows(t *testing.T) {
	for _, s := range []Status{StatusDraft, StatusCompleted, StatusVoided, StatusExpired} {
		if TokenReadable(s) || TokenSignable(s) {
			t.Fatalf("status %s must not be token accessible", s)
		}
	}
	if !TokenReadable(StatusClientSigned) || TokenSignable(StatusClientSigned) {
		t.Fatalf("client_signed is readable but not signable")
	}
	if !TokenSignable(StatusSent) || !TokenSignable(StatusOpened) {
		t.Fatalf("sent and opened must be signable")
	}
}

func TestReplayHistory(t *testing.T) {
	full := []audit.Action{
		audit.ActionCreated, audit.ActionSent, audit.ActionDeliveryFailed, audit.ActionResent,
		audit.ActionOpened, audit.ActionClientSigned, audit.ActionAgentCountersigned,
		audit.ActionPDFGenerated, audit.ActionEdited,
	}
	status, err := ReplayHistory(full)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if status != StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	bad := [][]audit.Action{
		{audit.ActionSent},
		{audit.ActionCreated, audit.ActionDeliveryFailed},
		{audit.ActionCreated, audit.ActionSent, audit.ActionAgentCountersigned},
		{audit.ActionCreated, audit.ActionSent, audit.ActionOpened, audit.ActionClientSigned, audit.ActionPDFGenerated},
		{audit.ActionCreated, audit.ActionSent, audit.ActionVoided, audit.ActionClientSigned},
		{audit.ActionCreated, audit.ActionSent, audit.ActionClientSigned},
		{audit.ActionCreated, audit.ActionSent, audit.ActionVoided, audit.ActionDeliveryFailed},
		{audit.ActionCreated, audit.ActionSent, audit.ActionOpened, audit.ActionClientSigned,
			audit.ActionAgentCountersigned, audit.ActionAgentCountersigned},
	}
	for i, history := range bad {
		if _, err := ReplayHistory(history); err == nil {
			t.Fatalf("case %d: expected replay to reject %v", i, history)
		}
	}
}

func TestNormalizeProducts(t *testing.T) {
	got, err := normalizeProducts("products", []string{" Part_C ", "part_d", "part_c", ""}, true)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if len(got) != 2 || got[0] != "part_c" || got[1] != "part_d" {
		t.Fatalf("unexpected products %v", got)
	}

	_, err = normalizeProducts("products", []string{"annuity"}, false)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Field != "products" {
		t.Fatalf("expected validation error naming products, got %v", err)
	}
	if _, err := normalizeProducts("products", nil, true); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected empty required products to fail, got %v", err)
	}
}

func TestNewTokenShape(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	b, _ := NewToken()
	if a == b {
		t.Fatalf("expected distinct tokens")
	}
	if len(a) != 43 || !wellFormedToken(a) {
		t.Fatalf("unexpected token %q", a)
	}
	if wellFormedToken("short") || wellFormedToken(a+"x") {
		t.Fatalf("expected malformed tokens to be rejected")
	}
	if got := SignURL("https://sign.test/", a); got != "https://sign.test/sign/"+a {
		t.Fatalf("unexpected sign url %s", got)
	}
}
