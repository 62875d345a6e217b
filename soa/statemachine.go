package soa

import (
	"fmt"

	"soaflow/audit"
)

// Event is an input to the lifecycle state machine.
type Event string

const (
	EventCreate      Event = "create"
	EventSend        Event = "send"
	EventOpen        Event = "open"
	EventClientSign  Event = "client_sign"
	EventCountersign Event = "countersign"
	EventFinalize    Event = "finalize"
	EventResend      Event = "resend"
	EventVoid        Event = "void"
	EventExpire      Event = "expire"
	EventEdit        Event = "edit"
	// EventSignedURL is a read guard, not a transition. It never changes status.
	EventSignedURL Event = "signed_url"
)

type edge struct {
	from  Status
	event Event
}

// transitions is the only place that decides which events are legal.
var transitions = map[edge]Status{
	{StatusDraft, EventSend}: StatusSent,

	{StatusSent, EventOpen}: StatusOpened,

	{StatusOpened, EventClientSign}: StatusClientSigned,

	{StatusClientSigned, EventCountersign}: StatusClientSigned,
	{StatusClientSigned, EventFinalize}:    StatusCompleted,

	{StatusSent, EventResend}:   StatusSent,
	{StatusOpened, EventResend}: StatusOpened,

	{StatusSent, EventVoid}:         StatusVoided,
	{StatusOpened, EventVoid}:       StatusVoided,
	{StatusClientSigned, EventVoid}: StatusVoided,

	{StatusSent, EventExpire}:   StatusExpired,
	{StatusOpened, EventExpire}: StatusExpired,

	{StatusDraft, EventEdit}:        StatusDraft,
	{StatusSent, EventEdit}:         StatusSent,
	{StatusOpened, EventEdit}:       StatusOpened,
	{StatusClientSigned, EventEdit}: StatusClientSigned,
	{StatusCompleted, EventEdit}:    StatusCompleted,
}

// Next returns the status r moves to on ev, or a *TransitionError.
func Next(r Record, ev Event) (Status, error) {
	to, ok := transitions[edge{r.Status, ev}]
	if !ok {
		return "", &TransitionError{From: r.Status, Event: ev}
	}
	switch ev {
	case EventCountersign:
		if r.Countersigned() {
			return "", &TransitionError{From: r.Status, Event: ev}
		}
	case EventFinalize:
		if !r.Countersigned() {
			return "", &TransitionError{From: r.Status, Event: ev}
		}
	}
	return to, nil
}

// TokenReadable reports whether a token holder may view a record in s.
func TokenReadable(s Status) bool {
	return s == StatusSent || s == StatusOpened || s == StatusClientSigned
}

// TokenSignable reports whether a token holder may sign a record in s.
func TokenSignable(s Status) bool {
	return s == StatusSent || s == StatusOpened
}

var eventActions = map[Event]audit.Action{
	EventCreate:      audit.ActionCreated,
	EventSend:        audit.ActionSent,
	EventOpen:        audit.ActionOpened,
	EventClientSign:  audit.ActionClientSigned,
	EventCountersign: audit.ActionAgentCountersigned,
	EventFinalize:    audit.ActionPDFGenerated,
	EventResend:      audit.ActionResent,
	EventVoid:        audit.ActionVoided,
	EventExpire:      audit.ActionExpired,
	EventEdit:        audit.ActionEdited,
}

// ActionFor maps an event to the audit action it records.
func ActionFor(ev Event) audit.Action {
	return eventActions[ev]
}

var actionEvents = func() map[audit.Action]Event {
	m := make(map[audit.Action]Event, len(eventActions))
	for ev, a := range eventActions {
		m[a] = ev
	}
	return m
}()

// ReplayHistory runs an audit trail back through the transition table and
// returns the status it ends in. It fails on the first action the table does
// not allow, so it doubles as the ordering check for stored timelines.
func ReplayHistory(actions []audit.Action) (Status, error) {
	if len(actions) == 0 {
		return "", fmt.Errorf("soa: replay: empty history")
	}
	if actions[0] != audit.ActionCreated {
		return "", fmt.Errorf("soa: replay: history starts with %s", actions[0])
	}

	r := Record{Status: StatusDraft}
	for i, action := range actions[1:] {
		if action == audit.ActionDeliveryFailed {
			if !TokenSignable(r.Status) {
				return "", fmt.Errorf("soa: replay: %s at %d while %s", action, i+2, r.Status)
			}
			continue
		}
		ev, ok := actionEvents[action]
		if !ok || ev == EventCreate {
			return "", fmt.Errorf("soa: replay: unexpected %s at %d", action, i+2)
		}
		to, err := Next(r, ev)
		if err != nil {
			return "", fmt.Errorf("soa: replay: entry %d: %w", i+2, err)
		}
		if ev == EventCountersign {
			marker := r.CreatedAt
			r.AgentSignedAt = &marker
		}
		r.Status = to
	}
	return r.Status, nil
}
