package org

import (
	"context"
	"errors"
	"time"
)

// MembershipReader abstracts repository operations for the authorizer.
type MembershipReader interface {
	Member(ctx context.Context, userID string) (Member, error)
	Delegations(ctx context.Context, agentID, delegateID string) ([]Delegation, error)
}

// Authorizer decides who may act on an agent's records: the agent, an
// organisation admin, or a user holding an active delegation. Everyone must
// belong to the record's organisation.
type Authorizer struct {
	repo MembershipReader
	now  func() time.Time
}

func NewAuthorizer(repo MembershipReader) *Authorizer {
	return &Authorizer{repo: repo, now: time.Now}
}

func (a *Authorizer) WithClock(now func() time.Time) *Authorizer {
	a.now = now
	return a
}

func (a *Authorizer) CanActFor(ctx context.Context, actorID, ownerID, organizationID string) (bool, error) {
	if actorID == "" {
		return false, nil
	}
	member, err := a.repo.Member(ctx, actorID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if member.OrganizationID != organizationID {
		return false, nil
	}
	if actorID == ownerID || member.Role == RoleAdmin {
		return true, nil
	}

	grants, err := a.repo.Delegations(ctx, ownerID, actorID)
	if err != nil {
		return false, err
	}
	now := a.now()
	for _, g := range grants {
		if g.Active(now) {
			return true, nil
		}
	}
	return false, nil
}
