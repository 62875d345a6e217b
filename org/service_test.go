package org

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeMembers struct {
	members     map[string]Member
	delegations []Delegation
	err         error
}

func (f *fakeMembers) Member(ctx context.Context, userID string) (Member, error) {
	if f.err != nil {
		return Member{}, f.err
	}
	m, ok := f.members[userID]
	if !ok {
		return Member{}, ErrNotFound
	}
	return m, nil
}

func (f *fakeMembers) Delegations(ctx context.Context, agentID, delegateID string) ([]Delegation, error) {
	var out []Delegation
	for _, d := range f.delegations {
		if d.AgentID == agentID && d.DelegateUserID == delegateID {
			out = append(out, d)
		}
	}
	return out, nil
}

func TestCanActFor(t *testing.T) {
	now := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	repo := &fakeMembers{
		members: map[string]Member{
			"owner":     {UserID: "owner", OrganizationID: "org-1", Role: RoleAgent},
			"admin":     {UserID: "admin", OrganizationID: "org-1", Role: RoleAdmin},
			"delegate":  {UserID: "delegate", OrganizationID: "org-1", Role: RoleAgent},
			"expired":   {UserID: "expired", OrganizationID: "org-1", Role: RoleAgent},
			"revoked":   {UserID: "revoked", OrganizationID: "org-1", Role: RoleAgent},
			"peer":      {UserID: "peer", OrganizationID: "org-1", Role: RoleAgent},
			"elsewhere": {UserID: "elsewhere", OrganizationID: "org-2", Role: RoleAdmin},
		},
		delegations: []Delegation{
			{AgentID: "owner", DelegateUserID: "delegate", ExpiresAt: &future},
			{AgentID: "owner", DelegateUserID: "expired", ExpiresAt: &past},
			{AgentID: "owner", DelegateUserID: "revoked", RevokedAt: &past},
		},
	}
	authz := NewAuthorizer(repo).WithClock(func() time.Time { return now })

	cases := map[string]bool{
		"owner":     true,
		"admin":     true,
		"delegate":  true,
		"expired":   false,
		"revoked":   false,
		"peer":      false,
		"elsewhere": false,
		"stranger":  false,
		"":          false,
	}
	for actor, want := range cases {
		got, err := authz.CanActFor(context.Background(), actor, "owner", "org-1")
		if err != nil {
			t.Fatalf("%q: unexpected error %v", actor, err)
		}
		if got != want {
			t.Errorf("%q: expected %v, got %v", actor, want, got)
		}
	}
}

func TestCanActForPropagatesErrors(t *testing.T) {
	authz := NewAuthorizer(&fakeMembers{err: errors.New("db down")})
	if _, err := authz.CanActFor(context.Background(), "owner", "owner", "org-1"); err == nil {
		t.Fatalf("expected repository error to surface")
	}
}
