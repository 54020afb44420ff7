package subscription

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseExternalReference(t *testing.T) {
	tests := []struct {
		name   string
		ref    string
		owner  Owner
		planID string
		ok     bool
	}{
		{name: "user", ref: "user:u-1:plan_basic", owner: Owner{Kind: OwnerUser, ID: "u-1"}, planID: "plan_basic", ok: true},
		{name: "establishment", ref: "establishment:e-9:pro", owner: Owner{Kind: OwnerEstablishment, ID: "e-9"}, planID: "pro", ok: true},
		{name: "plan with colon", ref: "user:u-1:pro:yearly", owner: Owner{Kind: OwnerUser, ID: "u-1"}, planID: "pro:yearly", ok: true},
		{name: "unknown kind", ref: "tenant:t-1:pro", ok: false},
		{name: "missing plan", ref: "user:u-1:", ok: false},
		{name: "empty", ref: "", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			owner, planID, ok := ParseExternalReference(tt.ref)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.owner, owner)
				assert.Equal(t, tt.planID, planID)
			}
		})
	}
}

func TestExternalReference_RoundTrip(t *testing.T) {
	owner := Owner{Kind: OwnerEstablishment, ID: "e-42"}
	ref := ExternalReference(owner, "pro")
	assert.Equal(t, "establishment:e-42:pro", ref)

	gotOwner, gotPlan, ok := ParseExternalReference(ref)
	assert.True(t, ok)
	assert.Equal(t, owner, gotOwner)
	assert.Equal(t, "pro", gotPlan)
}

func TestSubscription_OwnerPrefersEstablishment(t *testing.T) {
	sub := &Subscription{
		UserID:          sql.NullString{String: "u-1", Valid: true},
		EstablishmentID: sql.NullString{String: "e-1", Valid: true},
	}
	assert.Equal(t, Owner{Kind: OwnerEstablishment, ID: "e-1"}, sub.Owner())

	sub.EstablishmentID = sql.NullString{}
	assert.Equal(t, Owner{Kind: OwnerUser, ID: "u-1"}, sub.Owner())
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.True(t, StatusCanceled.IsTerminal())
	assert.True(t, StatusSuspended.IsTerminal())
	assert.False(t, StatusPastDue.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
	assert.False(t, StatusTrial.IsTerminal())
}
