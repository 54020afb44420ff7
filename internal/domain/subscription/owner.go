package subscription

import (
	"fmt"
	"strings"
)

type OwnerKind string

const (
	OwnerUser          OwnerKind = "user"
	OwnerEstablishment OwnerKind = "establishment"
)

type Owner struct {
	Kind OwnerKind
	ID   string
}

func (o Owner) Valid() bool {
	return (o.Kind == OwnerUser || o.Kind == OwnerEstablishment) && o.ID != ""
}

// ExternalReference encodes owner and plan as "<kind>:<ownerId>:<planId>".
// Providers echo it back on every payment.
func ExternalReference(owner Owner, planID string) string {
	return fmt.Sprintf("%s:%s:%s", owner.Kind, owner.ID, planID)
}

// ParseExternalReference is the inverse of ExternalReference.
func ParseExternalReference(ref string) (Owner, string, bool) {
	parts := strings.SplitN(strings.TrimSpace(ref), ":", 3)
	if len(parts) != 3 {
		return Owner{}, "", false
	}

	owner := Owner{Kind: OwnerKind(parts[0]), ID: parts[1]}
	if !owner.Valid() || parts[2] == "" {
		return Owner{}, "", false
	}

	return owner, parts[2], true
}
