package domain

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

// Quorum tracks which owning GMs have acknowledged a performance record.
type Quorum struct {
	required     mapset.Set[string]
	acknowledged mapset.Set[string]
}

// NewQuorum builds a quorum from the fee's owners and the users that have
// acknowledged so far. Duplicates in either list are collapsed.
func NewQuorum(owners, acknowledgers []string) Quorum {
	return Quorum{
		required:     mapset.NewThreadUnsafeSet(owners...),
		acknowledged: mapset.NewThreadUnsafeSet(acknowledgers...),
	}
}

// RequiredCount is the number of distinct owners.
func (q Quorum) RequiredCount() int { return q.required.Cardinality() }

// AcknowledgedCount is the number of distinct acknowledgers.
func (q Quorum) AcknowledgedCount() int { return q.acknowledged.Cardinality() }

// IsOwner reports whether userID is one of the required acknowledgers.
func (q Quorum) IsOwner(userID string) bool { return q.required.Contains(userID) }

// Reached reports whether every owner has acknowledged. A fee with no owners
// never reaches quorum.
func (q Quorum) Reached() bool {
	required := q.RequiredCount()
	return required > 0 && q.AcknowledgedCount() >= required
}

// Outstanding lists owners that have not acknowledged yet, sorted.
func (q Quorum) Outstanding() []string {
	out := q.required.Difference(q.acknowledged).ToSlice()
	slices.Sort(out)
	return out
}
