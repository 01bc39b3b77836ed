package algorithm

import (
	"fmt"

	"github.com/devrev/pairdb/locator/internal/errors"
	"github.com/devrev/pairdb/locator/internal/model"
)

// DurabilityCounts is the number of copies that must report a mutation.
// Replicated includes the active copy, so ReplicateTo=N needs N+1.
type DurabilityCounts struct {
	Persisted  int
	Replicated int
}

// Met reports whether observed counts satisfy the required ones
func (c DurabilityCounts) Met(observed DurabilityCounts) bool {
	return observed.Persisted >= c.Persisted && observed.Replicated >= c.Replicated
}

// NeedsReplicas reports whether any replica has to be observed
func (c DurabilityCounts) NeedsReplicas() bool {
	return c.Persisted > 1 || c.Replicated > 1
}

// DurabilityCalculator derives observe targets from requirements
type DurabilityCalculator struct{}

// NewDurabilityCalculator creates a new durability calculator
func NewDurabilityCalculator() *DurabilityCalculator {
	return &DurabilityCalculator{}
}

// MajorityOf returns the majority of the active copy plus numReplicas replicas
func (d *DurabilityCalculator) MajorityOf(numReplicas int) int {
	return ((numReplicas + 1) / 2) + 1
}

// Required converts a client-verified requirement into counts for a bucket
// with numReplicas configured replicas. A requirement asking for more copies
// than exist fails with DurabilityImpossible.
func (d *DurabilityCalculator) Required(req model.DurabilityRequirement, numReplicas int) (DurabilityCounts, error) {
	if req.Kind() != model.RequirementClientVerified {
		return DurabilityCounts{}, nil
	}

	persisted := int(req.PersistTo())
	if req.PersistTo() == model.PersistToMajority {
		persisted = d.MajorityOf(numReplicas)
	}
	if persisted > numReplicas+1 {
		return DurabilityCounts{}, errors.DurabilityImpossible(
			fmt.Sprintf("persist_to %s exceeds %d available copies", req.PersistTo(), numReplicas+1))
	}

	replicateTo := int(req.ReplicateTo())
	if replicateTo > numReplicas {
		return DurabilityCounts{}, errors.DurabilityImpossible(
			fmt.Sprintf("replicate_to %d exceeds %d configured replicas", replicateTo, numReplicas))
	}

	return DurabilityCounts{Persisted: persisted, Replicated: replicateTo + 1}, nil
}
