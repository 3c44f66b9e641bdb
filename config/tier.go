package config

import (
	"fmt"
	"slices"

	"github.com/ruteri/leasestore/interfaces"
)

// TierDevelopment is the only tier in which the default policy allows the
// local filesystem backend.
const TierDevelopment = "development"

// TierPolicy decides which backend types may run in a deployment tier.
type TierPolicy struct {
	// Allowed lists, per backend type, the tiers it may run in. A backend
	// type without an entry is allowed everywhere.
	Allowed map[BackendType][]string
}

// DefaultTierPolicy restricts the local filesystem backend to development.
func DefaultTierPolicy() TierPolicy {
	return TierPolicy{
		Allowed: map[BackendType][]string{
			BackendLocal: {TierDevelopment},
		},
	}
}

// Check returns ErrConfiguration when backend is disallowed in tier.
func (p TierPolicy) Check(tier string, backend BackendType) error {
	tiers, restricted := p.Allowed[backend]
	if !restricted {
		return nil
	}
	if tier == "" {
		return fmt.Errorf("%w: tier is required for backend %s", interfaces.ErrConfiguration, backend)
	}
	if !slices.Contains(tiers, tier) {
		return fmt.Errorf("%w: backend %s is not allowed in tier %q", interfaces.ErrConfiguration, backend, tier)
	}
	return nil
}
