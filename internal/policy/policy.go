// Package policy models the pluggable eligibility predicate evaluated
// before any allocation side effect. Rejections are always side-effect-free.
package policy

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/allocops/internal/domain"
)

// Verdict is the outcome of a policy evaluation. Code and Details are only
// set on rejection.
type Verdict struct {
	Approved bool
	Code     string
	Details  string
}

// Engine decides whether a request may be allocated. Implementations must
// not mutate any state.
type Engine interface {
	Evaluate(ctx context.Context, req domain.AllocationRequest) (Verdict, error)
}

// AllowAll approves every request. Used in tests and as the default when no
// policy is configured.
type AllowAll struct{}

func (AllowAll) Evaluate(context.Context, domain.AllocationRequest) (Verdict, error) {
	return Verdict{Approved: true}, nil
}

// MetadataGate rejects requests whose metadata carries a disqualifying
// marker, e.g. a suspended requester flagged by the upstream identity layer.
type MetadataGate struct {
	// DenyKey/DenyValue name the metadata entry that disqualifies.
	DenyKey   string
	DenyValue string
	Code      string
}

func (g MetadataGate) Evaluate(_ context.Context, req domain.AllocationRequest) (Verdict, error) {
	if req.Metadata[g.DenyKey] == g.DenyValue {
		return Verdict{
			Code:    g.Code,
			Details: fmt.Sprintf("metadata %s=%s disqualifies requester", g.DenyKey, g.DenyValue),
		}, nil
	}
	return Verdict{Approved: true}, nil
}

// Chain evaluates engines in order and rejects on the first rejection.
type Chain []Engine

func (c Chain) Evaluate(ctx context.Context, req domain.AllocationRequest) (Verdict, error) {
	for _, e := range c {
		v, err := e.Evaluate(ctx, req)
		if err != nil {
			return Verdict{}, err
		}
		if !v.Approved {
			return v, nil
		}
	}
	return Verdict{Approved: true}, nil
}
