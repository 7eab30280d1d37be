package exchange

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Reconciler resolves two independent hour confirmations into a settled
// amount, or flags them as divergent.
type Reconciler struct {
	// Tolerance is the maximum allowed divergence between confirmations.
	Tolerance decimal.Decimal
	// Granularity is the minimum hour increment; averages are rounded to it.
	Granularity decimal.Decimal
	// MaxHours bounds a single confirmation.
	MaxHours decimal.Decimal
}

// Outcome is the reconciler's verdict once both confirmations are present.
type Outcome struct {
	// Agreed is true when the confirmations fall within tolerance.
	Agreed bool
	// FinalHours is the settled amount; only meaningful when Agreed.
	FinalHours decimal.Decimal
	// Divergence is the absolute difference between the confirmations.
	Divergence decimal.Decimal
}

// ValidateHours checks that h is a positive multiple of the granularity not
// exceeding the per-exchange bound.
func (r Reconciler) ValidateHours(h decimal.Decimal) error {
	if !h.IsPositive() {
		return fmt.Errorf("%w: hours must be positive", ErrValidation)
	}
	if h.GreaterThan(r.MaxHours) {
		return fmt.Errorf("%w: hours exceed maximum of %s", ErrValidation, r.MaxHours)
	}
	if !h.Mod(r.Granularity).IsZero() {
		return fmt.Errorf("%w: hours must be a multiple of %s", ErrValidation, r.Granularity)
	}
	return nil
}

// Reconcile compares the two confirmations. Within tolerance the final amount
// is their average rounded to the granularity; outside it the exchange is a
// dispute for a broker to resolve.
func (r Reconciler) Reconcile(requesterHours, providerHours decimal.Decimal) Outcome {
	divergence := requesterHours.Sub(providerHours).Abs()
	if divergence.GreaterThan(r.Tolerance) {
		return Outcome{Agreed: false, Divergence: divergence}
	}

	avg := requesterHours.Add(providerHours).Div(decimal.NewFromInt(2))
	return Outcome{
		Agreed:     true,
		FinalHours: r.roundToGranularity(avg),
		Divergence: divergence,
	}
}

func (r Reconciler) roundToGranularity(h decimal.Decimal) decimal.Decimal {
	steps := h.Div(r.Granularity).Round(0)
	return steps.Mul(r.Granularity)
}
