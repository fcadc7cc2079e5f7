package costing

import "github.com/shopspring/decimal"

// ComputeWac returns the weighted average cost after receiving qtyReceived at
// unitCost on top of existingQty valued at priorWac.
//
// When the resulting quantity is zero, or there was no stock before, the new
// WAC is the incoming unit cost. The quotient is rounded half away from zero
// to Scale digits; products and sums are exact.
func ComputeWac(existingQty, priorWac, qtyReceived, unitCost decimal.Decimal) decimal.Decimal {
	total := existingQty.Add(qtyReceived)
	if total.IsZero() || existingQty.IsZero() {
		return unitCost
	}
	value := existingQty.Mul(priorWac).Add(qtyReceived.Mul(unitCost))
	return value.DivRound(total, Scale)
}
