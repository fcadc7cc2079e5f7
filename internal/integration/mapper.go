package integration

import "github.com/shopspring/decimal"

// monetary rounds an amount to the ledger's currency precision.
func monetary(value decimal.Decimal) decimal.Decimal {
	return value.Round(2)
}
