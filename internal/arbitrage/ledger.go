package arbitrage

import "github.com/shopspring/decimal"

// BalanceReader exposes the current simulated balance.
type BalanceReader interface {
	Balance() decimal.Decimal
}

// Ledger is the simulated account credited with every accepted opportunity.
// It has a single owner and is not safe for concurrent use.
type Ledger struct {
	balance decimal.Decimal
}

// NewLedger starts a ledger at the given balance.
func NewLedger(start decimal.Decimal) *Ledger {
	return &Ledger{balance: start}
}

// Apply credits spread × quantity and returns the new balance.
func (l *Ledger) Apply(opp Opportunity) decimal.Decimal {
	l.balance = l.balance.Add(opp.Profit())
	return l.balance
}

// Balance returns the current balance.
func (l *Ledger) Balance() decimal.Decimal {
	return l.balance
}
