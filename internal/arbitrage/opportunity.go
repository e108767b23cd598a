package arbitrage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/arbiter/internal/adapter"
)

// Opportunity is a detected cross-exchange arbitrage: sell at Bid on
// SellExchange, buy at Ask on BuyExchange.
type Opportunity struct {
	ID           uuid.UUID        `json:"id"`
	SellExchange adapter.Exchange `json:"sell_exchange"`
	BuyExchange  adapter.Exchange `json:"buy_exchange"`
	Bid          decimal.Decimal  `json:"bid"`
	Ask          decimal.Decimal  `json:"ask"`
	Spread       decimal.Decimal  `json:"spread"`
	// Quantity only covers the top level of each book; deeper levels are
	// not walked.
	Quantity decimal.Decimal `json:"quantity"`
	// Balance is the ledger balance after this opportunity is applied.
	Balance    decimal.Decimal `json:"balance"`
	DetectedAt time.Time       `json:"detected_at"`
}

// Profit is spread × quantity.
func (o Opportunity) Profit() decimal.Decimal {
	return o.Spread.Mul(o.Quantity)
}
