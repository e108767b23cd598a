package adapter

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var errNegativeQuantity = errors.New("negative quantity")

// ParseLevel parses an exchange's decimal strings into a PriceLevel without
// going through floating point.
func ParseLevel(price, quantity string) (PriceLevel, error) {
	p, err := decimal.NewFromString(price)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("price %q: %w", price, err)
	}
	q, err := decimal.NewFromString(quantity)
	if err != nil {
		return PriceLevel{}, fmt.Errorf("quantity %q: %w", quantity, err)
	}
	if q.IsNegative() {
		return PriceLevel{}, fmt.Errorf("quantity %q: %w", quantity, errNegativeQuantity)
	}
	return PriceLevel{Price: p, Quantity: q}, nil
}

// Updates expands both sides of an incremental message into one Update
// event per level, bids first.
func Updates(exchange Exchange, bids, asks []PriceLevel) []Event {
	events := make([]Event, 0, len(bids)+len(asks))
	for _, l := range bids {
		events = append(events, Update(exchange, Bid, l.Price, l.Quantity))
	}
	for _, l := range asks {
		events = append(events, Update(exchange, Ask, l.Price, l.Quantity))
	}
	return events
}
