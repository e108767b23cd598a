package adapter

import (
	"time"

	"github.com/shopspring/decimal"
)

// Exchange identifies the source of market data.
type Exchange string

func (e Exchange) String() string { return string(e) }

const (
	ExchangeAevo Exchange = "aevo"
	ExchangeDydx Exchange = "dydx"
)

// Side is one half of an order book.
type Side uint8

const (
	Bid Side = iota + 1
	Ask
)

func (s Side) String() string {
	switch s {
	case Bid:
		return "bid"
	case Ask:
		return "ask"
	default:
		return "unknown"
	}
}

// PriceLevel represents the resting quantity at a given price.
type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// EventKind tags the variant carried by an Event.
type EventKind uint8

const (
	// EventSnapshot replaces both sides of the exchange's book.
	EventSnapshot EventKind = iota + 1
	// EventUpdate sets (or, with zero quantity, removes) a single level.
	EventUpdate
	// EventDisconnect marks the exchange's book as unusable until the next
	// snapshot arrives.
	EventDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "snapshot"
	case EventUpdate:
		return "update"
	case EventDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// Event is the canonical market event every exchange adapter produces.
// Downstream consumers never look at exchange-native payloads.
//
// Bids and Asks are only set on snapshots; Side, Price and Quantity only on
// updates.
type Event struct {
	Kind     EventKind
	Exchange Exchange

	Bids []PriceLevel
	Asks []PriceLevel

	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal

	Received time.Time
}

// Snapshot builds a full-replace event.
func Snapshot(exchange Exchange, bids, asks []PriceLevel) Event {
	return Event{Kind: EventSnapshot, Exchange: exchange, Bids: bids, Asks: asks}
}

// Update builds a single-level event. A zero quantity removes the level.
func Update(exchange Exchange, side Side, price, quantity decimal.Decimal) Event {
	return Event{Kind: EventUpdate, Exchange: exchange, Side: side, Price: price, Quantity: quantity}
}

// Disconnect builds the invalidation marker emitted when a feed loses its
// transport.
func Disconnect(exchange Exchange) Event {
	return Event{Kind: EventDisconnect, Exchange: exchange}
}

// KeepalivePolicy describes what an exchange needs to keep an idle
// connection open. A zero Interval means the exchange only relies on
// transport-level ping/pong.
type KeepalivePolicy struct {
	Interval time.Duration
	Payload  []byte
}

// Decoded is the result of decoding one inbound frame.
type Decoded struct {
	Events []Event
	// Ack is set when the frame acknowledges the subscription.
	Ack bool
	// Book is set when the frame carries order book data, even if it
	// produced no events (e.g. an empty snapshot).
	Book bool
}

// Adapter translates between one exchange's websocket protocol and the
// canonical event vocabulary. Implementations hold no book state.
type Adapter interface {
	Exchange() Exchange
	SubscribeRequest(instrument string) ([]byte, error)
	KeepalivePolicy() KeepalivePolicy
	Decode(raw []byte) (Decoded, error)
}
