// Package arbitrage keeps one order book per exchange and looks for
// cross-exchange price discrepancies after every applied market event.
package arbitrage

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/caesar-terminal/arbiter/internal/adapter"
	"github.com/caesar-terminal/arbiter/internal/orderbook"
)

var (
	// ErrStaleBook is returned when an update arrives for a book that has
	// not been loaded by a snapshot since registration or the last
	// disconnect. It is expected during startup and reconnects.
	ErrStaleBook         = errors.New("update for book without snapshot")
	ErrUnknownExchange   = errors.New("exchange not registered")
	ErrAlreadyRegistered = errors.New("exchange already registered")
	ErrNegativeThreshold = errors.New("fee threshold must not be negative")
	ErrUnknownEvent      = errors.New("unknown event kind")
)

// Config holds the matching parameters.
type Config struct {
	// FeeThreshold is the spread a pair must exceed to qualify.
	FeeThreshold decimal.Decimal
	// StaleAfter excludes a book from matching when nothing has been applied
	// to it for this long. Zero disables the check.
	StaleAfter time.Duration
}

// book is one exchange's state. valid is false until the first snapshot
// and again after every disconnect.
type book struct {
	exchange adapter.Exchange
	book     *orderbook.Book
	valid    bool
	updated  time.Time
}

// Finder owns every registered exchange's order book. It is driven by a
// single goroutine and is not safe for concurrent use.
type Finder struct {
	cfg    Config
	ledger BalanceReader

	books map[adapter.Exchange]*book
	// order is registration order, used to break ties.
	order []*book

	nowFunc func() time.Time // injectable clock for testing
}

// NewFinder creates a Finder that reports resulting balances relative to
// ledger. The Finder never mutates the ledger.
func NewFinder(cfg Config, ledger BalanceReader) (*Finder, error) {
	if cfg.FeeThreshold.IsNegative() {
		return nil, ErrNegativeThreshold
	}
	return &Finder{
		cfg:     cfg,
		ledger:  ledger,
		books:   make(map[adapter.Exchange]*book),
		nowFunc: time.Now,
	}, nil
}

// Register creates an empty, not yet valid book for exchange.
func (f *Finder) Register(exchange adapter.Exchange) error {
	if _, ok := f.books[exchange]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, exchange)
	}
	b := &book{exchange: exchange, book: orderbook.New()}
	f.books[exchange] = b
	f.order = append(f.order, b)
	return nil
}

// Exchanges returns the registered exchanges in registration order.
func (f *Finder) Exchanges() []adapter.Exchange {
	out := make([]adapter.Exchange, len(f.order))
	for i, b := range f.order {
		out[i] = b.exchange
	}
	return out
}

// Valid reports whether exchange's book has been loaded by a snapshot.
func (f *Finder) Valid(exchange adapter.Exchange) bool {
	b, ok := f.books[exchange]
	return ok && b.valid
}

// Top returns the best bid and ask of exchange's book. The booleans are
// false for an empty side or an invalid book.
func (f *Finder) Top(exchange adapter.Exchange) (bid adapter.PriceLevel, hasBid bool, ask adapter.PriceLevel, hasAsk bool) {
	b, ok := f.books[exchange]
	if !ok || !b.valid {
		return
	}
	bid, hasBid = b.book.Best(adapter.Bid)
	ask, hasAsk = b.book.Best(adapter.Ask)
	return
}

// OnEvent applies ev to its exchange's book and, if that book is valid
// afterwards, returns the best arbitrage across all valid books (or nil).
func (f *Finder) OnEvent(ev adapter.Event) (*Opportunity, error) {
	b, ok := f.books[ev.Exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, ev.Exchange)
	}

	switch ev.Kind {
	case adapter.EventSnapshot:
		if err := b.book.ApplySnapshot(ev.Bids, ev.Asks); err != nil {
			// Drop the old levels too; the book cannot be trusted until
			// the next good snapshot.
			b.book.Reset()
			b.valid = false
			return nil, fmt.Errorf("%s: snapshot: %w", ev.Exchange, err)
		}
		b.valid = true
	case adapter.EventUpdate:
		if !b.valid {
			return nil, fmt.Errorf("%w: %s", ErrStaleBook, ev.Exchange)
		}
		if err := b.book.ApplyUpdate(ev.Side, ev.Price, ev.Quantity); err != nil {
			return nil, fmt.Errorf("%s: update: %w", ev.Exchange, err)
		}
	case adapter.EventDisconnect:
		b.book.Reset()
		b.valid = false
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEvent, ev.Kind)
	}

	b.updated = f.nowFunc()
	return f.match(), nil
}

// match compares the best bid of every usable book against the best ask of
// every other usable book. The largest spread wins; on a tie the pair that
// comes first in registration order (sell side, then buy side) wins.
//
// Quantity is the smaller of the two top-level quantities only.
func (f *Finder) match() *Opportunity {
	now := f.nowFunc()

	var (
		best    *Opportunity
		sellTop adapter.PriceLevel
		buyTop  adapter.PriceLevel
		found   bool
	)
	for _, sell := range f.order {
		if !f.usable(sell, now) {
			continue
		}
		bid, ok := sell.book.Best(adapter.Bid)
		if !ok {
			continue
		}
		for _, buy := range f.order {
			if buy == sell || !f.usable(buy, now) {
				continue
			}
			ask, ok := buy.book.Best(adapter.Ask)
			if !ok {
				continue
			}
			if bid.Price.LessThanOrEqual(ask.Price.Add(f.cfg.FeeThreshold)) {
				continue
			}
			spread := bid.Price.Sub(ask.Price)
			if found && !spread.GreaterThan(best.Spread) {
				continue
			}
			found = true
			sellTop, buyTop = bid, ask
			best = &Opportunity{
				SellExchange: sell.exchange,
				BuyExchange:  buy.exchange,
				Spread:       spread,
			}
		}
	}
	if !found {
		return nil
	}

	best.ID = uuid.New()
	best.Bid = sellTop.Price
	best.Ask = buyTop.Price
	best.Quantity = decimal.Min(sellTop.Quantity, buyTop.Quantity)
	best.Balance = f.ledger.Balance().Add(best.Profit())
	best.DetectedAt = now
	return best
}

func (f *Finder) usable(b *book, now time.Time) bool {
	if !b.valid {
		return false
	}
	if f.cfg.StaleAfter > 0 && now.Sub(b.updated) > f.cfg.StaleAfter {
		return false
	}
	return true
}
