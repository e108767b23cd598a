// Package orderbook holds the bid and ask price levels of one exchange.
package orderbook

import (
	"errors"
	"iter"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/caesar-terminal/arbiter/internal/adapter"
)

var (
	ErrNegativeQuantity = errors.New("negative quantity")
	ErrInvalidSide      = errors.New("invalid side")
)

// Book is a single exchange's order book. Each side is a B-tree ordered
// best-first: bids descending, asks ascending. Levels with zero quantity
// are never stored. Crossed books are kept as the exchange sent them.
//
// A Book is not safe for concurrent use; it has exactly one owner.
type Book struct {
	bids *btree.BTreeG[adapter.PriceLevel]
	asks *btree.BTreeG[adapter.PriceLevel]
}

// New returns an empty book.
func New() *Book {
	opts := btree.Options{NoLocks: true}
	return &Book{
		bids: btree.NewBTreeGOptions(func(a, b adapter.PriceLevel) bool {
			return a.Price.GreaterThan(b.Price)
		}, opts),
		asks: btree.NewBTreeGOptions(func(a, b adapter.PriceLevel) bool {
			return a.Price.LessThan(b.Price)
		}, opts),
	}
}

func (b *Book) side(s adapter.Side) *btree.BTreeG[adapter.PriceLevel] {
	switch s {
	case adapter.Bid:
		return b.bids
	case adapter.Ask:
		return b.asks
	default:
		return nil
	}
}

// ApplySnapshot discards every level on both sides and loads the given ones.
// Zero-quantity levels are skipped; for a repeated price the last one wins.
func (b *Book) ApplySnapshot(bids, asks []adapter.PriceLevel) error {
	for _, l := range bids {
		if l.Quantity.IsNegative() {
			return ErrNegativeQuantity
		}
	}
	for _, l := range asks {
		if l.Quantity.IsNegative() {
			return ErrNegativeQuantity
		}
	}

	b.Reset()
	load(b.bids, bids)
	load(b.asks, asks)
	return nil
}

func load(tree *btree.BTreeG[adapter.PriceLevel], levels []adapter.PriceLevel) {
	for _, l := range levels {
		if l.Quantity.IsZero() {
			continue
		}
		tree.Set(l)
	}
}

// ApplyUpdate sets the level at price on side s. A zero quantity removes the
// level; removing an absent level is a no-op.
func (b *Book) ApplyUpdate(s adapter.Side, price, quantity decimal.Decimal) error {
	tree := b.side(s)
	if tree == nil {
		return ErrInvalidSide
	}
	if quantity.IsNegative() {
		return ErrNegativeQuantity
	}

	level := adapter.PriceLevel{Price: price, Quantity: quantity}
	if quantity.IsZero() {
		tree.Delete(level)
		return nil
	}
	tree.Set(level)
	return nil
}

// Best returns the top of book for side s, or false if the side is empty.
func (b *Book) Best(s adapter.Side) (adapter.PriceLevel, bool) {
	tree := b.side(s)
	if tree == nil {
		return adapter.PriceLevel{}, false
	}
	return tree.Min()
}

// Levels yields the levels of side s best-first. Each call walks the book
// as it is at that moment.
func (b *Book) Levels(s adapter.Side) iter.Seq[adapter.PriceLevel] {
	return func(yield func(adapter.PriceLevel) bool) {
		tree := b.side(s)
		if tree == nil {
			return
		}
		tree.Scan(yield)
	}
}

// Len returns the number of levels on side s.
func (b *Book) Len(s adapter.Side) int {
	tree := b.side(s)
	if tree == nil {
		return 0
	}
	return tree.Len()
}

// Reset empties both sides.
func (b *Book) Reset() {
	b.bids.Clear()
	b.asks.Clear()
}
