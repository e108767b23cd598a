package arbitrage

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/arbiter/internal/adapter"
	"github.com/caesar-terminal/arbiter/internal/orderbook"
)

const (
	exA adapter.Exchange = "alpha"
	exB adapter.Exchange = "beta"
	exC adapter.Exchange = "gamma"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func lvl(price, qty string) adapter.PriceLevel {
	return adapter.PriceLevel{Price: d(price), Quantity: d(qty)}
}

func levels(ls ...adapter.PriceLevel) []adapter.PriceLevel { return ls }

func newFinder(t *testing.T, cfg Config, ledger BalanceReader, exchanges ...adapter.Exchange) *Finder {
	t.Helper()
	f, err := NewFinder(cfg, ledger)
	require.NoError(t, err)
	for _, ex := range exchanges {
		require.NoError(t, f.Register(ex))
	}
	return f
}

func TestFinder_MatchingDeterminism(t *testing.T) {
	ledger := NewLedger(d("1"))
	f := newFinder(t, Config{}, ledger, exA, exB)

	opp, err := f.OnEvent(adapter.Snapshot(exA, levels(lvl("68118.8", "3.3")), levels(lvl("68130", "1"))))
	require.NoError(t, err)
	assert.Nil(t, opp, "only one valid book")

	opp, err = f.OnEvent(adapter.Snapshot(exB, levels(lvl("68100", "1")), levels(lvl("68110.8", "0.003"))))
	require.NoError(t, err)
	require.NotNil(t, opp)

	assert.Equal(t, exA, opp.SellExchange)
	assert.Equal(t, exB, opp.BuyExchange)
	assert.Equal(t, "8", opp.Spread.String())
	assert.Equal(t, "0.003", opp.Quantity.String())
	assert.Equal(t, "0.024", opp.Profit().String())
	assert.Equal(t, "1.024", opp.Balance.String())
	assert.True(t, opp.Bid.Equal(d("68118.8")))
	assert.True(t, opp.Ask.Equal(d("68110.8")))

	// The finder only reports; the ledger moves when the caller applies.
	assert.Equal(t, "1", ledger.Balance().String())
	assert.Equal(t, "1.024", ledger.Apply(*opp).String())
}

// Worked example: top of book 68117.8 / 2.203 against 68110.8 / 0.003 from
// a 0.5 starting balance. Arithmetic is exact decimal, no rounding.
func TestFinder_WorkedExample(t *testing.T) {
	ledger := NewLedger(d("0.5"))
	f := newFinder(t, Config{}, ledger, exA, exB)

	_, err := f.OnEvent(adapter.Snapshot(exB, nil, levels(lvl("68110.8", "0.003"), lvl("68111", "5"))))
	require.NoError(t, err)
	opp, err := f.OnEvent(adapter.Snapshot(exA, levels(lvl("68117.8", "2.203"), lvl("68100", "9")), nil))
	require.NoError(t, err)
	require.NotNil(t, opp)

	assert.Equal(t, "7", opp.Spread.String())
	assert.Equal(t, "0.003", opp.Quantity.String())
	assert.Equal(t, "0.521", opp.Balance.String())
	ledger.Apply(*opp)
	assert.Equal(t, "0.521", ledger.Balance().String())
}

func TestFinder_UpdateBeforeSnapshotIsStale(t *testing.T) {
	ledger := NewLedger(d("0"))
	f := newFinder(t, Config{}, ledger, exA, exB)

	_, err := f.OnEvent(adapter.Snapshot(exB, nil, levels(lvl("100", "1"))))
	require.NoError(t, err)

	opp, err := f.OnEvent(adapter.Update(exA, adapter.Bid, d("200"), d("1")))
	assert.ErrorIs(t, err, ErrStaleBook)
	assert.Nil(t, opp)
	assert.False(t, f.Valid(exA))
	assert.True(t, ledger.Balance().IsZero())

	_, hasBid, _, _ := f.Top(exA)
	assert.False(t, hasBid)
}

func TestFinder_DisconnectInvalidates(t *testing.T) {
	f := newFinder(t, Config{}, NewLedger(d("0")), exA, exB)

	_, err := f.OnEvent(adapter.Snapshot(exA, levels(lvl("105", "1")), nil))
	require.NoError(t, err)
	_, err = f.OnEvent(adapter.Snapshot(exB, nil, levels(lvl("110", "1"))))
	require.NoError(t, err)

	opp, err := f.OnEvent(adapter.Disconnect(exA))
	require.NoError(t, err)
	assert.Nil(t, opp)
	assert.False(t, f.Valid(exA))

	_, err = f.OnEvent(adapter.Update(exA, adapter.Bid, d("200"), d("1")))
	assert.ErrorIs(t, err, ErrStaleBook)

	// A fresh snapshot restores the book, without any pre-disconnect levels.
	opp, err = f.OnEvent(adapter.Snapshot(exA, levels(lvl("100", "1")), nil))
	require.NoError(t, err)
	assert.Nil(t, opp)
	bid, hasBid, _, _ := f.Top(exA)
	require.True(t, hasBid)
	assert.True(t, bid.Price.Equal(d("100")))
}

func TestFinder_NoArbitrage(t *testing.T) {
	ledger := NewLedger(d("3"))
	f := newFinder(t, Config{}, ledger, exA, exB)

	_, err := f.OnEvent(adapter.Snapshot(exA, levels(lvl("100", "1")), levels(lvl("101", "1"))))
	require.NoError(t, err)
	opp, err := f.OnEvent(adapter.Snapshot(exB, levels(lvl("100.5", "1")), levels(lvl("101", "1"))))
	require.NoError(t, err)
	assert.Nil(t, opp)

	// Equal prices are not an opportunity either.
	opp, err = f.OnEvent(adapter.Update(exA, adapter.Bid, d("101"), d("1")))
	require.NoError(t, err)
	assert.Nil(t, opp)
	assert.Equal(t, "3", ledger.Balance().String())
}

func TestFinder_FeeThreshold(t *testing.T) {
	f := newFinder(t, Config{FeeThreshold: d("0.5")}, NewLedger(d("0")), exA, exB)

	_, err := f.OnEvent(adapter.Snapshot(exA, levels(lvl("100.5", "1")), nil))
	require.NoError(t, err)
	opp, err := f.OnEvent(adapter.Snapshot(exB, nil, levels(lvl("100", "1"))))
	require.NoError(t, err)
	assert.Nil(t, opp, "spread equal to threshold must not qualify")

	opp, err = f.OnEvent(adapter.Update(exA, adapter.Bid, d("100.51"), d("2")))
	require.NoError(t, err)
	require.NotNil(t, opp)
	assert.Equal(t, "0.51", opp.Spread.String())
	assert.Equal(t, "1", opp.Quantity.String())
}

func TestFinder_NegativeThresholdRejected(t *testing.T) {
	_, err := NewFinder(Config{FeeThreshold: d("-1")}, NewLedger(d("0")))
	assert.ErrorIs(t, err, ErrNegativeThreshold)
}

func TestFinder_EmptySideSkipped(t *testing.T) {
	f := newFinder(t, Config{}, NewLedger(d("0")), exA, exB)

	_, err := f.OnEvent(adapter.Snapshot(exA, nil, levels(lvl("1", "1"))))
	require.NoError(t, err)
	opp, err := f.OnEvent(adapter.Snapshot(exB, nil, levels(lvl("1", "1"))))
	require.NoError(t, err)
	assert.Nil(t, opp)
}

func TestFinder_LargestSpreadWins(t *testing.T) {
	f := newFinder(t, Config{}, NewLedger(d("0")), exA, exB, exC)

	_, err := f.OnEvent(adapter.Snapshot(exA, levels(lvl("105", "1")), levels(lvl("120", "1"))))
	require.NoError(t, err)
	_, err = f.OnEvent(adapter.Snapshot(exB, levels(lvl("90", "1")), levels(lvl("102", "1"))))
	require.NoError(t, err)
	opp, err := f.OnEvent(adapter.Snapshot(exC, levels(lvl("110", "2")), levels(lvl("100", "4"))))
	require.NoError(t, err)
	require.NotNil(t, opp)

	// Candidates: A→B 3, A→C 5, C→B 8, C→A none (110 < 120).
	assert.Equal(t, exC, opp.SellExchange)
	assert.Equal(t, exB, opp.BuyExchange)
	assert.Equal(t, "8", opp.Spread.String())
}

func TestFinder_TieBreaksOnRegistrationOrder(t *testing.T) {
	f := newFinder(t, Config{}, NewLedger(d("0")), exC, exA, exB)

	_, err := f.OnEvent(adapter.Snapshot(exA, levels(lvl("105", "1")), nil))
	require.NoError(t, err)
	_, err = f.OnEvent(adapter.Snapshot(exB, levels(lvl("105", "1")), nil))
	require.NoError(t, err)
	opp, err := f.OnEvent(adapter.Snapshot(exC, nil, levels(lvl("100", "1"))))
	require.NoError(t, err)
	require.NotNil(t, opp)

	// A→C and B→C both spread 5; A was registered before B.
	assert.Equal(t, exA, opp.SellExchange)
	assert.Equal(t, exC, opp.BuyExchange)
}

func TestFinder_ZeroQuantityUpdateRemovesTop(t *testing.T) {
	f := newFinder(t, Config{}, NewLedger(d("0")), exA, exB)

	_, err := f.OnEvent(adapter.Snapshot(exA, levels(lvl("105", "1"), lvl("99", "1")), nil))
	require.NoError(t, err)
	opp, err := f.OnEvent(adapter.Snapshot(exB, nil, levels(lvl("100", "1"))))
	require.NoError(t, err)
	require.NotNil(t, opp)

	opp, err = f.OnEvent(adapter.Update(exA, adapter.Bid, d("105"), decimal.Zero))
	require.NoError(t, err)
	assert.Nil(t, opp)
}

func TestFinder_UnknownExchange(t *testing.T) {
	f := newFinder(t, Config{}, NewLedger(d("0")), exA)

	_, err := f.OnEvent(adapter.Snapshot(exB, nil, nil))
	assert.ErrorIs(t, err, ErrUnknownExchange)
	assert.ErrorIs(t, f.Register(exA), ErrAlreadyRegistered)
	assert.Equal(t, []adapter.Exchange{exA}, f.Exchanges())
}

func TestFinder_StaleBooksExcluded(t *testing.T) {
	f := newFinder(t, Config{StaleAfter: time.Second}, NewLedger(d("0")), exA, exB)
	now := time.UnixMilli(1700000000000)
	f.nowFunc = func() time.Time { return now }

	_, err := f.OnEvent(adapter.Snapshot(exA, levels(lvl("105", "1")), nil))
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	opp, err := f.OnEvent(adapter.Snapshot(exB, nil, levels(lvl("100", "1"))))
	require.NoError(t, err)
	assert.Nil(t, opp, "alpha has not updated within StaleAfter")

	opp, err = f.OnEvent(adapter.Update(exA, adapter.Bid, d("104"), d("1")))
	require.NoError(t, err)
	require.NotNil(t, opp)
	assert.Equal(t, "5", opp.Spread.String())
}

func TestFinder_BadSnapshotClearsBook(t *testing.T) {
	f := newFinder(t, Config{}, NewLedger(d("0")), exA, exB)

	_, err := f.OnEvent(adapter.Snapshot(exA, levels(lvl("100", "1")), levels(lvl("101", "1"))))
	require.NoError(t, err)
	require.True(t, f.Valid(exA))

	_, err = f.OnEvent(adapter.Snapshot(exA, levels(lvl("100", "-1")), nil))
	require.ErrorIs(t, err, orderbook.ErrNegativeQuantity)

	assert.False(t, f.Valid(exA))
	assert.Zero(t, f.books[exA].book.Len(adapter.Bid))
	assert.Zero(t, f.books[exA].book.Len(adapter.Ask))
}
