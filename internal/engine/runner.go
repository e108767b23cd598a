// Package engine merges every feed's events into one stream and runs the
// arbitrage finder and simulated ledger over it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/caesar-terminal/arbiter/internal/adapter"
	"github.com/caesar-terminal/arbiter/internal/arbitrage"
	"github.com/caesar-terminal/arbiter/internal/metrics"
)

// Source produces one exchange's canonical events. Satisfied by
// *adapter.Feed.
type Source interface {
	Exchange() adapter.Exchange
	Run(ctx context.Context, out chan<- adapter.Event, errs chan<- error) error
}

// Publisher receives top-of-book quotes and accepted opportunities.
// Satisfied by *adapter.RedisWriter. Implementations must not block.
type Publisher interface {
	WriteQuote(q adapter.Quote)
	WriteOpportunity(v any)
}

// Config holds the runner's settings.
type Config struct {
	Policy          ErrorPolicy
	FeeThreshold    decimal.Decimal
	StaleAfter      time.Duration
	StartingBalance decimal.Decimal
	// BufferSize is the capacity of the merged event stream.
	BufferSize int
}

// Runner owns the finder and the ledger. Both are only touched by the
// consume goroutine.
type Runner struct {
	policy  ErrorPolicy
	sources []Source
	finder  *arbitrage.Finder
	ledger  *arbitrage.Ledger
	buffer  int

	log     *zap.Logger
	metrics *metrics.Metrics
	pub     Publisher
}

// Option configures optional Runner collaborators.
type Option func(*Runner)

// WithLogger sets the logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(r *Runner) { r.log = log }
}

// WithMetrics sets the metrics sink. The default is a private registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithPublisher sets where quotes and opportunities are published.
func WithPublisher(p Publisher) Option {
	return func(r *Runner) { r.pub = p }
}

// NewRunner registers one book per source, in order. Registration order
// breaks ties between equal spreads.
func NewRunner(cfg Config, sources []Source, opts ...Option) (*Runner, error) {
	ledger := arbitrage.NewLedger(cfg.StartingBalance)
	finder, err := arbitrage.NewFinder(arbitrage.Config{
		FeeThreshold: cfg.FeeThreshold,
		StaleAfter:   cfg.StaleAfter,
	}, ledger)
	if err != nil {
		return nil, err
	}
	for _, src := range sources {
		if err := finder.Register(src.Exchange()); err != nil {
			return nil, err
		}
	}

	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1024
	}
	r := &Runner{
		policy:  cfg.Policy,
		sources: sources,
		finder:  finder,
		ledger:  ledger,
		buffer:  buffer,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.metrics == nil {
		r.metrics = metrics.New()
	}
	r.metrics.Balance.Set(ledger.Balance().InexactFloat64())
	return r, nil
}

// Balance returns the ledger balance. Only call it once Run has returned.
func (r *Runner) Balance() decimal.Decimal {
	return r.ledger.Balance()
}

// Run starts every source and the consume loop. It returns nil when ctx is
// cancelled and the fatal error otherwise.
func (r *Runner) Run(ctx context.Context) error {
	events := make(chan adapter.Event, r.buffer)
	errs := make(chan error, 64)

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range r.sources {
		g.Go(func() error {
			err := src.Run(gctx, events, errs)
			if err != nil && gctx.Err() == nil {
				return fmt.Errorf("%s feed: %w", src.Exchange(), err)
			}
			return nil
		})
	}
	g.Go(func() error {
		return r.consume(gctx, events, errs)
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Runner) consume(ctx context.Context, events <-chan adapter.Event, errs <-chan error) error {
	r.log.Info("runner started",
		zap.Stringers("exchanges", r.finder.Exchanges()),
		zap.Stringer("policy", r.policy),
		zap.String("balance", r.ledger.Balance().String()),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if err := r.apply(ev); err != nil {
				return err
			}
		case err := <-errs:
			if err := r.handleError(err); err != nil {
				return err
			}
		}
	}
}

func (r *Runner) apply(ev adapter.Event) error {
	exchange := string(ev.Exchange)
	r.metrics.Events.WithLabelValues(exchange, ev.Kind.String()).Inc()

	opp, err := r.finder.OnEvent(ev)
	if err != nil {
		if errors.Is(err, arbitrage.ErrStaleBook) {
			r.metrics.StaleUpdates.WithLabelValues(exchange).Inc()
			r.log.Debug("skipping update", zap.String("exchange", exchange), zap.Error(err))
			return nil
		}
		var pe *adapter.ProtocolError
		if !errors.As(err, &pe) {
			err = &adapter.ProtocolError{Exchange: ev.Exchange, Reason: "apply " + ev.Kind.String(), Err: err}
		}
		return r.handleError(err)
	}

	if r.pub != nil && r.finder.Valid(ev.Exchange) {
		bid, _, ask, _ := r.finder.Top(ev.Exchange)
		r.pub.WriteQuote(adapter.Quote{Exchange: ev.Exchange, Bid: bid, Ask: ask, Timestamp: ev.Received})
	}

	if opp == nil {
		return nil
	}

	balance := r.ledger.Apply(*opp)
	r.log.Info("arbitrage",
		zap.String("balance", balance.String()),
		zap.String("spread", opp.Spread.String()),
		zap.String("quantity", opp.Quantity.String()),
		zap.String("sell", string(opp.SellExchange)),
		zap.String("buy", string(opp.BuyExchange)),
	)

	r.metrics.Opportunities.WithLabelValues(string(opp.SellExchange), string(opp.BuyExchange)).Inc()
	r.metrics.LastSpread.WithLabelValues(string(opp.SellExchange), string(opp.BuyExchange)).Set(opp.Spread.InexactFloat64())
	r.metrics.Balance.Set(balance.InexactFloat64())

	if r.pub != nil {
		r.pub.WriteOpportunity(opp)
	}
	return nil
}

// handleError records err and applies the policy. A non-nil return stops
// the runner. Lost connections are recovered by the transport and never
// stop it.
func (r *Runner) handleError(err error) error {
	exchange := errorExchange(err)

	var te *adapter.TransportError
	if errors.As(err, &te) {
		r.metrics.TransportErrors.WithLabelValues(exchange).Inc()
		if te.Op == adapter.OpReceive {
			r.log.Warn("connection lost, reconnecting", zap.String("exchange", exchange), zap.Error(err))
			return nil
		}
	} else {
		r.metrics.ProtocolErrors.WithLabelValues(exchange).Inc()
	}

	if r.policy == Continue {
		r.log.Warn("feed error", zap.String("exchange", exchange), zap.Error(err))
		return nil
	}
	return err
}
