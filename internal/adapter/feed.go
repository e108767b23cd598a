package adapter

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// SessionState is where a feed is in the subscribe handshake.
type SessionState int32

const (
	StateDisconnected SessionState = iota
	StateConnected
	StateSubscribed
	StateStreaming
)

func (s SessionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Transport is the part of WSClient a Feed depends on.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Frames() <-chan Frame
}

// Feed drives one exchange adapter over one transport: it sends the
// subscription on every (re)connect, decodes inbound frames and pushes the
// resulting canonical events, in order, onto a shared stream.
type Feed struct {
	adapter    Adapter
	transport  Transport
	instrument string
	log        *zap.Logger

	state atomic.Int32
	now   func() time.Time
}

// NewFeed creates a Feed for instrument on the given adapter and transport.
func NewFeed(a Adapter, t Transport, instrument string, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{
		adapter:    a,
		transport:  t,
		instrument: instrument,
		log:        log.With(zap.String("exchange", string(a.Exchange()))),
		now:        time.Now,
	}
}

// Exchange returns the exchange this feed decodes.
func (f *Feed) Exchange() Exchange { return f.adapter.Exchange() }

// State returns the current handshake state.
func (f *Feed) State() SessionState { return SessionState(f.state.Load()) }

// Run consumes the transport until it closes or ctx is cancelled. Decoded
// events go to out; ProtocolErrors and TransportErrors go to errs so the
// caller can apply its error policy.
func (f *Feed) Run(ctx context.Context, out chan<- Event, errs chan<- error) error {
	frames := f.transport.Frames()
	for {
		var (
			frame Frame
			ok    bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok = <-frames:
		}
		if !ok {
			return ctx.Err()
		}

		switch frame.Kind {
		case FrameConnected:
			if err := f.subscribe(ctx); err != nil {
				return err
			}
		case FrameDisconnected:
			prev := f.setState(StateDisconnected)
			f.log.Warn("feed disconnected", zap.Stringer("was", prev), zap.Error(frame.Err))
			if !send(ctx, out, f.stamp(Disconnect(f.Exchange()))) {
				return ctx.Err()
			}
			if !send(ctx, errs, error(&TransportError{Exchange: f.Exchange(), Op: OpReceive, Err: frame.Err})) {
				return ctx.Err()
			}
		case FrameData:
			if !f.handle(ctx, frame.Data, out, errs) {
				return ctx.Err()
			}
		}
	}
}

func (f *Feed) subscribe(ctx context.Context) error {
	f.setState(StateConnected)
	req, err := f.adapter.SubscribeRequest(f.instrument)
	if err != nil {
		return err
	}
	if err := f.transport.Send(ctx, req); err != nil {
		return &TransportError{Exchange: f.Exchange(), Op: OpSend, Err: err}
	}
	f.log.Info("subscription sent", zap.String("instrument", f.instrument))
	return nil
}

func (f *Feed) handle(ctx context.Context, raw []byte, out chan<- Event, errs chan<- error) bool {
	decoded, err := f.adapter.Decode(raw)
	if err != nil {
		f.log.Debug("received", zap.ByteString("raw", raw), zap.Error(err))
		return send(ctx, errs, err)
	}

	if decoded.Ack && f.State() == StateConnected {
		f.setState(StateSubscribed)
	}

	events := decoded.Events
	if decoded.Book && f.State() != StateStreaming {
		f.setState(StateStreaming)
		events = []Event{promote(f.Exchange(), events)}
	}

	if ce := f.log.Check(zapcore.DebugLevel, "received"); ce != nil {
		ce.Write(zap.ByteString("raw", raw), zap.Array("events", eventList(events)))
	}

	for _, ev := range events {
		if !send(ctx, out, f.stamp(ev)) {
			return false
		}
	}
	return true
}

func (f *Feed) setState(s SessionState) SessionState {
	return SessionState(f.state.Swap(int32(s)))
}

func (f *Feed) stamp(ev Event) Event {
	ev.Received = f.now()
	return ev
}

// promote turns the first book-bearing frame after subscribing into a single
// snapshot. A frame that already is a snapshot passes through unchanged.
func promote(exchange Exchange, events []Event) Event {
	if len(events) == 1 && events[0].Kind == EventSnapshot {
		return events[0]
	}

	type side struct {
		order  []string
		levels map[string]PriceLevel
	}
	sides := map[Side]*side{
		Bid: {levels: map[string]PriceLevel{}},
		Ask: {levels: map[string]PriceLevel{}},
	}
	put := func(s Side, l PriceLevel) {
		sd := sides[s]
		key := l.Price.String()
		if _, seen := sd.levels[key]; !seen {
			sd.order = append(sd.order, key)
		}
		sd.levels[key] = l
	}

	for _, ev := range events {
		switch ev.Kind {
		case EventSnapshot:
			for _, s := range sides {
				s.order, s.levels = nil, map[string]PriceLevel{}
			}
			for _, l := range ev.Bids {
				put(Bid, l)
			}
			for _, l := range ev.Asks {
				put(Ask, l)
			}
		case EventUpdate:
			if _, ok := sides[ev.Side]; ok {
				put(ev.Side, PriceLevel{Price: ev.Price, Quantity: ev.Quantity})
			}
		}
	}

	flatten := func(sd *side) []PriceLevel {
		out := make([]PriceLevel, 0, len(sd.order))
		for _, key := range sd.order {
			if l := sd.levels[key]; l.Quantity.IsPositive() {
				out = append(out, l)
			}
		}
		return out
	}
	return Snapshot(exchange, flatten(sides[Bid]), flatten(sides[Ask]))
}

func send[T any](ctx context.Context, ch chan<- T, v T) bool {
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

type eventList []Event

func (l eventList) MarshalLogArray(enc zapcore.ArrayEncoder) error {
	for _, ev := range l {
		if err := enc.AppendObject(ev); err != nil {
			return err
		}
	}
	return nil
}

// MarshalLogObject renders an event for trace logging.
func (ev Event) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("kind", ev.Kind.String())
	switch ev.Kind {
	case EventSnapshot:
		enc.AddInt("bids", len(ev.Bids))
		enc.AddInt("asks", len(ev.Asks))
	case EventUpdate:
		enc.AddString("side", ev.Side.String())
		enc.AddString("price", ev.Price.String())
		enc.AddString("quantity", ev.Quantity.String())
	}
	return nil
}
