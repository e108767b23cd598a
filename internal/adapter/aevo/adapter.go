// Package aevo decodes the Aevo public order book channel.
package aevo

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/caesar-terminal/arbiter/internal/adapter"
)

// URL is the public Aevo websocket endpoint.
const URL = "wss://ws.aevo.xyz"

// Aevo closes connections that have sent nothing for 15 minutes. Any
// outbound frame resets that window, so a ping well inside it is enough.
const keepaliveInterval = time.Minute

var pingPayload = []byte(`{"op":"ping"}`)

// Aevo request envelope, used for subscribe and ping.
type request struct {
	Op   string   `json:"op"`
	Data []string `json:"data,omitempty"`
}

// rawEnvelope is used for shape detection before full parsing. data is
// either the subscription ack (a list of channel names) or a book payload.
type rawEnvelope struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Op      string          `json:"op"`
}

type rawBook struct {
	Type           string     `json:"type"`
	InstrumentName string     `json:"instrument_name"`
	Bids           []rawLevel `json:"bids"`
	Asks           []rawLevel `json:"asks"`
}

// rawLevel is [price, amount, ...]; Aevo appends implied volatility for
// options, which does not affect the book.
type rawLevel []string

// Adapter implements adapter.Adapter for Aevo.
type Adapter struct{}

// New returns an Aevo adapter.
func New() *Adapter { return &Adapter{} }

func (*Adapter) Exchange() adapter.Exchange { return adapter.ExchangeAevo }

// SubscribeRequest names the orderbook channel for an instrument such as
// "BTC-PERP".
func (*Adapter) SubscribeRequest(instrument string) ([]byte, error) {
	if instrument == "" {
		return nil, fmt.Errorf("aevo: empty instrument")
	}
	return json.Marshal(request{Op: "subscribe", Data: []string{"orderbook:" + instrument}})
}

func (*Adapter) KeepalivePolicy() adapter.KeepalivePolicy {
	return adapter.KeepalivePolicy{Interval: keepaliveInterval, Payload: pingPayload}
}

// Decode parses one Aevo frame. Snapshots are full replaces wherever they
// appear in the stream; updates expand into one event per level.
func (a *Adapter) Decode(raw []byte) (adapter.Decoded, error) {
	var env rawEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeAevo, raw, err, "invalid JSON")
	}

	if env.Error != "" {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeAevo, raw, nil, "exchange error: %s", env.Error)
	}

	data := bytes.TrimSpace(env.Data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		if env.Op == "pong" {
			return adapter.Decoded{}, nil
		}
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeAevo, raw, nil, "missing data")
	case data[0] == '[':
		var channels []string
		if err := json.Unmarshal(data, &channels); err != nil {
			return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeAevo, raw, err, "malformed subscription ack")
		}
		return adapter.Decoded{Ack: true}, nil
	case data[0] == '{':
		return a.decodeBook(raw, data)
	default:
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeAevo, raw, nil, "unexpected data %s", data)
	}
}

func (a *Adapter) decodeBook(raw, data []byte) (adapter.Decoded, error) {
	var book rawBook
	if err := json.Unmarshal(data, &book); err != nil {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeAevo, raw, err, "malformed book")
	}

	switch book.Type {
	case "snapshot", "update":
	case "":
		// Pong replies arrive as {"id":..,"data":{"timestamp":..}}.
		if book.Bids == nil && book.Asks == nil {
			return adapter.Decoded{}, nil
		}
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeAevo, raw, nil, "book without type")
	default:
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeAevo, raw, nil, "unknown book type %q", book.Type)
	}

	bids, err := parseLevels(book.Bids)
	if err != nil {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeAevo, raw, err, "bids")
	}
	asks, err := parseLevels(book.Asks)
	if err != nil {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeAevo, raw, err, "asks")
	}

	if book.Type == "snapshot" {
		return adapter.Decoded{
			Events: []adapter.Event{adapter.Snapshot(adapter.ExchangeAevo, bids, asks)},
			Book:   true,
		}, nil
	}
	return adapter.Decoded{
		Events: adapter.Updates(adapter.ExchangeAevo, bids, asks),
		Book:   true,
	}, nil
}

func parseLevels(raw []rawLevel) ([]adapter.PriceLevel, error) {
	levels := make([]adapter.PriceLevel, 0, len(raw))
	for i, r := range raw {
		if len(r) < 2 {
			return nil, fmt.Errorf("level %d: want [price, amount], got %d fields", i, len(r))
		}
		l, err := adapter.ParseLevel(r[0], r[1])
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		levels = append(levels, l)
	}
	return levels, nil
}
