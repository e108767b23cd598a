// Package dydx decodes the dYdX v4 indexer v4_orderbook channel.
//
// The indexer docs disagree with the wire in places (e.g. there is no
// clobPairId on channel_data); the shapes here follow what the server
// actually sends.
package dydx

import (
	"encoding/json"
	"fmt"

	"github.com/caesar-terminal/arbiter/internal/adapter"
)

// URL is the public dYdX v4 indexer websocket endpoint.
const URL = "wss://indexer.dydx.trade/v4/ws"

const channel = "v4_orderbook"

type subscribeMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

// rawMessage covers every frame type. contents is decoded according to type.
type rawMessage struct {
	Type     string          `json:"type"`
	Channel  string          `json:"channel"`
	ID       string          `json:"id"`
	Message  string          `json:"message"`
	Contents json.RawMessage `json:"contents"`
}

// subscribed contents use named levels.
type rawSubscribed struct {
	Bids []rawNamedLevel `json:"bids"`
	Asks []rawNamedLevel `json:"asks"`
}

type rawNamedLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// channel_data contents use [price, size] tuples.
type rawChannelData struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

// Adapter implements adapter.Adapter for dYdX.
type Adapter struct{}

// New returns a dYdX adapter.
func New() *Adapter { return &Adapter{} }

func (*Adapter) Exchange() adapter.Exchange { return adapter.ExchangeDydx }

// SubscribeRequest subscribes to the order book of a market such as
// "BTC-USD".
func (*Adapter) SubscribeRequest(instrument string) ([]byte, error) {
	if instrument == "" {
		return nil, fmt.Errorf("dydx: empty instrument")
	}
	return json.Marshal(subscribeMsg{Type: "subscribe", Channel: channel, ID: instrument})
}

// KeepalivePolicy is empty: the indexer pings and the transport answers.
func (*Adapter) KeepalivePolicy() adapter.KeepalivePolicy {
	return adapter.KeepalivePolicy{}
}

func (a *Adapter) Decode(raw []byte) (adapter.Decoded, error) {
	var msg rawMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeDydx, raw, err, "invalid JSON")
	}

	switch msg.Type {
	case "connected", "unsubscribed":
		return adapter.Decoded{}, nil
	case "error":
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeDydx, raw, nil, "exchange error: %s", msg.Message)
	case "subscribed":
		return a.decodeSubscribed(raw, msg)
	case "channel_data":
		return a.decodeChannelData(raw, msg)
	case "channel_batch_data":
		return a.decodeBatch(raw, msg)
	case "":
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeDydx, raw, nil, "missing type")
	default:
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeDydx, raw, nil, "unknown message type %q", msg.Type)
	}
}

func (a *Adapter) decodeSubscribed(raw []byte, msg rawMessage) (adapter.Decoded, error) {
	if msg.Channel != "" && msg.Channel != channel {
		return adapter.Decoded{Ack: true}, nil
	}
	if len(msg.Contents) == 0 {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeDydx, raw, nil, "subscribed without contents")
	}

	var c rawSubscribed
	if err := json.Unmarshal(msg.Contents, &c); err != nil {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeDydx, raw, err, "malformed subscribed contents")
	}
	bids, err := parseNamed(c.Bids)
	if err != nil {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeDydx, raw, err, "bids")
	}
	asks, err := parseNamed(c.Asks)
	if err != nil {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeDydx, raw, err, "asks")
	}

	return adapter.Decoded{
		Events: []adapter.Event{adapter.Snapshot(adapter.ExchangeDydx, bids, asks)},
		Ack:    true,
		Book:   true,
	}, nil
}

func (a *Adapter) decodeChannelData(raw []byte, msg rawMessage) (adapter.Decoded, error) {
	if len(msg.Contents) == 0 {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeDydx, raw, nil, "channel_data without contents")
	}
	var c rawChannelData
	if err := json.Unmarshal(msg.Contents, &c); err != nil {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeDydx, raw, err, "malformed channel_data contents")
	}
	events, err := updates(c)
	if err != nil {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeDydx, raw, err, "channel_data")
	}
	return adapter.Decoded{Events: events, Book: true}, nil
}

func (a *Adapter) decodeBatch(raw []byte, msg rawMessage) (adapter.Decoded, error) {
	var batch []rawChannelData
	if err := json.Unmarshal(msg.Contents, &batch); err != nil {
		return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeDydx, raw, err, "malformed channel_batch_data contents")
	}
	var events []adapter.Event
	for i, c := range batch {
		evs, err := updates(c)
		if err != nil {
			return adapter.Decoded{}, adapter.Protocol(adapter.ExchangeDydx, raw, err, "batch entry %d", i)
		}
		events = append(events, evs...)
	}
	return adapter.Decoded{Events: events, Book: true}, nil
}

func updates(c rawChannelData) ([]adapter.Event, error) {
	bids, err := parseTuples(c.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseTuples(c.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}
	return adapter.Updates(adapter.ExchangeDydx, bids, asks), nil
}

func parseNamed(raw []rawNamedLevel) ([]adapter.PriceLevel, error) {
	levels := make([]adapter.PriceLevel, 0, len(raw))
	for i, r := range raw {
		l, err := adapter.ParseLevel(r.Price, r.Size)
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		levels = append(levels, l)
	}
	return levels, nil
}

func parseTuples(raw [][2]string) ([]adapter.PriceLevel, error) {
	levels := make([]adapter.PriceLevel, 0, len(raw))
	for i, r := range raw {
		l, err := adapter.ParseLevel(r[0], r[1])
		if err != nil {
			return nil, fmt.Errorf("level %d: %w", i, err)
		}
		levels = append(levels, l)
	}
	return levels, nil
}
