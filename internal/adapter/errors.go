package adapter

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when the transport has no live
// connection.
var ErrNotConnected = errors.New("websocket not connected")

// ProtocolError reports a frame that did not match the exchange's documented
// message shapes.
type ProtocolError struct {
	Exchange Exchange
	Reason   string
	Raw      []byte
	Err      error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: protocol error: %s: %v", e.Exchange, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: protocol error: %s", e.Exchange, e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Protocol is shorthand for building a ProtocolError inside adapters.
func Protocol(exchange Exchange, raw []byte, err error, format string, args ...any) *ProtocolError {
	return &ProtocolError{
		Exchange: exchange,
		Reason:   fmt.Sprintf(format, args...),
		Raw:      raw,
		Err:      err,
	}
}

// TransportError operations.
const (
	// OpReceive marks a lost connection. The transport reconnects and the
	// feed invalidates the book, so it is recoverable.
	OpReceive = "receive"
	// OpSend marks a failed write, such as a subscription that could not
	// be sent.
	OpSend = "send"
)

// TransportError reports a lost connection or a failed send/receive.
type TransportError struct {
	Exchange Exchange
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
