package engine

import (
	"errors"

	"github.com/caesar-terminal/arbiter/internal/adapter"
)

// ErrorPolicy decides what the runner does with protocol and transport
// errors reported by the feeds.
type ErrorPolicy uint8

const (
	// FailFast stops the runner on the first protocol or transport error.
	FailFast ErrorPolicy = iota
	// Continue logs the error and keeps consuming.
	Continue
)

func (p ErrorPolicy) String() string {
	switch p {
	case FailFast:
		return "fail-fast"
	case Continue:
		return "continue"
	default:
		return "unknown"
	}
}

// PolicyFor maps the --continue flag to a policy.
func PolicyFor(continueOnError bool) ErrorPolicy {
	if continueOnError {
		return Continue
	}
	return FailFast
}

// errorExchange extracts the exchange an error came from, for labelling.
func errorExchange(err error) string {
	var pe *adapter.ProtocolError
	if errors.As(err, &pe) {
		return string(pe.Exchange)
	}
	var te *adapter.TransportError
	if errors.As(err, &te) {
		return string(te.Exchange)
	}
	return "unknown"
}
