package broker

import (
	"errors"
	"strings"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

var (
	ErrNotConnected       = errors.New("broker: not connected")
	ErrConnectionFailed   = errors.New("broker: connection failed")
	ErrStreamUnavailable  = errors.New("broker: stream unavailable")
	ErrSubscribeTimeout   = errors.New("broker: subscribe timed out")
	ErrConsumerConflict   = errors.New("broker: consumer exists with different configuration")
	ErrInvalidSubject     = errors.New("broker: invalid subject")
	ErrNilHandler         = errors.New("broker: nil message handler")
	ErrSubscriptionClosed = errors.New("broker: subscription already closed")
)

// IsConnectivityError reports whether err looks like a transport problem
// (timeouts, refused or dropped connections) rather than a broker-side rejection.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, nats.ErrTimeout) ||
		errors.Is(err, nats.ErrNoServers) ||
		errors.Is(err, nats.ErrDisconnected) ||
		errors.Is(err, nats.ErrConnectionClosed) ||
		errors.Is(err, nats.ErrNoResponders) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "i/o timeout")
}
