// Package match turns a flood of independent accept messages into exactly
// one confirmed pairing. The requester is the sole arbiter for its own
// request; providers only propose, and everyone else converges passively by
// re-reading the shared record.
package match

import (
	"time"

	"go.uber.org/zap"

	"hailmesh/internal/lifecycle"
	"hailmesh/internal/metrics"
	"hailmesh/internal/proto"
)

// Transport is the slice of the relay pool a matching session needs. The
// pool keeps the secret keys; sessions only ever see public identifiers.
type Transport interface {
	lifecycle.Transport
	SendAccept(recipientPub string, recipientExchangePub []byte, requestID string) error
	SubscribeAccepts(onMessage func(proto.AcceptPayload)) string
	ExchangePub() []byte
}

type Options struct {
	// TTL/Lead/MinViable tune the record heartbeat clock; zero values take
	// the lifecycle defaults.
	TTL       time.Duration
	Lead      time.Duration
	MinViable time.Duration

	// AutoAccept makes a provider propose for the first open request it
	// sees and re-propose for the next queued one whenever a request goes
	// away unmatched.
	AutoAccept bool

	Log     *zap.Logger
	Metrics *metrics.Metrics
}

func (o Options) keeperOptions() lifecycle.Options {
	return lifecycle.Options{
		TTL:       o.TTL,
		Lead:      o.Lead,
		MinViable: o.MinViable,
		Log:       o.Log,
		Metrics:   o.Metrics,
	}
}

func (o *Options) fill() {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
}
