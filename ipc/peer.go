package ipc

import (
	"context"
	"time"

	"github.com/buddhike/flotilla/messages"
)

// Peer is the worker side of a process channel: one Channel to the
// orchestrator plus the table of requests this process is waiting on.
type Peer struct {
	*Channel
	correlator *Correlator
}

func NewPeer(ch *Channel) *Peer {
	return &Peer{Channel: ch, correlator: NewCorrelator()}
}

// Request sends m stamped with a fresh correlation id and waits for the
// matching reply.
func (p *Peer) Request(ctx context.Context, m *messages.Message, timeout time.Duration) (*messages.Message, error) {
	return p.correlator.Request(ctx, "", timeout, func(id string) error {
		m.UUID = id
		switch {
		case m.Command != nil:
			m.Command.UUID = id
		case m.Request != nil:
			m.Request.UUID = id
		case m.APIRequest != nil:
			m.APIRequest.UUID = id
		}
		return p.Send(m)
	})
}

// Resolve hands a reply to whoever is waiting on it. Late replies are
// dropped and reported as false.
func (p *Peer) Resolve(m *messages.Message) bool {
	return p.correlator.Resolve(m.ID, m)
}

func (p *Peer) Pending() int {
	return p.correlator.Pending()
}
