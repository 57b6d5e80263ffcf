// Package inprocchannel provides an in-process srpc.Channel pair
// connected by buffered Go channels, for tests and same-process
// host/guest wiring that don't need a real transport.
package inprocchannel

import (
	"context"
	"sync"

	"github.com/tv42/srpc"
)

// Pipe is one end of an in-process channel pair. It implements
// Receiver and AsyncSender; like wschannel it has no distinct
// request-scoped reply routing, so SyncSender is not implemented —
// the runtime upgrades Sync-declared members to the Async wire call
// type over a Pipe (§4.F).
type Pipe struct {
	out       chan<- *srpc.Message
	in        <-chan *srpc.Message
	closed    chan struct{}
	closeOnce *sync.Once
}

// New returns two ends of a connected pair; messages sent on one are
// received on the other.
func New(buffer int) (a, b *Pipe) {
	ab := make(chan *srpc.Message, buffer)
	ba := make(chan *srpc.Message, buffer)
	closed := make(chan struct{})
	once := &sync.Once{}
	a = &Pipe{out: ab, in: ba, closed: closed, closeOnce: once}
	b = &Pipe{out: ba, in: ab, closed: closed, closeOnce: once}
	return a, b
}

func (p *Pipe) SendAsync(ctx context.Context, msg *srpc.Message) error {
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) Receive(ctx context.Context) (*srpc.Message, srpc.ReplyHandle, any, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, nil, nil, context.Canceled
		}
		return msg, nil, nil, nil
	case <-p.closed:
		return nil, nil, nil, context.Canceled
	case <-ctx.Done():
		return nil, nil, nil, ctx.Err()
	}
}

// Close marks both ends of the pair closed. Safe to call from either
// end and more than once; only the first call has an effect.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.closed) })
	return nil
}
