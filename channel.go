package srpc

import "context"

// Component A. A Channel is polymorphic over three combinable
// capabilities: receive, send-async, send-sync. Concrete transports
// (wschannel, inprocchannel, or a caller's own) implement whichever
// subset they can support; the runtime adapts (§4.F call-style
// downgrade/upgrade, §4.G descriptor exchange).

// Receiver emits inbound messages. reply is the handle the runtime
// should use to answer this particular message; it is nil when the
// bound channel itself is the right reply path. rctx carries whatever
// context value the transport wants host code to observe during
// dispatch of this message (§5 "Context propagation").
type Receiver interface {
	Receive(ctx context.Context) (msg *Message, reply ReplyHandle, rctx any, err error)
}

// ReplyHandle is whatever a Receiver hands back alongside a message so
// the runtime can route that message's reply somewhere other than the
// bound channel (request-scoped reply routing, §6).
type ReplyHandle interface {
	SendAsync(ctx context.Context, msg *Message) error
}

// AsyncSender is fire-and-forget delivery.
type AsyncSender interface {
	SendAsync(ctx context.Context, msg *Message) error
}

// SyncSender blocks the caller until the next matching message from
// the peer is returned by the transport.
type SyncSender interface {
	SendSync(ctx context.Context, msg *Message) (*Message, error)
}

// Channel is the minimal tag every concrete transport satisfies; a
// given value additionally satisfies zero or more of Receiver,
// AsyncSender, SyncSender, checked with type assertions at bind time.
type Channel interface {
	Close() error
}

func hasReceive(ch Channel) (Receiver, bool) {
	r, ok := ch.(Receiver)
	return r, ok
}

func hasSendAsync(ch Channel) (AsyncSender, bool) {
	s, ok := ch.(AsyncSender)
	return s, ok
}

func hasSendSync(ch Channel) (SyncSender, bool) {
	s, ok := ch.(SyncSender)
	return s, ok
}
