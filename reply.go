package srpc

import "context"

// replyRoute is where a dispatched call's reply goes: the per-message
// handle a Receiver supplied (request-scoped transports, e.g. one
// reply-writer per HTTP request), falling back to the bound channel's
// own async-send capability for transports with a single shared
// connection (§6).
type replyRoute struct {
	handle   ReplyHandle
	fallback ReplyHandle
}

func (r replyRoute) send(ctx context.Context, msg *Message) error {
	if r.handle != nil {
		return r.handle.SendAsync(ctx, msg)
	}
	if r.fallback != nil {
		return r.fallback.SendAsync(ctx, msg)
	}
	return &ChannelUnavailableError{Capability: "reply"}
}

// replyResult sends a Sync/AsyncFnResult for msg. result is marshalled
// behind a barrier (§4.D rule 2 / §5 "Async reply ordering"): if
// result itself is, or contains, a Future, scheduleFutureSettlement
// holds its follow-up AsyncFnResult push until this reply has actually
// gone out, so a Promise sentinel's settlement can never overtake the
// reply that introduced its id.
func (rt *Runtime) replyResult(reply replyRoute, msg *Message, result any, err error, isAsync bool) {
	kind := KindSyncFnResult
	if isAsync {
		kind = KindAsyncFnResult
	}
	resp := newMessage(kind)
	resp.CallID = msg.CallID

	barrier := make(chan struct{})
	defer close(barrier)

	if err != nil {
		resp.Success = false
		resp.Result = err.Error()
	} else {
		marshalled, _, merr := marshalValue(rt.marshalEnvWithBarrier(barrier), result)
		if merr != nil {
			resp.Success = false
			resp.Result = merr.Error()
		} else {
			resp.Success = true
			resp.Result = marshalled
		}
	}

	if sendErr := reply.send(context.Background(), resp); sendErr != nil {
		rt.logger.Warnw("failed to send call reply", "call_id", msg.CallID, "error", sendErr)
	}
}

// sendAsyncSettlement delivers the follow-up AsyncFnResult once a
// Future returned from a call has settled (§4.E, §5).
func (rt *Runtime) sendAsyncSettlement(reply replyRoute, callID string, val any, ferr error) {
	resp := newMessage(KindAsyncFnResult)
	resp.CallID = callID

	if ferr != nil {
		resp.Success = false
		resp.Result = ferr.Error()
	} else {
		marshalled, _, merr := marshalValue(rt.marshalEnv(), val)
		if merr != nil {
			resp.Success = false
			resp.Result = merr.Error()
		} else {
			resp.Success = true
			resp.Result = marshalled
		}
	}

	if err := reply.send(context.Background(), resp); err != nil {
		rt.logger.Warnw("failed to send async settlement", "call_id", callID, "error", err)
	}
}
