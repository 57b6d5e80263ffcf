package srpc

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ctxKey is the type of the key current_context is stored under in a
// dispatched call's context.Context (§4.G, §5).
type ctxKey struct{}

// contextWithRequest wraps rctx — the per-message value a transport
// handed Serve for this particular inbound call — in a context.Context
// so it can be captured by value in a single call's closures (the
// synchronous dispatch path, and any host future/goroutine that
// outlives it) instead of living in runtime-wide mutable state that
// the next serially-dispatched message would clobber (§4.G, §5).
func contextWithRequest(rctx any) context.Context {
	return context.WithValue(context.Background(), ctxKey{}, rctx)
}

// CurrentContext extracts the current_context value a host function
// was invoked under from ctx, which must be the context.Context that
// was auto-filled into a leading context.Context-typed parameter by
// callReflectFunc. Returns nil if ctx carries none.
func CurrentContext(ctx context.Context) any {
	return ctx.Value(ctxKey{})
}

// Options configures a Runtime. All fields are optional.
type Options struct {
	Logger  *zap.SugaredLogger
	IDGen   IDGenerator
	Context context.Context
}

// Runtime is the facade of component G: it owns the channel binding,
// the descriptor-exchange state, the pending-call table, and
// current_context propagation, and wires components D/E/F together.
type Runtime struct {
	channel Channel
	logger  *zap.SugaredLogger

	registry      *Registry
	pending       *pendingCalls
	deserializers *deserializerRegistry

	hasSendAsync bool
	hasSendSync  bool
	asyncSender  AsyncSender
	syncSender   SyncSender
	receiver     Receiver

	callSeq int64

	descriptorsFuture atomic.Pointer[Future]

	closeOnce sync.Once
}

// New creates a Runtime bound to ch, adapting to whichever of
// {Receiver, AsyncSender, SyncSender} ch implements.
func New(ch Channel, opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	gen := opts.IDGen
	if gen == nil {
		gen = UUIDGenerator{}
	}

	rt := &Runtime{
		channel:       ch,
		logger:        logger,
		registry:      NewRegistry(gen),
		pending:       newPendingCalls(),
		deserializers: newDeserializerRegistry(),
	}
	if a, ok := hasSendAsync(ch); ok {
		rt.hasSendAsync = true
		rt.asyncSender = a
	}
	if s, ok := hasSendSync(ch); ok {
		rt.hasSendSync = true
		rt.syncSender = s
	}
	if r, ok := hasReceive(ch); ok {
		rt.receiver = r
	}
	return rt
}

// Registry exposes the identity registries for explicit registration
// calls (register_host_object, register_host_function,
// register_host_class, register_proxy_class — §4.B).
func (rt *Runtime) Registry() *Registry { return rt.registry }

// RegisterDeserializer installs a custom deserializer hook (§6).
func (rt *Runtime) RegisterDeserializer(expected reflect.Type, fn DeserializeFunc) {
	rt.deserializers.Register(expected, fn)
}

func (rt *Runtime) marshalEnv() *marshalEnv {
	return rt.marshalEnvWithBarrier(nil)
}

// marshalEnvWithBarrier is marshalEnv with a hook for delaying any
// Future settlement push discovered during marshalling until barrier
// closes. replyResult uses this to keep a Promise sentinel's carrier
// reply ahead of its own settlement on the wire (§5 "Async reply
// ordering"); outbound arg/property marshalling has no such reply in
// flight, so it passes nil and pushes as soon as the future settles.
func (rt *Runtime) marshalEnvWithBarrier(barrier <-chan struct{}) *marshalEnv {
	return &marshalEnv{
		registry: rt.registry,
		onFuture: func(id string, fut *Future) {
			rt.scheduleFutureSettlement(id, fut, barrier)
		},
	}
}

func (rt *Runtime) unmarshalEnv() *unmarshalEnv {
	return &unmarshalEnv{
		registry:      rt.registry,
		pending:       rt.pending,
		deserializers: rt.deserializers,
		invoke: func(ctx context.Context, action Action, objID, prop string, callType ReturnMode, args []any) (any, *Future, error) {
			// Reconstructed callbacks hand over raw Go arguments;
			// invokeRemote expects them already marshalled.
			marshalled, err := marshalArgs(rt.marshalEnv(), args)
			if err != nil {
				return nil, nil, err
			}
			return rt.invokeRemote(ctx, action, objID, prop, callType, marshalled)
		},
		buildProxy: rt.BuildProxy,
	}
}

func (rt *Runtime) nextCallID() string {
	return fmt.Sprintf("%d", atomic.AddInt64(&rt.callSeq, 1))
}

// resolveWireCallType implements the §4.F downgrade/upgrade table.
func (rt *Runtime) resolveWireCallType(requested ReturnMode) ReturnMode {
	switch requested {
	case ReturnAsync:
		if !rt.hasSendAsync {
			return ReturnSync
		}
		return ReturnAsync
	case ReturnSync:
		if !rt.hasSendSync {
			return ReturnAsync
		}
		return ReturnSync
	default:
		return ReturnVoid
	}
}

// invokeRemote is the single outbound call primitive used by the proxy
// factory (F) and by reconstructed callbacks: it marshals nothing
// itself (callers pass already-marshalled args), resolves the wire
// call type, sends, and — for Sync/Async requests — returns either a
// decoded result or a future, per §4.F "Call-style selection per
// member".
func (rt *Runtime) invokeRemote(ctx context.Context, action Action, objID, prop string, requested ReturnMode, args []any) (result any, fut *Future, err error) {
	wire := rt.resolveWireCallType(requested)

	msg := newMessage(KindCall)
	msg.Action = action
	msg.ObjID = objID
	msg.Prop = prop
	msg.Args = args
	msg.CallType = wire

	switch requested {
	case ReturnVoid:
		return nil, nil, rt.sendOnly(ctx, msg, wire)

	case ReturnSync:
		if wire == ReturnSync {
			reply, err := rt.syncSender.SendSync(ctx, msg)
			if err != nil {
				return nil, nil, err
			}
			return rt.resultOrError(reply)
		}
		// upgraded: send async, block on the future ourselves.
		callID := rt.nextCallID()
		msg.CallID = callID
		f := rt.pending.create(callID, nil)
		if err := rt.asyncSender.SendAsync(ctx, msg); err != nil {
			rt.pending.drop(callID)
			return nil, nil, err
		}
		val, werr := f.Wait()
		return val, nil, werr

	default: // ReturnAsync
		if wire == ReturnAsync {
			callID := rt.nextCallID()
			msg.CallID = callID
			f := rt.pending.create(callID, nil)
			if err := rt.asyncSender.SendAsync(ctx, msg); err != nil {
				rt.pending.drop(callID)
				f.Settle(nil, err)
			}
			return nil, f, nil
		}
		// downgraded: do the round trip now, wrap in an already-settled future.
		f := NewFuture()
		reply, err := rt.syncSender.SendSync(ctx, msg)
		if err != nil {
			f.Settle(nil, err)
			return nil, f, nil
		}
		val, rerr := rt.resultOrError(reply)
		f.Settle(val, rerr)
		return nil, f, nil
	}
}

func (rt *Runtime) resultOrError(reply *Message) (any, *Future, error) {
	if !reply.Success {
		return nil, nil, &RemoteCallError{Message: fmt.Sprint(reply.Result)}
	}
	return reply.Result, nil, nil
}

func (rt *Runtime) sendOnly(ctx context.Context, msg *Message, wire ReturnMode) error {
	if wire == ReturnAsync && rt.hasSendAsync {
		return rt.asyncSender.SendAsync(ctx, msg)
	}
	if rt.hasSendSync {
		_, err := rt.syncSender.SendSync(ctx, msg)
		return err
	}
	if rt.hasSendAsync {
		return rt.asyncSender.SendAsync(ctx, msg)
	}
	return &ChannelUnavailableError{Capability: "send"}
}

// scheduleFutureSettlement implements §4.D rule 2's continuation: a
// host method returned a Future rather than a plain value, so once it
// settles we push an unsolicited AsyncFnResult for the id minted for
// it, over whatever send capability this channel offers. If barrier is
// non-nil, the push waits for it to close first, so a reply still
// being assembled around this marshal call is guaranteed to reach the
// wire before the settlement that refers to it. The wait always runs
// on its own goroutine: OnSettle can fire synchronously, inside the
// very marshalValue call that's still building that reply, and
// blocking there would deadlock against the barrier it's waiting on.
func (rt *Runtime) scheduleFutureSettlement(id string, fut *Future, barrier <-chan struct{}) {
	fut.OnSettle(func(val any, err error) {
		go func() {
			if barrier != nil {
				<-barrier
			}
			route := replyRoute{fallback: rt.asyncFallbackReply()}
			rt.sendAsyncSettlement(route, id, val, err)
		}()
	})
}

// RequestRemoteDescriptors implements §4.G's descriptor exchange on
// the requesting side: a GetDescriptors round trip over send-sync if
// available, else an async push-and-wait.
func (rt *Runtime) RequestRemoteDescriptors(ctx context.Context) error {
	msg := newMessage(KindGetDescriptors)
	if rt.hasSendSync {
		reply, err := rt.syncSender.SendSync(ctx, msg)
		if err != nil {
			return err
		}
		if reply.Kind != KindDescriptorsResult {
			return &ProtocolError{Reason: "expected DescriptorsResult"}
		}
		rt.registry.ReplaceRemoteDescriptors(reply.Objects, reply.Functions, reply.Classes)
		return nil
	}
	f := NewFuture()
	rt.descriptorsFuture.Store(f)
	if err := rt.asyncSender.SendAsync(ctx, msg); err != nil {
		return err
	}
	_, err := f.Wait()
	return err
}

// SendRemoteDescriptors implements §4.G's descriptor exchange on the
// pushing side.
func (rt *Runtime) SendRemoteDescriptors(ctx context.Context) error {
	objects, functions, classes := rt.registry.LocalDescriptors()
	msg := newMessage(KindDescriptorsResult)
	msg.Objects, msg.Functions, msg.Classes = objects, functions, classes
	return rt.sendOnly(ctx, msg, rt.resolveWireCallType(ReturnAsync))
}

// Serve processes inbound messages until the channel closes or ctx is
// done. It is the single reader of this runtime's Receiver (§5
// "Scheduling model"): inbound calls are dispatched (component E) and
// inbound replies to our own outbound calls are routed to the pending
// table, exactly like the teacher's Endpoint.Serve multiplexes
// serve_request/serve_response over one read loop.
func (rt *Runtime) Serve(ctx context.Context) error {
	if rt.receiver == nil {
		return errors.New("srpc: Serve: channel has no receive capability")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msg, reply, rctx, err := rt.receiver.Receive(ctx)
		if err != nil {
			return err
		}
		if !msg.valid() {
			rt.logger.Debugw("dropping message without rpc marker")
			continue
		}
		route := replyRoute{handle: reply, fallback: rt.asyncFallbackReply()}
		rt.handleInbound(msg, route, rctx)
	}
}

func (rt *Runtime) asyncFallbackReply() ReplyHandle {
	if rh, ok := rt.channel.(ReplyHandle); ok {
		return rh
	}
	return nil
}

func (rt *Runtime) handleInbound(msg *Message, reply replyRoute, rctx any) {
	switch msg.Kind {
	case KindCall:
		rt.dispatchCall(msg, reply, rctx)
	case KindGetDescriptors:
		objects, functions, classes := rt.registry.LocalDescriptors()
		resp := newMessage(KindDescriptorsResult)
		resp.Objects, resp.Functions, resp.Classes = objects, functions, classes
		if err := reply.send(context.Background(), resp); err != nil {
			rt.logger.Warnw("failed to reply to GetDescriptors", "error", err)
		}
	case KindDescriptorsResult:
		rt.registry.ReplaceRemoteDescriptors(msg.Objects, msg.Functions, msg.Classes)
		if f := rt.descriptorsFuture.Swap(nil); f != nil {
			f.Settle(nil, nil)
		}
	case KindSyncFnResult, KindAsyncFnResult:
		rt.resolvePending(msg)
	case KindObjectDied:
		rt.registry.ObjectDied(msg.ObjID)
		rt.registry.FunctionDied(msg.ObjID)
	default:
		rt.logger.Warnw("unknown message kind", "kind", msg.Kind)
	}
}

func (rt *Runtime) resolvePending(msg *Message) {
	entry, ok := rt.pending.resolveRaw(msg.CallID)
	if !ok {
		rt.logger.Warnw("result for unknown call id", "call_id", msg.CallID)
		return
	}
	if !msg.Success {
		entry.fut.Settle(nil, &RemoteCallError{Message: fmt.Sprint(msg.Result)})
		return
	}
	val, err := unmarshalValue(rt.unmarshalEnv(), msg.Result, entry.expected, nil)
	entry.fut.Settle(val, err)
}

// ObjectDied notifies the peer that this side has dropped its proxy
// for id (§3 Lifecycle, §12 "explicit Release").
func (rt *Runtime) ObjectDied(ctx context.Context, id string) error {
	msg := newMessage(KindObjectDied)
	msg.ObjID = id
	return rt.sendOnly(ctx, msg, rt.resolveWireCallType(ReturnAsync))
}

// Close releases the underlying channel.
func (rt *Runtime) Close() error {
	var err error
	rt.closeOnce.Do(func() {
		err = rt.channel.Close()
	})
	return err
}
