package srpc_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/tv42/srpc"
	"github.com/tv42/srpc/inprocchannel"
)

func serveInBackground(t *testing.T, rt *srpc.Runtime) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		rt.Close()
	})
	go rt.Serve(ctx)
}

type greeter struct{}

func (*greeter) Greet(name string) (string, error) {
	return "hello, " + name, nil
}

// TestMethodCallRoundTrip exercises the sync-over-async upgrade
// (§4.F): the descriptor declares Sync, but inprocchannel.Pipe has no
// SyncSender, so the runtime sends an async Call and blocks on the
// resulting future transparently.
func TestMethodCallRoundTrip(t *testing.T) {
	a, b := inprocchannel.New(4)
	host := srpc.New(a, srpc.Options{})
	client := srpc.New(b, srpc.Options{})
	serveInBackground(t, host)
	serveInBackground(t, client)

	host.Registry().RegisterHostObject("greeter", &greeter{}, &srpc.ObjectDescriptor{
		Functions: []srpc.FunctionDescriptor{
			{Name: "Greet", Returns: srpc.ReturnSync},
		},
	})

	type greeterShape struct {
		Greet func(string) (string, error)
	}
	proxy, err := client.BuildProxy(&greeterShape{}, "greeter", &srpc.ObjectDescriptor{
		Functions: []srpc.FunctionDescriptor{
			{Name: "Greet", Returns: srpc.ReturnSync},
		},
	}, nil)
	if err != nil {
		t.Fatalf("BuildProxy: %v", err)
	}

	out, err := proxy.(*greeterShape).Greet("world")
	if err != nil {
		t.Fatalf("Greet: %v", err)
	}
	if out != "hello, world" {
		t.Fatalf("unexpected greeting: %q", out)
	}
}

// TestAsyncFunctionSettlement matches spec scenario S2: a registered
// host function returns a Future; the caller gets the settled value
// through the follow-up AsyncFnResult.
func TestAsyncFunctionSettlement(t *testing.T) {
	a, b := inprocchannel.New(4)
	host := srpc.New(a, srpc.Options{})
	client := srpc.New(b, srpc.Options{})
	serveInBackground(t, host)
	serveInBackground(t, client)

	echo := func(s string) *srpc.Future {
		fut := srpc.NewFuture()
		go func() {
			time.Sleep(10 * time.Millisecond)
			fut.Settle(s, nil)
		}()
		return fut
	}
	host.Registry().RegisterHostFunction("echo", echo, &srpc.FunctionDescriptor{Name: "echo", Returns: srpc.ReturnAsync})

	// Seed the remote-function descriptor cache directly, standing in
	// for a prior GetDescriptors round trip (§4.G).
	client.Registry().ReplaceRemoteDescriptors(nil, map[string]*srpc.FunctionDescriptor{
		"echo": {Name: "echo", Returns: srpc.ReturnAsync},
	}, nil)

	call, err := client.GetProxyFunction((func(string) *srpc.Future)(nil), "echo")
	if err != nil {
		t.Fatalf("GetProxyFunction: %v", err)
	}
	fut := call.(func(string) *srpc.Future)("hi")

	select {
	case <-fut.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for echo future to settle")
	}
	val, err := fut.Wait()
	if err != nil {
		t.Fatalf("echo future settled with error: %v", err)
	}
	if val != "hi" {
		t.Fatalf("unexpected echo result: %v", val)
	}
}

type listener struct {
	cb         func(string)
	registered chan struct{}
}

func (l *listener) Listen(cb func(string)) {
	l.cb = cb
	close(l.registered)
}

// TestCallbackArgumentRoundTrip matches spec scenario S6: a callback
// passed as a Call argument is reconstructed as a live Go func on the
// receiving side; invoking it issues an outbound fn_call back to
// whichever side originally registered it.
func TestCallbackArgumentRoundTrip(t *testing.T) {
	a, b := inprocchannel.New(4)
	callee := srpc.New(a, srpc.Options{})
	caller := srpc.New(b, srpc.Options{})
	serveInBackground(t, callee)
	serveInBackground(t, caller)

	l := &listener{registered: make(chan struct{})}
	callee.Registry().RegisterHostObject("listener", l, &srpc.ObjectDescriptor{
		Functions: []srpc.FunctionDescriptor{
			{
				Name:    "Listen",
				Returns: srpc.ReturnVoid,
				Arguments: []srpc.ArgumentDescriptor{
					{Index: intPtr(0), Callback: &srpc.FunctionDescriptor{Returns: srpc.ReturnVoid}},
				},
			},
		},
	})

	type listenerShape struct {
		Listen func(func(string))
	}
	proxy, err := caller.BuildProxy(&listenerShape{}, "listener", &srpc.ObjectDescriptor{
		Functions: []srpc.FunctionDescriptor{
			{
				Name:    "Listen",
				Returns: srpc.ReturnVoid,
				Arguments: []srpc.ArgumentDescriptor{
					{Index: intPtr(0), Callback: &srpc.FunctionDescriptor{Returns: srpc.ReturnVoid}},
				},
			},
		},
	}, nil)
	if err != nil {
		t.Fatalf("BuildProxy: %v", err)
	}

	received := make(chan string, 1)
	proxy.(*listenerShape).Listen(func(s string) {
		received <- s
	})

	select {
	case <-l.registered:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Listen to register the callback")
	}

	l.cb("hi")

	select {
	case got := <-received:
		if got != "hi" {
			t.Fatalf("unexpected callback payload: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for callback invocation to round-trip")
	}
}

func intPtr(i int) *int { return &i }

// rctxPipe wraps an inprocchannel.Pipe and attaches a fixed per-message
// rctx value to every Receive, standing in for a transport (like
// wschannel) that carries a request-scoped value alongside each
// inbound message.
type rctxPipe struct {
	*inprocchannel.Pipe
	rctx any
}

func (p *rctxPipe) Receive(ctx context.Context) (*srpc.Message, srpc.ReplyHandle, any, error) {
	msg, reply, _, err := p.Pipe.Receive(ctx)
	return msg, reply, p.rctx, err
}

type ctxEcho struct{}

func (*ctxEcho) Echo(ctx context.Context, s string) (string, error) {
	return fmt.Sprintf("%v:%s", srpc.CurrentContext(ctx), s), nil
}

// TestCurrentContextPerCall matches §4.G/§5's current_context
// propagation: a host method with a leading context.Context parameter
// observes the rctx value the transport attached to the message that
// dispatched it.
func TestCurrentContextPerCall(t *testing.T) {
	a, b := inprocchannel.New(4)
	host := srpc.New(&rctxPipe{Pipe: a, rctx: "request-42"}, srpc.Options{})
	client := srpc.New(b, srpc.Options{})
	serveInBackground(t, host)
	serveInBackground(t, client)

	host.Registry().RegisterHostObject("ctxEcho", &ctxEcho{}, &srpc.ObjectDescriptor{
		Functions: []srpc.FunctionDescriptor{
			{Name: "Echo", Returns: srpc.ReturnSync},
		},
	})

	type ctxEchoShape struct {
		Echo func(string) (string, error)
	}
	proxy, err := client.BuildProxy(&ctxEchoShape{}, "ctxEcho", &srpc.ObjectDescriptor{
		Functions: []srpc.FunctionDescriptor{
			{Name: "Echo", Returns: srpc.ReturnSync},
		},
	}, nil)
	if err != nil {
		t.Fatalf("BuildProxy: %v", err)
	}

	out, err := proxy.(*ctxEchoShape).Echo("hi")
	if err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if out != "request-42:hi" {
		t.Fatalf("unexpected current_context round trip: %q", out)
	}
}

type tracker struct{}

func (*tracker) Ping() error { return nil }

// TestObjectDiedClearsRegistry matches spec scenario S7.
func TestObjectDiedClearsRegistry(t *testing.T) {
	a, b := inprocchannel.New(4)
	host := srpc.New(a, srpc.Options{})
	client := srpc.New(b, srpc.Options{})
	serveInBackground(t, host)
	serveInBackground(t, client)

	host.Registry().RegisterHostObject("tracked", &tracker{}, &srpc.ObjectDescriptor{
		Functions: []srpc.FunctionDescriptor{{Name: "Ping", Returns: srpc.ReturnVoid}},
	})

	if err := client.ObjectDied(context.Background(), "tracked"); err != nil {
		t.Fatalf("ObjectDied: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, _, ok := host.Registry().HostObject("tracked"); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected host object %q to be removed after ObjectDied", "tracked")
}

type lion struct {
	Name string
}

func (*lion) Speak() (string, error) { return "roar", nil }

// TestReadonlyAndProxiedMember matches spec scenario S4: a readonly
// property is populated from the inline value shipped with the object
// reference, and a method member round-trips through the channel.
func TestReadonlyAndProxiedMember(t *testing.T) {
	a, b := inprocchannel.New(4)
	host := srpc.New(a, srpc.Options{})
	client := srpc.New(b, srpc.Options{})
	serveInBackground(t, host)
	serveInBackground(t, client)

	host.Registry().RegisterHostObject("lion", &lion{Name: "Leo"}, &srpc.ObjectDescriptor{
		ReadonlyProperties: []string{"Name"},
		Functions:          []srpc.FunctionDescriptor{{Name: "Speak", Returns: srpc.ReturnAsync}},
	})

	type animalShape struct {
		Name  string
		Speak func() *srpc.Future
	}
	proxy, err := client.BuildProxy(&animalShape{}, "lion", &srpc.ObjectDescriptor{
		ReadonlyProperties: []string{"Name"},
		Functions:          []srpc.FunctionDescriptor{{Name: "Speak", Returns: srpc.ReturnAsync}},
	}, map[string]any{"Name": "Leo"})
	if err != nil {
		t.Fatalf("BuildProxy: %v", err)
	}
	shape := proxy.(*animalShape)
	if shape.Name != "Leo" {
		t.Fatalf("expected inline readonly value, got %q", shape.Name)
	}

	fut := shape.Speak()
	select {
	case <-fut.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for Speak to settle")
	}
	val, err := fut.Wait()
	if err != nil {
		t.Fatalf("Speak settled with error: %v", err)
	}
	if val != "roar" {
		t.Fatalf("unexpected Speak result: %v", val)
	}
}
