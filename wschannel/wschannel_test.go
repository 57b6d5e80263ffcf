package wschannel_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tv42/srpc"
	"github.com/tv42/srpc/wschannel"
)

type greeter struct{}

func (*greeter) Greet(name string) (string, error) {
	return "hello, " + name, nil
}

// TestWebsocketMethodCallRoundTrip dials a real websocket connection
// against ListenAndServe and exercises a full BuildProxy/Call round
// trip over it, the way the teacher's wetsock_test.go drives a real
// listener rather than mocking the transport.
func TestWebsocketMethodCallRoundTrip(t *testing.T) {
	const addr = "127.0.0.1:18099"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	serveErr := make(chan error, 1)
	go func() {
		err := wschannel.ListenAndServe(ctx, addr, "/rpc", nil,
			func(ch *wschannel.Channel) *srpc.Runtime {
				rt := srpc.New(ch, srpc.Options{})
				rt.Registry().RegisterHostObject("greeter", &greeter{}, &srpc.ObjectDescriptor{
					Functions: []srpc.FunctionDescriptor{
						{Name: "Greet", Returns: srpc.ReturnSync},
					},
				})
				return rt
			},
			func(rt *srpc.Runtime) {
				close(ready)
				rt.Serve(ctx)
			})
		serveErr <- err
	}()

	// give the listener a moment to come up before dialing.
	time.Sleep(50 * time.Millisecond)

	client, err := wschannel.Dial(ctx, "ws://"+addr+"/rpc", nil)
	require.NoError(t, err, "dial")
	defer client.Close()

	rt := srpc.New(client, srpc.Options{})
	go rt.Serve(ctx)
	defer rt.Close()

	type greeterShape struct {
		Greet func(string) (string, error)
	}
	proxy, err := rt.BuildProxy(&greeterShape{}, "greeter", &srpc.ObjectDescriptor{
		Functions: []srpc.FunctionDescriptor{
			{Name: "Greet", Returns: srpc.ReturnSync},
		},
	}, nil)
	require.NoError(t, err, "BuildProxy")

	out, err := proxy.(*greeterShape).Greet("world")
	require.NoError(t, err, "Greet")
	require.Equal(t, "hello, world", out)
}
