// Package wschannel is a srpc.Channel backed by a single gorilla
// websocket connection. It is adapted from the teacher's wetsock
// codec: one write mutex guarding the connection and a ping/pong
// liveness pair, but carries srpc.Message directly instead of birpc.Message and
// encodes with goccy/go-json instead of encoding/json.
package wschannel

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tv42/srpc"
	"github.com/tv42/srpc/stoppablelisten"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Channel adapts a *websocket.Conn to srpc.Channel. It implements
// Receiver and AsyncSender only — a websocket has no notion of a
// request-scoped reply distinct from "send a message on this
// connection", so SyncSender is deliberately not implemented here;
// the runtime upgrades Sync-declared members to the Async wire call
// type over a channel like this one (§4.F).
type Channel struct {
	ws *websocket.Conn

	writeMu sync.Mutex

	logger *zap.SugaredLogger

	pingDone chan struct{}
	pingOnce sync.Once
}

// New wraps an already-established websocket connection. It starts a
// ping loop on a background goroutine so idling srpc runtimes on both
// ends notice a dead peer instead of blocking on Receive forever.
func New(ws *websocket.Conn, logger *zap.SugaredLogger) *Channel {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	c := &Channel{ws: ws, logger: logger, pingDone: make(chan struct{})}
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	go c.pingLoop()
	return c
}

func (c *Channel) pingLoop() {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-c.pingDone:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debugw("ping failed, stopping", "error", err)
				return
			}
		}
	}
}

// SendAsync writes msg as a single JSON text frame.
func (c *Channel) SendAsync(ctx context.Context, msg *srpc.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Receive reads the next text frame and decodes it as a srpc.Message.
// It never supplies a request-scoped ReplyHandle (nil): replies go
// back over this same connection via SendAsync, so the runtime falls
// back to the bound channel itself.
func (c *Channel) Receive(ctx context.Context) (*srpc.Message, srpc.ReplyHandle, any, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, nil, nil, err
	}
	var msg srpc.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, nil, nil, err
	}
	return &msg, nil, nil, nil
}

// Close stops the ping loop and closes the underlying connection.
func (c *Channel) Close() error {
	c.pingOnce.Do(func() { close(c.pingDone) })
	return c.ws.Close()
}

// Dial opens a websocket connection to url and wraps it.
func Dial(ctx context.Context, url string, logger *zap.SugaredLogger) (*Channel, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, logger), nil
}

// Upgrade upgrades an inbound HTTP request to a websocket and wraps
// it, for use inside an http.Handler passed to ListenAndServe or
// mounted on an existing mux.
func Upgrade(w http.ResponseWriter, r *http.Request, logger *zap.SugaredLogger) (*Channel, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return New(ws, logger), nil
}

// ListenAndServe accepts websocket connections on addr at path,
// handing each one to accept as a bound *srpc.Runtime via newRuntime,
// then running accept(rt) until the connection or ctx closes. It uses
// stoppablelisten so Stop (via ctx cancellation) lets in-flight
// sessions finish.
func ListenAndServe(ctx context.Context, addr, path string, logger *zap.SugaredLogger, newRuntime func(ch *Channel) *srpc.Runtime, accept func(rt *srpc.Runtime)) error {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		ch, err := Upgrade(w, r, logger)
		if err != nil {
			logger.Warnw("websocket upgrade failed", "error", err)
			return
		}
		rt := newRuntime(ch)
		accept(rt)
	})

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	sl, err := stoppablelisten.New(ln)
	if err != nil {
		ln.Close()
		return err
	}

	srv := &http.Server{Handler: mux}
	done := make(chan error, 1)
	go func() { done <- srv.Serve(sl) }()

	select {
	case <-ctx.Done():
		sl.Stop()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}
