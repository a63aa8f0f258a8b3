package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/seamlessrm/tunneld/internal/daipc"
	"github.com/seamlessrm/tunneld/internal/tunnel"
	"github.com/seamlessrm/tunneld/internal/util"
)

// serverLink maintains the management-server control connection. It
// reconnects with exponential backoff, dispatches tunnel open requests
// into the engine, and carries upstream messages from tunnels and the
// local hub.
type serverLink struct {
	url     string
	tlsHash string

	// bootID identifies this process lifetime to the server; it changes
	// on every restart.
	bootID string

	mgr *tunnel.Manager
	hub *daipc.Hub

	mu   sync.Mutex
	conn *websocket.Conn
}

func newServerLink(url, tlsHash string) *serverLink {
	return &serverLink{
		url:     url,
		tlsHash: tlsHash,
		bootID:  uuid.NewString(),
	}
}

// Send queues one JSON message to the server. Messages produced while
// disconnected are dropped; the server resyncs state on reconnect.
func (l *serverLink) Send(msg any) {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		util.LogDebug("server: dropping message while disconnected")
		return
	}

	body, err := json.Marshal(msg)
	if err != nil {
		util.LogWarning("server: marshal outbound message: %v", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return
	}
	if err := l.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		util.LogDebug("server: write failed: %v", err)
	}
}

// run connects and serves until ctx is cancelled, reconnecting on every
// failure.
func (l *serverLink) run(ctx context.Context) {
	b := &backoff.Backoff{
		Min:    time.Second,
		Max:    time.Minute,
		Jitter: true,
	}

	for {
		if err := l.serve(ctx); err != nil {
			util.LogWarning("server connection lost: %v", err)
		}
		if l.hub != nil {
			l.hub.ConnState("disconnected")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.Duration()):
		}
	}
}

// serve runs one connection: dial, hello, then the read loop.
func (l *serverLink) serve(ctx context.Context) error {
	dialer := websocket.Dialer{EnableCompression: true}
	if l.tlsHash != "" {
		tlsCfg, err := tunnel.PinnedTLSConfig(l.tlsHash)
		if err != nil {
			return err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	conn, _, err := dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.conn = nil
		l.mu.Unlock()
		conn.Close()
	}()

	// Close the socket when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	util.LogInfo("connected to server %s", l.url)
	l.Send(map[string]any{
		"action":   "coreinfo",
		"value":    "tunneld v" + version,
		"bootid":   l.bootID,
		"caps":     capTunnels,
		"sessions": l.mgr.AllCounters(),
	})
	if l.hub != nil {
		l.hub.ConnState("connected")
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		l.dispatch(ctx, data)
	}
}

// capTunnels advertises tunnel support in the hello's capability mask.
const capTunnels = 1 << 2

// dispatch routes one server message. Unknown actions are logged, not
// fatal; the control connection must survive protocol growth.
func (l *serverLink) dispatch(ctx context.Context, data []byte) {
	var head struct {
		Action string `json:"action"`
		Type   string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		util.LogWarning("server: malformed message: %v", err)
		return
	}

	switch {
	case head.Action == "msg" && head.Type == "tunnel":
		var req tunnel.OpenRequest
		if err := json.Unmarshal(data, &req); err != nil || req.URL == "" {
			util.LogWarning("server: bad tunnel request")
			return
		}
		go func() {
			if _, err := l.mgr.Open(ctx, req); err != nil {
				util.LogWarning("tunnel open %s: %v", req.URL, err)
			}
		}()

	case head.Action == "ping":
		l.Send(map[string]any{"action": "pong"})

	case head.Action == "pong":
		// keepalive reply, nothing to do

	default:
		util.LogDebug("server: ignoring action %q", head.Action)
	}
}
