package daipc

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/seamlessrm/tunneld/internal/util"
)

// CounterSource exposes the engine's session counters to hub queries.
type CounterSource interface {
	AllCounters() map[string]map[string]int
}

// Upstream forwards hub-originated requests to the management server.
type Upstream interface {
	Send(msg any)
}

// AMTState reports local Intel AMT provisioning state; the implementation
// is an external collaborator and may be absent.
type AMTState interface {
	State() map[string]any
}

// Hub is the local broadcast IPC server.
type Hub struct {
	counters CounterSource
	upstream Upstream
	amt      AMTState

	listener net.Listener

	mu            sync.Mutex
	clients       map[*client]struct{}
	registrations map[string]int
	serverState   string // last broadcast connectivity state
}

// client is one companion-app connection.
type client struct {
	conn net.Conn

	writeMu sync.Mutex

	// registeredName is set once by a register message. Its registration
	// is decremented exactly once, on disconnect (normal or not).
	registeredName string
}

// New creates a Hub. amt may be nil when the platform has no AMT support.
func New(counters CounterSource, upstream Upstream, amt AMTState) *Hub {
	return &Hub{
		counters:      counters,
		upstream:      upstream,
		amt:           amt,
		clients:       make(map[*client]struct{}),
		registrations: make(map[string]int),
		serverState:   "disconnected",
	}
}

// Listen starts serving on the given address, "unix:/path" or
// "tcp:host:port".
func (h *Hub) Listen(addr string) error {
	network, target, ok := strings.Cut(addr, ":")
	if !ok || (network != "unix" && network != "tcp") {
		return fmt.Errorf("bad hub listen address %q", addr)
	}
	if network == "unix" {
		os.Remove(target)
	}
	ln, err := net.Listen(network, target)
	if err != nil {
		return fmt.Errorf("hub listen %s: %w", addr, err)
	}
	if network == "unix" {
		// Companion apps run as local users; the hub carries no secrets
		// beyond session visibility, but keep it owner-only anyway.
		os.Chmod(target, 0o600)
	}
	h.listener = ln
	util.LogInfo("hub listening on %s", addr)
	go h.acceptLoop()
	return nil
}

// Addr returns the bound listener address, or nil before Listen.
func (h *Hub) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Close stops the listener and disconnects every client.
func (h *Hub) Close() error {
	var err error
	if h.listener != nil {
		err = h.listener.Close()
	}
	h.mu.Lock()
	for c := range h.clients {
		c.conn.Close()
	}
	h.mu.Unlock()
	return err
}

func (h *Hub) acceptLoop() {
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			return
		}
		c := &client{conn: conn}
		h.mu.Lock()
		h.clients[c] = struct{}{}
		h.mu.Unlock()
		go h.serve(c)
	}
}

// serve runs one client's read loop. Any framing or JSON error drops the
// connection; drop always deregisters exactly once.
func (h *Hub) serve(c *client) {
	defer h.drop(c)

	for {
		body, err := readFrame(c.conn)
		if err != nil {
			return
		}
		if err := h.handle(c, body); err != nil {
			util.LogWarning("hub: dropping client: %v", err)
			return
		}
	}
}

// drop removes the client and settles its registration.
func (h *Hub) drop(c *client) {
	c.conn.Close()

	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)

	name := c.registeredName
	var snapshot map[string]int
	if name != "" {
		if h.registrations[name] <= 1 {
			delete(h.registrations, name)
		} else {
			h.registrations[name]--
		}
		snapshot = h.registrationsLocked()
	}
	h.mu.Unlock()

	if snapshot != nil {
		h.reportRegistrations(snapshot)
	}
}

// request is the wire shape of every inbound hub command.
type request struct {
	Cmd    string `json:"cmd"`
	Value  string `json:"value,omitempty"`
	Name   string `json:"name,omitempty"`
	Hash   string `json:"hash,omitempty"`
	Cookie string `json:"cookie,omitempty"`
}

// handle dispatches one inbound frame. Unknown commands get an error reply
// rather than a silent drop.
func (h *Hub) handle(c *client, body []byte) error {
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return fmt.Errorf("malformed request: %w", err)
	}

	switch req.Cmd {
	case "register":
		h.register(c, req.Value)
		return h.reply(c, map[string]any{"cmd": "register", "value": "ok"})

	case "requesthelp":
		if h.upstream != nil {
			h.upstream.Send(map[string]any{"action": "help", "value": req.Value, "source": c.registeredName})
		}
		return h.reply(c, map[string]any{"cmd": "requesthelp", "value": "ok"})

	case "cancelhelp":
		if h.upstream != nil {
			h.upstream.Send(map[string]any{"action": "help", "cancel": true, "source": c.registeredName})
		}
		return h.reply(c, map[string]any{"cmd": "cancelhelp", "value": "ok"})

	case "query":
		return h.query(c, req.Value)

	case "amtstate":
		if h.amt == nil {
			return h.reply(c, map[string]any{"cmd": "amtstate", "error": "not supported"})
		}
		return h.reply(c, map[string]any{"cmd": "amtstate", "value": h.amt.State()})

	case "sessions":
		return h.reply(c, map[string]any{"cmd": "sessions", "sessions": h.counters.AllCounters()})

	case "meshToolInfo":
		if h.upstream != nil {
			h.upstream.Send(map[string]any{
				"action": "meshToolInfo",
				"name":   req.Name,
				"hash":   req.Hash,
				"cookie": req.Cookie,
			})
		}
		return nil

	default:
		return h.reply(c, map[string]any{"cmd": req.Cmd, "error": "unknown command"})
	}
}

// register records the client's name. Idempotent per connection; each
// connection contributes at most one increment to the multiset.
func (h *Hub) register(c *client, name string) {
	h.mu.Lock()
	if c.registeredName != "" || name == "" {
		h.mu.Unlock()
		return
	}
	c.registeredName = name
	h.registrations[name]++
	snapshot := h.registrationsLocked()
	h.mu.Unlock()

	h.reportRegistrations(snapshot)
}

func (h *Hub) registrationsLocked() map[string]int {
	out := make(map[string]int, len(h.registrations))
	for k, v := range h.registrations {
		out[k] = v
	}
	return out
}

func (h *Hub) reportRegistrations(snapshot map[string]int) {
	if h.upstream != nil {
		h.upstream.Send(map[string]any{"action": "sessions", "type": "app", "value": snapshot})
	}
}

// Registrations returns a copy of the name → connection-count multiset.
func (h *Hub) Registrations() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.registrationsLocked()
}

func (h *Hub) query(c *client, what string) error {
	switch what {
	case "connection":
		h.mu.Lock()
		state := h.serverState
		h.mu.Unlock()
		return h.reply(c, map[string]any{"cmd": "query", "value": "connection", "result": state})
	case "descriptors":
		h.mu.Lock()
		n := len(h.clients)
		h.mu.Unlock()
		return h.reply(c, map[string]any{"cmd": "query", "value": "descriptors", "result": n})
	}
	return h.reply(c, map[string]any{"cmd": "query", "error": "unknown query"})
}

func (h *Hub) reply(c *client, msg map[string]any) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return writeFrame(c.conn, body)
}

// broadcast pushes one frame to every connected client. Write failures are
// left for the client's own read loop to notice.
func (h *Hub) broadcast(msg map[string]any) {
	body, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.writeMu.Lock()
		if err := writeFrame(c.conn, body); err != nil {
			util.LogDebug("hub: broadcast to %s failed: %v", c.conn.RemoteAddr(), err)
		}
		c.writeMu.Unlock()
	}
}

// SessionsChanged pushes an updated counter snapshot to every registered
// app. Implements the engine's session sink.
func (h *Hub) SessionsChanged(category string, counts map[string]int) {
	value := make(map[string]any, len(counts))
	for k, v := range counts {
		value[k] = v
	}
	h.broadcast(map[string]any{"action": "sessions", "type": category, "value": value})
}

// ConnState broadcasts a server connectivity change ("connected" /
// "disconnected").
func (h *Hub) ConnState(state string) {
	h.mu.Lock()
	h.serverState = state
	h.mu.Unlock()
	h.broadcast(map[string]any{"action": "connstate", "value": state})
}
