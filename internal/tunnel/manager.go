package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/seamlessrm/tunneld/internal/desktop"
	"github.com/seamlessrm/tunneld/internal/protocol"
	"github.com/seamlessrm/tunneld/internal/term"
	"github.com/seamlessrm/tunneld/internal/util"
)

// Upstream sends JSON-encodable messages to the management server.
type Upstream interface {
	Send(msg any)
}

// SessionSink receives a counter snapshot after every accounting change.
// The local broadcast hub implements this to fan updates out to companion
// apps.
type SessionSink interface {
	SessionsChanged(category string, counts map[string]int)
}

// Options are the capability handles injected into the engine at
// construction. Absent handles (nil) mean the capability is unsupported on
// this platform; tunnels needing it are rejected with a reason.
type Options struct {
	Upstream Upstream
	Sessions SessionSink
	Shell    term.Factory
	Desktop  *desktop.Host
	Plugins  PluginHost
	Prompter Prompter
	Notifier Notifier

	// PeerDial creates the channel used for webrtc switchover. Defaults to
	// dialing a fresh rtc.Channel.
	PeerDial func(ctx context.Context) (PeerChannel, error)

	// ConsentTimeout bounds local consent prompts.
	ConsentTimeout time.Duration

	// ServerTLSHash pins the relay certificate for every dialed tunnel
	// unless the open request carries its own hash.
	ServerTLSHash string
}

// sessionsMsg is the per-category counter snapshot sent upstream.
type sessionsMsg struct {
	Action string         `json:"action"`
	Type   string         `json:"type"`
	Value  map[string]int `json:"value"`
}

// Manager owns the set of live tunnels and the session counters. Both maps
// sit behind one mutex: they are the only cross-tunnel shared state.
type Manager struct {
	opts Options

	mu        sync.Mutex
	nextIndex int
	tunnels   map[int]*Tunnel
	counters  map[string]map[string]int
}

// NewManager creates a Manager with the given capability handles.
func NewManager(opts Options) *Manager {
	if opts.ConsentTimeout <= 0 {
		opts.ConsentTimeout = 30 * time.Second
	}
	return &Manager{
		opts:     opts,
		tunnels:  make(map[int]*Tunnel),
		counters: make(map[string]map[string]int),
	}
}

// Open dials the relay URL from a server open request and starts the
// tunnel state machine. The returned tunnel is already registered.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Tunnel, error) {
	tlsHash := req.ServerTLSHash
	if tlsHash == "" {
		tlsHash = m.opts.ServerTLSHash
	}
	tr, err := dialTransport(ctx, req.URL, tlsHash)
	if err != nil {
		return nil, err
	}
	return m.Attach(ctx, req, tr), nil
}

// Attach registers a tunnel over an existing transport and starts its
// state machine. Exposed for transports established by other means (and
// for tests).
func (m *Manager) Attach(ctx context.Context, req OpenRequest, tr Transport) *Tunnel {
	tCtx, tCancel := context.WithCancel(ctx)

	m.mu.Lock()
	m.nextIndex++
	t := &Tunnel{
		Index:  m.nextIndex,
		Req:    req,
		mgr:    m,
		tr:     tr,
		ctx:    tCtx,
		cancel: tCancel,
		state:  StateCreated,
		proto:  protocol.ProtoUnset,
		stage:  protocol.StageHandshake,
	}
	m.tunnels[t.Index] = t
	m.mu.Unlock()

	util.Stats.AddTunnel()
	util.LogInfo("tunnel #%d: opened to %s", t.Index, req.URL)
	go t.run()
	return t
}

// Lookup finds a live tunnel by index, for cross-tunnel effects such as
// relay peer lookup.
func (m *Manager) Lookup(index int) (*Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tunnels[index]
	return t, ok
}

// Close closes the tunnel with the given index. Unknown indexes are a
// no-op, which makes double-destruction harmless.
func (m *Manager) Close(index int) {
	m.mu.Lock()
	t, ok := m.tunnels[index]
	m.mu.Unlock()
	if ok {
		t.Close()
	}
}

// CloseAll tears down every live tunnel (agent shutdown).
func (m *Manager) CloseAll() {
	m.mu.Lock()
	live := make([]*Tunnel, 0, len(m.tunnels))
	for _, t := range m.tunnels {
		live = append(live, t)
	}
	m.mu.Unlock()
	for _, t := range live {
		t.Close()
	}
}

// Count returns the number of live tunnels.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tunnels)
}

// remove drops a tunnel from the registry. Returns false when the index is
// already gone, guarding the destruction path against double-application.
func (m *Manager) remove(index int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tunnels[index]; !ok {
		return false
	}
	delete(m.tunnels, index)
	return true
}

// Counters returns a copy of the per-user counts for one category.
func (m *Manager) Counters(category string) map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyCounts(m.counters[category])
}

// AllCounters returns a copy of every category's counts (the hub's
// "sessions" query).
func (m *Manager) AllCounters() map[string]map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make(map[string]map[string]int, len(m.counters))
	for cat, counts := range m.counters {
		all[cat] = copyCounts(counts)
	}
	return all
}

func copyCounts(counts map[string]int) map[string]int {
	out := make(map[string]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

// bindSession increments the counter for category/user and broadcasts the
// updated snapshot. Called exactly once per Bound transition.
func (m *Manager) bindSession(category, user string) {
	if category == "" {
		return
	}
	m.mu.Lock()
	counts := m.counters[category]
	if counts == nil {
		counts = make(map[string]int)
		m.counters[category] = counts
	}
	counts[user]++
	snapshot := copyCounts(counts)
	m.mu.Unlock()

	m.broadcastSessions(category, snapshot)
}

// unbindSession decrements the counter for category/user, removing the key
// at zero, and broadcasts. Called exactly once per Closed transition of a
// bound tunnel.
func (m *Manager) unbindSession(category, user string) {
	if category == "" {
		return
	}
	m.mu.Lock()
	counts := m.counters[category]
	if counts != nil {
		if counts[user] <= 1 {
			delete(counts, user)
		} else {
			counts[user]--
		}
		if len(counts) == 0 {
			delete(m.counters, category)
		}
	}
	snapshot := copyCounts(counts)
	m.mu.Unlock()

	m.broadcastSessions(category, snapshot)
}

func (m *Manager) broadcastSessions(category string, snapshot map[string]int) {
	if m.opts.Upstream != nil {
		m.opts.Upstream.Send(sessionsMsg{Action: "sessions", Type: category, Value: snapshot})
	}
	if m.opts.Sessions != nil {
		m.opts.Sessions.SessionsChanged(category, snapshot)
	}
}
