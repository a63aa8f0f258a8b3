package daipc

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"
)

// TestFrameCodec exercises the length-prefixed framing, including the
// malformed lengths that must terminate the connection.
func TestFrameCodec(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		var buf bytes.Buffer
		body := []byte(`{"cmd":"register","value":"app"}`)
		if err := writeFrame(&buf, body); err != nil {
			t.Fatalf("writeFrame: %v", err)
		}
		got, err := readFrame(&buf)
		if err != nil {
			t.Fatalf("readFrame: %v", err)
		}
		if !bytes.Equal(got, body) {
			t.Errorf("body = %q, want %q", got, body)
		}
	})

	t.Run("empty body", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeFrame(&buf, nil); err != nil {
			t.Fatalf("writeFrame: %v", err)
		}
		got, err := readFrame(&buf)
		if err != nil {
			t.Fatalf("readFrame: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("body = %q, want empty", got)
		}
	})

	t.Run("oversize length is rejected", func(t *testing.T) {
		var head [4]byte
		binary.LittleEndian.PutUint32(head[:], 9000)
		if _, err := readFrame(bytes.NewReader(head[:])); err == nil {
			t.Error("readFrame accepted a 9000-byte declared length")
		}
	})

	t.Run("length below header size is rejected", func(t *testing.T) {
		var head [4]byte
		binary.LittleEndian.PutUint32(head[:], 2)
		if _, err := readFrame(bytes.NewReader(head[:])); err == nil {
			t.Error("readFrame accepted a 2-byte declared length")
		}
	})

	t.Run("oversize body refuses to send", func(t *testing.T) {
		var buf bytes.Buffer
		if err := writeFrame(&buf, make([]byte, MaxFrameSize)); err == nil {
			t.Error("writeFrame accepted a body beyond the ceiling")
		}
	})
}

// stubCounters serves a fixed counter snapshot.
type stubCounters struct {
	snapshot map[string]map[string]int
}

func (s *stubCounters) AllCounters() map[string]map[string]int {
	return s.snapshot
}

// captureUpstream records messages forwarded toward the server.
type captureUpstream struct {
	mu   sync.Mutex
	msgs []map[string]any
}

func (u *captureUpstream) Send(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	var m map[string]any
	if json.Unmarshal(data, &m) != nil {
		return
	}
	u.mu.Lock()
	u.msgs = append(u.msgs, m)
	u.mu.Unlock()
}

func (u *captureUpstream) find(action string) (map[string]any, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := len(u.msgs) - 1; i >= 0; i-- {
		if u.msgs[i]["action"] == action {
			return u.msgs[i], true
		}
	}
	return nil, false
}

// hubClient is a minimal companion-app client for tests.
type hubClient struct {
	conn net.Conn
}

func dialHub(t *testing.T, h *Hub) *hubClient {
	t.Helper()
	conn, err := net.Dial("tcp", h.Addr().String())
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &hubClient{conn: conn}
}

func (c *hubClient) send(t *testing.T, msg map[string]any) {
	t.Helper()
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := writeFrame(c.conn, body); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
}

func (c *hubClient) recv(t *testing.T) map[string]any {
	t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	body, err := readFrame(c.conn)
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		t.Fatalf("bad frame JSON: %v", err)
	}
	return m
}

func startHub(t *testing.T, counters CounterSource, upstream Upstream) *Hub {
	t.Helper()
	h := New(counters, upstream, nil)
	if err := h.Listen("tcp:127.0.0.1:0"); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestRegistrationMultiset verifies per-connection registration counting:
// duplicates on one connection count once, parallel connections stack, and
// disconnects decrement exactly once.
func TestRegistrationMultiset(t *testing.T) {
	up := &captureUpstream{}
	h := startHub(t, &stubCounters{}, up)

	c1 := dialHub(t, h)
	c1.send(t, map[string]any{"cmd": "register", "value": "helper-app"})
	c1.recv(t)

	// Re-registering on the same connection is idempotent.
	c1.send(t, map[string]any{"cmd": "register", "value": "helper-app"})
	c1.recv(t)
	if got := h.Registrations()["helper-app"]; got != 1 {
		t.Fatalf("count after duplicate register = %d, want 1", got)
	}

	c2 := dialHub(t, h)
	c2.send(t, map[string]any{"cmd": "register", "value": "helper-app"})
	c2.recv(t)
	if got := h.Registrations()["helper-app"]; got != 2 {
		t.Fatalf("count with two connections = %d, want 2", got)
	}

	report, found := up.find("sessions")
	if !found || report["type"] != "app" {
		t.Errorf("expected an app sessions report upstream, got %v", report)
	}

	c1.conn.Close()
	waitFor(t, func() bool { return h.Registrations()["helper-app"] == 1 }, "disconnect not decremented")

	c2.conn.Close()
	waitFor(t, func() bool {
		_, ok := h.Registrations()["helper-app"]
		return !ok
	}, "name not removed at zero")
}

// TestOversizeFrameDropsConnection verifies a declared length above the
// ceiling terminates the connection without disturbing other clients.
func TestOversizeFrameDropsConnection(t *testing.T) {
	h := startHub(t, &stubCounters{}, nil)

	bad := dialHub(t, h)
	good := dialHub(t, h)
	good.send(t, map[string]any{"cmd": "register", "value": "survivor"})
	good.recv(t)

	var head [4]byte
	binary.LittleEndian.PutUint32(head[:], 9000)
	if _, err := bad.conn.Write(head[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The server closes the offending connection.
	bad.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFrame(bad.conn); err == nil {
		t.Error("connection survived an oversize frame")
	}

	// The other client is unaffected.
	good.send(t, map[string]any{"cmd": "sessions"})
	if reply := good.recv(t); reply["cmd"] != "sessions" {
		t.Errorf("healthy client got %v", reply)
	}
	if got := h.Registrations()["survivor"]; got != 1 {
		t.Errorf("survivor registration = %d, want 1", got)
	}
}

// TestMalformedJSONDropsConnection verifies bodies that do not parse
// terminate the connection.
func TestMalformedJSONDropsConnection(t *testing.T) {
	h := startHub(t, &stubCounters{}, nil)

	c := dialHub(t, h)
	if err := writeFrame(c.conn, []byte("not json at all")); err != nil {
		t.Fatalf("writeFrame: %v", err)
	}
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := readFrame(c.conn); err == nil {
		t.Error("connection survived malformed JSON")
	}
}

// TestSessionsQuery verifies the counter snapshot answer.
func TestSessionsQuery(t *testing.T) {
	counters := &stubCounters{snapshot: map[string]map[string]int{
		"terminal": {"user//alice": 2},
		"tcp":      {"user//bob": 1},
	}}
	h := startHub(t, counters, nil)

	c := dialHub(t, h)
	c.send(t, map[string]any{"cmd": "sessions"})
	reply := c.recv(t)
	sessions, ok := reply["sessions"].(map[string]any)
	if !ok {
		t.Fatalf("reply = %v, want a sessions object", reply)
	}
	terminal, ok := sessions["terminal"].(map[string]any)
	if !ok || terminal["user//alice"] != float64(2) {
		t.Errorf("terminal sessions = %v, want alice:2", sessions["terminal"])
	}
}

// TestUnknownCommandGetsErrorReply verifies unknown commands are answered
// with an error instead of being ignored.
func TestUnknownCommandGetsErrorReply(t *testing.T) {
	h := startHub(t, &stubCounters{}, nil)

	c := dialHub(t, h)
	c.send(t, map[string]any{"cmd": "fly"})
	reply := c.recv(t)
	if reply["error"] == nil {
		t.Errorf("reply = %v, want an error field", reply)
	}

	// The connection survives an unknown command.
	c.send(t, map[string]any{"cmd": "sessions"})
	if reply := c.recv(t); reply["cmd"] != "sessions" {
		t.Errorf("follow-up reply = %v", reply)
	}
}

// TestQueryAndConnStateBroadcast verifies connectivity queries and the
// connstate push every client receives on a change.
func TestQueryAndConnStateBroadcast(t *testing.T) {
	h := startHub(t, &stubCounters{}, nil)

	c := dialHub(t, h)
	c.send(t, map[string]any{"cmd": "query", "value": "connection"})
	if reply := c.recv(t); reply["result"] != "disconnected" {
		t.Fatalf("initial connection state = %v, want disconnected", reply["result"])
	}

	h.ConnState("connected")
	if push := c.recv(t); push["action"] != "connstate" || push["value"] != "connected" {
		t.Errorf("push = %v, want connstate/connected", push)
	}

	c.send(t, map[string]any{"cmd": "query", "value": "connection"})
	if reply := c.recv(t); reply["result"] != "connected" {
		t.Errorf("connection state after change = %v, want connected", reply["result"])
	}

	c.send(t, map[string]any{"cmd": "query", "value": "unknowable"})
	if reply := c.recv(t); reply["error"] == nil {
		t.Errorf("unknown query reply = %v, want an error", reply)
	}
}

// TestHelpRequestForwarding verifies requesthelp/cancelhelp travel
// upstream with the registered source name.
func TestHelpRequestForwarding(t *testing.T) {
	up := &captureUpstream{}
	h := startHub(t, &stubCounters{}, up)

	c := dialHub(t, h)
	c.send(t, map[string]any{"cmd": "register", "value": "assist-app"})
	c.recv(t)

	c.send(t, map[string]any{"cmd": "requesthelp", "value": "printer on fire"})
	c.recv(t)

	waitFor(t, func() bool {
		msg, ok := up.find("help")
		return ok && msg["value"] == "printer on fire" && msg["source"] == "assist-app"
	}, "help request never reached upstream")

	c.send(t, map[string]any{"cmd": "cancelhelp"})
	c.recv(t)
	waitFor(t, func() bool {
		msg, ok := up.find("help")
		return ok && msg["cancel"] == true
	}, "help cancellation never reached upstream")
}

// TestSessionsChangedBroadcast verifies engine counter changes are pushed
// to every connected client.
func TestSessionsChangedBroadcast(t *testing.T) {
	h := startHub(t, &stubCounters{}, nil)

	c1 := dialHub(t, h)
	c2 := dialHub(t, h)
	// Ensure both serve loops are up before broadcasting.
	for _, c := range []*hubClient{c1, c2} {
		c.send(t, map[string]any{"cmd": "sessions"})
		c.recv(t)
	}

	h.SessionsChanged("terminal", map[string]int{"user//alice": 1})
	for _, c := range []*hubClient{c1, c2} {
		push := c.recv(t)
		if push["action"] != "sessions" || push["type"] != "terminal" {
			t.Fatalf("push = %v, want a terminal sessions broadcast", push)
		}
		value := push["value"].(map[string]any)
		if value["user//alice"] != float64(1) {
			t.Errorf("push value = %v, want alice:1", value)
		}
	}
}

// TestAmtStateWithoutProvider verifies the graceful error when no AMT
// collaborator is wired.
func TestAmtStateWithoutProvider(t *testing.T) {
	h := startHub(t, &stubCounters{}, nil)

	c := dialHub(t, h)
	c.send(t, map[string]any{"cmd": "amtstate"})
	if reply := c.recv(t); reply["error"] == nil {
		t.Errorf("reply = %v, want an error field", reply)
	}
}
