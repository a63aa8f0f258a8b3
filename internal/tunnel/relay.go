package tunnel

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/seamlessrm/tunneld/internal/util"
)

// Relay tuning constants.
const (
	relayDialTimeout = 10 * time.Second
	relayReadBuffer  = 64 * 1024
	// relayReadTimeout keeps the target read loop interruptible so it can
	// notice tunnel teardown.
	relayReadTimeout = 100 * time.Millisecond
)

// syncMarker is the single discardable frame exchanged once the local
// target connection is up; each relay end drops the first frame it
// receives on an established relay, so user data is never lost to it.
var syncMarker = []byte{0x01}

// relayState tracks one raw TCP/UDP relay binding. Data received from the
// transport before the local connection is established is buffered in
// arrival order and flushed on connect.
type relayState struct {
	t *Tunnel

	mu             sync.Mutex
	conn           net.Conn
	established    bool
	failed         bool
	pending        [][]byte
	discardedFirst bool
}

// bindRelay opens the second, independent local connection to the relay
// target. The dial runs asynchronously: the tunnel is considered bound
// immediately and inbound frames are buffered until the target is up.
func (t *Tunnel) bindRelay(network, addr string) (*binding, error) {
	r := &relayState{t: t}

	go r.dial(network, addr)

	category := "tcp"
	if network == "udp" {
		category = "udp"
	}
	return &binding{
		category: category,
		deliver:  r.deliver,
		release:  r.release,
	}, nil
}

func (r *relayState) dial(network, addr string) {
	conn, err := net.DialTimeout(network, addr, relayDialTimeout)
	if err != nil {
		r.mu.Lock()
		r.failed = true
		r.pending = nil
		r.mu.Unlock()
		r.t.closeWith(fmt.Errorf("relay target %s %s: %w", network, addr, err))
		return
	}

	r.mu.Lock()
	r.conn = conn
	r.established = true
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()

	util.LogInfo("tunnel #%d: relay connected to %s %s", r.t.Index, network, addr)

	// Sync marker first, then the frames buffered while connecting.
	r.t.sendPayload(syncMarker, false)
	for _, chunk := range pending {
		if _, err := conn.Write(chunk); err != nil {
			r.t.closeWith(fmt.Errorf("relay write: %w", err))
			return
		}
	}

	go r.readLoop(conn)
}

// deliver handles transport→target data. The first frame after
// establishment is the peer's sync marker and is dropped.
func (r *relayState) deliver(data []byte, text, raw bool) {
	r.mu.Lock()
	if r.failed {
		r.mu.Unlock()
		return
	}
	if !r.discardedFirst {
		// The peer's sync marker may arrive before or after our own target
		// connects; either way it is the first frame and never forwarded.
		r.discardedFirst = true
		r.mu.Unlock()
		return
	}
	if !r.established {
		chunk := make([]byte, len(data))
		copy(chunk, data)
		r.pending = append(r.pending, chunk)
		r.mu.Unlock()
		return
	}
	conn := r.conn
	r.mu.Unlock()

	if _, err := conn.Write(data); err != nil {
		r.t.closeWith(fmt.Errorf("relay write: %w", err))
	}
}

// readLoop pipes target→transport with a short read deadline so teardown
// is noticed promptly.
func (r *relayState) readLoop(conn net.Conn) {
	buf := make([]byte, relayReadBuffer)
	for {
		conn.SetReadDeadline(time.Now().Add(relayReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			r.t.sendPayload(chunk, false)
		}
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				select {
				case <-r.t.ctx.Done():
					return
				default:
					continue
				}
			}
			r.t.closeWith(fmt.Errorf("relay read: %w", err))
			return
		}
	}
}

func (r *relayState) release() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.pending = nil
	r.failed = true
	r.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
