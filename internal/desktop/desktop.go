// Package desktop manages the shared KVM stream behind desktop tunnels.
// Several tunnels may view or control the same underlying stream at once;
// the stream is opened when the first viewer attaches and released when the
// last one detaches. A connection bar is (re)displayed on every
// participant-list change.
package desktop

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/seamlessrm/tunneld/internal/util"
)

// StreamFactory opens the platform KVM stream. The stream's internals
// (video encoding, input injection) are external collaborators; the engine
// only moves its bytes.
type StreamFactory interface {
	OpenStream() (io.ReadWriteCloser, error)
}

// Bar is the always-visible on-screen notice listing connected users.
type Bar interface {
	Show(users []string)
	Hide()
}

// Host owns at most one live KVM session and hands out viewer handles.
type Host struct {
	factory StreamFactory
	bar     Bar

	mu      sync.Mutex
	session *session
}

// NewHost creates a Host. bar may be nil when the platform has no
// connection-bar support.
func NewHost(factory StreamFactory, bar Bar) *Host {
	return &Host{factory: factory, bar: bar}
}

// session is the refcounted shared stream.
type session struct {
	host    *Host
	stream  io.ReadWriteCloser
	viewers map[*Viewer]struct{}
}

// Viewer is one tunnel's handle onto the shared session.
type Viewer struct {
	host       *Host
	session    *session
	user       string
	viewOnly   bool
	privacyBar bool
	send       func(data []byte)
	closed     bool
}

// Attach connects a viewer to the shared KVM session, opening the stream if
// this is the first participant. Every chunk the stream produces is
// delivered to send; input written through the returned Viewer is injected
// into the stream unless viewOnly is set. privacyBar demands the
// connection bar for as long as this viewer is attached.
func (h *Host) Attach(user string, viewOnly, privacyBar bool, send func(data []byte)) (*Viewer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.factory == nil {
		return nil, fmt.Errorf("no kvm stream source")
	}
	if h.session == nil {
		stream, err := h.factory.OpenStream()
		if err != nil {
			return nil, fmt.Errorf("open kvm stream: %w", err)
		}
		s := &session{host: h, stream: stream, viewers: make(map[*Viewer]struct{})}
		h.session = s
		go s.readLoop(stream)
	}

	v := &Viewer{host: h, session: h.session, user: user, viewOnly: viewOnly, privacyBar: privacyBar, send: send}
	h.session.viewers[v] = struct{}{}
	h.updateBarLocked()
	return v, nil
}

// ConnectionCount returns the number of attached viewers.
func (h *Host) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return 0
	}
	return len(h.session.viewers)
}

// Users returns the sorted participant list.
func (h *Host) Users() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usersLocked()
}

func (h *Host) usersLocked() []string {
	if h.session == nil {
		return nil
	}
	users := make([]string, 0, len(h.session.viewers))
	for v := range h.session.viewers {
		users = append(users, v.user)
	}
	sort.Strings(users)
	return users
}

// updateBarLocked redraws or removes the connection bar to match the
// current participant list. The bar is shown while any attached viewer's
// consent policy demands it.
func (h *Host) updateBarLocked() {
	if h.bar == nil {
		return
	}
	wanted := false
	if h.session != nil {
		for v := range h.session.viewers {
			if v.privacyBar {
				wanted = true
				break
			}
		}
	}
	if !wanted {
		h.bar.Hide()
		return
	}
	h.bar.Show(h.usersLocked())
}

// readLoop fans stream output out to every attached viewer. When the
// stream ends (platform side closed it) all viewers are detached.
func (s *session) readLoop(stream io.Reader) {
	buf := make([]byte, 64*1024)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			// Snapshot the viewer set first: a send callback may detach its
			// own viewer (the tunnel tears down on a write failure), and
			// Viewer.Close takes the host mutex.
			s.host.mu.Lock()
			targets := make([]*Viewer, 0, len(s.viewers))
			for v := range s.viewers {
				targets = append(targets, v)
			}
			s.host.mu.Unlock()
			for _, v := range targets {
				v.send(chunk)
			}
			util.Stats.AddRecv(n)
		}
		if err != nil {
			if err != io.EOF {
				util.LogWarning("kvm stream read: %v", err)
			}
			s.host.mu.Lock()
			if s.host.session == s {
				for v := range s.viewers {
					v.closed = true
				}
				s.viewers = make(map[*Viewer]struct{})
				s.host.session = nil
				s.host.updateBarLocked()
			}
			s.host.mu.Unlock()
			return
		}
	}
}

// Write injects remote input into the KVM stream. View-only handles
// silently discard input.
func (v *Viewer) Write(p []byte) (int, error) {
	v.host.mu.Lock()
	if v.closed {
		v.host.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	stream := v.session.stream
	v.host.mu.Unlock()

	if v.viewOnly {
		return len(p), nil
	}
	return stream.Write(p)
}

// Close detaches the viewer. The stream itself is released only when the
// participant count reaches zero. Safe to call more than once.
func (v *Viewer) Close() error {
	v.host.mu.Lock()
	defer v.host.mu.Unlock()

	if v.closed {
		return nil
	}
	v.closed = true
	delete(v.session.viewers, v)

	if len(v.session.viewers) == 0 && v.host.session == v.session {
		v.host.session = nil
		v.host.updateBarLocked()
		return v.session.stream.Close()
	}
	v.host.updateBarLocked()
	return nil
}
