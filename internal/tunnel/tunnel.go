// Package tunnel implements the session multiplexer: one state machine per
// relay connection, negotiating a sub-protocol, applying rights/consent
// policy, binding a local resource and piping data, plus the Manager that
// owns the live-tunnel registry and the session counters.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/seamlessrm/tunneld/internal/files"
	"github.com/seamlessrm/tunneld/internal/policy"
	"github.com/seamlessrm/tunneld/internal/protocol"
	"github.com/seamlessrm/tunneld/internal/term"
	"github.com/seamlessrm/tunneld/internal/util"
)

// State is the tunnel lifecycle stage.
type State int

const (
	StateCreated State = iota
	StateNegotiating
	StatePolicyCheck
	StateConsentPending
	StateBound
	StatePiping
	StateClosing
	StateClosed
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateNegotiating:
		return "negotiating"
	case StatePolicyCheck:
		return "policy-check"
	case StateConsentPending:
		return "consent-pending"
	case StateBound:
		return "bound"
	case StatePiping:
		return "piping"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateRejected:
		return "rejected"
	}
	return "state(?)"
}

// ErrProtocolViolation marks malformed framing; the offending frame is
// dropped and repeated violations close the tunnel.
var ErrProtocolViolation = errors.New("protocol violation")

// ErrResourceUnavailable marks a local process/file/socket that could not
// be created; the requester is told and the tunnel is rejected.
var ErrResourceUnavailable = errors.New("resource unavailable")

// maxViolations is how many dropped malformed frames a tunnel tolerates
// before it is closed.
const maxViolations = 10

// Tunnel is one active relay connection and its state machine. All frame
// handling runs on the tunnel's own reader goroutine; the mutex guards the
// fields the switchover path and Close touch from outside it.
type Tunnel struct {
	Index int
	Req   OpenRequest

	mgr *Manager
	tr  Transport

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	proto    protocol.Protocol
	stage    protocol.Stage
	recorded bool
	dead     bool // unusable: invalid selector, waiting for peer close
	binding  *binding
	options  protocol.Options
	termSess term.Session

	violations int

	// Payload byte counters, pre-compression. The transport tracks the
	// actual wire bytes for the close-time compression report.
	sentBytes atomic.Int64
	recvBytes atomic.Int64

	// WebRTC switchover. rtcOut routes outbound payload to the peer
	// channel; control messages always stay on the relay transport.
	rtcChannel   PeerChannel
	rtcOut       bool
	rtcInitiator bool
	rtcComplete  bool

	closeOnce sync.Once
}

// State returns the current lifecycle stage.
func (t *Tunnel) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Protocol returns the negotiated sub-protocol (Unset before negotiation).
func (t *Tunnel) Protocol() protocol.Protocol {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proto
}

// Recorded reports whether the relay flagged this tunnel as recorded.
func (t *Tunnel) Recorded() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recorded
}

// counterKey identifies the requesting user in the session counters.
func (t *Tunnel) counterKey() string {
	switch {
	case t.Req.UserID != "":
		return t.Req.UserID
	case t.Req.Username != "":
		return t.Req.Username
	}
	return "anonymous"
}

// run is the tunnel's reader loop. It exits when the transport ends, which
// always funnels into Close.
func (t *Tunnel) run() {
	for {
		data, text, err := t.tr.ReadFrame()
		if err != nil {
			t.closeWith(fmt.Errorf("transport: %w", err))
			return
		}
		t.recvBytes.Add(int64(len(data)))
		util.Stats.AddRecv(len(data))
		t.handleFrame(data, text)

		t.mu.Lock()
		closing := t.state == StateClosing || t.state == StateClosed || t.state == StateRejected
		t.mu.Unlock()
		if closing {
			return
		}
	}
}

// handleFrame classifies one inbound chunk and advances the state machine.
func (t *Tunnel) handleFrame(data []byte, text bool) {
	t.mu.Lock()
	stage := t.stage
	dead := t.dead
	t.mu.Unlock()

	frame, err := protocol.Classify(data, text, stage)
	if err != nil {
		if errors.Is(err, protocol.ErrEmptyFrame) {
			return
		}
		// Best-effort: log and discard without closing the tunnel, unless
		// the peer keeps violating the framing contract.
		t.mu.Lock()
		t.violations++
		tooMany := t.violations > maxViolations
		t.mu.Unlock()
		util.LogWarning("tunnel #%d: dropping frame: %v", t.Index, err)
		if tooMany {
			t.closeWith(fmt.Errorf("%w: repeated malformed frames", ErrProtocolViolation))
		}
		return
	}

	switch frame.Kind {
	case protocol.FrameHandshake:
		t.handleHandshake(frame.Recorded)

	case protocol.FrameControl:
		t.handleControl(frame.Control)

	case protocol.FrameSelector:
		if dead {
			return
		}
		t.handleSelector(frame.Proto)

	case protocol.FramePayload:
		if dead {
			return
		}
		t.deliverPayload(frame.Payload, frame.Text, frame.Escaped)
	}
}

// handleHandshake moves Created → Negotiating. Relay tunnels carry their
// target in the open request and never see a selector frame, so they bind
// immediately.
func (t *Tunnel) handleHandshake(recorded bool) {
	t.mu.Lock()
	if t.state != StateCreated {
		t.mu.Unlock()
		util.LogDebug("tunnel #%d: duplicate handshake ignored", t.Index)
		return
	}
	t.recorded = recorded
	t.state = StateNegotiating
	t.stage = protocol.StageNegotiating
	t.mu.Unlock()

	util.LogInfo("tunnel #%d: connected (recorded=%v)", t.Index, recorded)

	switch {
	case t.Req.TCPPort != 0:
		t.negotiate(protocol.ProtoRelayTCP)
	case t.Req.UDPPort != 0:
		t.negotiate(protocol.ProtoRelayUDP)
	}
}

// handleSelector consumes the protocol selector frame.
func (t *Tunnel) handleSelector(proto protocol.Protocol) {
	t.mu.Lock()
	if t.state != StateNegotiating {
		t.mu.Unlock()
		return
	}
	if proto == protocol.ProtoUnset {
		// Unusable until closed by the peer; nothing was bound, nothing
		// is counted.
		t.dead = true
		t.mu.Unlock()
		util.LogWarning("tunnel #%d: invalid protocol selector", t.Index)
		return
	}
	t.mu.Unlock()
	t.negotiate(proto)
}

// negotiate runs PolicyCheck and the optional consent gate, then binds the
// local resource. The consent prompt runs on its own goroutine so the
// reader keeps draining the transport while the user decides; a transport
// close then cancels t.ctx and unwinds the pending prompt.
func (t *Tunnel) negotiate(proto protocol.Protocol) {
	t.mu.Lock()
	t.proto = proto
	t.state = StatePolicyCheck
	t.mu.Unlock()

	if err := policy.CheckRights(t.Req.Rights, proto); err != nil {
		t.reject(err)
		return
	}

	if policy.NeedsPrompt(t.Req.Consent, proto) {
		if t.mgr.opts.Prompter == nil {
			// Consent is demanded but nobody can ask for it.
			t.reject(policy.ErrConsentDenied)
			return
		}
		t.mu.Lock()
		t.state = StateConsentPending
		t.mu.Unlock()

		go func() {
			title, message := t.consentText(proto)
			ok, err := t.mgr.opts.Prompter.Prompt(t.ctx, title, message, t.mgr.opts.ConsentTimeout)
			if err != nil || !ok {
				t.reject(policy.ErrConsentDenied)
				return
			}
			t.establish(proto)
		}()
		return
	}

	t.establish(proto)
}

// establish binds the local resource and moves the tunnel into Piping. It
// may run after the tunnel was torn down (consent granted in the same
// instant the transport died), in which case the fresh resource is released
// on the spot.
func (t *Tunnel) establish(proto protocol.Protocol) {
	b, err := t.bind(proto)
	if err != nil {
		t.reject(fmt.Errorf("%w: %v", ErrResourceUnavailable, err))
		return
	}

	t.mu.Lock()
	if t.state != StatePolicyCheck && t.state != StateConsentPending {
		t.mu.Unlock()
		b.release()
		return
	}
	t.binding = b
	t.state = StateBound
	t.stage = protocol.StageEstablished
	t.mu.Unlock()

	t.mgr.bindSession(b.category, t.counterKey())

	if policy.NeedsNotify(t.Req.Consent, proto) && t.mgr.opts.Notifier != nil {
		_, message := t.notifyText(proto)
		t.mgr.opts.Notifier.Notify(t.Req.SOptions.NotifyTitle, message)
	}

	t.mu.Lock()
	if t.state == StateBound {
		t.state = StatePiping
	}
	t.mu.Unlock()
	util.LogInfo("tunnel #%d: %s session bound for %s", t.Index, proto, t.counterKey())
}

// bind creates and attaches the local resource for proto.
func (t *Tunnel) bind(proto protocol.Protocol) (*binding, error) {
	switch {
	case proto.IsTerminal():
		return t.bindTerminal(proto)
	case proto == protocol.ProtoDesktop:
		return t.bindDesktop()
	case proto == protocol.ProtoFiles:
		return t.bindFiles()
	case proto == protocol.ProtoBasicFileTransfer:
		return t.bindFileTransfer()
	case proto == protocol.ProtoPluginExchange:
		return t.bindPlugin()
	case proto == protocol.ProtoRelayTCP:
		return t.bindRelay("tcp", fmt.Sprintf("%s:%d", t.Req.TCPTarget, t.Req.TCPPort))
	case proto == protocol.ProtoRelayUDP:
		return t.bindRelay("udp", fmt.Sprintf("%s:%d", t.Req.UDPTarget, t.Req.UDPPort))
	}
	return nil, fmt.Errorf("no binding for %s", proto)
}

func (t *Tunnel) bindTerminal(proto protocol.Protocol) (*binding, error) {
	if t.mgr.opts.Shell == nil {
		return nil, errors.New("no shell factory on this platform")
	}
	sess, err := t.mgr.opts.Shell.Spawn(proto.Powershell(), proto.UserSession())
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	t.termSess = sess
	t.mu.Unlock()

	go func() {
		buf := make([]byte, 16*1024)
		for {
			n, err := sess.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				t.sendPayload(chunk, false)
			}
			if err != nil {
				t.closeWith(nil) // shell exited
				return
			}
		}
	}()

	return &binding{
		category: proto.Category(),
		deliver: func(data []byte, text, raw bool) {
			if _, err := sess.Write(data); err != nil {
				t.closeWith(fmt.Errorf("shell write: %w", err))
			}
		},
		release: func() { sess.Close() },
	}, nil
}

func (t *Tunnel) bindDesktop() (*binding, error) {
	if t.mgr.opts.Desktop == nil {
		return nil, errors.New("no desktop host on this platform")
	}
	viewOnly := policy.ViewOnly(t.Req.Rights)
	privacyBar := policy.NeedsPrivacyBar(t.Req.Consent)
	viewer, err := t.mgr.opts.Desktop.Attach(t.Req.DisplayName(), viewOnly, privacyBar, func(data []byte) {
		t.sendPayload(data, false)
	})
	if err != nil {
		return nil, err
	}
	return &binding{
		category: protocol.ProtoDesktop.Category(),
		deliver: func(data []byte, text, raw bool) {
			if _, err := viewer.Write(data); err != nil {
				t.closeWith(fmt.Errorf("kvm input: %w", err))
			}
		},
		release: func() { viewer.Close() },
	}, nil
}

func (t *Tunnel) bindFiles() (*binding, error) {
	// Files binds per-command; nothing is opened upfront.
	h := files.NewHandler(fileSink{t})
	return &binding{
		category: protocol.ProtoFiles.Category(),
		deliver: func(data []byte, text, raw bool) {
			if text || (!raw && len(data) > 0 && data[0] == '{') {
				h.HandleCommand(data)
				return
			}
			h.HandleBinary(data)
		},
		release: h.Close,
	}, nil
}

// bindFileTransfer streams the file named by the prior options message
// straight down the tunnel as binary chunks, then asks the peer to close.
func (t *Tunnel) bindFileTransfer() (*binding, error) {
	t.mu.Lock()
	path := t.options.File
	t.mu.Unlock()
	if path == "" {
		return nil, errors.New("file transfer without a file option")
	}

	stream, err := files.OpenTransfer(path)
	if err != nil {
		return nil, err
	}

	go func() {
		defer stream.Close()
		buf := make([]byte, 16*1024)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				t.sendPayload(chunk, false)
			}
			if err != nil {
				t.sendControl(protocol.CloseMsg{})
				return
			}
		}
	}()

	return &binding{
		category: protocol.ProtoBasicFileTransfer.Category(),
		deliver:  func(data []byte, text, raw bool) {}, // one-way
		release:  func() { stream.Close() },
	}, nil
}

func (t *Tunnel) bindPlugin() (*binding, error) {
	if t.mgr.opts.Plugins == nil {
		return nil, errors.New("no plugin host registered")
	}
	sess, err := t.mgr.opts.Plugins.Attach(func(data []byte, text bool) {
		t.sendPayload(data, text)
	})
	if err != nil {
		return nil, err
	}
	return &binding{
		category: protocol.ProtoPluginExchange.Category(),
		deliver: func(data []byte, text, raw bool) {
			sess.Deliver(data, text)
		},
		release: sess.Close,
	}, nil
}

// deliverPayload routes sub-protocol payload into the bound resource.
func (t *Tunnel) deliverPayload(data []byte, text, raw bool) {
	t.mu.Lock()
	b := t.binding
	state := t.state
	t.mu.Unlock()

	if b == nil || (state != StateBound && state != StatePiping) {
		util.LogDebug("tunnel #%d: dropping %d payload bytes in state %s", t.Index, len(data), state)
		return
	}
	b.deliver(data, text, raw)
}

// handleControl dispatches one control-channel message. Control messages
// are handled out-of-band even while the relay engine owns data flow.
func (t *Tunnel) handleControl(msg protocol.ControlMessage) {
	switch m := msg.(type) {
	case protocol.CloseMsg:
		t.closeWith(nil)

	case protocol.Options:
		t.mu.Lock()
		t.options = m
		t.mu.Unlock()

	case protocol.TermSize:
		t.mu.Lock()
		sess := t.termSess
		t.mu.Unlock()
		if sess != nil {
			if err := sess.Resize(m.Cols, m.Rows); err != nil {
				util.LogDebug("tunnel #%d: resize: %v", t.Index, err)
			}
		}

	case protocol.Ping:
		t.sendControl(protocol.Pong{})

	case protocol.Pong:
		// Keepalive answer; nothing to do.

	case protocol.RTT:
		t.sendControl(protocol.RTT{Time: m.Time})

	case protocol.Lock:
		util.LogInfo("tunnel #%d: console lock requested", t.Index)

	case protocol.Console:
		util.LogInfo("tunnel #%d: console: %s", t.Index, m.Msg)

	case protocol.Offer:
		t.handleOffer(m)
	case protocol.Answer:
		t.handleAnswer(m)
	case protocol.Webrtc0:
		t.handleWebrtc0()
	case protocol.Webrtc1:
		t.handleWebrtc1()
	case protocol.Webrtc2:
		t.handleWebrtc2()
	}
}

// sendPayload sends sub-protocol payload toward the peer, over the peer
// channel once switchover is active, over the relay transport otherwise.
func (t *Tunnel) sendPayload(data []byte, text bool) {
	t.mu.Lock()
	viaRTC := t.rtcOut
	ch := t.rtcChannel
	t.mu.Unlock()

	if !text {
		data = protocol.EscapePayload(data)
	}
	t.sentBytes.Add(int64(len(data)))

	if viaRTC && ch != nil {
		ch.Send(data, text)
		return
	}
	if err := t.tr.WriteFrame(data, text); err != nil {
		t.closeWith(fmt.Errorf("transport write: %w", err))
		return
	}
	util.Stats.AddSent(len(data))
}

// sendControl sends a control message. The relay transport carries control
// traffic even after a completed switchover.
func (t *Tunnel) sendControl(msg protocol.ControlMessage) {
	data := protocol.EncodeControl(msg)
	t.sentBytes.Add(int64(len(data)))
	if err := t.tr.WriteFrame(data, true); err != nil {
		t.closeWith(fmt.Errorf("transport write: %w", err))
	}
}

// consentText resolves the prompt title/message for proto.
func (t *Tunnel) consentText(proto protocol.Protocol) (title, message string) {
	so := t.Req.SOptions
	var template string
	switch {
	case proto.IsTerminal():
		template = so.TerminalConsent
	case proto == protocol.ProtoDesktop:
		template = so.DesktopConsent
	default:
		template = so.FilesConsent
	}
	if template == "" {
		template = "{0} is requesting a " + proto.String() + " session. Allow?"
	}
	return so.ConsentTitle, strings.ReplaceAll(template, "{0}", t.Req.DisplayName())
}

// notifyText resolves the post-bind notification for proto.
func (t *Tunnel) notifyText(proto protocol.Protocol) (title, message string) {
	so := t.Req.SOptions
	var template string
	switch {
	case proto.IsTerminal():
		template = so.TerminalNotify
	case proto == protocol.ProtoDesktop:
		template = so.DesktopNotify
	default:
		template = so.FilesNotify
	}
	if template == "" {
		template = "{0} started a " + proto.String() + " session."
	}
	return so.NotifyTitle, strings.ReplaceAll(template, "{0}", t.Req.DisplayName())
}

// reject tears the tunnel down without binding: the requester is told the
// reason, no resource is created and no counters change.
func (t *Tunnel) reject(reason error) {
	t.mu.Lock()
	if t.state == StateRejected || t.state == StateClosing || t.state == StateClosed {
		t.mu.Unlock()
		return
	}
	t.state = StateRejected
	t.mu.Unlock()

	util.LogWarning("tunnel #%d: rejected: %v", t.Index, reason)
	t.sendControl(protocol.Console{Msg: reason.Error()})
	t.destroy()
}

// Close tears the tunnel down. Safe to call multiple times and from any
// goroutine; destruction happens exactly once.
func (t *Tunnel) Close() {
	t.closeWith(nil)
}

func (t *Tunnel) closeWith(reason error) {
	if reason != nil {
		util.LogDebug("tunnel #%d: closing: %v", t.Index, reason)
	}
	t.mu.Lock()
	if t.state != StateClosed && t.state != StateRejected {
		t.state = StateClosing
	}
	t.mu.Unlock()
	t.destroy()
}

// destroy releases the resource, reconciles counters, reports close
// statistics and removes the tunnel from the registry. Runs at most once;
// the registry membership check in Manager.remove guards the rest.
func (t *Tunnel) destroy() {
	t.closeOnce.Do(func() {
		t.cancel()

		t.mu.Lock()
		b := t.binding
		t.binding = nil
		ch := t.rtcChannel
		t.rtcChannel = nil
		t.termSess = nil
		t.mu.Unlock()

		if b != nil {
			b.release()
			t.mgr.unbindSession(b.category, t.counterKey())
		}
		if ch != nil {
			ch.Close()
		}

		t.reportCloseStats()
		t.tr.Close()
		t.mgr.remove(t.Index)

		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()
		util.Stats.RemoveTunnel()
		util.LogInfo("tunnel #%d: closed", t.Index)
	})
}

// closeReport is the compression summary sent upstream when transport
// compression changed the byte counts.
type closeReport struct {
	Action     string  `json:"action"`
	URL        string  `json:"url"`
	UserID     string  `json:"userid,omitempty"`
	SessionID  string  `json:"sessionid,omitempty"`
	Protocol   int     `json:"protocol"`
	Recorded   bool    `json:"recorded,omitempty"`
	SentBytes  int64   `json:"sentBytes"`
	SentActual int64   `json:"sentActualBytes"`
	RecvBytes  int64   `json:"recvBytes"`
	RecvActual int64   `json:"recvActualBytes"`
	Ratio      float64 `json:"ratio"`
}

func (t *Tunnel) reportCloseStats() {
	if t.mgr.opts.Upstream == nil {
		return
	}
	sent := t.sentBytes.Load()
	recv := t.recvBytes.Load()
	actualSent, actualRecv := t.tr.ActualCounts()
	if sent == actualSent && recv == actualRecv {
		return
	}
	var ratio float64
	if actualSent+actualRecv > 0 {
		ratio = float64(sent+recv) / float64(actualSent+actualRecv)
	}
	t.mgr.opts.Upstream.Send(closeReport{
		Action:     "tunnelclose",
		URL:        t.Req.URL,
		UserID:     t.Req.UserID,
		SessionID:  t.Req.SessionID,
		Protocol:   int(t.Protocol()),
		Recorded:   t.Recorded(),
		SentBytes:  sent,
		SentActual: actualSent,
		RecvBytes:  recv,
		RecvActual: actualRecv,
		Ratio:      ratio,
	})
}

// fileSink adapts the tunnel send path to the files handler.
type fileSink struct{ t *Tunnel }

func (s fileSink) SendText(data []byte)   { s.t.sendPayload(data, true) }
func (s fileSink) SendBinary(data []byte) { s.t.sendPayload(data, false) }
