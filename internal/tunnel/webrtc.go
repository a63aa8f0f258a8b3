package tunnel

import (
	"context"
	"time"

	"github.com/seamlessrm/tunneld/internal/protocol"
	"github.com/seamlessrm/tunneld/internal/rtc"
	"github.com/seamlessrm/tunneld/internal/util"
)

// WebRTC switchover. A three-step control handshake migrates the tunnel's
// payload path from the relay transport to a direct peer channel without
// losing a frame:
//
//	webrtc0  sender → receiver  "my payload now goes over the peer channel"
//	webrtc1  receiver → sender  "mine too; stop expecting relay payload"
//	webrtc2  sender → receiver  "confirmed; switchover complete"
//
// Each side flips its outbound path atomically with sending its step
// message, and keeps accepting inbound payload from both paths throughout,
// so every in-flight byte is delivered exactly once. The relay transport
// stays up for control traffic (ping/pong/rtt/close/lock) afterwards.

// sdpExchangeTimeout bounds ICE gathering for the offer/answer pair.
const sdpExchangeTimeout = 20 * time.Second

// PeerChannel is the direct peer data path a tunnel can migrate its payload
// onto. *rtc.Channel is the production implementation; Options.PeerDial
// lets callers substitute their own.
type PeerChannel interface {
	Offer(ctx context.Context) (string, error)
	Answer(ctx context.Context, remoteSDP string) (string, error)
	SetAnswer(remoteSDP string) error
	Ready() <-chan struct{}
	Done() <-chan struct{}
	Send(data []byte, text bool)
	OnMessage(fn func(data []byte, text bool))
	Close() error
}

func defaultPeerDial(ctx context.Context) (PeerChannel, error) {
	return rtc.NewChannel(ctx)
}

// switchoverAllowed limits the peer-channel path to interactive tunnels.
func (t *Tunnel) switchoverAllowed() bool {
	p := t.Protocol()
	return p.IsTerminal() || p == protocol.ProtoDesktop
}

// StartSwitchover originates the peer channel from this side: it sends an
// SDP offer over the control channel and, once the channel opens, performs
// the webrtc0 step. The tunnel keeps flowing over the relay transport
// until the handshake completes.
func (t *Tunnel) StartSwitchover() error {
	if !t.switchoverAllowed() {
		return ErrProtocolViolation
	}
	ch, err := t.newRTCChannel(true)
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := t.sdpContext()
		defer cancel()
		sdp, err := ch.Offer(ctx)
		if err != nil {
			util.LogWarning("tunnel #%d: webrtc offer: %v", t.Index, err)
			t.dropRTCChannel(ch)
			return
		}
		t.sendControl(protocol.Offer{SDP: sdp})
		t.armSwitchover(ch)
	}()
	return nil
}

// handleOffer answers a peer-originated SDP offer.
func (t *Tunnel) handleOffer(m protocol.Offer) {
	if !t.switchoverAllowed() {
		util.LogWarning("tunnel #%d: webrtc offer on %s tunnel ignored", t.Index, t.Protocol())
		return
	}
	ch, err := t.newRTCChannel(false)
	if err != nil {
		util.LogWarning("tunnel #%d: webrtc: %v", t.Index, err)
		return
	}

	go func() {
		ctx, cancel := t.sdpContext()
		defer cancel()
		sdp, err := ch.Answer(ctx, m.SDP)
		if err != nil {
			util.LogWarning("tunnel #%d: webrtc answer: %v", t.Index, err)
			t.dropRTCChannel(ch)
			return
		}
		t.sendControl(protocol.Answer{SDP: sdp})
		t.armSwitchover(ch)
	}()
}

// handleAnswer applies the peer's SDP answer on the offering side.
func (t *Tunnel) handleAnswer(m protocol.Answer) {
	t.mu.Lock()
	ch := t.rtcChannel
	initiator := t.rtcInitiator
	t.mu.Unlock()
	if ch == nil || !initiator {
		util.LogWarning("tunnel #%d: unexpected webrtc answer", t.Index)
		return
	}
	if err := ch.SetAnswer(m.SDP); err != nil {
		util.LogWarning("tunnel #%d: webrtc answer: %v", t.Index, err)
		t.dropRTCChannel(ch)
	}
}

// newRTCChannel creates and registers the peer channel; at most one per
// tunnel.
func (t *Tunnel) newRTCChannel(initiator bool) (PeerChannel, error) {
	dial := t.mgr.opts.PeerDial
	if dial == nil {
		dial = defaultPeerDial
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rtcChannel != nil {
		return nil, ErrProtocolViolation
	}
	ch, err := dial(t.ctx)
	if err != nil {
		return nil, err
	}
	t.rtcChannel = ch
	t.rtcInitiator = initiator

	// Inbound peer-channel traffic joins the same payload path as relay
	// frames; both paths stay open until the handshake completes.
	ch.OnMessage(func(data []byte, text bool) {
		t.recvBytes.Add(int64(len(data)))
		util.Stats.AddRecv(len(data))
		t.handleFrame(data, text)
	})
	return ch, nil
}

// armSwitchover waits for the peer channel to open, then (on the
// initiating side) performs the webrtc0 step. It also watches for channel
// failure to fall back to the relay transport.
func (t *Tunnel) armSwitchover(ch PeerChannel) {
	go func() {
		select {
		case <-ch.Ready():
		case <-ch.Done():
			t.dropRTCChannel(ch)
			return
		case <-t.ctx.Done():
			return
		}

		t.mu.Lock()
		initiator := t.rtcInitiator && t.rtcChannel == ch
		if initiator {
			// Flip the outbound path atomically with announcing it: every
			// payload frame after webrtc0 rides the peer channel.
			t.rtcOut = true
		}
		t.mu.Unlock()
		if initiator {
			t.sendControl(protocol.Webrtc0{})
		}

		// Channel failure after this point falls back to the relay.
		select {
		case <-ch.Done():
			t.dropRTCChannel(ch)
		case <-t.ctx.Done():
		}
	}()
}

// handleWebrtc0: the peer's payload now arrives over the peer channel;
// move our own outbound there too and acknowledge.
func (t *Tunnel) handleWebrtc0() {
	t.mu.Lock()
	ok := t.rtcChannel != nil
	if ok {
		t.rtcOut = true
	}
	t.mu.Unlock()
	if !ok {
		util.LogWarning("tunnel #%d: webrtc0 without a peer channel", t.Index)
		return
	}
	t.sendControl(protocol.Webrtc1{})
}

// handleWebrtc1: both directions are on the peer channel now; confirm.
func (t *Tunnel) handleWebrtc1() {
	t.mu.Lock()
	initiator := t.rtcInitiator && t.rtcChannel != nil
	t.mu.Unlock()
	if !initiator {
		util.LogWarning("tunnel #%d: unexpected webrtc1", t.Index)
		return
	}
	t.sendControl(protocol.Webrtc2{})
	t.mu.Lock()
	t.rtcComplete = true
	t.mu.Unlock()
	util.LogInfo("tunnel #%d: webrtc switchover complete", t.Index)
}

// handleWebrtc2: switchover confirmed by the initiator.
func (t *Tunnel) handleWebrtc2() {
	t.mu.Lock()
	t.rtcComplete = t.rtcChannel != nil
	t.mu.Unlock()
	util.LogInfo("tunnel #%d: webrtc switchover complete", t.Index)
}

// dropRTCChannel abandons the peer channel and returns payload to the
// relay transport.
func (t *Tunnel) dropRTCChannel(ch PeerChannel) {
	t.mu.Lock()
	if t.rtcChannel != ch {
		t.mu.Unlock()
		return
	}
	t.rtcChannel = nil
	t.rtcOut = false
	t.rtcComplete = false
	t.rtcInitiator = false
	t.mu.Unlock()
	ch.Close()
	util.LogWarning("tunnel #%d: peer channel lost, payload back on relay", t.Index)
}

func (t *Tunnel) sdpContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(t.ctx, sdpExchangeTimeout)
}
