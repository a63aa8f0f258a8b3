package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/seamlessrm/tunneld/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // pause sending when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // resume sending when bufferedAmount drops below this
	sendBufferSize = 64         // outgoing message channel capacity
)

// Channel wraps a single PeerConnection + DataChannel pair, providing SDP
// exchange helpers, a backpressured single-writer send path, and message
// receiving. Its lifecycle is governed by the DataChannel state and the
// context passed at construction time.
type Channel struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	inbox       chan outMessage
	drainSignal chan struct{}
	openSignal  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewChannel creates a Channel backed by a new PeerConnection and a
// pre-negotiated DataChannel. The caller performs SDP exchange via
// Offer/Answer/SetAnswer, then uses Send/OnMessage once Ready() fires.
func NewChannel(ctx context.Context) (*Channel, error) {
	pc, err := newPeerConnection()
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	cCtx, cCancel := context.WithCancel(ctx)

	c := &Channel{
		pc:          pc,
		dc:          dc,
		inbox:       make(chan outMessage, sendBufferSize),
		drainSignal: make(chan struct{}, 1),
		openSignal:  make(chan struct{}),
		ctx:         cCtx,
		cancel:      cCancel,
	}

	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(c.openSignal) })
	})
	dc.OnClose(func() {
		cCancel()
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			cCancel()
		}
	})

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		select {
		case c.drainSignal <- struct{}{}:
		default:
		}
	})

	go c.sendLoop()

	return c, nil
}

// Ready returns a channel that is closed when the DataChannel is open.
func (c *Channel) Ready() <-chan struct{} {
	return c.openSignal
}

// Done returns a channel that is closed when the Channel is shut down
// (DataChannel closed, PeerConnection failed, or parent context cancelled).
func (c *Channel) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (c *Channel) Close() error {
	c.cancel()
	return errors.Join(c.dc.Close(), c.pc.Close())
}

// Offer creates an SDP offer with complete ICE candidates. Blocks until
// gathering finishes or ctx expires.
func (c *Channel) Offer(ctx context.Context) (string, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("CreateOffer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("SetLocalDescription: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return c.pc.LocalDescription().SDP, nil
}

// Answer applies a remote offer and returns the local answer with complete
// ICE candidates.
func (c *Channel) Answer(ctx context.Context, remoteSDP string) (string, error) {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteSDP,
	}); err != nil {
		return "", fmt.Errorf("SetRemoteDescription: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("CreateAnswer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("SetLocalDescription: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return c.pc.LocalDescription().SDP, nil
}

// SetAnswer applies the remote answer on the offering side.
func (c *Channel) SetAnswer(remoteSDP string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  remoteSDP,
	})
}

// outMessage is one queued outbound message.
type outMessage struct {
	data []byte
	text bool
}

// Send enqueues a message for transmission. It blocks while the internal
// buffer is full and returns silently when the channel is already down.
func (c *Channel) Send(data []byte, text bool) {
	select {
	case c.inbox <- outMessage{data: data, text: text}:
	case <-c.ctx.Done():
	}
}

// OnMessage registers a callback invoked for every inbound message. text
// reports whether the message was sent as a string (text payload).
func (c *Channel) OnMessage(fn func(data []byte, text bool)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		fn(msg.Data, msg.IsString)
	})
}

// sendLoop is the single-writer goroutine. It waits for the DataChannel to
// open, then drains the inbox with backpressure awareness.
func (c *Channel) sendLoop() {
	select {
	case <-c.openSignal:
	case <-c.ctx.Done():
		return
	}

	for {
		select {
		case msg := <-c.inbox:
			if c.dc.BufferedAmount() > uint64(highWaterMark) {
				select {
				case <-c.drainSignal:
				case <-c.ctx.Done():
					return
				}
			}
			var err error
			if msg.text {
				err = c.dc.SendText(string(msg.data))
			} else {
				err = c.dc.Send(msg.data)
			}
			if err != nil {
				util.LogError("peer channel send failed (%d bytes): %v", len(msg.data), err)
				c.cancel()
				return
			}
			util.Stats.AddSent(len(msg.data))
		case <-c.ctx.Done():
			return
		}
	}
}
