package protocol

import (
	"encoding/json"
	"fmt"
)

// CtrlMarker is the fixed value of the "ctrlChannel" field carried by every
// control-channel JSON object. It distinguishes control messages from
// sub-protocol payload that happens to start with '{'.
const CtrlMarker = "102938"

// ControlMessage is the closed union of control-channel messages. Unknown
// tags are rejected by DecodeControl rather than silently ignored.
type ControlMessage interface {
	controlType() string
}

// Options carries out-of-band sub-protocol options, e.g. the file path for
// a basic file transfer.
type Options struct {
	File string `json:"file,omitempty"`
}

// CloseMsg asks the peer to tear the tunnel down.
type CloseMsg struct{}

// TermSize resizes the bound terminal.
type TermSize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// Webrtc0, Webrtc1 and Webrtc2 are the three switchover handshake steps
// that migrate the payload path from the relay transport to a direct peer
// channel. See the tunnel package for the state machine.
type Webrtc0 struct{}
type Webrtc1 struct{}
type Webrtc2 struct{}

// Offer and Answer carry the SDP exchange that establishes the peer channel.
type Offer struct {
	SDP string `json:"sdp"`
}
type Answer struct {
	SDP string `json:"sdp"`
}

// Ping and Pong are the tunnel keepalive.
type Ping struct{}
type Pong struct{}

// RTT echoes a peer timestamp for round-trip measurement.
type RTT struct {
	Time int64 `json:"time"`
}

// Lock asks the agent to lock the remote console on disconnect.
type Lock struct{}

// Console carries a human-readable message for the requesting console,
// e.g. the reason a session was denied.
type Console struct {
	Msg string `json:"msg"`
}

func (Options) controlType() string  { return "options" }
func (CloseMsg) controlType() string { return "close" }
func (TermSize) controlType() string { return "termsize" }
func (Webrtc0) controlType() string  { return "webrtc0" }
func (Webrtc1) controlType() string  { return "webrtc1" }
func (Webrtc2) controlType() string  { return "webrtc2" }
func (Offer) controlType() string    { return "offer" }
func (Answer) controlType() string   { return "answer" }
func (Ping) controlType() string     { return "ping" }
func (Pong) controlType() string     { return "pong" }
func (RTT) controlType() string      { return "rtt" }
func (Lock) controlType() string     { return "lock" }
func (Console) controlType() string  { return "console" }

// ctrlEnvelope is the common wire shape of a control message.
type ctrlEnvelope struct {
	CtrlChannel string `json:"ctrlChannel"`
	Type        string `json:"type"`

	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
	SDP  string `json:"sdp,omitempty"`
	Time int64  `json:"time,omitempty"`
	File string `json:"file,omitempty"`
	Msg  string `json:"msg,omitempty"`
}

// EncodeControl serializes a control message, stamping the marker.
func EncodeControl(msg ControlMessage) []byte {
	env := ctrlEnvelope{CtrlChannel: CtrlMarker, Type: msg.controlType()}
	switch m := msg.(type) {
	case TermSize:
		env.Cols, env.Rows = m.Cols, m.Rows
	case Offer:
		env.SDP = m.SDP
	case Answer:
		env.SDP = m.SDP
	case RTT:
		env.Time = m.Time
	case Options:
		env.File = m.File
	case Console:
		env.Msg = m.Msg
	}
	data, _ := json.Marshal(env)
	return data
}

// DecodeControl parses a control-channel JSON object into its typed form.
// A missing marker or an unknown tag is an error; the caller drops the
// frame without closing the tunnel.
func DecodeControl(data []byte) (ControlMessage, error) {
	var env ctrlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed control frame: %w", err)
	}
	if env.CtrlChannel != CtrlMarker {
		return nil, fmt.Errorf("control frame without marker (type %q)", env.Type)
	}
	return decodeByType(env)
}

// decodeControlLoose parses a control message without requiring the marker.
// Used during protocol negotiation, where options may arrive before the
// control channel is formally established.
func decodeControlLoose(data []byte) (ControlMessage, error) {
	var env ctrlEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed control frame: %w", err)
	}
	return decodeByType(env)
}

func decodeByType(env ctrlEnvelope) (ControlMessage, error) {
	switch env.Type {
	case "options":
		return Options{File: env.File}, nil
	case "close":
		return CloseMsg{}, nil
	case "termsize":
		return TermSize{Cols: env.Cols, Rows: env.Rows}, nil
	case "webrtc0":
		return Webrtc0{}, nil
	case "webrtc1":
		return Webrtc1{}, nil
	case "webrtc2":
		return Webrtc2{}, nil
	case "offer":
		return Offer{SDP: env.SDP}, nil
	case "answer":
		return Answer{SDP: env.SDP}, nil
	case "ping":
		return Ping{}, nil
	case "pong":
		return Pong{}, nil
	case "rtt":
		return RTT{Time: env.Time}, nil
	case "lock":
		return Lock{}, nil
	case "console":
		return Console{Msg: env.Msg}, nil
	}
	return nil, fmt.Errorf("unknown control type %q", env.Type)
}
