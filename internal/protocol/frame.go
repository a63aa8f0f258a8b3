package protocol

import (
	"errors"
	"fmt"
)

// Stage tells the codec how far the tunnel has progressed; classification
// rules differ before the handshake, during protocol negotiation, and on an
// established tunnel.
type Stage int

const (
	StageHandshake   Stage = iota // waiting for the "c"/"cr" token
	StageNegotiating              // waiting for the protocol selector
	StageEstablished              // sub-protocol bound, payload flows
)

// FrameKind discriminates the classified frame union.
type FrameKind int

const (
	FrameHandshake FrameKind = iota
	FrameSelector
	FrameControl
	FramePayload
)

// Frame is the classified form of one inbound chunk.
type Frame struct {
	Kind     FrameKind
	Recorded bool           // handshake: "cr" token (recorded session)
	Proto    Protocol       // selector frames
	Control  ControlMessage // control frames
	Payload  []byte         // payload frames, escape byte already stripped
	Text     bool           // payload data type (text vs binary)
	Escaped  bool           // payload carried the raw-bytes escape prefix
}

// ErrEmptyFrame marks zero-length chunks, which carry nothing and are
// dropped by the caller.
var ErrEmptyFrame = errors.New("empty frame")

// payloadEscape prefixes binary payload whose first byte would otherwise be
// classified as something else; the remaining bytes are forwarded verbatim.
const payloadEscape = 0x00

// Classify classifies one inbound chunk according to the tunnel's stage.
// Control-path errors (unparsable JSON, unknown tag) are returned so the
// caller can log and drop the frame without closing the tunnel.
func Classify(data []byte, text bool, stage Stage) (Frame, error) {
	if len(data) == 0 {
		return Frame{}, ErrEmptyFrame
	}

	if stage == StageHandshake {
		switch string(data) {
		case HandshakeToken:
			return Frame{Kind: FrameHandshake}, nil
		case HandshakeTokenRecorded:
			return Frame{Kind: FrameHandshake, Recorded: true}, nil
		}
		return Frame{}, fmt.Errorf("unexpected %d-byte frame before handshake", len(data))
	}

	// Binary escape: a leading 0x00 marks the rest as raw payload.
	if !text && data[0] == payloadEscape {
		return Frame{Kind: FramePayload, Payload: data[1:], Escaped: true}, nil
	}

	if data[0] == '{' {
		msg, err := DecodeControl(data)
		if err == nil {
			return Frame{Kind: FrameControl, Control: msg}, nil
		}
		// During negotiation every JSON object is control traffic; the
		// marker is not yet mandatory because options may precede selection.
		if stage == StageNegotiating {
			msg, err = decodeControlLoose(data)
			if err != nil {
				return Frame{}, err
			}
			return Frame{Kind: FrameControl, Control: msg}, nil
		}
		// Established tunnels carry sub-protocol JSON commands (e.g. file
		// operations) that legitimately lack the marker.
		return Frame{Kind: FramePayload, Payload: data, Text: text}, nil
	}

	if stage == StageNegotiating {
		return Frame{Kind: FrameSelector, Proto: ParseSelector(data)}, nil
	}

	return Frame{Kind: FramePayload, Payload: data, Text: text}, nil
}

// EscapePayload prepends the escape byte when a binary payload would be
// misclassified on the receiving side.
func EscapePayload(data []byte) []byte {
	if len(data) > 0 && (data[0] == payloadEscape || data[0] == '{') {
		escaped := make([]byte, len(data)+1)
		escaped[0] = payloadEscape
		copy(escaped[1:], data)
		return escaped
	}
	return data
}
