// Package protocol defines the tunnel wire contract: the handshake tokens,
// the sub-protocol selector, the control-channel message union, and the
// frame codec that splits control messages from sub-protocol payload
// sharing the same stream.
package protocol

import "strconv"

// Handshake tokens. The relay sends one of these once both ends of the
// tunnel are connected.
const (
	HandshakeToken         = "c"
	HandshakeTokenRecorded = "cr"
)

// Protocol identifies the sub-protocol carried by a tunnel, selected by
// the first payload frame after the handshake.
type Protocol int

const (
	ProtoUnset             Protocol = 0
	ProtoTerminal          Protocol = 1
	ProtoDesktop           Protocol = 2
	ProtoFiles             Protocol = 5
	ProtoTerminalPS        Protocol = 6
	ProtoPluginExchange    Protocol = 7
	ProtoTerminalUser      Protocol = 8
	ProtoTerminalPSUser    Protocol = 9
	ProtoBasicFileTransfer Protocol = 10

	// Relay protocols are selected by the open request carrying a target
	// host/port, never by a selector frame.
	ProtoRelayTCP Protocol = 100
	ProtoRelayUDP Protocol = 101
)

// ParseSelector parses the protocol selector frame (the literal decimal
// string of the protocol number). Any non-numeric or unknown value maps to
// ProtoUnset; the tunnel is then unusable until closed by the peer.
func ParseSelector(data []byte) Protocol {
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return ProtoUnset
	}
	switch p := Protocol(n); p {
	case ProtoTerminal, ProtoDesktop, ProtoFiles, ProtoTerminalPS,
		ProtoPluginExchange, ProtoTerminalUser, ProtoTerminalPSUser,
		ProtoBasicFileTransfer:
		return p
	}
	return ProtoUnset
}

// IsTerminal reports whether p is one of the four terminal variants.
func (p Protocol) IsTerminal() bool {
	switch p {
	case ProtoTerminal, ProtoTerminalPS, ProtoTerminalUser, ProtoTerminalPSUser:
		return true
	}
	return false
}

// Powershell reports whether p selects a PowerShell terminal.
func (p Protocol) Powershell() bool {
	return p == ProtoTerminalPS || p == ProtoTerminalPSUser
}

// UserSession reports whether p binds to the logged-in user's session
// rather than the agent's own.
func (p Protocol) UserSession() bool {
	return p == ProtoTerminalUser || p == ProtoTerminalPSUser
}

// Category returns the session-accounting category for p, or "" when the
// protocol does not contribute to session counters.
func (p Protocol) Category() string {
	switch {
	case p.IsTerminal():
		return "terminal"
	case p == ProtoDesktop:
		return "kvm"
	case p == ProtoFiles || p == ProtoBasicFileTransfer:
		return "files"
	case p == ProtoPluginExchange:
		return "msg"
	case p == ProtoRelayTCP:
		return "tcp"
	case p == ProtoRelayUDP:
		return "udp"
	}
	return ""
}

func (p Protocol) String() string {
	switch p {
	case ProtoUnset:
		return "unset"
	case ProtoTerminal:
		return "terminal"
	case ProtoDesktop:
		return "desktop"
	case ProtoFiles:
		return "files"
	case ProtoTerminalPS:
		return "terminal-ps"
	case ProtoPluginExchange:
		return "plugin"
	case ProtoTerminalUser:
		return "terminal-user"
	case ProtoTerminalPSUser:
		return "terminal-ps-user"
	case ProtoBasicFileTransfer:
		return "file-transfer"
	case ProtoRelayTCP:
		return "relay-tcp"
	case ProtoRelayUDP:
		return "relay-udp"
	}
	return "protocol(" + strconv.Itoa(int(p)) + ")"
}
