// Package policy evaluates the capability and consent bitmasks attached to
// a tunnel open request. It decides whether a requested sub-protocol may
// start and whether a local-user prompt or notification must happen first.
package policy

import (
	"errors"
	"fmt"

	"github.com/seamlessrm/tunneld/internal/protocol"
)

// Rights bits granted to the requesting console user.
const (
	RightEditMesh        uint32 = 0x00000001
	RightManageUsers     uint32 = 0x00000002
	RightManageComputers uint32 = 0x00000004
	RightRemoteControl   uint32 = 0x00000008
	RightAgentConsole    uint32 = 0x00000010
	RightServerFiles     uint32 = 0x00000020
	RightWakeDevice      uint32 = 0x00000040
	RightSetNotes        uint32 = 0x00000080
	RightRemoteViewOnly  uint32 = 0x00000100
	RightNoTerminal      uint32 = 0x00000200
	RightNoFiles         uint32 = 0x00000400
	RightNoAMT           uint32 = 0x00000800
	RightLimitedInput    uint32 = 0x00001000
	RightLimitEvents     uint32 = 0x00002000
	RightChatNotify      uint32 = 0x00004000
	RightUninstall       uint32 = 0x00008000
	RightNoDesktop       uint32 = 0x00010000

	// RightsUnrestricted is the sentinel full-access mask; the forbidding
	// bits are ignored when it is set.
	RightsUnrestricted uint32 = 0xFFFFFFFF
)

// Consent bits controlling prompt-before-connect and notify-on-connect.
const (
	ConsentDesktopNotify     uint32 = 0x0001
	ConsentTerminalNotify    uint32 = 0x0002
	ConsentFilesNotify       uint32 = 0x0004
	ConsentDesktopPrompt     uint32 = 0x0008
	ConsentTerminalPrompt    uint32 = 0x0010
	ConsentFilesPrompt       uint32 = 0x0020
	ConsentDesktopPrivacyBar uint32 = 0x0040
)

// ErrAuthorizationDenied marks a rights-check failure: the tunnel moves to
// Rejected, no resource is bound and no counters change.
var ErrAuthorizationDenied = errors.New("authorization denied")

// ErrConsentDenied marks a declined or timed-out local consent prompt.
var ErrConsentDenied = errors.New("consent denied")

// CheckRights evaluates the rights mask against the sub-protocol's required
// and forbidden bits. The unrestricted sentinel bypasses the forbidding
// bits but is naturally a superset of every required bit.
func CheckRights(rights uint32, proto protocol.Protocol) error {
	if rights&RightRemoteControl == 0 {
		return fmt.Errorf("%w: %s requires remote-control", ErrAuthorizationDenied, proto)
	}
	if rights == RightsUnrestricted {
		return nil
	}

	var forbidden uint32
	switch {
	case proto.IsTerminal():
		forbidden = RightNoTerminal
	case proto == protocol.ProtoDesktop:
		forbidden = RightNoDesktop
	case proto == protocol.ProtoFiles || proto == protocol.ProtoBasicFileTransfer:
		forbidden = RightNoFiles
	}
	if rights&forbidden != 0 {
		return fmt.Errorf("%w: %s is blocked for this user", ErrAuthorizationDenied, proto)
	}
	return nil
}

// ViewOnly reports whether remote input must be discarded for a desktop
// session under the given rights.
func ViewOnly(rights uint32) bool {
	return rights != RightsUnrestricted && rights&RightRemoteViewOnly != 0
}

// NeedsPrompt reports whether the consent mask requires a local-user prompt
// before the sub-protocol may start.
func NeedsPrompt(consent uint32, proto protocol.Protocol) bool {
	switch {
	case proto.IsTerminal():
		return consent&ConsentTerminalPrompt != 0
	case proto == protocol.ProtoDesktop:
		return consent&ConsentDesktopPrompt != 0
	case proto == protocol.ProtoFiles || proto == protocol.ProtoBasicFileTransfer:
		return consent&ConsentFilesPrompt != 0
	}
	return false
}

// NeedsNotify reports whether a local notification (no answer required)
// must fire once the sub-protocol is bound.
func NeedsNotify(consent uint32, proto protocol.Protocol) bool {
	switch {
	case proto.IsTerminal():
		return consent&ConsentTerminalNotify != 0
	case proto == protocol.ProtoDesktop:
		return consent&ConsentDesktopNotify != 0
	case proto == protocol.ProtoFiles || proto == protocol.ProtoBasicFileTransfer:
		return consent&ConsentFilesNotify != 0
	}
	return false
}

// NeedsPrivacyBar reports whether the always-visible connection bar must be
// shown for a desktop session.
func NeedsPrivacyBar(consent uint32) bool {
	return consent&ConsentDesktopPrivacyBar != 0
}
