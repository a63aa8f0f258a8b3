package policy_test

import (
	"errors"
	"testing"

	"github.com/seamlessrm/tunneld/internal/policy"
	"github.com/seamlessrm/tunneld/internal/protocol"
)

// TestCheckRights verifies the required and forbidding bits per
// sub-protocol, including the unrestricted sentinel bypass.
func TestCheckRights(t *testing.T) {
	testCases := []struct {
		name   string
		rights uint32
		proto  protocol.Protocol
		wantOK bool
	}{
		{
			name:   "remote control allows terminal",
			rights: policy.RightRemoteControl,
			proto:  protocol.ProtoTerminal,
			wantOK: true,
		},
		{
			name:   "no remote-control bit denies everything",
			rights: policy.RightAgentConsole | policy.RightServerFiles,
			proto:  protocol.ProtoFiles,
			wantOK: false,
		},
		{
			name:   "no-terminal bit denies terminal despite remote control",
			rights: policy.RightRemoteControl | policy.RightNoTerminal,
			proto:  protocol.ProtoTerminal,
			wantOK: false,
		},
		{
			name:   "no-terminal bit covers the powershell variant too",
			rights: policy.RightRemoteControl | policy.RightNoTerminal,
			proto:  protocol.ProtoTerminalPSUser,
			wantOK: false,
		},
		{
			name:   "no-terminal bit does not affect desktop",
			rights: policy.RightRemoteControl | policy.RightNoTerminal,
			proto:  protocol.ProtoDesktop,
			wantOK: true,
		},
		{
			name:   "no-files bit denies file transfer",
			rights: policy.RightRemoteControl | policy.RightNoFiles,
			proto:  protocol.ProtoBasicFileTransfer,
			wantOK: false,
		},
		{
			name:   "no-desktop bit denies desktop",
			rights: policy.RightRemoteControl | policy.RightNoDesktop,
			proto:  protocol.ProtoDesktop,
			wantOK: false,
		},
		{
			name:   "unrestricted sentinel ignores forbidding bits",
			rights: policy.RightsUnrestricted,
			proto:  protocol.ProtoTerminal,
			wantOK: true,
		},
		{
			name:   "relay tcp only needs remote control",
			rights: policy.RightRemoteControl | policy.RightNoTerminal | policy.RightNoFiles,
			proto:  protocol.ProtoRelayTCP,
			wantOK: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := policy.CheckRights(tc.rights, tc.proto)
			if tc.wantOK && err != nil {
				t.Errorf("CheckRights(%#x, %s) = %v, want nil", tc.rights, tc.proto, err)
			}
			if !tc.wantOK {
				if err == nil {
					t.Fatalf("CheckRights(%#x, %s) = nil, want error", tc.rights, tc.proto)
				}
				if !errors.Is(err, policy.ErrAuthorizationDenied) {
					t.Errorf("error = %v, want ErrAuthorizationDenied", err)
				}
			}
		})
	}
}

// TestViewOnly verifies the view-only bit and its unrestricted bypass.
func TestViewOnly(t *testing.T) {
	if !policy.ViewOnly(policy.RightRemoteControl | policy.RightRemoteViewOnly) {
		t.Error("ViewOnly with the bit set = false, want true")
	}
	if policy.ViewOnly(policy.RightRemoteControl) {
		t.Error("ViewOnly without the bit = true, want false")
	}
	if policy.ViewOnly(policy.RightsUnrestricted) {
		t.Error("ViewOnly(unrestricted) = true, want false")
	}
}

// TestConsentBits verifies each consent bit targets one protocol family.
func TestConsentBits(t *testing.T) {
	if !policy.NeedsPrompt(policy.ConsentTerminalPrompt, protocol.ProtoTerminalPS) {
		t.Error("terminal prompt bit should cover terminal-ps")
	}
	if policy.NeedsPrompt(policy.ConsentTerminalPrompt, protocol.ProtoDesktop) {
		t.Error("terminal prompt bit must not cover desktop")
	}
	if !policy.NeedsPrompt(policy.ConsentFilesPrompt, protocol.ProtoBasicFileTransfer) {
		t.Error("files prompt bit should cover basic file transfer")
	}
	if policy.NeedsPrompt(policy.ConsentDesktopPrompt, protocol.ProtoRelayTCP) {
		t.Error("relay protocols have no consent gate")
	}
	if !policy.NeedsNotify(policy.ConsentDesktopNotify, protocol.ProtoDesktop) {
		t.Error("desktop notify bit should cover desktop")
	}
	if !policy.NeedsPrivacyBar(policy.ConsentDesktopPrivacyBar) {
		t.Error("privacy bar bit not honored")
	}
}
