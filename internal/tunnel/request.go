package tunnel

// OpenRequest is a server-directed instruction to open a relay connection.
// It arrives on the agent's control connection; the engine dials URL and
// runs the tunnel state machine over the resulting transport.
type OpenRequest struct {
	URL       string `json:"value"`
	SessionID string `json:"sessionid,omitempty"`
	UserID    string `json:"userid,omitempty"`
	Username  string `json:"username,omitempty"`
	RealName  string `json:"realname,omitempty"`
	GuestName string `json:"guestname,omitempty"`

	Rights  uint32 `json:"rights"`
	Consent uint32 `json:"consent"`

	RemoteAddr string `json:"remoteaddr,omitempty"`

	// TCPTarget / UDPTarget select the raw relay sub-protocols; the tunnel
	// then never sees a selector frame.
	TCPTarget string `json:"tcpaddr,omitempty"`
	TCPPort   int    `json:"tcpport,omitempty"`
	UDPTarget string `json:"udpaddr,omitempty"`
	UDPPort   int    `json:"udpport,omitempty"`

	// ServerTLSHash pins the relay's TLS certificate (hex SHA-384) instead
	// of the system trust store.
	ServerTLSHash string `json:"servertlshash,omitempty"`

	// SOptions carries server-supplied UI strings for consent prompts and
	// notifications.
	SOptions SOptions `json:"soptions,omitempty"`
}

// SOptions are the server-supplied titles and per-protocol message
// templates shown by consent prompts and notifications. "{0}" in a
// template is replaced with the requesting user's display name.
type SOptions struct {
	ConsentTitle string `json:"consentTitle,omitempty"`
	NotifyTitle  string `json:"notifyTitle,omitempty"`

	TerminalConsent string `json:"terminalConsent,omitempty"`
	DesktopConsent  string `json:"desktopConsent,omitempty"`
	FilesConsent    string `json:"filesConsent,omitempty"`

	TerminalNotify string `json:"terminalNotify,omitempty"`
	DesktopNotify  string `json:"desktopNotify,omitempty"`
	FilesNotify    string `json:"filesNotify,omitempty"`
}

// DisplayName picks the best available name for UI strings.
func (r *OpenRequest) DisplayName() string {
	switch {
	case r.RealName != "":
		return r.RealName
	case r.Username != "":
		return r.Username
	case r.GuestName != "":
		return r.GuestName
	}
	return "remote user"
}
