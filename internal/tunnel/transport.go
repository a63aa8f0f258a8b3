package tunnel

import (
	"context"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// Transport is the tunnel's relay connection. The production form is a
// websocket to the management console's relay; tests substitute an
// in-process pair.
type Transport interface {
	// ReadFrame blocks for the next frame. text reports the wire data type.
	ReadFrame() (data []byte, text bool, err error)

	// WriteFrame sends one frame. Callers serialize through the tunnel's
	// send path; implementations only need to guard concurrent writers.
	WriteFrame(data []byte, text bool) error

	Close() error

	// ActualCounts returns the connection-level byte totals (after any
	// transport compression), for the close-time compression report.
	ActualCounts() (sent, received int64)
}

// countingConn wraps a net.Conn and counts the bytes that actually cross
// the wire, i.e. after websocket framing and permessage-deflate.
type countingConn struct {
	net.Conn
	sent *atomic.Int64
	recv *atomic.Int64
}

func (c *countingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.recv.Add(int64(n))
	return n, err
}

func (c *countingConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.sent.Add(int64(n))
	return n, err
}

// wsTransport is the production Transport over gorilla/websocket, with a
// write mutex (gorilla permits one concurrent writer) and wire counters.
type wsTransport struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	actualSent atomic.Int64
	actualRecv atomic.Int64
}

// PinnedTLSConfig builds a TLS config that accepts only a certificate
// whose SHA-384 matches the given hex hash. Chain verification is skipped;
// the pin is the trust anchor.
func PinnedTLSConfig(tlsHash string) (*tls.Config, error) {
	pin, err := hex.DecodeString(tlsHash)
	if err != nil {
		return nil, fmt.Errorf("bad server tls hash: %w", err)
	}
	return &tls.Config{
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			for _, raw := range rawCerts {
				sum := sha512.Sum384(raw)
				if hex.EncodeToString(sum[:]) == hex.EncodeToString(pin) {
					return nil
				}
			}
			return fmt.Errorf("server certificate does not match pinned hash")
		},
	}, nil
}

// dialTransport connects to the relay URL. When tlsHash is non-empty the
// server certificate is pinned by SHA-384 instead of chain verification.
func dialTransport(ctx context.Context, url, tlsHash string) (*wsTransport, error) {
	t := &wsTransport{}

	dialer := websocket.Dialer{
		EnableCompression: true,
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return &countingConn{Conn: conn, sent: &t.actualSent, recv: &t.actualRecv}, nil
		},
	}
	if tlsHash != "" {
		tlsCfg, err := PinnedTLSConfig(tlsHash)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	t.conn = conn
	return t, nil
}

func (t *wsTransport) ReadFrame() ([]byte, bool, error) {
	msgType, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, false, err
	}
	return data, msgType == websocket.TextMessage, nil
}

func (t *wsTransport) WriteFrame(data []byte, text bool) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	msgType := websocket.BinaryMessage
	if text {
		msgType = websocket.TextMessage
	}
	return t.conn.WriteMessage(msgType, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func (t *wsTransport) ActualCounts() (int64, int64) {
	return t.actualSent.Load(), t.actualRecv.Load()
}
