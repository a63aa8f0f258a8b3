// Package daipc implements the local broadcast hub: a length-prefixed JSON
// IPC server through which companion applications on the same host observe
// session counts and connectivity, and relay a small set of requests
// upstream.
package daipc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame layout: uint32 little-endian total length (header included),
// followed by the UTF-8 JSON body. Frames above the ceiling terminate the
// connection without the body being read.
const (
	headerSize   = 4
	MaxFrameSize = 8192
)

// readFrame reads one frame body from r. A declared length below the
// header size or above the ceiling is a framing error; the caller drops
// the connection.
func readFrame(r io.Reader) ([]byte, error) {
	var head [headerSize]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	total := binary.LittleEndian.Uint32(head[:])
	if total < headerSize || total > MaxFrameSize {
		return nil, fmt.Errorf("bad frame length %d (max %d)", total, MaxFrameSize)
	}
	body := make([]byte, total-headerSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// writeFrame writes one frame to w.
func writeFrame(w io.Writer, body []byte) error {
	total := headerSize + len(body)
	if total > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes (max %d)", total, MaxFrameSize)
	}
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[:headerSize], uint32(total))
	copy(buf[headerSize:], body)
	_, err := w.Write(buf)
	return err
}
