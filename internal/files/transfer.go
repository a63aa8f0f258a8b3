package files

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"

	"github.com/seamlessrm/tunneld/internal/util"
)

// Download chunk framing: each wire chunk is a 4-byte big-endian flags
// header followed by up to DownloadChunkSize payload bytes. Bit 0 of the
// flags marks the final chunk.
const (
	DownloadHeaderSize = 4
	DownloadChunkSize  = 16380
	downloadFlagFinal  = 0x01
)

type uploadState struct {
	reqID string
	file  *os.File
	path  string
}

type downloadState struct {
	reqID string
	file  *os.File
	done  bool
}

// uploadStart opens the destination file. Each following binary payload
// frame is one chunk, acknowledged individually so the sender can pace
// itself.
func (h *Handler) uploadStart(cmd command) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.upload != nil {
		h.replyError(cmd, "upload already in progress")
		return
	}
	path := filepath.Join(cmd.Path, cmd.Name)
	f, err := os.Create(path)
	if err != nil {
		h.send(reply{Action: "uploaderror", ReqID: cmd.ReqID, Error: err.Error()})
		return
	}
	h.upload = &uploadState{reqID: cmd.ReqID, file: f, path: path}
	h.send(reply{Action: "uploadstart", ReqID: cmd.ReqID})
}

// HandleBinary consumes one upload chunk. Chunks arriving with no upload in
// progress are dropped.
func (h *Handler) HandleBinary(data []byte) {
	h.mu.Lock()
	up := h.upload
	h.mu.Unlock()
	if up == nil {
		util.LogDebug("files: dropping %d stray binary bytes", len(data))
		return
	}
	if _, err := up.file.Write(data); err != nil {
		h.mu.Lock()
		up.file.Close()
		h.upload = nil
		h.mu.Unlock()
		h.send(reply{Action: "uploaderror", ReqID: up.reqID, Error: err.Error()})
		return
	}
	h.send(reply{Action: "uploadack", ReqID: up.reqID})
}

func (h *Handler) uploadDone(cmd command) {
	h.mu.Lock()
	up := h.upload
	h.upload = nil
	h.mu.Unlock()
	if up == nil {
		return
	}
	if err := up.file.Close(); err != nil {
		h.send(reply{Action: "uploaderror", ReqID: up.reqID, Error: err.Error()})
		return
	}
	h.send(reply{Action: "uploaddone", ReqID: up.reqID})
}

// handleDownload drives the ack-paced download exchange: "start" opens the
// file and sends the first chunk, each "ack" releases the next one, "stop"
// abandons the transfer.
func (h *Handler) handleDownload(cmd command) {
	switch cmd.Sub {
	case "start":
		h.mu.Lock()
		if h.download != nil {
			h.mu.Unlock()
			h.replyError(cmd, "download already in progress")
			return
		}
		f, err := os.Open(cmd.Path)
		if err != nil {
			h.mu.Unlock()
			h.send(reply{Action: "download", Sub: "cancel", ReqID: cmd.ReqID, Error: err.Error()})
			return
		}
		h.download = &downloadState{reqID: cmd.ReqID, file: f}
		h.mu.Unlock()
		h.send(reply{Action: "download", Sub: "start", ReqID: cmd.ReqID})
		h.sendChunk()

	case "ack":
		h.sendChunk()

	case "stop":
		h.mu.Lock()
		if h.download != nil {
			h.download.file.Close()
			h.download = nil
		}
		h.mu.Unlock()
	}
}

// sendChunk reads and sends one download chunk. A read error cancels only
// this transfer; the final chunk carries the flag bit and closes the file.
func (h *Handler) sendChunk() {
	h.mu.Lock()
	dl := h.download
	h.mu.Unlock()
	if dl == nil || dl.done {
		return
	}

	buf := make([]byte, DownloadHeaderSize+DownloadChunkSize)
	n, err := io.ReadFull(dl.file, buf[DownloadHeaderSize:])

	var flags uint32
	final := false
	switch err {
	case nil:
		// More data may follow.
	case io.ErrUnexpectedEOF, io.EOF:
		final = true
	default:
		h.mu.Lock()
		dl.file.Close()
		h.download = nil
		h.mu.Unlock()
		h.send(reply{Action: "download", Sub: "cancel", ReqID: dl.reqID, Error: err.Error()})
		return
	}

	// An exact multiple of the chunk size still needs a terminating read to
	// discover EOF; peek ahead so the last full chunk is flagged final.
	if !final && n == DownloadChunkSize {
		var peek [1]byte
		if _, perr := dl.file.Read(peek[:]); perr == io.EOF {
			final = true
		} else if perr == nil {
			if _, serr := dl.file.Seek(-1, io.SeekCurrent); serr != nil {
				final = true
			}
		}
	}

	if final {
		flags |= downloadFlagFinal
	}
	binary.BigEndian.PutUint32(buf[:DownloadHeaderSize], flags)
	h.sink.SendBinary(buf[:DownloadHeaderSize+n])

	if final {
		h.mu.Lock()
		dl.file.Close()
		dl.done = true
		h.download = nil
		h.mu.Unlock()
	}
}
