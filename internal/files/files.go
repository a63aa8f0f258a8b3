// Package files implements the file-access sub-protocol carried by a
// tunnel: directory listing and manipulation, chunked upload/download, and
// long-running zip/unzip operations. Commands are discrete request/response
// exchanges layered over the tunnel's piped stream; a failed operation
// cancels only itself, never the tunnel.
package files

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/seamlessrm/tunneld/internal/util"
)

// OpenTransfer opens a file for a basic one-way transfer tunnel. The path
// arrives out-of-band in a prior options message.
func OpenTransfer(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Sink sends frames back to the tunnel peer.
type Sink interface {
	SendText(data []byte)
	SendBinary(data []byte)
}

// command is the wire shape of every inbound file operation.
type command struct {
	Action  string   `json:"action"`
	ReqID   string   `json:"reqid,omitempty"`
	Path    string   `json:"path,omitempty"`
	Name    string   `json:"name,omitempty"`
	NewName string   `json:"newname,omitempty"`
	Sub     string   `json:"sub,omitempty"`
	Files   []string `json:"files,omitempty"`
	Output  string   `json:"output,omitempty"`
}

// reply is the wire shape of responses.
type reply struct {
	Action string     `json:"action"`
	ReqID  string     `json:"reqid,omitempty"`
	Path   string     `json:"path,omitempty"`
	Sub    string     `json:"sub,omitempty"`
	Error  string     `json:"error,omitempty"`
	Dir    []dirEntry `json:"dir,omitempty"`
}

type dirEntry struct {
	Name  string `json:"n"`
	Size  int64  `json:"s"`
	IsDir bool   `json:"d"`
	Time  int64  `json:"t"`
}

// Handler processes file-access commands for one tunnel. At most one
// upload, one download and one archive operation may be in flight at a
// time; the handler owns their state and unwinds them on Close.
type Handler struct {
	sink Sink

	mu       sync.Mutex
	upload   *uploadState
	download *downloadState
	archive  *archiveState
}

// NewHandler creates a Handler bound to the given sink.
func NewHandler(sink Sink) *Handler {
	return &Handler{sink: sink}
}

// HandleCommand processes one JSON command payload frame. Malformed JSON is
// logged and dropped (the tunnel keeps running).
func (h *Handler) HandleCommand(data []byte) {
	var cmd command
	if err := json.Unmarshal(data, &cmd); err != nil {
		util.LogWarning("files: malformed command: %v", err)
		return
	}

	switch cmd.Action {
	case "ls":
		h.list(cmd)
	case "mkdir":
		h.mkdir(cmd)
	case "rm":
		h.remove(cmd)
	case "rename":
		h.rename(cmd)
	case "upload":
		h.uploadStart(cmd)
	case "uploaddone":
		h.uploadDone(cmd)
	case "download":
		h.handleDownload(cmd)
	case "zip":
		h.zipStart(cmd)
	case "unzip":
		h.unzipStart(cmd)
	case "cancel":
		h.cancelArchive()
	default:
		h.replyError(cmd, "unknown action")
	}
}

// Close cancels every in-flight operation. Partial archive output is
// deleted; a partial upload file is kept for resume by the server.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.upload != nil {
		h.upload.file.Close()
		h.upload = nil
	}
	if h.download != nil {
		h.download.file.Close()
		h.download = nil
	}
	h.cancelArchiveLocked()
}

func (h *Handler) send(r reply) {
	data, _ := json.Marshal(r)
	h.sink.SendText(data)
}

func (h *Handler) replyError(cmd command, msg string) {
	h.send(reply{Action: cmd.Action, ReqID: cmd.ReqID, Path: cmd.Path, Error: msg})
}

func (h *Handler) list(cmd command) {
	entries, err := os.ReadDir(cmd.Path)
	if err != nil {
		h.replyError(cmd, err.Error())
		return
	}
	dir := make([]dirEntry, 0, len(entries))
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		dir = append(dir, dirEntry{
			Name:  e.Name(),
			Size:  info.Size(),
			IsDir: e.IsDir(),
			Time:  info.ModTime().Unix(),
		})
	}
	h.send(reply{Action: "ls", ReqID: cmd.ReqID, Path: cmd.Path, Dir: dir})
}

func (h *Handler) mkdir(cmd command) {
	if err := os.MkdirAll(cmd.Path, 0o755); err != nil {
		h.replyError(cmd, err.Error())
		return
	}
	h.send(reply{Action: "mkdir", ReqID: cmd.ReqID, Path: cmd.Path})
}

func (h *Handler) remove(cmd command) {
	var firstErr error
	for _, name := range cmd.Files {
		if err := os.RemoveAll(filepath.Join(cmd.Path, name)); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		h.replyError(cmd, firstErr.Error())
		return
	}
	h.send(reply{Action: "rm", ReqID: cmd.ReqID, Path: cmd.Path})
}

func (h *Handler) rename(cmd command) {
	oldPath := filepath.Join(cmd.Path, cmd.Name)
	newPath := filepath.Join(cmd.Path, cmd.NewName)
	if err := os.Rename(oldPath, newPath); err != nil {
		h.replyError(cmd, err.Error())
		return
	}
	h.send(reply{Action: "rename", ReqID: cmd.ReqID, Path: cmd.Path})
}
