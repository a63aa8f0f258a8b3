package files_test

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/seamlessrm/tunneld/internal/files"
)

// memSink collects replies and binary chunks from the handler.
type memSink struct {
	mu     sync.Mutex
	texts  [][]byte
	chunks [][]byte
}

func (s *memSink) SendText(data []byte) {
	s.mu.Lock()
	s.texts = append(s.texts, append([]byte(nil), data...))
	s.mu.Unlock()
}

func (s *memSink) SendBinary(data []byte) {
	s.mu.Lock()
	s.chunks = append(s.chunks, append([]byte(nil), data...))
	s.mu.Unlock()
}

func (s *memSink) textCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.texts)
}

func (s *memSink) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func (s *memSink) chunk(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks[i]
}

// lastReply decodes the most recent text reply.
func (s *memSink) lastReply(t *testing.T) map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.texts) == 0 {
		t.Fatal("no reply was sent")
	}
	var m map[string]any
	if err := json.Unmarshal(s.texts[len(s.texts)-1], &m); err != nil {
		t.Fatalf("bad reply JSON: %v", err)
	}
	return m
}

// replies decodes every text reply.
func (s *memSink) replies(t *testing.T) []map[string]any {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.texts))
	for _, raw := range s.texts {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("bad reply JSON: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func command(t *testing.T, fields map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return data
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestDirectoryOperations walks mkdir → ls → rename → rm on a temp tree.
func TestDirectoryOperations(t *testing.T) {
	root := t.TempDir()
	sink := &memSink{}
	h := files.NewHandler(sink)
	defer h.Close()

	sub := filepath.Join(root, "inbox")
	h.HandleCommand(command(t, map[string]any{"action": "mkdir", "path": sub, "reqid": "r1"}))
	if r := sink.lastReply(t); r["error"] != nil {
		t.Fatalf("mkdir failed: %v", r["error"])
	}

	if err := os.WriteFile(filepath.Join(sub, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	h.HandleCommand(command(t, map[string]any{"action": "ls", "path": sub, "reqid": "r2"}))
	r := sink.lastReply(t)
	dir, ok := r["dir"].([]any)
	if !ok || len(dir) != 1 {
		t.Fatalf("ls reply dir = %v, want one entry", r["dir"])
	}
	entry := dir[0].(map[string]any)
	if entry["n"] != "a.txt" || entry["s"] != float64(5) {
		t.Errorf("ls entry = %v, want a.txt with size 5", entry)
	}

	h.HandleCommand(command(t, map[string]any{
		"action": "rename", "path": sub, "name": "a.txt", "newname": "b.txt", "reqid": "r3",
	}))
	if r := sink.lastReply(t); r["error"] != nil {
		t.Fatalf("rename failed: %v", r["error"])
	}
	if _, err := os.Stat(filepath.Join(sub, "b.txt")); err != nil {
		t.Errorf("renamed file missing: %v", err)
	}

	h.HandleCommand(command(t, map[string]any{
		"action": "rm", "path": sub, "files": []string{"b.txt"}, "reqid": "r4",
	}))
	if r := sink.lastReply(t); r["error"] != nil {
		t.Fatalf("rm failed: %v", r["error"])
	}
	if _, err := os.Stat(filepath.Join(sub, "b.txt")); !os.IsNotExist(err) {
		t.Error("removed file still present")
	}
}

// TestUnknownActionGetsErrorReply verifies unknown commands are answered,
// not silently dropped.
func TestUnknownActionGetsErrorReply(t *testing.T) {
	sink := &memSink{}
	h := files.NewHandler(sink)
	defer h.Close()

	h.HandleCommand(command(t, map[string]any{"action": "teleport", "reqid": "r1"}))
	r := sink.lastReply(t)
	if r["error"] == nil {
		t.Errorf("reply = %v, want an error field", r)
	}
}

// TestUploadAckPacing verifies each binary chunk is acknowledged and the
// assembled file matches.
func TestUploadAckPacing(t *testing.T) {
	root := t.TempDir()
	sink := &memSink{}
	h := files.NewHandler(sink)
	defer h.Close()

	h.HandleCommand(command(t, map[string]any{
		"action": "upload", "path": root, "name": "blob.bin", "reqid": "u1",
	}))
	if r := sink.lastReply(t); r["action"] != "uploadstart" {
		t.Fatalf("reply action = %v, want uploadstart", r["action"])
	}

	chunks := [][]byte{[]byte("first-"), []byte("second-"), []byte("third")}
	for i, chunk := range chunks {
		before := sink.textCount()
		h.HandleBinary(chunk)
		if sink.textCount() != before+1 {
			t.Fatalf("chunk %d not acknowledged", i)
		}
		if r := sink.lastReply(t); r["action"] != "uploadack" {
			t.Fatalf("chunk %d reply = %v, want uploadack", i, r["action"])
		}
	}

	h.HandleCommand(command(t, map[string]any{"action": "uploaddone", "reqid": "u1"}))
	if r := sink.lastReply(t); r["action"] != "uploaddone" {
		t.Fatalf("reply action = %v, want uploaddone", r["action"])
	}

	got, err := os.ReadFile(filepath.Join(root, "blob.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "first-second-third" {
		t.Errorf("assembled file = %q", got)
	}
}

// TestStrayBinaryChunkDropped verifies binary data with no upload in
// progress is ignored.
func TestStrayBinaryChunkDropped(t *testing.T) {
	sink := &memSink{}
	h := files.NewHandler(sink)
	defer h.Close()

	h.HandleBinary([]byte("orphan"))
	if sink.textCount() != 0 {
		t.Errorf("stray chunk produced %d replies, want 0", sink.textCount())
	}
}

// TestDownloadChunking verifies the ack-paced download framing, including
// the exact-multiple case: a file of 2x the chunk size plus a remainder
// yields three chunks with only the last flagged final.
func TestDownloadChunking(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "payload.bin")

	content := make([]byte, 2*files.DownloadChunkSize+7240)
	for i := range content {
		content[i] = byte(i % 251)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &memSink{}
	h := files.NewHandler(sink)
	defer h.Close()

	h.HandleCommand(command(t, map[string]any{
		"action": "download", "sub": "start", "path": path, "reqid": "d1",
	}))
	for i := 0; i < 8 && sink.chunkCount() < 3; i++ {
		h.HandleCommand(command(t, map[string]any{"action": "download", "sub": "ack", "reqid": "d1"}))
	}

	if sink.chunkCount() != 3 {
		t.Fatalf("chunk count = %d, want 3", sink.chunkCount())
	}

	var assembled bytes.Buffer
	for i := 0; i < 3; i++ {
		chunk := sink.chunk(i)
		if len(chunk) < files.DownloadHeaderSize {
			t.Fatalf("chunk %d too short: %d bytes", i, len(chunk))
		}
		flags := binary.BigEndian.Uint32(chunk[:files.DownloadHeaderSize])
		final := flags&0x01 != 0
		if final != (i == 2) {
			t.Errorf("chunk %d final flag = %v", i, final)
		}
		assembled.Write(chunk[files.DownloadHeaderSize:])
	}
	if !bytes.Equal(assembled.Bytes(), content) {
		t.Error("assembled download differs from the source file")
	}

	// Further acks after the final chunk do nothing.
	h.HandleCommand(command(t, map[string]any{"action": "download", "sub": "ack", "reqid": "d1"}))
	if sink.chunkCount() != 3 {
		t.Errorf("ack after final chunk sent %d chunks", sink.chunkCount()-3)
	}
}

// TestDownloadExactMultiple verifies a file that is an exact multiple of
// the chunk size flags its last full chunk final instead of sending an
// empty trailer.
func TestDownloadExactMultiple(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "even.bin")
	if err := os.WriteFile(path, make([]byte, 2*files.DownloadChunkSize), 0o644); err != nil {
		t.Fatal(err)
	}

	sink := &memSink{}
	h := files.NewHandler(sink)
	defer h.Close()

	h.HandleCommand(command(t, map[string]any{
		"action": "download", "sub": "start", "path": path, "reqid": "d1",
	}))
	h.HandleCommand(command(t, map[string]any{"action": "download", "sub": "ack", "reqid": "d1"}))

	if sink.chunkCount() != 2 {
		t.Fatalf("chunk count = %d, want 2", sink.chunkCount())
	}
	last := sink.chunk(1)
	flags := binary.BigEndian.Uint32(last[:files.DownloadHeaderSize])
	if flags&0x01 == 0 {
		t.Error("last full chunk not flagged final")
	}
	if len(last) != files.DownloadHeaderSize+files.DownloadChunkSize {
		t.Errorf("last chunk payload = %d bytes, want a full chunk", len(last)-files.DownloadHeaderSize)
	}
}

// TestDownloadMissingFile verifies a failed open cancels only the transfer.
func TestDownloadMissingFile(t *testing.T) {
	sink := &memSink{}
	h := files.NewHandler(sink)
	defer h.Close()

	h.HandleCommand(command(t, map[string]any{
		"action": "download", "sub": "start", "path": "/no/such/file", "reqid": "d1",
	}))
	r := sink.lastReply(t)
	if r["sub"] != "cancel" || r["error"] == nil {
		t.Errorf("reply = %v, want a download cancel with an error", r)
	}

	// The handler still serves other commands.
	h.HandleCommand(command(t, map[string]any{"action": "ls", "path": t.TempDir(), "reqid": "d2"}))
	if r := sink.lastReply(t); r["action"] != "ls" {
		t.Errorf("follow-up ls did not run: %v", r)
	}
}

// TestZipRoundTrip zips a small tree and extracts it elsewhere.
func TestZipRoundTrip(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "dir"), 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(root, "top.txt"), []byte("top"), 0o644)
	os.WriteFile(filepath.Join(root, "dir", "nested.txt"), []byte("nested"), 0o644)

	archive := filepath.Join(t.TempDir(), "out.zip")
	sink := &memSink{}
	h := files.NewHandler(sink)
	defer h.Close()

	h.HandleCommand(command(t, map[string]any{
		"action": "zip", "path": root, "files": []string{"top.txt", "dir"},
		"output": archive, "reqid": "z1",
	}))
	waitFor(t, func() bool { return sink.textCount() > 0 }, "zip never replied")
	if r := sink.lastReply(t); r["error"] != nil {
		t.Fatalf("zip failed: %v", r["error"])
	}

	dest := t.TempDir()
	h.HandleCommand(command(t, map[string]any{
		"action": "unzip", "path": dest, "name": archive, "reqid": "z2",
	}))
	waitFor(t, func() bool { return sink.textCount() > 1 }, "unzip never replied")
	if r := sink.lastReply(t); r["error"] != nil {
		t.Fatalf("unzip failed: %v", r["error"])
	}

	got, err := os.ReadFile(filepath.Join(dest, "dir", "nested.txt"))
	if err != nil || string(got) != "nested" {
		t.Errorf("extracted nested.txt = %q, %v", got, err)
	}
}

// TestZipCancelRemovesPartialOutput verifies cancellation deletes the
// partial archive.
func TestZipCancelRemovesPartialOutput(t *testing.T) {
	root := t.TempDir()
	// Enough data that the zip goroutine is still running when we cancel.
	for i := 0; i < 64; i++ {
		name := filepath.Join(root, fmt.Sprintf("f%02d.bin", i))
		if err := os.WriteFile(name, make([]byte, 256*1024), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	archive := filepath.Join(t.TempDir(), "big.zip")
	sink := &memSink{}
	h := files.NewHandler(sink)
	defer h.Close()

	names := make([]string, 0, 64)
	for i := 0; i < 64; i++ {
		names = append(names, fmt.Sprintf("f%02d.bin", i))
	}
	h.HandleCommand(command(t, map[string]any{
		"action": "zip", "path": root, "files": names, "output": archive, "reqid": "z1",
	}))
	h.HandleCommand(command(t, map[string]any{"action": "cancel"}))

	waitFor(t, func() bool {
		_, err := os.Stat(archive)
		return os.IsNotExist(err)
	}, "partial archive not removed after cancel")

	// A cancelled operation sends no completion reply.
	for _, r := range sink.replies(t) {
		if r["action"] == "zip" && r["error"] == nil {
			t.Error("cancelled zip reported success")
		}
	}
}
