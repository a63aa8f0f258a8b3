package files

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/seamlessrm/tunneld/internal/util"
)

// archiveState tracks the single long-running zip/unzip operation a tunnel
// may have in flight.
type archiveState struct {
	cancel context.CancelFunc
	output string // partial output to delete on cancellation ("" for unzip)
}

// zipStart compresses the named files under cmd.Path into cmd.Output.
// Only one archive operation is permitted per tunnel at a time.
func (h *Handler) zipStart(cmd command) {
	h.mu.Lock()
	if h.archive != nil {
		h.mu.Unlock()
		h.replyError(cmd, "archive operation already in progress")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.archive = &archiveState{cancel: cancel, output: cmd.Output}
	h.mu.Unlock()

	go func() {
		err := writeZip(ctx, cmd.Output, cmd.Path, cmd.Files)

		h.mu.Lock()
		cancelled := ctx.Err() != nil
		h.archive = nil
		h.mu.Unlock()

		if cancelled {
			os.Remove(cmd.Output)
			return
		}
		if err != nil {
			os.Remove(cmd.Output)
			h.send(reply{Action: "zip", ReqID: cmd.ReqID, Error: err.Error()})
			return
		}
		h.send(reply{Action: "zip", ReqID: cmd.ReqID, Path: cmd.Output})
	}()
}

// unzipStart extracts cmd.Name (an archive) into cmd.Path.
func (h *Handler) unzipStart(cmd command) {
	h.mu.Lock()
	if h.archive != nil {
		h.mu.Unlock()
		h.replyError(cmd, "archive operation already in progress")
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	h.archive = &archiveState{cancel: cancel}
	h.mu.Unlock()

	go func() {
		err := extractZip(ctx, cmd.Name, cmd.Path)

		h.mu.Lock()
		cancelled := ctx.Err() != nil
		h.archive = nil
		h.mu.Unlock()

		if cancelled {
			return
		}
		if err != nil {
			h.send(reply{Action: "unzip", ReqID: cmd.ReqID, Error: err.Error()})
			return
		}
		h.send(reply{Action: "unzip", ReqID: cmd.ReqID, Path: cmd.Path})
	}()
}

// cancelArchive aborts the in-flight archive operation, if any.
func (h *Handler) cancelArchive() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelArchiveLocked()
}

func (h *Handler) cancelArchiveLocked() {
	if h.archive == nil {
		return
	}
	h.archive.cancel()
	if h.archive.output != "" {
		os.Remove(h.archive.output)
	}
	h.archive = nil
}

// writeZip streams the named files (and directory trees) into a zip
// archive, checking ctx between entries and between copy chunks.
func writeZip(ctx context.Context, output, base string, names []string) error {
	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()

	zw := zip.NewWriter(out)

	for _, name := range names {
		root := filepath.Join(base, name)
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if info.IsDir() {
				return nil
			}
			rel, err := filepath.Rel(base, path)
			if err != nil {
				return err
			}
			w, err := zw.Create(filepath.ToSlash(rel))
			if err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return copyCtx(ctx, w, f)
		})
		if err != nil {
			zw.Close()
			return err
		}
	}
	return zw.Close()
}

// extractZip unpacks an archive into dest, refusing entries that escape it.
func extractZip(ctx context.Context, archive, dest string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()

	for _, entry := range zr.File {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		name := filepath.FromSlash(entry.Name)
		if strings.Contains(name, "..") {
			util.LogWarning("unzip: skipping unsafe entry %q", entry.Name)
			continue
		}
		target := filepath.Join(dest, name)
		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := entry.Open()
		if err != nil {
			return err
		}
		dst, err := os.Create(target)
		if err != nil {
			src.Close()
			return err
		}
		err = copyCtx(ctx, dst, src)
		src.Close()
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// copyCtx copies in bounded chunks so cancellation is honored mid-file.
func copyCtx(ctx context.Context, dst io.Writer, src io.Reader) error {
	buf := make([]byte, 64*1024)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
