// Package term defines the terminal binding used by terminal tunnels and
// provides a plain pipe-based implementation. Platform terminal internals
// (pty allocation, user-session attach) are external collaborators supplied
// through the Factory interface.
package term

import (
	"io"
	"os/exec"
	"runtime"
)

// Session is a live shell bound to a tunnel. Reads return shell output,
// writes feed shell input.
type Session interface {
	io.ReadWriteCloser

	// Resize adjusts the terminal dimensions. Implementations without a
	// pty may ignore it.
	Resize(cols, rows int) error
}

// Factory spawns shell sessions. powershell selects the PowerShell variant;
// userSession asks for the logged-in user's session instead of the agent's.
type Factory interface {
	Spawn(powershell, userSession bool) (Session, error)
}

// ExecFactory is the default Factory: a direct child process wired up with
// pipes. It has no pty, so userSession is ignored and Resize is a no-op.
type ExecFactory struct{}

func (ExecFactory) Spawn(powershell, userSession bool) (Session, error) {
	var cmd *exec.Cmd
	switch {
	case powershell && runtime.GOOS == "windows":
		cmd = exec.Command("powershell.exe", "-NoLogo")
	case powershell:
		cmd = exec.Command("pwsh", "-NoLogo")
	case runtime.GOOS == "windows":
		cmd = exec.Command("cmd.exe")
	default:
		cmd = exec.Command("/bin/sh", "-i")
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &execSession{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (s *execSession) Read(p []byte) (int, error)  { return s.stdout.Read(p) }
func (s *execSession) Write(p []byte) (int, error) { return s.stdin.Write(p) }
func (s *execSession) Resize(cols, rows int) error { return nil }

// Close kills the shell and reaps it.
func (s *execSession) Close() error {
	s.stdin.Close()
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	return s.cmd.Wait()
}
