// Package supervisor spawns the external capture command and enforces its
// termination policy.
package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"firestige.xyz/wiretap/internal/core"
)

// DefaultGracePeriod is how long a process may take to exit after the
// graceful signal before it is killed.
const DefaultGracePeriod = 5 * time.Second

// killWait bounds the wait for exit after the forceful signal.
const killWait = 2 * time.Second

// Command describes a process to spawn.
type Command struct {
	Path  string
	Args  []string
	Env   []string
	Stdin []byte // written to the process, then stdin is closed
}

// String renders the command for logs. Stdin is never included.
func (c Command) String() string {
	var b bytes.Buffer
	b.WriteString(c.Path)
	for _, a := range c.Args {
		b.WriteByte(' ')
		if a == "" {
			b.WriteString(`""`)
			continue
		}
		b.WriteString(a)
	}
	return b.String()
}

// Process is a running child owned by the supervisor.
type Process struct {
	cmd    *exec.Cmd
	stdout *os.File
	stderr *os.File

	done     chan struct{}
	exitCode int
	waitErr  error

	termOnce sync.Once
	termDone chan struct{}
	termErr  error
}

// Pid returns the process ID, which is also its process group ID.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Stdout returns the read end of the child's standard output.
func (p *Process) Stdout() io.Reader { return p.stdout }

// Stderr returns the read end of the child's standard error.
func (p *Process) Stderr() io.Reader { return p.stderr }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// ExitCode returns the exit status, or -1 when the process died from a signal.
// Only meaningful after Done is closed.
func (p *Process) ExitCode() int {
	<-p.done
	return p.exitCode
}

// Exited reports whether the process has been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Close releases the parent's pipe ends. Safe after the readers are done.
func (p *Process) Close() {
	p.stdout.Close()
	p.stderr.Close()
}

// Supervisor spawns and terminates processes.
type Supervisor struct {
	lookPath func(string) (string, error)
}

// New creates a Supervisor that resolves tools on PATH.
func New() *Supervisor {
	return &Supervisor{lookPath: exec.LookPath}
}

// LookPath resolves tool on PATH.
func (s *Supervisor) LookPath(tool string) (string, error) {
	path, err := s.lookPath(tool)
	if err != nil {
		return "", fmt.Errorf("%w: %s not found on PATH: %v", core.ErrToolNotInstalled, tool, err)
	}
	return path, nil
}

// Spawn starts c in its own process group. The child's stdout and stderr are
// plain pipes so that reaping the child never races with the readers.
func (s *Supervisor) Spawn(ctx context.Context, c Command) (*Process, error) {
	if !platformSupported() {
		return nil, core.ErrUnsupportedPlatform
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", core.ErrSpawnFailed, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("%w: stderr pipe: %v", core.ErrSpawnFailed, err)
	}

	cmd := exec.Command(c.Path, c.Args...)
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = sysProcAttr()
	if c.Env != nil {
		cmd.Env = c.Env
	}
	if c.Stdin != nil {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("%w: %v", core.ErrSpawnFailed, err)
	}

	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()

	p := &Process{
		cmd:      cmd,
		stdout:   stdoutR,
		stderr:   stderrR,
		done:     make(chan struct{}),
		termDone: make(chan struct{}),
	}

	slog.Info("capture process started", "pid", p.Pid(), "command", c.String())

	go func() {
		p.waitErr = cmd.Wait()
		p.exitCode = -1
		if cmd.ProcessState != nil {
			p.exitCode = cmd.ProcessState.ExitCode()
		}
		slog.Info("capture process exited", "pid", p.Pid(), "exit_code", p.exitCode, "error", p.waitErr)
		close(p.done)
	}()

	return p, nil
}

// Terminate sends the graceful signal to p's process group and escalates to
// the forceful signal if p has not exited within grace. A nil process is a
// no-op.
func (s *Supervisor) Terminate(p *Process, grace time.Duration) error {
	if p == nil {
		return nil
	}
	return p.Terminate(grace)
}

// Terminate stops the process group. Repeated calls wait for and return the
// first call's outcome; an exited process is a no-op.
func (p *Process) Terminate(grace time.Duration) error {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	p.termOnce.Do(func() {
		p.termErr = p.terminate(grace)
		close(p.termDone)
	})
	<-p.termDone
	return p.termErr
}

func (p *Process) terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}

	pid := p.Pid()
	slog.Info("terminating capture process", "pid", pid, "grace", grace)
	if err := signalGroup(pid, sigTerm); err != nil {
		slog.Debug("graceful signal failed", "pid", pid, "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.done:
		return nil
	case <-timer.C:
	}

	slog.Warn("capture process ignored graceful signal, killing", "pid", pid)
	if err := signalGroup(pid, sigKill); err != nil {
		slog.Debug("forceful signal failed", "pid", pid, "error", err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("process %d did not exit after kill", pid)
	}
}
