// Package stdio implements the stdio-child adapter: an MCP server subprocess
// supervised by the gateway, speaking newline-delimited JSON-RPC on its
// standard streams.
package stdio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	shellwords "github.com/mattn/go-shellwords"
	"github.com/sirupsen/logrus"
)

// termGrace is how long a child gets between SIGTERM and SIGKILL.
const termGrace = 5 * time.Second

// ExitStatus reports how a child ended.
type ExitStatus struct {
	Code int
	Err  error
	// Requested is true when the supervisor itself stopped the child.
	Requested bool
}

// ChildHandle owns one spawned child for one epoch. The supervisor is its
// single writer; other components hold only the pipe endpoints.
type ChildHandle struct {
	PID   int
	Epoch int

	Stdin  io.WriteCloser
	Stdout *bufio.Scanner
	Stderr *bufio.Scanner

	exit   chan struct{}
	status ExitStatus

	Argv []string
	Env  []string

	cmd       *exec.Cmd
	startedAt time.Time
}

// Spec describes what to run.
type Spec struct {
	// Command is the executable plus arguments as one POSIX-tokenised line;
	// the shell is never invoked.
	Command string
	// ExtraArgs are appended after the tokenised command.
	ExtraArgs []string
	// Env entries override the inherited environment (caller wins).
	Env map[string]string
	// Cwd is the child working directory; empty inherits.
	Cwd string
}

// Supervisor manages at most one live child; a restart produces a fresh
// handle with an incremented epoch.
type Supervisor struct {
	spec   Spec
	logger *logrus.Logger

	mux     sync.Mutex
	handle  *ChildHandle
	epoch   int
	stopped bool
}

// NewSupervisor creates a supervisor for the given spec.
func NewSupervisor(spec Spec, logger *logrus.Logger) *Supervisor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Supervisor{spec: spec, logger: logger}
}

// Spawn tokenises the command, merges the environment and starts the child
// with line-buffered pipes.
func (s *Supervisor) Spawn(ctx context.Context) (*ChildHandle, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.stopped {
		return nil, fmt.Errorf("supervisor stopped")
	}
	if s.handle != nil {
		return nil, fmt.Errorf("child already running (pid %d)", s.handle.PID)
	}
	return s.spawnLocked(ctx)
}

func (s *Supervisor) spawnLocked(ctx context.Context) (*ChildHandle, error) {
	argv, err := shellwords.Parse(s.spec.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenise command %q: %w", s.spec.Command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	argv = append(argv, s.spec.ExtraArgs...)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = s.spec.Cwd
	cmd.Env = mergeEnvironment(os.Environ(), s.spec.Env)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %q: %w", argv[0], err)
	}
	s.epoch++
	handle := &ChildHandle{
		PID:       cmd.Process.Pid,
		Epoch:     s.epoch,
		Stdin:     stdin,
		Stdout:    lineScanner(stdout),
		Stderr:    lineScanner(stderr),
		exit:      make(chan struct{}),
		Argv:      argv,
		Env:       cmd.Env,
		cmd:       cmd,
		startedAt: time.Now(),
	}
	s.handle = handle
	s.logger.WithFields(logrus.Fields{"pid": handle.PID, "epoch": handle.Epoch, "argv": argv}).
		Info("child started")

	go func() {
		err := cmd.Wait()
		status := ExitStatus{Err: err}
		if exitErr, ok := err.(*exec.ExitError); ok {
			status.Code = exitErr.ExitCode()
		}
		s.mux.Lock()
		if s.handle == handle {
			s.handle = nil
		} else {
			status.Requested = true
		}
		s.mux.Unlock()
		handle.status = status
		close(handle.exit)
	}()
	return handle, nil
}

// Restart stops the current child (SIGTERM, grace, SIGKILL) and spawns a
// fresh one with the merged overrides applied.
func (s *Supervisor) Restart(ctx context.Context, extraArgs []string, env map[string]string) (*ChildHandle, error) {
	s.mux.Lock()
	if s.stopped {
		s.mux.Unlock()
		return nil, fmt.Errorf("supervisor stopped")
	}
	if extraArgs != nil {
		s.spec.ExtraArgs = extraArgs
	}
	if env != nil {
		s.spec.Env = env
	}
	handle := s.handle
	s.handle = nil
	s.mux.Unlock()

	if handle != nil {
		s.terminate(handle)
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	return s.spawnLocked(ctx)
}

// Respawn starts a fresh child after a crash, keeping the current spec.
func (s *Supervisor) Respawn(ctx context.Context) (*ChildHandle, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.stopped {
		return nil, fmt.Errorf("supervisor stopped")
	}
	if s.handle != nil {
		return nil, fmt.Errorf("child already running (pid %d)", s.handle.PID)
	}
	return s.spawnLocked(ctx)
}

// Stop terminates the child and prevents further spawns.
func (s *Supervisor) Stop() {
	s.mux.Lock()
	s.stopped = true
	handle := s.handle
	s.handle = nil
	s.mux.Unlock()
	if handle != nil {
		s.terminate(handle)
	}
}

// Handle returns the live child handle, if any.
func (s *Supervisor) Handle() *ChildHandle {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.handle
}

// Epoch returns the current spawn epoch.
func (s *Supervisor) Epoch() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.epoch
}

// terminate asks nicely first, then force-kills after the grace period.
func (s *Supervisor) terminate(handle *ChildHandle) {
	_ = handle.Stdin.Close()
	_ = handle.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-handle.exit:
		return
	case <-time.After(termGrace):
	}
	_ = handle.cmd.Process.Kill()
	<-handle.exit
	s.logger.WithField("pid", handle.PID).Warn("child killed after grace period")
}

// Exited is closed once the child has ended.
func (h *ChildHandle) Exited() <-chan struct{} {
	return h.exit
}

// Status reports the exit status; valid once Exited is closed.
func (h *ChildHandle) Status() ExitStatus {
	return h.status
}

// StartedAt reports when this epoch began.
func (h *ChildHandle) StartedAt() time.Time {
	return h.startedAt
}

// mergeEnvironment overlays caller pairs onto the inherited environment;
// the caller wins on conflicts.
func mergeEnvironment(inherited []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return inherited
	}
	merged := make([]string, 0, len(inherited)+len(overrides))
	for _, entry := range inherited {
		key := entry
		if i := strings.IndexByte(entry, '='); i >= 0 {
			key = entry[:i]
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		merged = append(merged, entry)
	}
	for key, value := range overrides {
		merged = append(merged, key+"="+value)
	}
	return merged
}

// lineScanner wraps a pipe with a scanner sized for large frames.
func lineScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	return scanner
}
