package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/circuitstudio/backend/pkg/log"
	"github.com/circuitstudio/backend/pkg/streambridge"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Handle is a launched process with its output bridges.
type Handle struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc

	Stdout *streambridge.Bridge
	Stderr *streambridge.Bridge

	startTime time.Time
	waitDone  chan struct{}

	mu      sync.Mutex
	waitErr error
	exited  bool
}

// LaunchOptions tunes Launch.
type LaunchOptions struct {
	Dir    string
	Env    []string
	Logger *zap.SugaredLogger
	// Label prefixes the echoed output, e.g. "renderer".
	Label string
}

// Launch starts command in its own process group and bridges its stdout and
// stderr. The process outlives ctx; use Stop to end it.
func Launch(ctx context.Context, opts LaunchOptions, command string, args ...string) (*Handle, error) {
	if command == "" {
		return nil, fmt.Errorf("command is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Named("supervisor")
	}
	label := opts.Label
	if label == "" {
		label = command
	}

	cmdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(cmdCtx, command, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
	cmd.Cancel = func() error {
		return signalProcessGroup(cmd.Process.Pid, unix.SIGKILL)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		_ = stdout.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		_ = stdout.Close()
		_ = stderr.Close()
		return nil, fmt.Errorf("failed to start %s: %w", command, err)
	}

	h := &Handle{
		cmd:       cmd,
		cancel:    cancel,
		startTime: time.Now(),
		waitDone:  make(chan struct{}),
	}
	h.Stdout = streambridge.New(stdout, streambridge.WithSink(func(line string) {
		logger.Infow("["+label+"] "+line, "pid", cmd.Process.Pid)
	}))
	h.Stderr = streambridge.New(stderr, streambridge.WithSink(func(line string) {
		logger.Warnw("["+label+"-error] "+line, "pid", cmd.Process.Pid)
	}))

	go func() {
		// Wait closes the pipes, so both bridges must reach EOF first.
		<-h.Stdout.Done()
		<-h.Stderr.Done()
		err := cmd.Wait()
		h.mu.Lock()
		h.waitErr = err
		h.exited = true
		h.mu.Unlock()
		close(h.waitDone)
		logger.Infow("process exited", "pid", cmd.Process.Pid, "error", err, "uptime", time.Since(h.startTime).Round(time.Millisecond))
	}()

	logger.Infow("process started", "pid", cmd.Process.Pid, "command", command, "args", args)
	return h, nil
}

// Pid returns the process ID.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Running reports whether the process has not been reaped yet.
func (h *Handle) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.waitDone
}

// Wait blocks until the process exits and returns its exit error.
func (h *Handle) Wait() error {
	<-h.waitDone
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.waitErr
}

// Uptime returns how long the process has been running.
func (h *Handle) Uptime() time.Duration {
	return time.Since(h.startTime)
}

// Stop sends SIGTERM to the process group and SIGKILL when it has not exited
// after the stop timeout or when ctx is done first.
func (h *Handle) Stop(ctx context.Context) error {
	if !h.Running() {
		return nil
	}
	pid := h.Pid()
	if err := signalProcessGroup(pid, unix.SIGTERM); err != nil {
		return fmt.Errorf("failed to send SIGTERM to %d: %w", pid, err)
	}

	timer := time.NewTimer(stopTimeout)
	defer timer.Stop()
	select {
	case <-h.waitDone:
		h.cancel()
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if err := signalProcessGroup(pid, unix.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill %d: %w", pid, err)
	}
	h.cancel()
	select {
	case <-h.waitDone:
	case <-time.After(2 * time.Second):
	}
	return nil
}

func signalProcessGroup(pid int, signal unix.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid: %d", pid)
	}
	if err := unix.Kill(-pid, signal); err != nil {
		// If process already exited, treat as non-fatal for shutdown.
		if errors.Is(err, unix.ESRCH) {
			return nil
		}
		return err
	}
	return nil
}
