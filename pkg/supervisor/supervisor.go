// Package supervisor launches a long-running external process and decides
// whether it started correctly.
//
// The decision is a heuristic: after a fixed grace window, anything on
// stderr that is not an allow-listed benign line counts as a startup
// failure. Slow starts and late errors can be misclassified.
package supervisor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/circuitstudio/backend/pkg/log"
	"go.uber.org/zap"
)

const (
	// DefaultGraceWindow is how long EnsureStarted waits before inspecting stderr.
	DefaultGraceWindow = 3 * time.Second
	stopTimeout        = 5 * time.Second
)

// DefaultBenignPrefixes lists stderr prefixes that are not errors.
var DefaultBenignPrefixes = []string{"Autoloading "}

// StartupError reports a process that failed the startup check.
type StartupError struct {
	// Message holds the offending stderr lines, a blank line, then buffered stdout.
	Message string
	// Lines are the offending stderr lines.
	Lines []string
	// ExitErr is set when the process exited during the grace window.
	ExitErr error
}

func (e *StartupError) Error() string {
	return e.Message
}

// Supervisor starts Command once and remembers the outcome.
type Supervisor struct {
	Command        string
	Args           []string
	Dir            string
	GraceWindow    time.Duration
	BenignPrefixes []string
	Label          string
	Logger         *zap.SugaredLogger
	// OnOutcome is called once with the result of the startup check.
	OnOutcome func(err error)

	mu       sync.Mutex
	resolved bool
	handle   *Handle
	err      error
	starting chan struct{}
}

// EnsureStarted launches the process on first use, waits for the grace
// window and checks stderr. Later calls return the recorded outcome without
// relaunching. A ctx ending during the first call aborts the check without
// recording an outcome.
func (s *Supervisor) EnsureStarted(ctx context.Context) (*Handle, error) {
	for {
		s.mu.Lock()
		if s.resolved {
			h, err := s.handle, s.err
			s.mu.Unlock()
			return h, err
		}
		if s.starting != nil {
			wait := s.starting
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		s.starting = make(chan struct{})
		s.mu.Unlock()

		h, err := s.start(ctx)

		s.mu.Lock()
		done := s.starting
		s.starting = nil
		if ctx.Err() == nil || err == nil || !isContextError(err) {
			s.resolved = true
			s.handle = h
			s.err = err
		}
		resolved := s.resolved
		s.mu.Unlock()
		close(done)
		if resolved && s.OnOutcome != nil {
			s.OnOutcome(err)
		}
		return h, err
	}
}

func (s *Supervisor) start(ctx context.Context) (*Handle, error) {
	logger := s.logger()
	logger.Infow("starting", "command", s.Command, "args", s.Args)
	h, err := Launch(ctx, LaunchOptions{Dir: s.Dir, Logger: logger, Label: s.Label}, s.Command, s.Args...)
	if err != nil {
		return nil, err
	}

	grace := s.GraceWindow
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	var exitErr error
	exited := false
	select {
	case <-timer.C:
	case <-h.Done():
		exited = true
		exitErr = h.Wait()
	case <-ctx.Done():
		_ = h.Stop(context.Background())
		return nil, ctx.Err()
	}

	if err := s.check(h, exited, exitErr); err != nil {
		logger.Errorw("startup check failed", "pid", h.Pid(), "error", err.Message)
		if !exited {
			_ = h.Stop(context.Background())
		}
		return nil, err
	}
	// The sinks keep logging the output of a long-running process.
	h.Stdout.Detach()
	h.Stderr.Detach()
	logger.Infow("started", "pid", h.Pid())
	return h, nil
}

// check applies the startup heuristic to everything buffered so far.
func (s *Supervisor) check(h *Handle, exited bool, exitErr error) *StartupError {
	prefixes := s.BenignPrefixes
	if prefixes == nil {
		prefixes = DefaultBenignPrefixes
	}

	var offending []string
	for _, line := range h.Stderr.Drain() {
		if isBenign(line, prefixes) {
			continue
		}
		offending = append(offending, line)
	}
	if len(offending) == 0 && !exited {
		return nil
	}

	head := strings.Join(offending, "\n")
	if len(offending) == 0 {
		if exitErr != nil {
			head = fmt.Sprintf("process exited during startup: %v", exitErr)
		} else {
			head = "process exited during startup"
		}
	}
	return &StartupError{
		Message: head + "\n\n" + strings.Join(h.Stdout.Drain(), "\n"),
		Lines:   offending,
		ExitErr: exitErr,
	}
}

func isBenign(line string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(line, p) {
			return true
		}
	}
	return false
}

// Handle returns the running process, or nil before a successful start.
func (s *Supervisor) Handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// Stop stops a started process. The recorded outcome is kept, so the
// process is not relaunched by later EnsureStarted calls.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return nil
	}
	s.logger().Infow("stopping", "pid", h.Pid())
	return h.Stop(ctx)
}

func (s *Supervisor) logger() *zap.SugaredLogger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Named("supervisor")
}

func isContextError(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded
}
