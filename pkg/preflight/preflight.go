// Package preflight checks the environment before the server starts.
package preflight

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/circuitstudio/backend/pkg/log"
	"github.com/circuitstudio/backend/pkg/sandbox"
	"go.uber.org/zap"
)

// CheckLevel represents the severity level of a preflight check
type CheckLevel int

const (
	// LevelError indicates a critical failure that prevents serving
	LevelError CheckLevel = iota
	// LevelWarn indicates a problem that does not block serving
	LevelWarn
	// LevelInfo indicates informational output
	LevelInfo
)

// CheckResult represents the result of a single preflight check
type CheckResult struct {
	Name    string
	Level   CheckLevel
	Message string
	Error   error
}

// Check represents a single preflight check
type Check interface {
	Name() string
	Run(ctx context.Context) CheckResult
}

// Config selects the checks to run. Empty fields skip their check.
type Config struct {
	Skip  bool
	Quiet bool
	// SandboxRoot must be a readable directory.
	SandboxRoot string
	// RendererCommand must resolve to an executable.
	RendererCommand string
	// ListenAddr must be free.
	ListenAddr string
	// RendererAddr should be free; a busy port is only a warning.
	RendererAddr string
	// StateDir must be writable.
	StateDir string
	Logger   *zap.SugaredLogger
}

// Checker runs a collection of preflight checks
type Checker struct {
	checks  []Check
	skipped bool
	quiet   bool
	logger  *zap.SugaredLogger
}

// NewChecker creates a checker for cfg.
func NewChecker(cfg Config) *Checker {
	c := &Checker{
		skipped: cfg.Skip,
		quiet:   cfg.Quiet,
		logger:  cfg.Logger,
	}
	if c.logger == nil {
		c.logger = log.Named("preflight")
	}

	if cfg.SandboxRoot != "" {
		c.checks = append(c.checks, &SandboxCheck{Root: cfg.SandboxRoot})
	}
	if cfg.RendererCommand != "" {
		c.checks = append(c.checks, &RendererCheck{Command: cfg.RendererCommand})
	}
	if cfg.ListenAddr != "" {
		c.checks = append(c.checks, &PortCheck{Label: "listen-port", Addr: cfg.ListenAddr, Required: true})
	}
	if cfg.RendererAddr != "" {
		c.checks = append(c.checks, &PortCheck{Label: "renderer-port", Addr: cfg.RendererAddr})
	}
	if cfg.StateDir != "" {
		c.checks = append(c.checks, &StateDirCheck{Path: cfg.StateDir})
	}
	return c
}

// Checks returns the registered checks.
func (c *Checker) Checks() []Check {
	return c.checks
}

// Run executes every check and returns an error if any critical one fails.
func (c *Checker) Run(ctx context.Context) error {
	if c.skipped {
		c.logger.Info("preflight checks skipped")
		return nil
	}

	var errs []string
	for _, check := range c.checks {
		result := check.Run(ctx)
		switch result.Level {
		case LevelError:
			c.logger.Errorw("preflight check failed", "check", result.Name, "message", result.Message, "error", result.Error)
			errs = append(errs, fmt.Sprintf("%s: %s", result.Name, result.Message))
		case LevelWarn:
			c.logger.Warnw("preflight check warning", "check", result.Name, "message", result.Message)
		case LevelInfo:
			if !c.quiet {
				c.logger.Infow("preflight check", "check", result.Name, "message", result.Message)
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("preflight checks failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// SandboxCheck checks that the sandbox root is a readable directory.
type SandboxCheck struct {
	Root string
}

func (c *SandboxCheck) Name() string { return "sandbox" }

func (c *SandboxCheck) Run(ctx context.Context) CheckResult {
	absPath, err := filepath.Abs(c.Root)
	if err != nil {
		return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("failed to resolve sandbox root: %s", c.Root), Error: err}
	}
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("sandbox root does not exist: %s", absPath), Error: err}
		}
		return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("cannot access sandbox root: %s", absPath), Error: err}
	}
	if !info.IsDir() {
		return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("sandbox root is not a directory: %s", absPath)}
	}
	if _, err := os.ReadDir(absPath); err != nil {
		return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("sandbox root is not readable: %s", absPath), Error: err}
	}
	if sandbox.IsFilesystemRoot(absPath) {
		return CheckResult{Name: c.Name(), Level: LevelWarn, Message: "sandbox root is the filesystem root"}
	}
	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: fmt.Sprintf("sandbox is accessible: %s", absPath)}
}

// RendererCheck checks that the renderer command can be executed.
type RendererCheck struct {
	Command string
}

func (c *RendererCheck) Name() string { return "renderer" }

func (c *RendererCheck) Run(ctx context.Context) CheckResult {
	path, err := exec.LookPath(c.Command)
	if err != nil {
		return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("renderer command not found or not executable: %s", c.Command), Error: err}
	}
	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: fmt.Sprintf("renderer command: %s", path)}
}

// PortCheck checks that a TCP address can be bound.
type PortCheck struct {
	Label    string
	Addr     string
	Required bool
}

func (c *PortCheck) Name() string { return c.Label }

func (c *PortCheck) Run(ctx context.Context) CheckResult {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", c.Addr)
	if err != nil {
		level := LevelWarn
		if c.Required {
			level = LevelError
		}
		return CheckResult{Name: c.Name(), Level: level, Message: fmt.Sprintf("%s is not available", c.Addr), Error: err}
	}
	_ = ln.Close()
	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: fmt.Sprintf("%s is free", c.Addr)}
}

// StateDirCheck checks that the state directory can be written.
type StateDirCheck struct {
	Path string
}

func (c *StateDirCheck) Name() string { return "state-dir" }

func (c *StateDirCheck) Run(ctx context.Context) CheckResult {
	if err := os.MkdirAll(c.Path, 0o755); err != nil {
		return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("cannot create state directory: %s", c.Path), Error: err}
	}
	probe, err := os.CreateTemp(c.Path, ".preflight-*")
	if err != nil {
		return CheckResult{Name: c.Name(), Level: LevelError, Message: fmt.Sprintf("state directory is not writable: %s", c.Path), Error: err}
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
	return CheckResult{Name: c.Name(), Level: LevelInfo, Message: fmt.Sprintf("state directory is writable: %s", c.Path)}
}
