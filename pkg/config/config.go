// Package config loads the backend configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/circuitstudio/backend/pkg/log"
	"github.com/circuitstudio/backend/pkg/sandbox"
	"github.com/circuitstudio/backend/pkg/supervisor"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Renderer RendererConfig `yaml:"renderer"`
	Log      LogConfig      `yaml:"log"`
	// StateDir holds the single-instance lock.
	StateDir string `yaml:"state_dir,omitempty"`
}

type ServerConfig struct {
	Host        string          `yaml:"host"`
	Port        int             `yaml:"port"`
	Certificate string          `yaml:"certificate,omitempty"`
	PrivateKey  string          `yaml:"private_key,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig limits requests per connection. Zero RPS disables it.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps,omitempty"`
	Burst int     `yaml:"burst,omitempty"`
}

type SandboxConfig struct {
	Root string `yaml:"root"`
}

type RendererConfig struct {
	Command string `yaml:"command,omitempty"`
	// PortOffset is added to the server port to get the renderer port.
	PortOffset     int           `yaml:"port_offset"`
	GraceWindow    time.Duration `yaml:"grace_window"`
	BenignPrefixes []string      `yaml:"benign_prefixes,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 5000,
		},
		Renderer: RendererConfig{
			PortOffset:     1,
			GraceWindow:    supervisor.DefaultGraceWindow,
			BenignPrefixes: append([]string(nil), supervisor.DefaultBenignPrefixes...),
		},
		Log: LogConfig{
			Level:  string(log.LevelProgress),
			Format: log.FormatConsole,
		},
	}
}

// Load reads path on top of Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields the server cannot run without.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if strings.TrimSpace(c.Sandbox.Root) == "" {
		return errors.New("sandbox.root is required")
	}
	if (c.Server.Certificate == "") != (c.Server.PrivateKey == "") {
		return errors.New("server.certificate and server.private_key must be set together")
	}
	if c.Server.RateLimit.RPS < 0 || c.Server.RateLimit.Burst < 0 {
		return errors.New("server.rate_limit values cannot be negative")
	}
	if c.Renderer.Command != "" {
		if port := c.RendererPort(); port <= 0 || port > 65535 {
			return fmt.Errorf("renderer port %d is out of range", port)
		}
		if c.Renderer.GraceWindow < 0 {
			return errors.New("renderer.grace_window cannot be negative")
		}
	}
	switch c.Log.Format {
	case "", log.FormatConsole, log.FormatJSON:
	default:
		return fmt.Errorf("unknown log.format %q", c.Log.Format)
	}
	return nil
}

// Warnings lists settings that are legal but probably unintended.
func (c Config) Warnings() []string {
	var warnings []string
	if root := strings.TrimSpace(c.Sandbox.Root); root != "" {
		if abs, err := filepath.Abs(root); err == nil && sandbox.IsFilesystemRoot(abs) {
			warnings = append(warnings, "sandbox.root is the filesystem root; every path is reachable")
		}
	}
	if c.Renderer.Command == "" {
		warnings = append(warnings, "renderer.command is empty; renderer operations are disabled")
	}
	return warnings
}

// RendererPort is the port handed to the renderer command.
func (c Config) RendererPort() int {
	return c.Server.Port + c.Renderer.PortOffset
}

// TLS reports whether the server should serve wss://.
func (c Config) TLS() bool {
	return c.Server.Certificate != "" && c.Server.PrivateKey != ""
}

// Addr is the listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Save writes cfg as YAML.
func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// DefaultStateDir returns ~/.studio-backend.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve user home: %w", err)
	}
	return filepath.Join(home, ".studio-backend"), nil
}
