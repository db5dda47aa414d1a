package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/circuitstudio/backend/pkg/config"
	"github.com/circuitstudio/backend/pkg/dispatch"
	backendlog "github.com/circuitstudio/backend/pkg/log"
	"github.com/circuitstudio/backend/pkg/metrics"
	"github.com/circuitstudio/backend/pkg/operations"
	"github.com/circuitstudio/backend/pkg/preflight"
	"github.com/circuitstudio/backend/pkg/sandbox"
	"github.com/circuitstudio/backend/pkg/serve"
	"github.com/circuitstudio/backend/pkg/session"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath    string
	servePort          int
	serveHost          string
	serveRenderer      string
	serveSandbox       string
	serveCertificate   string
	servePrivateKey    string
	serveStateDir      string
	serveLogLevel      string
	serveLogFormat     string
	serveSkipPreflight bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve operations over WebSocket",
	Long: `Serve the backend operations over a WebSocket JSON-RPC endpoint.

Every path a caller sends is confined to the sandbox root. The renderer
command is started on first use as "<command> <port> <version>", where port
is the server port plus one unless the config file says otherwise.

Flags override values from --config.

Examples:
  studio-backend serve --port 5000 --sandbox /gpfs/project --renderer ./start-brayns.sh
  studio-backend serve --config backend.yaml --log-level debug`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadServeConfig(cmd)
		if err != nil {
			return err
		}

		if err := backendlog.Init(backendlog.Config{
			Level:  backendlog.ParseLevel(cfg.Log.Level),
			Format: cfg.Log.Format,
		}); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		defer backendlog.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

func loadServeConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if serveConfigPath != "" {
		loaded, err := config.Load(serveConfigPath)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = servePort
	}
	if flags.Changed("host") {
		cfg.Server.Host = serveHost
	}
	if flags.Changed("renderer") {
		cfg.Renderer.Command = serveRenderer
	}
	if flags.Changed("sandbox") {
		cfg.Sandbox.Root = serveSandbox
	}
	if flags.Changed("certificate") {
		cfg.Server.Certificate = serveCertificate
	}
	if flags.Changed("private-key") {
		cfg.Server.PrivateKey = servePrivateKey
	}
	if flags.Changed("state-dir") {
		cfg.StateDir = serveStateDir
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = serveLogLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = serveLogFormat
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg config.Config) error {
	backendlog.Info(fmt.Sprintf("Circuit Studio Backend v%s", Version))
	for _, warning := range cfg.Warnings() {
		backendlog.Warn(warning)
	}

	sb, err := sandbox.New(cfg.Sandbox.Root)
	if err != nil {
		return err
	}

	stateDir := cfg.StateDir
	if stateDir == "" {
		if stateDir, err = config.DefaultStateDir(); err != nil {
			return err
		}
	}

	checks := preflight.Config{
		Skip:            serveSkipPreflight,
		SandboxRoot:     sb.Root(),
		RendererCommand: cfg.Renderer.Command,
		ListenAddr:      cfg.Addr(),
		StateDir:        stateDir,
	}
	if cfg.Renderer.Command != "" {
		checks.RendererAddr = fmt.Sprintf("127.0.0.1:%d", cfg.RendererPort())
	}
	if err := preflight.NewChecker(checks).Run(ctx); err != nil {
		return err
	}
	lock, err := config.AcquireLock(stateDir, cfg.Server.Port)
	if err != nil {
		return err
	}
	defer lock.Release()

	m := metrics.New()
	var renderer *operations.Renderer
	if cfg.Renderer.Command != "" {
		renderer, err = operations.NewRenderer(operations.RendererConfig{
			Command:        cfg.Renderer.Command,
			Port:           cfg.RendererPort(),
			GraceWindow:    cfg.Renderer.GraceWindow,
			BenignPrefixes: cfg.Renderer.BenignPrefixes,
			Metrics:        m,
		})
		if err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := renderer.Close(stopCtx); err != nil {
				backendlog.Warn("failed to stop renderer", "error", err)
			}
		}()
	}

	registry := dispatch.NewRegistry()
	if err := operations.Register(registry, operations.Deps{
		Version:  Version,
		Sandbox:  sb,
		Session:  session.NewStore(),
		Renderer: renderer,
	}); err != nil {
		return err
	}
	if err := registry.Initialize(ctx); err != nil {
		return err
	}

	server, err := serve.New(serve.Config{
		Addr:       cfg.Addr(),
		Dispatcher: dispatch.NewDispatcher(registry, dispatch.WithMetrics(m)),
		Metrics:    m,
		RateLimit: serve.RateLimit{
			RPS:   cfg.Server.RateLimit.RPS,
			Burst: cfg.Server.RateLimit.Burst,
		},
		CertFile: cfg.Server.Certificate,
		KeyFile:  cfg.Server.PrivateKey,
		Version:  Version,
	})
	if err != nil {
		return err
	}

	backendlog.Info("serve started",
		"addr", cfg.Addr(),
		"sandbox", sb.Root(),
		"renderer", cfg.Renderer.Command,
		"renderer_port", cfg.RendererPort(),
		"operations", registry.Names(),
		"lock", lock.Path(),
	)
	return server.ListenAndServe(ctx)
}

func init() {
	defaults := config.Default()
	serveCmd.Flags().StringVar(&serveConfigPath, "config", "", "Path to a YAML config file")
	serveCmd.Flags().IntVar(&servePort, "port", defaults.Server.Port, "Port this WebSocket server listens to")
	serveCmd.Flags().StringVar(&serveHost, "host", defaults.Server.Host, "Interface to bind")
	serveCmd.Flags().StringVar(&serveRenderer, "renderer", "", "Script that starts the renderer with PORT and VERSION arguments")
	serveCmd.Flags().StringVar(&serveSandbox, "sandbox", "", "Root folder every path is confined to")
	serveCmd.Flags().StringVar(&serveCertificate, "certificate", "", "TLS certificate file")
	serveCmd.Flags().StringVar(&servePrivateKey, "private-key", "", "TLS private key file")
	serveCmd.Flags().StringVar(&serveStateDir, "state-dir", "", "Directory for the single-instance lock (default: ~/.studio-backend)")
	serveCmd.Flags().StringVar(&serveLogLevel, "log-level", defaults.Log.Level, "Log level: debug, info, progress, warn, error")
	serveCmd.Flags().StringVar(&serveLogFormat, "log-format", defaults.Log.Format, "Log format: console or json")
	serveCmd.Flags().BoolVar(&serveSkipPreflight, "skip-preflight", false, "Skip the startup environment checks")
	rootCmd.AddCommand(serveCmd)
}
