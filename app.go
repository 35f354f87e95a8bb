package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"archrender/core"
	"archrender/credits"
	"archrender/imagegen"
	"archrender/logging"
	"archrender/shutdown"
)

// ConfigLoader loads application configuration.
type ConfigLoader func() (*core.Config, error)

// AppOption customizes App dependencies.
type AppOption func(*App)

// App holds CLI state and runtime dependencies.
type App struct {
	root *cobra.Command

	loadConfig ConfigLoader
	stdout     io.Writer
	stderr     io.Writer
	logger     *logging.Logger
	backend    imagegen.Backend
	manager    *shutdown.Manager
	cancel     context.CancelFunc

	cfg        *core.Config
	userID     string
	verbose    bool
	jsonOutput bool
}

// WithConfigLoader injects a config loader.
func WithConfigLoader(loader ConfigLoader) AppOption {
	return func(a *App) {
		if loader != nil {
			a.loadConfig = loader
		}
	}
}

// WithIO injects output streams.
func WithIO(stdout, stderr io.Writer) AppOption {
	return func(a *App) {
		if stdout != nil {
			a.stdout = stdout
		}
		if stderr != nil {
			a.stderr = stderr
		}
	}
}

// WithAppLogger replaces the file backed logger.
func WithAppLogger(logger *logging.Logger) AppOption {
	return func(a *App) { a.logger = logger }
}

// WithBackend replaces the configured generation backend.
func WithBackend(b imagegen.Backend) AppOption {
	return func(a *App) { a.backend = b }
}

// NewApp creates the CLI with default dependencies.
func NewApp(opts ...AppOption) *App {
	a := &App{
		loadConfig: core.LoadConfig,
		stdout:     os.Stdout,
		stderr:     os.Stderr,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.root = a.newRootCommand()
	return a
}

func (a *App) newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "archrender",
		Short: "AI architectural render generation",
		Long: `archrender drives an image generation backend to produce architectural
renders, inpaints, multi-angle views, renovations and posters. Every job is
funded from a credits ledger and refunded when it fails.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	root.PersistentFlags().StringVar(&a.userID, "user", core.GetEnvOrDefault("ARCHRENDER_USER", "local"), "ledger account to charge")
	root.PersistentFlags().BoolVar(&a.verbose, "verbose", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "emit JSON output")

	root.AddCommand(
		a.newGenerateCommand(),
		a.newUpscaleCommand(),
		a.newDownloadCommand(),
		a.newServeCommand(),
		a.newCreditsCommand(),
		a.newVersionCommand(),
	)
	return root
}

// Run executes args and returns the process exit code.
func (a *App) Run(ctx context.Context, args []string) int {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.cancel = cancel

	a.root.SetArgs(args)
	err := a.root.ExecuteContext(ctx)

	signalCode := 0
	if a.manager != nil {
		if serr := a.manager.Shutdown(); serr != nil && err == nil {
			err = serr
		}
		signalCode = a.manager.ExitCode()
	}
	if err != nil {
		a.printError(err)
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return exitCodeFor(err, signalCode)
}

// setup loads configuration, the logger and the shutdown manager for every
// command but version.
func (a *App) setup(cmd *cobra.Command) error {
	switch cmd.Name() {
	case "version", "help", "completion":
		return nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	if a.logger == nil {
		level := logging.ParseLogLevel("ARCHRENDER_LOG_LEVEL", zapcore.InfoLevel)
		if a.verbose || cfg.DevMode {
			level = zapcore.DebugLevel
		}
		logger, err := logging.NewLoggerWithLevel(cfg.DevMode, cfg.LogFile, level, logging.DefaultFileWriterConfig())
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		a.logger = logger
	}

	a.manager = shutdown.NewManager(a.logger)
	a.manager.Start()
	go func() {
		select {
		case <-a.manager.Context().Done():
			a.cancel()
		case <-cmd.Context().Done():
		}
	}()

	a.logger.Debug("Configuration loaded",
		zap.String("backend", cfg.GenerationBackend),
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Duration("poll_budget", cfg.PollBudget),
		zap.Duration("grace_period", cfg.GracePeriod),
		zap.Int("max_attempts", cfg.MaxOperationAttempts),
		zap.String("blob_dir", cfg.BlobDir),
		zap.String("database", cfg.DatabasePath),
		zap.Bool("dev_mode", cfg.DevMode),
	)
	return nil
}

func (a *App) printError(err error) {
	var cfgErr *core.ConfigError
	if errors.As(err, &cfgErr) {
		fmt.Fprintf(a.stderr, "configuration error: %s\n", cfgErr.Error())
		return
	}
	fmt.Fprintf(a.stderr, "error: %s\n", logging.RedactSensitiveData(err.Error()))
}

// exitCodeFor maps a command error to a process exit code. A received
// signal takes precedence.
func exitCodeFor(err error, signalCode int) int {
	if core.IsSignalExit(signalCode) {
		return signalCode
	}
	switch {
	case err == nil:
		return core.ExitCodeSuccess
	case errors.Is(err, credits.ErrInsufficientCredits):
		return core.ExitCodeInsufficientCredits
	case imagegen.IsPolicyRejection(err):
		return core.ExitCodeRejected
	}
	return core.ExitCodeError
}
