package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/marianboard/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/config"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/health"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/logging"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/metrics"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/monitor"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/server"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/shutdown"
	"github.com/therealutkarshpriyadarshi/marianboard/internal/tracing"
	"github.com/therealutkarshpriyadarshi/marianboard/pkg/types"
)

var version = "0.3.0"

// Exit codes
const (
	exitOK              = 0
	exitError           = 1
	exitInputNotFound   = 2
	exitCheckpointDir   = 3
	shutdownGracePeriod = 30 * time.Second
)

// fileList collects a repeatable -f flag
type fileList []string

func (f *fileList) String() string {
	return strings.Join(*f, ",")
}

func (f *fileList) Set(value string) error {
	*f = append(*f, value)
	return nil
}

type options struct {
	configFile  string
	files       fileList
	workDir     string
	interval    time.Duration
	offline     bool
	watch       bool
	backend     string
	azureML     bool
	debug       bool
	jsonl       bool
	stdout      bool
	prometheus  bool
	metricsAddr string
	showVersion bool

	set map[string]bool
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}

	fs := flag.NewFlagSet("marianboard", flag.ContinueOnError)
	fs.StringVar(&opts.configFile, "config", "", "Path to configuration file")
	fs.Var(&opts.files, "f", "Path to a Marian train.log file (repeatable)")
	fs.StringVar(&opts.workDir, "w", config.DefaultWorkDir, "Checkpoint and TensorBoard directory")
	fs.DurationVar(&opts.interval, "interval", config.DefaultInterval, "Time between passes over each file")
	fs.BoolVar(&opts.offline, "offline", false, "Convert the logs once and exit")
	fs.BoolVar(&opts.watch, "watch", false, "Wake up early when a log file is written")
	fs.StringVar(&opts.backend, "backend", string(checkpoint.BackendFile), "Checkpoint backend (file, bolt)")
	fs.BoolVar(&opts.azureML, "azureml", false, "Use AZUREML_TB_PATH and AZUREML_RUN_ID")
	fs.BoolVar(&opts.debug, "debug", false, "Print debug messages")
	fs.BoolVar(&opts.jsonl, "jsonl", false, "Also write events as JSON lines next to each checkpoint")
	fs.BoolVar(&opts.stdout, "stdout", false, "Also print events as JSON lines")
	fs.BoolVar(&opts.prometheus, "prometheus", false, "Export the latest scalars as Prometheus gauges")
	fs.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve /metrics and /health on this address")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	opts.set = make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})
	opts.files = append(opts.files, fs.Args()...)

	return opts, nil
}

// loadConfig reads the optional config file and lets flags override it
func loadConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	if opts.configFile != "" {
		loaded, err := config.Load(opts.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		cfg = loaded
	} else {
		cfg = config.DefaultConfig()
	}

	if len(opts.files) > 0 {
		cfg.Files = opts.files
	}
	if opts.set["w"] {
		cfg.WorkDir = opts.workDir
	}
	if opts.set["interval"] {
		cfg.Interval = opts.interval
	}
	if opts.set["watch"] {
		cfg.Watch = opts.watch
	}
	if opts.set["backend"] {
		cfg.Checkpoint.Backend = checkpoint.Backend(opts.backend)
	}
	if opts.offline {
		cfg.Offline = true
	}
	if cfg.Offline {
		cfg.Interval = 0
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}
	if opts.jsonl && cfg.Sinks.JSONL == nil {
		cfg.Sinks.JSONL = &config.JSONLConfig{}
	}
	if opts.stdout {
		cfg.Sinks.Stdout = true
	}
	if opts.prometheus {
		cfg.Sinks.Prometheus = true
	}
	if opts.metricsAddr != "" {
		if cfg.Metrics == nil {
			cfg.Metrics = &config.MetricsConfig{Path: config.DefaultMetricsPath}
		}
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = opts.metricsAddr
	}

	if opts.azureML {
		if dir := os.Getenv("AZUREML_TB_PATH"); dir != "" {
			cfg.WorkDir = dir
		}
		if id := os.Getenv("AZUREML_RUN_ID"); id != "" {
			cfg.RunID = id
		}
	}
	if cfg.RunID == "" {
		cfg.RunID = uuid.New().String()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitError
	}

	if opts.showVersion {
		fmt.Printf("marianboard %s\n", version)
		return exitOK
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.SetGlobal(logger)

	if err := monitorFiles(cfg, logger); err != nil {
		logger.Error().Err(err).Msg("Monitoring failed")
		return exitCode(err)
	}
	return exitOK
}

// exitCode maps task failures to the process exit status. A checkpoint
// failure wins over a missing input.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, monitor.ErrCheckpointDir):
		return exitCheckpointDir
	case errors.Is(err, monitor.ErrInputNotFound):
		return exitInputNotFound
	default:
		return exitError
	}
}

func monitorFiles(cfg *config.Config, logger *logging.Logger) error {
	started := time.Now()

	logger.Info().
		Str("version", version).
		Str("run_id", cfg.RunID).
		Str("work_dir", cfg.WorkDir).
		Dur("interval", cfg.Interval).
		Bool("offline", cfg.Offline).
		Msg("Starting marianboard")

	files := make([]types.MonitoredFile, 0, len(cfg.Files))
	for _, path := range cfg.Files {
		file, err := types.NewMonitoredFile(path)
		if err != nil {
			return err
		}
		files = append(files, file)
	}

	mgr := shutdown.New(shutdown.Config{
		Timeout: shutdownGracePeriod,
		Logger:  logger,
	})
	go mgr.WaitForSignal()
	defer mgr.Shutdown()

	ctx, cancel := mgr.Context(context.Background())
	defer cancel()

	collector := metrics.NewCollector()

	var tracingCfg tracing.Config
	if cfg.Tracing != nil {
		tracingCfg = tracing.Config{
			Enabled:    cfg.Tracing.Enabled,
			Endpoint:   cfg.Tracing.Endpoint,
			SampleRate: cfg.Tracing.SampleRate,
		}
	}
	provider, err := tracing.NewProvider(ctx, tracingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	mgr.RegisterFunc("tracing", provider.Shutdown)

	sinks := newSinkBuilder(cfg, collector, logger)

	sup := monitor.NewSupervisor(monitor.SupervisorConfig{
		Files: files,
		Template: monitor.TaskConfig{
			WorkDir:  cfg.WorkDir,
			Interval: cfg.Interval,
			Offline:  cfg.Offline,
			Watch:    cfg.Watch,
			Backend:  cfg.Checkpoint.Backend,
			Sinks:    sinks.specs(),
		},
	}, logger, monitor.WithMetrics(collector), monitor.WithTracer(provider.Tracer()))

	if err := sup.Start(ctx); err != nil {
		return err
	}
	mgr.RegisterFunc("supervisor", sup.Shutdown)

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		checker := health.NewChecker(5 * time.Second)
		sup.RegisterHealth(checker)

		srv := server.New(server.Config{
			Address:         cfg.Metrics.Address,
			MetricsPath:     cfg.Metrics.Path,
			MetricsRegistry: collector.Registry(),
			HealthChecker:   checker,
			Logger:          logger,
		})
		if err := srv.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start metrics server")
		} else {
			mgr.RegisterFunc("server", srv.Stop)
		}
	}

	err = sup.Wait()
	sup.Summary(time.Since(started))

	if shutdownErr := mgr.Shutdown(); shutdownErr != nil {
		logger.Warn().Err(shutdownErr).Msg("Shutdown finished with errors")
	}

	return err
}
