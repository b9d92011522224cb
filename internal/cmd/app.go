package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/foundry/internal/capability"
	"github.com/harrison/foundry/internal/config"
	"github.com/harrison/foundry/internal/escalation"
	"github.com/harrison/foundry/internal/logger"
	"github.com/harrison/foundry/internal/pipeline"
	"github.com/harrison/foundry/internal/sandbox"
	"github.com/harrison/foundry/internal/store"
)

// loadConfig reads the config file, then applies FOUNDRY_* variables and the
// flags set on cmd, in that order, and validates the result.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")

	var (
		cfg  *config.Config
		root string
		err  error
	)
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		root, err = filepath.Abs(".")
	} else {
		root, err = config.FindProjectRoot(".")
		if err != nil {
			return nil, err
		}
		cfg, err = config.LoadConfigFromDir(root)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnv(nil); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	overrides, err := flagOverrides(cmd)
	if err != nil {
		return nil, err
	}
	cfg.MergeWithFlags(overrides)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Resolve(root)
	return cfg, nil
}

// flagOverrides returns pointers only for flags the user actually set.
func flagOverrides(cmd *cobra.Command) (config.FlagOverrides, error) {
	var f config.FlagOverrides
	flags := cmd.Flags()

	str := func(name string) *string {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			return nil
		}
		v, _ := flags.GetString(name)
		return &v
	}
	integer := func(name string) *int {
		if flags.Lookup(name) == nil || !flags.Changed(name) {
			return nil
		}
		v, _ := flags.GetInt(name)
		return &v
	}

	f.LogLevel = str("log-level")
	f.LogDir = str("log-dir")
	f.StoreDSN = str("store-dsn")
	f.Backend = str("sandbox")
	f.TestPattern = str("test-pattern")
	f.MaxIterations = integer("max-iterations")
	f.MaxConcurrency = integer("max-concurrency")

	if flags.Lookup("allow-fallback") != nil && flags.Changed("allow-fallback") {
		v, _ := flags.GetBool("allow-fallback")
		f.AllowFallback = &v
	}
	if s := str("timeout"); s != nil {
		d, err := time.ParseDuration(*s)
		if err != nil {
			return f, fmt.Errorf("invalid timeout format %q: %w", *s, err)
		}
		f.RunTimeout = &d
	}
	return f, nil
}

// app holds the collaborators a command needs. Fields a command did not ask
// for stay nil.
type app struct {
	cfg        *config.Config
	log        logger.RunLogger
	store      *store.Store
	escalation *escalation.Manager
	orch       *pipeline.Orchestrator

	closers []func() error
}

type appOptions struct {
	// orchestrator builds the sandbox, capabilities and orchestrator
	orchestrator bool

	// fileLog adds a FileLogger under cfg.LogDir
	fileLog bool
}

func newApp(ctx context.Context, cfg *config.Config, out io.Writer, opts appOptions) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	loggers := []logger.RunLogger{logger.NewConsoleLogger(out, cfg.LogLevel)}
	if opts.fileLog && cfg.LogDir != "" {
		fileLog, err := logger.NewFileLoggerWithDirAndLevel(cfg.LogDir, cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create file logger: %w", err)
		}
		a.closers = append(a.closers, fileLog.Close)
		loggers = append(loggers, fileLog)
	}
	a.log = logger.NewMultiLogger(loggers...)

	a.store, err = store.Open(ctx, storeConfig(cfg.Store))
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}
	a.closers = append(a.closers, a.store.Close)

	blobs, err := openBlobStore(ctx, cfg.Escalation)
	if err != nil {
		return nil, err
	}
	a.escalation, err = escalation.NewManager(escalation.Options{
		Blobs:        blobs,
		Store:        a.store,
		Environment:  cfg.Sandbox.Environment,
		CheckoutRoot: cfg.Escalation.CheckoutRoot,
		HandleBase:   cfg.Escalation.HandleBase,
		Git:          escalation.NewGit(nil),
		Logger:       a.log,
	})
	if err != nil {
		return nil, err
	}

	if !opts.orchestrator {
		return a, nil
	}

	if err := cfg.RequireCapabilities(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	registry, err := buildRegistry(cfg.Capabilities)
	if err != nil {
		return nil, err
	}
	sb, err := sandbox.New(sandbox.Options{
		Backend:       cfg.Sandbox.Backend,
		AllowFallback: cfg.Sandbox.AllowFallback,
		DockerBin:     cfg.Sandbox.DockerBin,
		Logger:        a.log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	a.orch, err = pipeline.New(pipeline.Deps{
		Capabilities: registry,
		Sandbox:      sb,
		Escalation:   a.escalation,
		Store:        a.store,
		Logger:       a.log,
	}, pipelineConfig(cfg))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func storeConfig(c config.StoreConfig) store.Config {
	return store.Config{
		Driver:          c.Driver,
		DSN:             c.DSN,
		PingTimeout:     c.PingTimeout,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	p := cfg.Pipeline
	return pipeline.Config{
		MaxIterations:     p.MaxIterations,
		SandboxRetries:    p.SandboxRetries,
		CapabilityTimeout: p.CapabilityTimeout,
		PrepareTimeout:    p.PrepareTimeout,
		CommandTimeout:    p.CommandTimeout,
		RunTimeout:        p.RunTimeout,
		DiagnosticLimit:   p.DiagnosticLimit,
		WorkspaceRoot:     p.WorkspaceRoot,
		Environment:       cfg.Sandbox.Environment,
		TestPattern:       p.TestPattern,
	}
}

func openBlobStore(ctx context.Context, c config.EscalationConfig) (escalation.BlobStore, error) {
	switch c.Blob {
	case "minio":
		blobs, err := escalation.NewMinIOBlobStore(ctx, escalation.MinIOConfig{
			Endpoint:  c.MinIO.Endpoint,
			AccessKey: c.MinIO.AccessKey,
			SecretKey: c.MinIO.SecretKey,
			Bucket:    c.MinIO.Bucket,
			Region:    c.MinIO.Region,
			UseSSL:    c.MinIO.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open minio snapshot store: %w", err)
		}
		return blobs, nil
	default:
		blobs, err := escalation.NewLocalBlobStore(c.Root)
		if err != nil {
			return nil, fmt.Errorf("failed to open snapshot directory: %w", err)
		}
		return blobs, nil
	}
}

// buildRegistry binds the configured commands to capability names. qa is
// optional.
func buildRegistry(c config.CapabilitiesConfig) (*capability.Registry, error) {
	specs := []struct {
		name     string
		produces capability.Kind
		cmd      config.CommandConfig
	}{
		{capability.Architect, capability.KindPlan, c.Architect},
		{capability.Builder, capability.KindArtifact, c.Builder},
		{capability.QA, capability.KindVerdict, c.QA},
	}

	var caps []capability.Capability
	for _, s := range specs {
		if !s.cmd.Configured() {
			continue
		}
		cc, err := capability.NewCommandCapability(s.name, s.produces, s.cmd.Command, s.cmd.Timeout)
		if err != nil {
			return nil, err
		}
		cc.Dir = s.cmd.Dir
		cc.Env = s.cmd.Env
		caps = append(caps, cc)
	}
	return capability.NewRegistry(caps...)
}
