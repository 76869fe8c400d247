package config

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/MuchTitan/go-log-shipper/internal/buffer"
	"github.com/MuchTitan/go-log-shipper/internal/diag"
	"github.com/MuchTitan/go-log-shipper/internal/engine"
	inputtail "github.com/MuchTitan/go-log-shipper/internal/input/tail"
	"github.com/MuchTitan/go-log-shipper/internal/metrics"
	"github.com/MuchTitan/go-log-shipper/internal/output"
	outputfile "github.com/MuchTitan/go-log-shipper/internal/output/file"
	outputgelf "github.com/MuchTitan/go-log-shipper/internal/output/gelf"
	outputs3 "github.com/MuchTitan/go-log-shipper/internal/output/s3"
	outputsplunk "github.com/MuchTitan/go-log-shipper/internal/output/splunk"
	outputstdout "github.com/MuchTitan/go-log-shipper/internal/output/stdout"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Agent is a fully wired log shipper.
type Agent struct {
	Config  *Config
	Engine  *engine.Engine
	Metrics *metrics.Metrics
}

// NewRegistry registers every sink driver.
func NewRegistry(fs afero.Fs) *output.Registry {
	return output.NewRegistry(
		outputfile.New(fs),
		outputs3.New(fs, outputs3.NewClient),
		outputgelf.New(outputgelf.Dial),
		outputsplunk.New(),
		outputstdout.New(os.Stdout),
	)
}

// OpenRepository opens the configured file state store; nil for memory.
func OpenRepository(c StateConfig) (inputtail.Repository, error) {
	var (
		repo inputtail.Repository
		err  error
	)
	switch c.Backend {
	case StateSQLite:
		repo, err = inputtail.NewSQLiteRepository(c.Path)
	case StateBolt:
		repo, err = inputtail.NewBoltRepository(c.Path)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := repo.CreateTables(); err != nil {
		repo.Close()
		return nil, err
	}
	logrus.WithFields(logrus.Fields{"backend": c.Backend, "path": c.Path}).Info("Persisting file states")
	return repo, nil
}

// NewAgent wires config into an engine. The engine owns the state
// repository from here on and closes it when Run returns.
func NewAgent(cfg *Config, fs afero.Fs) (*Agent, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	m := metrics.New()
	tracer := diag.FromEnv()

	if cfg.System.SpillDir != "" {
		if err := fs.MkdirAll(cfg.System.SpillDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create spill dir: %w", err)
		}
	}

	watcher, err := engine.SelectWatcher(cfg.System.WatchMode, fs, cfg.System.PollInterval)
	if err != nil {
		return nil, err
	}

	repo, err := OpenRepository(cfg.System.State)
	if err != nil {
		closeWatcher(watcher)
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}

	e, err := engine.New(engine.Options{
		Sources:  cfg.Sources,
		Sinks:    cfg.Sinks,
		Filters:  cfg.Filters,
		Watcher:  watcher,
		Registry: NewRegistry(fs),
		Buffers:  buffer.NewManager(fs, cfg.System.SpillDir, m),
		Tracker:  inputtail.NewTracker(fs, repo, cfg.System.State.CleanupDays, tracer),
		Metrics:  m,
		Tracer:   tracer,
		FS:       fs,
	})
	if err != nil {
		if repo != nil {
			repo.Close()
		}
		closeWatcher(watcher)
		return nil, err
	}
	return &Agent{Config: cfg, Engine: e, Metrics: m}, nil
}

func closeWatcher(w any) {
	if c, ok := w.(io.Closer); ok {
		c.Close()
	}
}

// Run serves metrics when configured and runs the engine until ctx ends.
func (a *Agent) Run(ctx context.Context) error {
	if addr := a.Config.System.MetricsAddr; addr != "" {
		go func() {
			if err := a.Metrics.Serve(ctx, addr); err != nil {
				logrus.WithError(err).Error("metrics server failed")
			}
		}()
	}
	return a.Engine.Run(ctx)
}
