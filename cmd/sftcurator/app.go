package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lamim/sftcurator/internal/api"
	"github.com/lamim/sftcurator/internal/catalog"
	"github.com/lamim/sftcurator/internal/checkpoint"
	"github.com/lamim/sftcurator/internal/config"
	"github.com/lamim/sftcurator/internal/curation"
	"github.com/lamim/sftcurator/internal/metrics"
	"github.com/lamim/sftcurator/internal/usage"
	"github.com/lamim/sftcurator/internal/workspace"
	"github.com/lamim/sftcurator/pkg/models"
)

// app is the wired application for one command invocation
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	logFile    *os.File
	sessionMgr *workspace.SessionManager
	checkpoint *checkpoint.Manager
	restored   *models.Checkpoint
	curator    *curation.Curator
}

// setup loads configuration and wires every component. resumeSession
// overrides curation.resume_from_session; console receives text logs.
func setup(resumeSession string, console io.Writer) (*app, error) {
	if envFile != "" {
		if err := loadEnvFile(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
		}
	}

	cfg, secrets, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if resumeSession != "" {
		cfg.Curation.ResumeFromSession = resumeSession
	}
	resumeMode := cfg.Curation.ResumeFromSession != ""

	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	sessionMgr, err := workspace.NewSessionManager(slog.Default(), cfg.Curation.OutputDir, cfg.Curation.ResumeFromSession)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	logger, logFile, err := workspace.SetupLogger(sessionMgr, console, logLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	sessionMgr.SetLogger(logger)

	rt := &app{cfg: cfg, logger: logger, logFile: logFile, sessionMgr: sessionMgr}

	logger.Info("sftcurator starting",
		"version", Version,
		"config", configPath,
		"session_dir", sessionMgr.GetSessionDir(),
		"resume_mode", resumeMode)

	if !resumeMode {
		if err := sessionMgr.BackupConfig(configPath); err != nil {
			rt.closeLog()
			return nil, fmt.Errorf("failed to backup config: %w", err)
		}
	}

	collector := metrics.NewCollector(logger)
	if metricsAddr != "" {
		go func() {
			if err := collector.Serve(metricsAddr); err != nil {
				logger.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	model, err := cfg.ActiveModel()
	if err != nil {
		rt.closeLog()
		return nil, err
	}

	overrides := make(usage.Prices, len(cfg.Pricing))
	for name, p := range cfg.Pricing {
		overrides[name] = usage.Price{PromptPerMillion: p.PromptPerMillion, CompletionPerMillion: p.CompletionPerMillion}
	}
	acct := usage.NewAccountant(usage.DefaultPrices().With(overrides), collector)

	if resumeMode {
		if _, statErr := os.Stat(filepath.Join(sessionMgr.GetSessionDir(), checkpoint.CheckpointFilename)); statErr == nil {
			cp, err := checkpoint.Load(sessionMgr.GetSessionDir(), logger)
			if err != nil {
				rt.closeLog()
				return nil, fmt.Errorf("failed to load checkpoint: %w", err)
			}
			if err := checkpoint.ValidateCheckpoint(cp, cfg); err != nil {
				rt.closeLog()
				return nil, fmt.Errorf("checkpoint validation failed: %w", err)
			}
			rt.restored = cp
			rt.checkpoint = checkpoint.NewManagerFromCheckpoint(sessionMgr.GetSessionDir(), cp, cfg, logger)
			logger.Info("Loaded checkpoint",
				"active", cp.Active,
				"finalized", checkpoint.GetFinalizedCount(cp))
		} else {
			logger.Warn("No checkpoint in session, starting fresh", "session_dir", sessionMgr.GetSessionDir())
		}
	}
	if rt.checkpoint == nil {
		rt.checkpoint = checkpoint.NewManager(sessionMgr.GetSessionDir(), cfg, logger)
	}

	provider := api.NewProvider(api.NewClient(logger, collector), cfg, secrets)
	rt.curator = curation.New(curation.Options{
		Source:     catalog.NewFromConfig(cfg, logger),
		Provider:   provider,
		Model:      model.ModelName,
		Accountant: acct,
		Metrics:    collector,
		Logger:     logger,
		Sink:       rt.checkpoint,
		Restore:    rt.restored,
	})

	return rt, nil
}

// selectInitial opens kind, or the dataset active at checkpoint time when kind is empty
func (rt *app) selectInitial(kind string) (*curation.Session, error) {
	target := models.DatasetKind(kind)
	if target == "" && rt.restored != nil {
		target = rt.restored.Active
	}
	if target == "" {
		return nil, nil
	}
	return rt.curator.Select(target)
}

// close flushes the checkpoint, writes the usage report and closes the log
func (rt *app) close() error {
	var firstErr error
	if err := rt.checkpoint.Close(); err != nil {
		rt.logger.Error("Failed to close checkpoint manager", "error", err)
		firstErr = err
	}
	if err := rt.sessionMgr.WriteUsageReport(rt.curator.Accountant().Summary()); err != nil {
		rt.logger.Error("Failed to write usage report", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	rt.closeLog()
	return firstErr
}

func (rt *app) closeLog() {
	if rt.logFile != nil {
		_ = rt.logFile.Sync()
		_ = rt.logFile.Close()
	}
}
