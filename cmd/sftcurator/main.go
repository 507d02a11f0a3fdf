package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/lamim/sftcurator/internal/batch"
	"github.com/lamim/sftcurator/internal/checkpoint"
	"github.com/lamim/sftcurator/internal/config"
	"github.com/lamim/sftcurator/internal/export"
	"github.com/lamim/sftcurator/internal/tui"
	"github.com/lamim/sftcurator/internal/workspace"
	"github.com/lamim/sftcurator/pkg/models"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath  string
	envFile     string
	metricsAddr string
	verbose     bool

	sessionName string
	datasetName string
	scopeName   string
	concurrency int
	onlyEmpty   bool
	exportAfter bool
	outputDir   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sftcurator",
		Short: "sftcurator - human-in-the-loop SFT dataset curation",
		Long: `sftcurator loads source records, generates candidate outputs with an
OpenAI-compatible model, lets an operator approve or edit them, and exports
the approved set as a CSV table and a chat-transcript JSONL file.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.toml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")

	tuiCmd := &cobra.Command{
		Use:   "tui",
		Short: "Curate records interactively",
		RunE:  runTUI,
	}
	tuiCmd.Flags().StringVar(&sessionName, "session", "", "Resume a session directory (e.g. session_2025-10-27T12-34-56)")
	tuiCmd.Flags().StringVar(&datasetName, "dataset", "", "Dataset to open on start")

	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate candidates for a whole dataset",
		Long: `Generate candidate outputs for every record of a dataset with bounded
concurrency. Finalized records are never regenerated. Failed records are
reported and left untouched.`,
		RunE: runGenerate,
	}
	generateCmd.Flags().StringVar(&sessionName, "session", "", "Resume a session directory")
	generateCmd.Flags().StringVar(&datasetName, "dataset", "", "Dataset kind to generate (required)")
	generateCmd.Flags().IntVar(&concurrency, "concurrency", 0, "Parallel generations (default: curation.concurrency)")
	generateCmd.Flags().BoolVar(&onlyEmpty, "only-empty", false, "Skip records that already have a candidate")
	generateCmd.Flags().BoolVar(&exportAfter, "export", false, "Export all generated records when done")
	_ = generateCmd.MarkFlagRequired("dataset")

	progressCmd := &cobra.Command{
		Use:   "progress",
		Short: "Show finalized/total counts per dataset",
		RunE:  runProgress,
	}
	progressCmd.Flags().StringVar(&sessionName, "session", "", "Session directory (required)")
	_ = progressCmd.MarkFlagRequired("session")

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export a dataset as CSV and chat-transcript JSONL",
		RunE:  runExport,
	}
	exportCmd.Flags().StringVar(&sessionName, "session", "", "Session directory (required)")
	exportCmd.Flags().StringVar(&datasetName, "dataset", "", "Dataset kind to export (required)")
	exportCmd.Flags().StringVar(&scopeName, "scope", "", "finalized or all-generated (default: curation.export_scope)")
	_ = exportCmd.MarkFlagRequired("session")
	_ = exportCmd.MarkFlagRequired("dataset")

	usageCmd := &cobra.Command{
		Use:   "usage",
		Short: "Print the token usage and cost report of a session",
		RunE:  runUsage,
	}
	usageCmd.Flags().StringVar(&sessionName, "session", "", "Session directory (required)")
	_ = usageCmd.MarkFlagRequired("session")

	// Checkpoint management commands
	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Manage checkpoints",
		Long:  "Inspect saved curation state for resuming interrupted sessions",
	}
	checkpointCmd.PersistentFlags().StringVar(&outputDir, "output-dir", config.DefaultOutputDir, "Directory holding session directories")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all available checkpoint sessions",
		RunE:  listCheckpoints,
	}

	inspectCmd := &cobra.Command{
		Use:   "inspect <session-dir>",
		Short: "Inspect a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  inspectCheckpoint,
	}

	checkpointCmd.AddCommand(listCmd, inspectCmd)
	rootCmd.AddCommand(tuiCmd, generateCmd, progressCmd, exportCmd, usageCmd, checkpointCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runTUI(cmd *cobra.Command, args []string) error {
	// Console logging would tear the screen; the session log still gets everything
	a, err := setup(sessionName, io.Discard)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	if _, err := a.selectInitial(datasetName); err != nil {
		a.logger.Warn("Initial dataset unavailable", "dataset", datasetName, "error", err)
	}

	scope, err := export.ParseScope(a.cfg.Curation.ExportScope)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	model := tui.NewApp(ctx, tui.Options{
		Curator:   a.curator,
		ExportDir: a.sessionMgr.GetExportDir(),
		Scope:     scope,
		Logger:    a.logger,
	})
	if _, err := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("tui failed: %w", err)
	}

	fmt.Printf("Session saved in %s\n", a.sessionMgr.GetSessionDir())
	return nil
}

func runGenerate(cmd *cobra.Command, args []string) error {
	a, err := setup(sessionName, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	s, err := a.curator.Select(models.DatasetKind(datasetName))
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}

	n := concurrency
	if n <= 0 {
		n = a.cfg.Curation.Concurrency
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stats, err := batch.NewRunner(a.logger, os.Stderr).Run(ctx, s, batch.Options{Concurrency: n, OnlyEmpty: onlyEmpty})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			sessionDir := filepath.Base(a.sessionMgr.GetSessionDir())
			a.logger.Warn("Generation interrupted - resume from checkpoint",
				"session_dir", sessionDir,
				"resume_command", fmt.Sprintf("sftcurator generate --dataset %s --session %s", datasetName, sessionDir))
		}
		return fmt.Errorf("generation failed: %w", err)
	}

	finalized, total := s.Progress()
	a.logger.Info("Generation complete",
		"dataset", datasetName,
		"successful", stats.SuccessCount,
		"failed", stats.FailureCount,
		"skipped", stats.SkippedCount,
		"finalized", finalized,
		"total", total,
		"duration", stats.TotalDuration,
		"session_dir", a.sessionMgr.GetSessionDir())

	if exportAfter {
		art, err := export.Write(a.sessionMgr.GetExportDir(), s.Snapshot(), export.ScopeAllGenerated, time.Now())
		if err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
		printArtifacts(art)
	}
	return nil
}

func runProgress(cmd *cobra.Command, args []string) error {
	a, err := setup(sessionName, io.Discard)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	fmt.Printf("%-20s %10s %10s %8s\n", "DATASET", "FINALIZED", "TOTAL", "DONE")
	fmt.Println(strings.Repeat("-", 52))
	for _, kind := range a.curator.Kinds() {
		if _, err := a.curator.Select(kind); err != nil {
			fmt.Printf("%-20s unavailable: %v\n", kind, err)
			continue
		}
		finalized, total, err := a.curator.Progress(kind)
		if err != nil {
			return err
		}
		pct := 0.0
		if total > 0 {
			pct = float64(finalized) / float64(total) * 100
		}
		fmt.Printf("%-20s %10d %10d %7.1f%%\n", kind, finalized, total, pct)
	}

	// Listing opens every dataset; leave the operator's selection as it was
	if _, err := a.selectInitial(""); err != nil {
		a.logger.Warn("Failed to restore active dataset", "error", err)
	}
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := setup(sessionName, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	name := scopeName
	if name == "" {
		name = a.cfg.Curation.ExportScope
	}
	scope, err := export.ParseScope(name)
	if err != nil {
		return err
	}

	s, err := a.curator.Select(models.DatasetKind(datasetName))
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}

	art, err := export.Write(a.sessionMgr.GetExportDir(), s.Snapshot(), scope, time.Now())
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	a.logger.Info("Export complete", "dataset", datasetName, "scope", scope, "rows", art.Rows)
	printArtifacts(art)
	return nil
}

func runUsage(cmd *cobra.Command, args []string) error {
	a, err := setup(sessionName, io.Discard)
	if err != nil {
		return err
	}
	defer func() { _ = a.close() }()

	fmt.Print(a.curator.Accountant().Summary())
	return nil
}

func printArtifacts(art export.Artifacts) {
	fmt.Printf("Exported %d rows:\n", art.Rows)
	fmt.Printf("  %s\n  %s\n  %s\n", art.Tabular, art.Transcript, art.Manifest)
}

// listCheckpoints lists all available checkpoint sessions
func listCheckpoints(cmd *cobra.Command, args []string) error {
	sessions, err := workspace.ListSessions(outputDir)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No session directories found.")
		return nil
	}

	fmt.Println("Available sessions:")
	fmt.Println()
	fmt.Printf("%-35s %-12s %-18s %s\n", "SESSION", "CHECKPOINT", "ACTIVE", "FINALIZED")
	fmt.Println(strings.Repeat("-", 80))

	for _, name := range sessions {
		status, active, finalized := "No", "N/A", "-"
		if cp, err := checkpoint.Load(filepath.Join(outputDir, name), slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
			status = "Yes"
			if cp.Active != "" {
				active = string(cp.Active)
			}
			finalized = fmt.Sprint(checkpoint.GetFinalizedCount(cp))
		}
		fmt.Printf("%-35s %-12s %-18s %s\n", name, status, active, finalized)
	}
	return nil
}

// inspectCheckpoint displays detailed information about a checkpoint
func inspectCheckpoint(cmd *cobra.Command, args []string) error {
	sessionDir := args[0]

	// SECURITY: Validate session path to prevent path traversal (CWE-22)
	if err := workspace.ValidateSessionPath(outputDir, sessionDir); err != nil {
		return fmt.Errorf("invalid session directory: %w", err)
	}

	fullPath := filepath.Join(outputDir, sessionDir)
	if _, err := os.Stat(fullPath); os.IsNotExist(err) {
		return fmt.Errorf("session directory not found: %s", sessionDir)
	}

	cp, err := checkpoint.Load(fullPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}

	fmt.Printf("Checkpoint Information for: %s\n", sessionDir)
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Session ID:          %s\n", cp.SessionID)
	fmt.Printf("Created At:          %s\n", cp.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Last Saved At:       %s\n", cp.LastSavedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Active Dataset:      %s\n", cp.Active)
	fmt.Printf("Config Hash:         %s\n", cp.ConfigHash)
	fmt.Println()

	fmt.Println("Datasets:")
	for _, p := range checkpoint.GetDatasetProgress(cp) {
		fmt.Printf("  %-18s generated %d, finalized %d, cursor %d\n", p.Kind, p.Generated, p.Finalized, p.Cursor)
	}
	fmt.Println()

	fmt.Println("Token Usage:")
	fmt.Printf("  Calls:             %d\n", len(cp.Calls))
	fmt.Printf("  Prompt Tokens:     %d\n", cp.Totals.Grand.PromptTokens)
	fmt.Printf("  Completion Tokens: %d\n", cp.Totals.Grand.CompletionTokens)
	fmt.Printf("  Total Tokens:      %d\n", cp.Totals.Grand.TotalTokens)
	fmt.Println()

	fmt.Println("To resume this session, run:")
	fmt.Printf("  sftcurator tui --session %s\n", sessionDir)
	fmt.Printf("  OR set resume_from_session = \"%s\" in config.toml\n", sessionDir)
	return nil
}
