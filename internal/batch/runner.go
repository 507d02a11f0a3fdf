// Package batch generates candidates for many records of one dataset with
// bounded concurrency.
package batch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/lamim/sftcurator/internal/curation"
	"github.com/lamim/sftcurator/pkg/models"
)

// Options controls a batch run
type Options struct {
	Concurrency int  // Parallel generations (minimum 1)
	OnlyEmpty   bool // Skip records that already have a candidate
}

// Runner drives Session.Generate over a dataset
type Runner struct {
	logger *slog.Logger
	out    io.Writer // progress bar target
}

// NewRunner creates a runner that draws its progress bar on out
func NewRunner(logger *slog.Logger, out io.Writer) *Runner {
	if out == nil {
		out = io.Discard
	}
	return &Runner{
		logger: logger.With("component", "batch"),
		out:    out,
	}
}

// Run generates every pending record of the session. Finalized records are
// always skipped. A failed record is counted and logged and the batch goes on;
// only cancellation of ctx ends the run early.
func (r *Runner) Run(ctx context.Context, s *curation.Session, opts Options) (models.SessionStats, error) {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	stats := models.SessionStats{StartTime: time.Now()}
	var pending []string
	for _, rec := range s.Records() {
		slot, err := s.Slot(rec.ID)
		if err != nil {
			return stats, err
		}
		if slot.Status == models.StatusFinalized || (opts.OnlyEmpty && slot.Status != models.StatusEmpty) {
			stats.SkippedCount++
			continue
		}
		pending = append(pending, rec.ID)
	}
	stats.TotalRecords = len(pending) + stats.SkippedCount

	r.logger.Info("Starting batch generation",
		"dataset", s.Kind(),
		"pending", len(pending),
		"skipped", stats.SkippedCount,
		"concurrency", opts.Concurrency)

	if len(pending) == 0 {
		stats.EndTime = time.Now()
		stats.TotalDuration = stats.EndTime.Sub(stats.StartTime)
		return stats, nil
	}

	bar := progressbar.NewOptions(len(pending),
		progressbar.OptionSetWriter(r.out),
		progressbar.OptionSetDescription("Generating "+string(s.Kind())),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)

	var (
		mu      sync.Mutex
		elapsed time.Duration
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for _, id := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			start := time.Now()
			_, err := s.Generate(gctx, id)
			took := time.Since(start)

			mu.Lock()
			switch {
			case err == nil:
				stats.SuccessCount++
				elapsed += took
			case errors.Is(err, curation.ErrGenerationInProgress):
				stats.SkippedCount++
			default:
				stats.FailureCount++
				r.logger.Error("Record failed", "record_id", id, "error", err)
			}
			mu.Unlock()

			_ = bar.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	_ = bar.Finish()

	stats.EndTime = time.Now()
	stats.TotalDuration = stats.EndTime.Sub(stats.StartTime)
	if stats.SuccessCount > 0 {
		stats.AverageDuration = elapsed / time.Duration(stats.SuccessCount)
	}

	r.logger.Info("Batch generation finished",
		"dataset", s.Kind(),
		"success", stats.SuccessCount,
		"failed", stats.FailureCount,
		"skipped", stats.SkippedCount,
		"duration", stats.TotalDuration)

	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("batch interrupted: %w", err)
	}
	return stats, nil
}
