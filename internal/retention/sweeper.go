// Package retention implements the Retention Sweeper (C8): a periodic
// pass over every Artifact that deletes the kind-appropriate expired ones,
// both the file on disk and the store row, grounded on
// original_source's engine/artifact_cleanup.py and ticked the way
// Heikkila-Pty-Ltd-cortex's chief monitor loop structures a time.Ticker +
// context cancellation.
package retention

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/muckitymuck/erasure-executor/internal/metrics"
	"github.com/muckitymuck/erasure-executor/internal/store"
)

// Kind values a retention rule applies to (spec §4.7).
const (
	KindHTML         = "html"
	KindScreenshot   = "screenshot"
	KindConfirmation = "confirmation"
	KindReceipt      = "receipt"
)

// Config controls sweep cadence and per-kind retention, each in days. A
// negative value means "keep indefinitely" for that kind (spec §4.7).
type Config struct {
	ArtifactsRoot            string
	PollInterval             time.Duration
	HTMLRetentionDays        int
	ScreenshotRetentionDays  int
	ConfirmationRetentionDays int
}

// DefaultPollInterval matches spec.md §4.7's 86_400s default.
const DefaultPollInterval = 86_400 * time.Second

// Sweeper owns the periodic cleanup loop.
type Sweeper struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger
}

// New builds a Sweeper. A zero PollInterval is replaced with
// DefaultPollInterval.
func New(s *store.Store, cfg Config, logger *slog.Logger) *Sweeper {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{store: s, cfg: cfg, logger: logger}
}

// Run blocks, ticking CleanupOnce every PollInterval until ctx is
// canceled.
func (sw *Sweeper) Run(ctx context.Context) {
	sw.logger.Info("retention sweeper started", "interval", sw.cfg.PollInterval)
	ticker := time.NewTicker(sw.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("retention sweeper stopped")
			return
		case <-ticker.C:
			counts, err := sw.CleanupOnce()
			if err != nil {
				sw.logger.Error("retention sweeper pass failed", "error", err)
				continue
			}
			if counts.TotalFiles > 0 {
				sw.logger.Info("retention sweeper completed",
					"html", counts.HTML, "screenshot", counts.Screenshot,
					"confirmation", counts.Confirmation, "files", counts.TotalFiles)
			}
		}
	}
}

// Counts tallies one cleanup pass's deletions by kind.
type Counts struct {
	HTML         int
	Screenshot   int
	Confirmation int
	TotalFiles   int
}

// CleanupOnce runs a single sweep pass over every Artifact across every
// run (spec §4.7). It is exported so callers (tests, a manual trigger) can
// run it outside the ticker loop. A kind with negative retention is never
// queried ("keep indefinitely").
func (sw *Sweeper) CleanupOnce() (Counts, error) {
	var counts Counts

	kindDays := []struct {
		kind string
		days int
	}{
		{KindHTML, sw.cfg.HTMLRetentionDays},
		{KindScreenshot, sw.cfg.ScreenshotRetentionDays},
		{KindConfirmation, sw.cfg.ConfirmationRetentionDays},
		{KindReceipt, sw.cfg.ConfirmationRetentionDays},
	}

	for _, kd := range kindDays {
		if kd.days < 0 {
			continue
		}
		expired, err := sw.store.ListArtifactsOlderThan(kd.kind, kd.days)
		if err != nil {
			return counts, fmt.Errorf("retention: list expired %s artifacts: %w", kd.kind, err)
		}

		for _, a := range expired {
			if !sw.deleteFile(a.URI) {
				// Retained on disk-delete failure per spec §4.7: "the row
				// is kept if the file remains." A missing file is NOT a
				// failure here (see deleteFile) and falls through to row
				// deletion.
				continue
			}
			if err := sw.store.DeleteArtifact(a.ArtifactID); err != nil {
				sw.logger.Error("retention: delete artifact row failed", "artifact_id", a.ArtifactID, "error", err)
				continue
			}

			counts.TotalFiles++
			metrics.RecordArtifactSwept(kd.kind)
			switch kd.kind {
			case KindHTML:
				counts.HTML++
			case KindScreenshot:
				counts.Screenshot++
			case KindConfirmation, KindReceipt:
				counts.Confirmation++
			}
		}
	}

	return counts, nil
}

// deleteFile removes the on-disk artifact at uri (relative to
// ArtifactsRoot) and reports whether the row is now safe to drop. A file
// that is already gone is treated as already-deleted (the redesigned
// behavior, DESIGN.md Open Question (c)): it returns true so the dangling
// row is removed too, rather than leaking it forever. A real I/O failure
// (permissions, busy mount) returns false so the row is retained for the
// next pass.
func (sw *Sweeper) deleteFile(uri string) bool {
	path := filepath.Join(sw.cfg.ArtifactsRoot, uri)
	err := os.Remove(path)
	if err == nil || os.IsNotExist(err) {
		return true
	}
	sw.logger.Warn("retention: delete file failed", "path", path, "error", err)
	return false
}
