// Package retention keeps the artifact directory tidy. Artifact writes
// are blob-first, so a crash between the blob rename and the database
// insert leaves an orphaned blob, and an interrupted upload leaves a
// staged temp file. The janitor sweeps both on an interval.
//
// Sweeps are fail-safe: a blob is only removed once it is older than
// the grace period and provably absent from the artifact table.
package retention

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/discosat/satop-platform/internal/syslog"
)

// DefaultGracePeriod is how old an unreferenced file must be before the
// janitor removes it. Generous so in-flight uploads are never touched.
const DefaultGracePeriod = time.Hour

// SweepStats counts what a single sweep removed.
type SweepStats struct {
	OrphanedBlobs int
	StagedUploads int
	Errors        int
}

// Janitor periodically reconciles the blob directory against the
// artifact table.
type Janitor struct {
	syslog   *syslog.Syslog
	interval time.Duration
	grace    time.Duration
}

// NewJanitor creates a janitor sweeping on interval. Intervals under a
// minute are raised to an hour.
func NewJanitor(sl *syslog.Syslog, interval time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	return &Janitor{syslog: sl, interval: interval, grace: DefaultGracePeriod}
}

// Start runs the sweep loop until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().Dur("interval", j.interval).Msg("artifact janitor started")
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("artifact janitor stopped")
			return
		case <-ticker.C:
			stats := j.Sweep(ctx)
			if stats.OrphanedBlobs > 0 || stats.StagedUploads > 0 || stats.Errors > 0 {
				log.Info().Int("orphaned", stats.OrphanedBlobs).Int("staged", stats.StagedUploads).
					Int("errors", stats.Errors).Msg("artifact sweep finished")
			}
		}
	}
}

// Sweep runs one reconciliation pass.
func (j *Janitor) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats

	records, err := j.syslog.List(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("artifact sweep cannot list records")
		stats.Errors++
		return stats
	}
	known := make(map[string]bool, len(records))
	for _, r := range records {
		known[r.SHA1] = true
	}

	dir := j.syslog.ArtifactDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("artifact sweep cannot read blob dir")
		stats.Errors++
		return stats
	}

	cutoff := time.Now().Add(-j.grace)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		name := entry.Name()

		switch {
		case strings.HasPrefix(name, ".upload-"):
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				stats.Errors++
				continue
			}
			stats.StagedUploads++
		case !known[name]:
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				stats.Errors++
				continue
			}
			log.Debug().Str("blob", name).Msg("removed orphaned artifact blob")
			stats.OrphanedBlobs++
		}
	}
	return stats
}
