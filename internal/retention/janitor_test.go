package retention_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/discosat/satop-platform/internal/retention"
	"github.com/discosat/satop-platform/internal/syslog"
)

func TestSweepRemovesOrphansKeepsReferenced(t *testing.T) {
	sl, err := syslog.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer sl.Close()
	ctx := context.Background()

	record, err := sl.Put(ctx, strings.NewReader("keep me"), "keep.txt")
	if err != nil {
		t.Fatal(err)
	}

	dir := sl.ArtifactDir()
	old := time.Now().Add(-2 * time.Hour)

	// An orphaned blob and a stale staged upload, both past the grace
	// period.
	orphan := filepath.Join(dir, strings.Repeat("ef", 20))
	if err := os.WriteFile(orphan, []byte("orphan"), 0o644); err != nil {
		t.Fatal(err)
	}
	staged := filepath.Join(dir, ".upload-12345")
	if err := os.WriteFile(staged, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, p := range []string{orphan, staged} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}

	// A fresh unreferenced blob inside the grace period must survive.
	fresh := filepath.Join(dir, strings.Repeat("ab", 20))
	if err := os.WriteFile(fresh, []byte("in flight"), 0o644); err != nil {
		t.Fatal(err)
	}

	j := retention.NewJanitor(sl, time.Hour)
	stats := j.Sweep(ctx)

	if stats.OrphanedBlobs != 1 || stats.StagedUploads != 1 || stats.Errors != 0 {
		t.Errorf("stats = %+v", stats)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned blob survived the sweep")
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Error("staged upload survived the sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh blob was removed inside the grace period")
	}
	if _, _, err := sl.Get(ctx, record.SHA1); err != nil {
		t.Errorf("referenced artifact unreadable after sweep: %v", err)
	}
}
