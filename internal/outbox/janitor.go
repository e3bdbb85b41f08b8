package outbox

import (
	"context"
	"time"

	"github.com/matheus3301/tgcrm/internal/blob"
	"github.com/matheus3301/tgcrm/internal/store"
	"github.com/shirou/gopsutil/v3/disk"
	"go.uber.org/zap"
)

// Disk usage above which the janitor purges more aggressively.
const diskCriticalPercent = 80.0

// Janitor removes terminal outbox entries past the retention window,
// along with the attachments they referenced.
type Janitor struct {
	db        *store.DB
	blobs     blob.Store
	retention time.Duration
	interval  time.Duration
	dataDir   string
	logger    *zap.Logger
	now       func() time.Time
	usage     func(ctx context.Context, path string) (float64, error)
}

// NewJanitor creates a janitor. dataDir is the volume watched for free space.
func NewJanitor(db *store.DB, blobs blob.Store, retention, interval time.Duration, dataDir string, logger *zap.Logger) *Janitor {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{
		db:        db,
		blobs:     blobs,
		retention: retention,
		interval:  interval,
		dataDir:   dataDir,
		logger:    logger,
		now:       time.Now,
		usage:     diskUsage,
	}
}

func diskUsage(ctx context.Context, path string) (float64, error) {
	st, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return st.UsedPercent, nil
}

// Sweep purges once and returns how many entries were removed.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	retention := j.retention
	if j.dataDir != "" {
		used, err := j.usage(ctx, j.dataDir)
		switch {
		case err != nil:
			j.logger.Debug("disk usage unavailable", zap.Error(err))
		case used >= diskCriticalPercent:
			retention = min(retention, 24*time.Hour)
			j.logger.Warn("disk usage critical, shortening outbox retention",
				zap.Float64("used_percent", used),
				zap.Duration("retention", retention))
		}
	}

	cutoff := j.now().Add(-retention)
	const batch = 500
	total := 0
	for {
		purged, err := j.db.PurgeOutbox(ctx, cutoff, batch)
		if err != nil {
			return total, err
		}
		for i := range purged {
			key := attachmentKey(&purged[i])
			if key == "" || j.blobs == nil {
				continue
			}
			if err := j.blobs.Delete(ctx, key); err != nil {
				j.logger.Warn("delete attachment failed", zap.String("key", key), zap.Error(err))
			}
		}
		total += len(purged)
		if len(purged) < batch {
			break
		}
	}
	if total > 0 {
		j.logger.Info("outbox purged", zap.Int("entries", total), zap.Time("cutoff", cutoff))
	}
	return total, nil
}

// Run sweeps on every tick until ctx ends.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
			j.logger.Error("outbox sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
