package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/matheus3301/tgcrm/internal/bus"
	"go.uber.org/zap"
)

// DiscoveryResult counts what a discovery pass found.
type DiscoveryResult struct {
	Dialogs int
	Added   int
}

// Discoverer periodically enumerates the account's dialogs so chats that
// have been quiet since before the mirror existed still get a row.
type Discoverer struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger
}

// NewDiscoverer creates a discoverer running every interval (15m when zero).
func NewDiscoverer(engine *Engine, interval time.Duration, logger *zap.Logger) *Discoverer {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Discoverer{engine: engine, interval: interval, logger: logger}
}

// Discover runs one pass.
func (d *Discoverer) Discover(ctx context.Context) (DiscoveryResult, error) {
	dialogs, err := d.engine.platform.Dialogs(ctx)
	if err != nil {
		return DiscoveryResult{}, fmt.Errorf("list dialogs: %w", err)
	}
	res := DiscoveryResult{Dialogs: len(dialogs)}
	for _, dlg := range dialogs {
		created, err := d.engine.upsertDialog(ctx, dlg)
		if err != nil {
			return res, err
		}
		if created {
			res.Added++
		}
	}
	d.engine.bus.Emit(bus.SyncDiscovery, res)
	return res, nil
}

// Run discovers immediately and then on every tick until ctx ends.
func (d *Discoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		res, err := d.Discover(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			d.logger.Warn("dialog discovery failed", zap.Error(err))
		case err == nil:
			d.logger.Info("dialog discovery", zap.Int("dialogs", res.Dialogs), zap.Int("added", res.Added))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
