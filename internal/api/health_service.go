package api

import (
	"context"
	"math"
	"net/http"
	"runtime"
	"time"

	"github.com/matheus3301/tgcrm/internal/search"
	"github.com/matheus3301/tgcrm/internal/store"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
)

// HealthService reports daemon liveness and host resources.
type HealthService struct {
	db       *store.DB
	searcher *search.Service
	dataDir  string
	started  time.Time
	logger   *zap.Logger
}

// NewHealthService creates a health service. dataDir is the path whose
// filesystem usage is reported.
func NewHealthService(db *store.DB, searcher *search.Service, dataDir string, logger *zap.Logger) *HealthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dataDir == "" {
		dataDir = "."
	}
	return &HealthService{db: db, searcher: searcher, dataDir: dataDir, started: time.Now(), logger: logger}
}

func (s *HealthService) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.health)
}

// Health is the /health response.
type Health struct {
	Status        string  `json:"status"` // ok | degraded
	Database      string  `json:"database"`
	Dialect       string  `json:"dialect"`
	SearchBackend string  `json:"searchBackend"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
	Goroutines    int     `json:"goroutines"`
	RAMPercent    float64 `json:"ramPercent"`
	DiskPercent   float64 `json:"diskPercent"`
	DiskWarning   string  `json:"diskWarning"` // safe | warning | critical
}

func (s *HealthService) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	h := Health{
		Status:        "ok",
		Database:      "ok",
		Dialect:       string(s.db.Dialect()),
		SearchBackend: "database",
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	if s.searcher != nil {
		h.SearchBackend = s.searcher.Backend()
	}
	if err := s.db.PingContext(ctx); err != nil {
		s.logger.Warn("health: database ping failed", zap.Error(err))
		h.Status, h.Database = "degraded", "unreachable"
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		h.RAMPercent = round2(vm.UsedPercent)
	}
	if du, err := disk.UsageWithContext(ctx, s.dataDir); err == nil {
		h.DiskPercent = round2(du.UsedPercent)
	}
	switch {
	case h.DiskPercent >= 80:
		h.DiskWarning = "critical"
	case h.DiskPercent >= 70:
		h.DiskWarning = "warning"
	default:
		h.DiskWarning = "safe"
	}

	status := http.StatusOK
	if h.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, h)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
