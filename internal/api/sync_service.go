package api

import (
	"net/http"
	"time"

	"github.com/matheus3301/tgcrm/internal/status"
	"github.com/matheus3301/tgcrm/internal/store"
	intsync "github.com/matheus3301/tgcrm/internal/sync"
	"go.uber.org/zap"
)

// SyncService exposes sync status and the start/cancel controls.
type SyncService struct {
	controller *intsync.Controller
	reporter   *status.Reporter
	logger     *zap.Logger
}

// NewSyncService creates a new sync service.
func NewSyncService(controller *intsync.Controller, reporter *status.Reporter, logger *zap.Logger) *SyncService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncService{controller: controller, reporter: reporter, logger: logger}
}

func (s *SyncService) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /sync/status", s.getStatus)
	mux.HandleFunc("POST /sync/global", s.startGlobal)
	mux.HandleFunc("DELETE /sync/global", s.cancelGlobal)
	mux.HandleFunc("POST /sync/conversation/{id}", s.startSingle)
}

// RunView is the JSON form of a started run.
type RunView struct {
	ID             int64      `json:"id"`
	Kind           string     `json:"kind"`
	ConversationID int64      `json:"conversationId,omitempty"`
	Status         string     `json:"status"`
	WorkerID       string     `json:"workerId"`
	StartedAt      *time.Time `json:"startedAt"`
}

func runView(r *store.SyncRun) RunView {
	return RunView{
		ID:             r.ID,
		Kind:           r.Kind,
		ConversationID: r.ConversationID,
		Status:         r.Status,
		WorkerID:       r.WorkerID,
		StartedAt:      millis(r.StartedAt),
	}
}

func (s *SyncService) getStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.reporter.Snapshot(r.Context())
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *SyncService) startGlobal(w http.ResponseWriter, r *http.Request) {
	run, err := s.controller.StartGlobal(r.Context())
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": runView(run)})
}

func (s *SyncService) cancelGlobal(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.CancelGlobal(r.Context()); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"cancelRequested": true})
}

func (s *SyncService) startSingle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	run, err := s.controller.StartSingle(r.Context(), id)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": runView(run)})
}
