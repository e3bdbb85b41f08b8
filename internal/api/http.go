// Package api is the daemon's HTTP JSON surface.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/matheus3301/tgcrm/internal/classify"
	"github.com/matheus3301/tgcrm/internal/outbox"
	"github.com/matheus3301/tgcrm/internal/store"
	intsync "github.com/matheus3301/tgcrm/internal/sync"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies; base64 attachments dominate.
const maxBodyBytes = 32 << 20

// Routes is implemented by each service to register its handlers.
type Routes interface {
	Register(mux *http.ServeMux)
}

// NewHandler mounts services on one mux behind request logging and panic
// recovery.
func NewHandler(logger *zap.Logger, services ...Routes) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	for _, s := range services {
		s.Register(mux)
	}
	return withLogging(logger, mux)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func withLogging(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				logger.Error("handler panic", zap.String("path", r.URL.Path), zap.Any("panic", p))
				writeError(rec, http.StatusInternalServerError, "internal error")
			}
			logger.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Duration("elapsed", time.Since(start)))
		}()
		next.ServeHTTP(rec, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeErr maps domain errors to status codes. Unknown errors are logged
// and reported as 500 without their text.
func writeErr(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, intsync.ErrAlreadyRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, intsync.ErrNotRunning):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, outbox.ErrInvalid), errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, classify.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return badRequest("empty body")
	}
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return badRequest("invalid body: %v", err)
	}
	return nil
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def, maxVal int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("invalid %s", name)
	}
	if maxVal > 0 && n > maxVal {
		n = maxVal
	}
	return n, nil
}

func millis(ms int64) *time.Time {
	if ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
