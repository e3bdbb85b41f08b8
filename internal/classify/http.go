package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTP calls a classifier service that accepts an Input as JSON and
// answers with a Result document.
type HTTP struct {
	url       string
	client    *http.Client
	validator *Validator
	logger    *zap.Logger
}

// NewHTTP creates an HTTP classifier.
func NewHTTP(url string, timeout time.Duration, logger *zap.Logger) (*HTTP, error) {
	v, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP{
		url:       strings.TrimRight(url, "/"),
		client:    &http.Client{Timeout: timeout},
		validator: v,
		logger:    logger,
	}, nil
}

func (h *HTTP) Classify(ctx context.Context, in Input) (*Result, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: classifier returned %d", ErrUnavailable, resp.StatusCode)
	}
	r, err := h.validator.Decode(raw)
	if err != nil {
		h.logger.Warn("classifier output rejected", zap.Int64("conversation", in.ConversationID), zap.Error(err))
		return nil, err
	}
	return r, nil
}
