package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/matheus3301/tgcrm/internal/store"
	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

var errUnhealthy = errors.New("search: meilisearch unhealthy")

// Document is the indexed form of a message.
type Document struct {
	ID             int64  `json:"id"`
	ConversationID int64  `json:"conversationId"`
	ExternalID     int64  `json:"externalId"`
	Direction      string `json:"direction"`
	SenderName     string `json:"senderName"`
	Body           string `json:"body"`
	SentAt         int64  `json:"sentAt"`
}

// DocumentFrom converts a stored message.
func DocumentFrom(m *store.Message) Document {
	return Document{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		ExternalID:     m.ExternalID,
		Direction:      m.Direction,
		SenderName:     m.SenderName,
		Body:           m.Body,
		SentAt:         m.SentAt,
	}
}

// Meili searches and indexes messages in Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	index   string
	logger  *zap.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects to Meilisearch and configures the index. An unreachable
// server is not an error; the client reports unhealthy until it recovers.
func NewMeili(url, apiKey, index string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	if index == "" {
		index = "tgcrm_messages"
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		index:  index,
		logger: logger,
		done:   make(chan struct{}),
	}
	if _, err := m.client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", zap.String("url", url), zap.Error(err))
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}
	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: m.index, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.String("index", m.index), zap.Error(err))
	}
	idx := m.client.Index(m.index)
	filterable := []interface{}{"conversationId", "direction"}
	if _, err := idx.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"body", "senderName"}
	if _, err := idx.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.Error(err))
	}
	sortable := []string{"sentAt"}
	if _, err := idx.UpdateSortableAttributes(&sortable); err != nil {
		m.logger.Warn("update sortable attributes", zap.Error(err))
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			was := m.healthy.Swap(err == nil)
			if err == nil && !was {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(_ context.Context, q Query) ([]Result, error) {
	if !m.healthy.Load() {
		return nil, errUnhealthy
	}
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 50
	}
	req := &meili.SearchRequest{
		IndexUID:              m.index,
		Query:                 q.Text,
		Limit:                 limit,
		AttributesToHighlight: []string{"body"},
		HighlightPreTag:       "<<",
		HighlightPostTag:      ">>",
		AttributesToCrop:      []string{"body"},
		CropLength:            24,
	}
	if q.ConversationID > 0 {
		req.Filter = fmt.Sprintf("conversationId = %d", q.ConversationID)
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{req}})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}
	var out []Result
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			out = append(out, hitToResult(hit))
		}
	}
	return out, nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		MessageID:      decodeInt(hit, "id"),
		ConversationID: decodeInt(hit, "conversationId"),
		ExternalID:     decodeInt(hit, "externalId"),
		SenderName:     decodeString(hit, "senderName"),
		Body:           decodeString(hit, "body"),
		SentAt:         decodeInt(hit, "sentAt"),
	}
	r.Snippet = r.Body
	if f := decodeFormatted(hit, "body"); f != "" {
		r.Snippet = f
	}
	return r
}

func decodeString(hit meili.Hit, key string) string {
	var s string
	if raw, ok := hit[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func decodeInt(hit meili.Hit, key string) int64 {
	var n int64
	if raw, ok := hit[key]; ok {
		_ = json.Unmarshal(raw, &n)
	}
	return n
}

func decodeFormatted(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	_ = json.Unmarshal(formatted[key], &s)
	return strings.TrimSpace(s)
}

// IndexMessages adds or replaces documents.
func (m *Meili) IndexMessages(_ context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	if !m.healthy.Load() {
		return errUnhealthy
	}
	_, err := m.client.Index(m.index).AddDocuments(docs, nil)
	return err
}

// DeleteMessage removes one document.
func (m *Meili) DeleteMessage(_ context.Context, id int64) error {
	if !m.healthy.Load() {
		return errUnhealthy
	}
	_, err := m.client.Index(m.index).DeleteDocument(fmt.Sprint(id), nil)
	return err
}
