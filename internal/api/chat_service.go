package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/matheus3301/tgcrm/internal/classify"
	"github.com/matheus3301/tgcrm/internal/store"
	intsync "github.com/matheus3301/tgcrm/internal/sync"
	"go.uber.org/zap"
)

// ChatService serves conversation listing, settings and classification.
type ChatService struct {
	db         *store.DB
	engine     *intsync.Engine
	classifier *classify.Service
	logger     *zap.Logger
}

// NewChatService creates a new chat service backed by the store.
func NewChatService(db *store.DB, engine *intsync.Engine, classifier *classify.Service, logger *zap.Logger) *ChatService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatService{db: db, engine: engine, classifier: classifier, logger: logger}
}

func (s *ChatService) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /conversations", s.list)
	mux.HandleFunc("GET /conversations/{id}", s.get)
	mux.HandleFunc("PATCH /conversations/{id}", s.patch)
	mux.HandleFunc("POST /conversations/{id}/classify", s.classify)
}

// ConversationView is the JSON form of a conversation.
type ConversationView struct {
	ID                  int64           `json:"id"`
	ExternalID          string          `json:"externalId"`
	Title               string          `json:"title"`
	Type                string          `json:"type"`
	LastMessageAt       *time.Time      `json:"lastMessageAt"`
	LastSyncedAt        *time.Time      `json:"lastSyncedAt"`
	LastSyncedMessageID int64           `json:"lastSyncedMessageId"`
	SyncDisabled        bool            `json:"syncDisabled"`
	Metadata            json.RawMessage `json:"metadata"`
}

func conversationView(c *store.Conversation) ConversationView {
	meta := json.RawMessage(c.Metadata)
	if !json.Valid(meta) {
		meta = json.RawMessage(`{}`)
	}
	return ConversationView{
		ID:                  c.ID,
		ExternalID:          c.ExternalID,
		Title:               c.Title,
		Type:                c.Type,
		LastMessageAt:       millis(c.LastMessageAt),
		LastSyncedAt:        millis(c.LastSyncedAt),
		LastSyncedMessageID: c.LastSyncedMessageID,
		SyncDisabled:        c.SyncDisabled,
		Metadata:            meta,
	}
}

func (s *ChatService) list(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50, 500)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	offset, err := queryInt(r, "offset", 0, 0)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	convs, err := s.db.ListConversations(r.Context(), limit, offset)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	out := make([]ConversationView, 0, len(convs))
	for i := range convs {
		out = append(out, conversationView(&convs[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out, "hasMore": len(convs) == limit})
}

func (s *ChatService) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	c, err := s.db.GetConversation(r.Context(), id)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conversationView(c)})
}

type patchRequest struct {
	Notes        *string `json:"notes"`
	SyncDisabled *bool   `json:"syncDisabled"`
}

func (s *ChatService) patch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	var req patchRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	ctx := r.Context()
	if _, err := s.db.GetConversation(ctx, id); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	if req.Notes != nil {
		var v any = *req.Notes
		if *req.Notes == "" {
			v = nil
		}
		if _, err := s.db.PatchMetadata(ctx, id, map[string]any{"notes": v}); err != nil {
			writeErr(w, s.logger, err)
			return
		}
	}
	if req.SyncDisabled != nil {
		if err := s.engine.SetSyncDisabled(ctx, id, *req.SyncDisabled); err != nil {
			writeErr(w, s.logger, err)
			return
		}
	}
	c, err := s.db.GetConversation(ctx, id)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conversationView(c)})
}

func (s *ChatService) classify(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	res, err := s.classifier.ClassifyConversation(r.Context(), id)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"classification": res})
}
