package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/matheus3301/tgcrm/internal/blob"
	"github.com/matheus3301/tgcrm/internal/outbox"
	"github.com/matheus3301/tgcrm/internal/search"
	"github.com/matheus3301/tgcrm/internal/store"
	"go.uber.org/zap"
)

// MessageService serves message pages, outbound sends, reactions, outbox
// inspection and search.
type MessageService struct {
	db       *store.DB
	queue    *outbox.Queue
	blobs    blob.Store
	searcher *search.Service
	logger   *zap.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(db *store.DB, queue *outbox.Queue, blobs blob.Store, searcher *search.Service, logger *zap.Logger) *MessageService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageService{db: db, queue: queue, blobs: blobs, searcher: searcher, logger: logger}
}

func (s *MessageService) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /conversations/{id}/messages", s.listMessages)
	mux.HandleFunc("POST /conversations/{id}/send", s.send)
	mux.HandleFunc("POST /conversations/{id}/reactions", s.react)
	mux.HandleFunc("GET /outbox/{entryId}", s.getEntry)
	mux.HandleFunc("POST /outbox/{entryId}/retry", s.retryEntry)
	mux.HandleFunc("GET /search", s.search)
}

// ReactionView is one reaction on a message.
type ReactionView struct {
	SenderID string `json:"senderId"`
	Emoji    string `json:"emoji"`
}

// MessageView is the JSON form of a message.
type MessageView struct {
	ID             int64           `json:"id"`
	ConversationID int64           `json:"conversationId"`
	ExternalID     int64           `json:"externalId"`
	Direction      string          `json:"direction"`
	SenderID       string          `json:"senderId"`
	SenderName     string          `json:"senderName"`
	Body           string          `json:"body"`
	ContentType    string          `json:"contentType"`
	Attachment     json.RawMessage `json:"attachment,omitempty"`
	Status         string          `json:"status"`
	SentAt         *time.Time      `json:"sentAt"`
	DeliveredAt    *time.Time      `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time      `json:"readAt,omitempty"`
	EditedAt       *time.Time      `json:"editedAt,omitempty"`
	Reactions      []ReactionView  `json:"reactions"`
}

func messageView(m *store.Message, reactions []store.Reaction) MessageView {
	v := MessageView{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		ExternalID:     m.ExternalID,
		Direction:      m.Direction,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Body:           m.Body,
		ContentType:    m.ContentType,
		Status:         m.Status,
		SentAt:         millis(m.SentAt),
		DeliveredAt:    millis(m.DeliveredAt),
		ReadAt:         millis(m.ReadAt),
		EditedAt:       millis(m.EditedAt),
		Reactions:      make([]ReactionView, 0, len(reactions)),
	}
	if m.Attachment != "" && json.Valid([]byte(m.Attachment)) {
		v.Attachment = json.RawMessage(m.Attachment)
	}
	for _, r := range reactions {
		v.Reactions = append(v.Reactions, ReactionView{SenderID: r.SenderID, Emoji: r.Emoji})
	}
	return v
}

// listMessages returns one page newest first. before is the id of the
// oldest message the caller already holds.
func (s *MessageService) listMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r, "id")
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	limit, err := queryInt(r, "limit", 50, 200)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	if limit == 0 {
		limit = 50
	}
	before, err := queryInt(r, "before", 0, 0)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	if _, err := s.db.GetConversation(ctx, id); err != nil {
		writeErr(w, s.logger, err)
		return
	}

	var cur store.MessageCursor
	if before > 0 {
		anchor, err := s.db.GetMessage(ctx, int64(before))
		if err != nil || anchor.ConversationID != id {
			writeErr(w, s.logger, badRequest("unknown before message %d", before))
			return
		}
		cur = store.MessageCursor{BeforeSentAt: anchor.SentAt, BeforeID: anchor.ID}
	}

	// One extra row tells whether an older page exists.
	msgs, err := s.db.ListMessages(ctx, id, cur, limit+1)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	out := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		reactions, err := s.db.ListReactions(ctx, msgs[i].ID)
		if err != nil {
			writeErr(w, s.logger, err)
			return
		}
		out = append(out, messageView(&msgs[i], reactions))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out, "hasMore": hasMore})
}

type attachmentRequest struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type sendRequest struct {
	Text       string             `json:"text"`
	ReplyTo    int64              `json:"replyTo"`
	Attachment *attachmentRequest `json:"attachment"`
}

// EntryView is the JSON form of an outbox entry.
type EntryView struct {
	ID                string     `json:"id"`
	ConversationID    int64      `json:"conversationId"`
	Kind              string     `json:"kind"`
	Status            string     `json:"status"`
	Attempts          int        `json:"attempts"`
	NextAttemptAt     *time.Time `json:"nextAttemptAt,omitempty"`
	LastError         string     `json:"lastError,omitempty"`
	ExternalMessageID int64      `json:"externalMessageId,omitempty"`
	CreatedAt         *time.Time `json:"createdAt"`
}

func entryView(e *store.OutboxEntry) EntryView {
	return EntryView{
		ID:                e.EntryID,
		ConversationID:    e.ConversationID,
		Kind:              e.Kind,
		Status:            e.Status,
		Attempts:          e.Attempts,
		NextAttemptAt:     millis(e.NextAttemptAt),
		LastError:         e.LastError,
		ExternalMessageID: e.ExternalMessageID,
		CreatedAt:         millis(e.CreatedAt),
	}
}

func (s *MessageService) send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r, "id")
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	var req sendRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" && req.Attachment == nil {
		writeErr(w, s.logger, badRequest("text or attachment is required"))
		return
	}
	if _, err := s.db.GetConversation(ctx, id); err != nil {
		writeErr(w, s.logger, err)
		return
	}

	payload := outbox.MessagePayload{Text: req.Text, ReplyToID: req.ReplyTo}
	if req.Attachment != nil {
		att, err := s.storeAttachment(r, req.Attachment)
		if err != nil {
			writeErr(w, s.logger, err)
			return
		}
		payload.Attachment = att
	}

	e, err := s.queue.EnqueueMessage(ctx, id, payload)
	if err != nil {
		if payload.Attachment != nil {
			_ = s.blobs.Delete(ctx, payload.Attachment.Key)
		}
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"message": map[string]string{"id": e.EntryID, "status": e.Status}})
}

func (s *MessageService) storeAttachment(r *http.Request, a *attachmentRequest) (*outbox.Attachment, error) {
	if strings.TrimSpace(a.Name) == "" {
		return nil, badRequest("attachment name is required")
	}
	data, err := base64.StdEncoding.DecodeString(a.Data)
	if err != nil {
		return nil, badRequest("attachment data is not base64")
	}
	if len(data) == 0 {
		return nil, badRequest("attachment is empty")
	}
	mime := a.MimeType
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	key := blob.NewKey(a.Name)
	if err := s.blobs.Put(r.Context(), key, bytes.NewReader(data), int64(len(data)), mime); err != nil {
		return nil, err
	}
	return &outbox.Attachment{Key: key, Name: a.Name, MimeType: mime, Size: int64(len(data))}, nil
}

type reactRequest struct {
	MessageID int64  `json:"messageId"`
	Emoji     string `json:"emoji"`
	Remove    bool   `json:"remove"`
}

func (s *MessageService) react(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	var req reactRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, s.logger, err)
		return
	}
	if req.MessageID <= 0 {
		writeErr(w, s.logger, badRequest("messageId is required"))
		return
	}
	e, err := s.queue.EnqueueReaction(r.Context(), id, outbox.ReactionPayload{
		MessageID: req.MessageID,
		Emoji:     req.Emoji,
		Remove:    req.Remove,
	})
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"reaction": map[string]string{"id": e.EntryID, "status": e.Status}})
}

func (s *MessageService) getEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.queue.Get(r.Context(), r.PathValue("entryId"))
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entry": entryView(e)})
}

func (s *MessageService) retryEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.queue.Retry(r.Context(), r.PathValue("entryId"))
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"entry": entryView(e)})
}

func (s *MessageService) search(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 20, 100)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	convID, err := queryInt(r, "conversationId", 0, 0)
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	results, err := s.searcher.Search(r.Context(), search.Query{
		Text:           r.URL.Query().Get("q"),
		ConversationID: int64(convID),
		Limit:          limit,
	})
	if err != nil {
		writeErr(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "backend": s.searcher.Backend()})
}
