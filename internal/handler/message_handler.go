package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/dmnotify/internal/messaging"
	"github.com/hitoshi/dmnotify/internal/middleware"
	"github.com/hitoshi/dmnotify/internal/model"
	"github.com/hitoshi/dmnotify/internal/security"
)

// MessageServiceInterface はメッセージハンドラーが必要とするサービスインターフェース。
type MessageServiceInterface interface {
	Send(ctx context.Context, in messaging.SendInput) (*model.Message, error)
	List(ctx context.Context, conversationID string, opts messaging.ListOptions) ([]*model.Message, error)
	MarkRead(ctx context.Context, conversationID, readerID string) (int, error)
}

// MessageHandler はメッセージのHTTPハンドラー。
type MessageHandler struct {
	service MessageServiceInterface
}

// NewMessageHandler はMessageHandlerを生成する。
func NewMessageHandler(service MessageServiceInterface) *MessageHandler {
	return &MessageHandler{service: service}
}

type sendMessageRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	SenderID       string `json:"sender_id" validate:"required"`
	Content        string `json:"content"`
	AttachmentURL  string `json:"attachment_url,omitempty" validate:"omitempty,url"`
}

type markReadRequest struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	ReaderID       string `json:"reader_id" validate:"required"`
}

type messageResponse struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id"`
	Content        string    `json:"content"`
	ContentHTML    string    `json:"content_html"`
	AttachmentURL  string    `json:"attachment_url,omitempty"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

func toMessageResponse(m *model.Message) messageResponse {
	return messageResponse{
		ID:             m.ID,
		Seq:            m.Seq,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		ContentHTML:    security.RenderHTML(m.Content),
		AttachmentURL:  m.AttachmentURL,
		Read:           m.Read,
		CreatedAt:      m.CreatedAt,
	}
}

// SendMessage はメッセージを送信する。
// POST /api/messages
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !authorizeActor(w, r, req.SenderID) {
		return
	}

	msg, err := h.service.Send(r.Context(), messaging.SendInput{
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		Content:        req.Content,
		AttachmentURL:  req.AttachmentURL,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toMessageResponse(msg))
}

// ListMessages は会話のメッセージを古い順に返す。
// 認証済みの場合は認証ユーザー、未認証の場合はuser_idが指定されていればそのユーザーを閲覧者とし、
// 参加者以外には404を返す。
// GET /api/messages?conversation_id=&user_id=&after_seq=&limit=
func (h *MessageHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	conversationID, ok := requireQuery(w, r, "conversation_id")
	if !ok {
		return
	}
	viewerID := r.URL.Query().Get("user_id")
	if viewerID != "" && !authorizeActor(w, r, viewerID) {
		return
	}
	if userID, err := middleware.UserIDFromContext(r.Context()); err == nil {
		viewerID = userID
	}
	afterSeq, ok := optionalIntQuery(w, r, "after_seq", 0)
	if !ok {
		return
	}
	limit, ok := optionalIntQuery(w, r, "limit", 0)
	if !ok {
		return
	}

	msgs, err := h.service.List(r.Context(), conversationID, messaging.ListOptions{
		ViewerID: viewerID,
		AfterSeq: afterSeq,
		Limit:    int(limit),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		resp = append(resp, toMessageResponse(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

// MarkRead は読者宛ての未読メッセージを既読にし、未読数を0に戻す。
// POST /api/messages/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !authorizeActor(w, r, req.ReaderID) {
		return
	}

	updated, err := h.service.MarkRead(r.Context(), req.ConversationID, req.ReaderID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}
