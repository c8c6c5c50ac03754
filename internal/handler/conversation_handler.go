package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dmnotify/internal/middleware"
	"github.com/hitoshi/dmnotify/internal/model"
)

// ConversationServiceInterface は会話ハンドラーが必要とするサービスインターフェース。
type ConversationServiceInterface interface {
	GetOrCreate(ctx context.Context, a, b string) (*model.Conversation, error)
	Get(ctx context.Context, id string) (*model.Conversation, error)
	ListForUser(ctx context.Context, userID string) ([]model.ConversationSummary, error)
}

// UnreadServiceInterface は未読数の合計を返すサービスインターフェース。
type UnreadServiceInterface interface {
	TotalUnread(ctx context.Context, userID string) (int, error)
}

// ConversationHandler は会話と未読数のHTTPハンドラー。
type ConversationHandler struct {
	conversations ConversationServiceInterface
	unread        UnreadServiceInterface
}

// NewConversationHandler はConversationHandlerを生成する。
func NewConversationHandler(conversations ConversationServiceInterface, unread UnreadServiceInterface) *ConversationHandler {
	return &ConversationHandler{
		conversations: conversations,
		unread:        unread,
	}
}

type createConversationRequest struct {
	ParticipantA string `json:"participant_a" validate:"required"`
	ParticipantB string `json:"participant_b" validate:"required"`
}

type userResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	IsOnline  bool   `json:"is_online"`
}

type conversationResponse struct {
	ID             string         `json:"id"`
	ParticipantIDs [2]string      `json:"participant_ids"`
	LastMessage    string         `json:"last_message"`
	LastMessageAt  time.Time      `json:"last_message_at"`
	UnreadCount    map[string]int `json:"unread_count"`
	CreatedAt      time.Time      `json:"created_at"`
}

type conversationSummaryResponse struct {
	conversationResponse
	OtherUser *userResponse `json:"other_user,omitempty"`
	MyUnread  int           `json:"my_unread"`
}

func toConversationResponse(c *model.Conversation) conversationResponse {
	unread := c.UnreadCount
	if unread == nil {
		unread = map[string]int{}
	}
	return conversationResponse{
		ID:             c.ID,
		ParticipantIDs: c.ParticipantIDs,
		LastMessage:    c.LastMessage,
		LastMessageAt:  c.LastMessageAt,
		UnreadCount:    unread,
		CreatedAt:      c.CreatedAt,
	}
}

func toUserResponse(u *model.User) *userResponse {
	if u == nil {
		return nil
	}
	return &userResponse{ID: u.ID, Name: u.Name, AvatarURL: u.AvatarURL, IsOnline: u.IsOnline}
}

// CreateConversation は2ユーザー間の会話を取得または作成する。
// POST /api/conversations
func (h *ConversationHandler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !authorizeActor(w, r, req.ParticipantA, req.ParticipantB) {
		return
	}

	conv, err := h.conversations.GetOrCreate(r.Context(), req.ParticipantA, req.ParticipantB)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

// GetConversation は会話を1件取得する。認証済みの場合は参加者のみ取得できる。
// GET /api/conversations/{id}
func (h *ConversationHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conv, err := h.conversations.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if userID, err := middleware.UserIDFromContext(r.Context()); err == nil && !conv.HasParticipant(userID) {
		handleServiceError(w, model.NewConversationNotFoundError(id))
		return
	}

	writeJSON(w, http.StatusOK, toConversationResponse(conv))
}

// ListConversations はユーザーの会話一覧を最終メッセージの新しい順に返す。
// GET /api/conversations?user_id=
func (h *ConversationHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireQuery(w, r, "user_id")
	if !ok || !authorizeActor(w, r, userID) {
		return
	}

	summaries, err := h.conversations.ListForUser(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]conversationSummaryResponse, 0, len(summaries))
	for i := range summaries {
		s := &summaries[i]
		resp = append(resp, conversationSummaryResponse{
			conversationResponse: toConversationResponse(&s.Conversation),
			OtherUser:            toUserResponse(s.OtherUser),
			MyUnread:             s.MyUnread,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// TotalUnread はユーザーが参加する全会話の未読数の合計を返す。
// GET /api/unread/total?user_id=
func (h *ConversationHandler) TotalUnread(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireQuery(w, r, "user_id")
	if !ok || !authorizeActor(w, r, userID) {
		return
	}

	total, err := h.unread.TotalUnread(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"total": total})
}
