package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dmnotify/internal/model"
	"github.com/hitoshi/dmnotify/internal/notification"
)

// NotificationServiceInterface は通知ハンドラーが必要とするサービスインターフェース。
type NotificationServiceInterface interface {
	Notify(ctx context.Context, req notification.Request) (*model.Notification, error)
	List(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
	MarkAllRead(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID, notificationID string) error
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// NotificationHandler は通知のHTTPハンドラー。
type NotificationHandler struct {
	service NotificationServiceInterface
}

// NewNotificationHandler はNotificationHandlerを生成する。
func NewNotificationHandler(service NotificationServiceInterface) *NotificationHandler {
	return &NotificationHandler{service: service}
}

type createNotificationRequest struct {
	RecipientID  string  `json:"recipient_id" validate:"required"`
	Type         string  `json:"type" validate:"required"`
	SourceUserID string  `json:"source_user_id" validate:"required"`
	PostID       *string `json:"post_id,omitempty"`
}

type userIDRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

type notificationResponse struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Type            string    `json:"type"`
	SourceUserID    string    `json:"source_user_id"`
	SourceUserName  string    `json:"source_user_name"`
	SourceUserImage string    `json:"source_user_image,omitempty"`
	PostID          *string   `json:"post_id,omitempty"`
	IsRead          bool      `json:"is_read"`
	CreatedAt       time.Time `json:"created_at"`
}

func toNotificationResponse(n *model.Notification) notificationResponse {
	return notificationResponse{
		ID:              n.ID,
		UserID:          n.UserID,
		Type:            string(n.Type),
		SourceUserID:    n.SourceUserID,
		SourceUserName:  n.SourceUserName,
		SourceUserImage: n.SourceUserImage,
		PostID:          n.PostID,
		IsRead:          n.IsRead,
		CreatedAt:       n.CreatedAt,
	}
}

// CreateNotification は通知を作成する。自分自身への通知の場合は何も作成せず204を返す。
// POST /api/notifications
func (h *NotificationHandler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req createNotificationRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !authorizeActor(w, r, req.SourceUserID) {
		return
	}

	n, err := h.service.Notify(r.Context(), notification.Request{
		RecipientID:  req.RecipientID,
		Type:         model.NotificationType(req.Type),
		SourceUserID: req.SourceUserID,
		PostID:       req.PostID,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if n == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusCreated, toNotificationResponse(n))
}

// ListNotifications はユーザー宛ての通知を新しい順に返す。
// GET /api/notifications?user_id=&limit=
func (h *NotificationHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireQuery(w, r, "user_id")
	if !ok || !authorizeActor(w, r, userID) {
		return
	}
	limit, ok := optionalIntQuery(w, r, "limit", 0)
	if !ok {
		return
	}

	list, err := h.service.List(r.Context(), userID, int(limit))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]notificationResponse, 0, len(list))
	for _, n := range list {
		resp = append(resp, toNotificationResponse(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

// MarkAllRead はユーザー宛ての未読通知をすべて既読にする。
// POST /api/notifications/read-all
func (h *NotificationHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !authorizeActor(w, r, req.UserID) {
		return
	}

	updated, err := h.service.MarkAllRead(r.Context(), req.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

// MarkRead は通知1件を既読にする。
// POST /api/notifications/{id}/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !authorizeActor(w, r, req.UserID) {
		return
	}

	if err := h.service.MarkRead(r.Context(), req.UserID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// UnreadCount はユーザー宛ての未読通知数を返す。
// GET /api/notifications/unread-count?user_id=
func (h *NotificationHandler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireQuery(w, r, "user_id")
	if !ok || !authorizeActor(w, r, userID) {
		return
	}

	count, err := h.service.UnreadCount(r.Context(), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"count": count})
}
