package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dmnotify/internal/interaction"
	"github.com/hitoshi/dmnotify/internal/model"
	"github.com/hitoshi/dmnotify/internal/security"
)

// InteractionServiceInterface はいいね・フォロー・コメントのハンドラーが必要とするサービスインターフェース。
type InteractionServiceInterface interface {
	ToggleLike(ctx context.Context, postID, userID string) (bool, error)
	Follow(ctx context.Context, followerID, followedID string) (bool, error)
	Unfollow(ctx context.Context, followerID, followedID string) (bool, error)
	AddComment(ctx context.Context, in interaction.CommentInput) (*model.Comment, error)
	ListComments(ctx context.Context, postID string) ([]*model.Comment, error)
	DeleteComment(ctx context.Context, commentID, actorID string) (int, error)
}

// InteractionHandler はいいね・フォロー・コメントのHTTPハンドラー。
type InteractionHandler struct {
	service InteractionServiceInterface
}

// NewInteractionHandler はInteractionHandlerを生成する。
func NewInteractionHandler(service InteractionServiceInterface) *InteractionHandler {
	return &InteractionHandler{service: service}
}

type followRequest struct {
	FollowerID string `json:"follower_id" validate:"required"`
}

type addCommentRequest struct {
	UserID   string `json:"user_id" validate:"required"`
	Text     string `json:"text" validate:"required"`
	ParentID string `json:"parent_id,omitempty"`
}

type commentResponse struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	UserID    string    `json:"user_id"`
	ParentID  *string   `json:"parent_id,omitempty"`
	Text      string    `json:"text"`
	TextHTML  string    `json:"text_html"`
	CreatedAt time.Time `json:"created_at"`
}

func toCommentResponse(c *model.Comment) commentResponse {
	return commentResponse{
		ID:        c.ID,
		PostID:    c.PostID,
		UserID:    c.UserID,
		ParentID:  c.ParentID,
		Text:      c.Text,
		TextHTML:  security.RenderHTML(c.Text),
		CreatedAt: c.CreatedAt,
	}
}

// ToggleLike は投稿のいいねを切り替える。
// POST /api/posts/{id}/like
func (h *InteractionHandler) ToggleLike(w http.ResponseWriter, r *http.Request) {
	var req userIDRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !authorizeActor(w, r, req.UserID) {
		return
	}

	liked, err := h.service.ToggleLike(r.Context(), chi.URLParam(r, "id"), req.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"liked": liked})
}

// Follow はユーザーをフォローする。
// POST /api/users/{id}/follow
func (h *InteractionHandler) Follow(w http.ResponseWriter, r *http.Request) {
	var req followRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !authorizeActor(w, r, req.FollowerID) {
		return
	}

	created, err := h.service.Follow(r.Context(), req.FollowerID, chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]bool{"following": true})
}

// Unfollow はフォローを解除する。
// DELETE /api/users/{id}/follow?follower_id=
func (h *InteractionHandler) Unfollow(w http.ResponseWriter, r *http.Request) {
	followerID, ok := requireQuery(w, r, "follower_id")
	if !ok || !authorizeActor(w, r, followerID) {
		return
	}

	if _, err := h.service.Unfollow(r.Context(), followerID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// AddComment は投稿にコメントする。
// POST /api/posts/{id}/comments
func (h *InteractionHandler) AddComment(w http.ResponseWriter, r *http.Request) {
	var req addCommentRequest
	if !decodeRequest(w, r, &req) {
		return
	}
	if !authorizeActor(w, r, req.UserID) {
		return
	}

	c, err := h.service.AddComment(r.Context(), interaction.CommentInput{
		PostID:   chi.URLParam(r, "id"),
		UserID:   req.UserID,
		Text:     req.Text,
		ParentID: req.ParentID,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCommentResponse(c))
}

// ListComments は投稿のコメントを古い順に返す。
// GET /api/posts/{id}/comments
func (h *InteractionHandler) ListComments(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListComments(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]commentResponse, 0, len(list))
	for _, c := range list {
		resp = append(resp, toCommentResponse(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteComment はコメントと返信をまとめて削除する。
// DELETE /api/comments/{id}?user_id=
func (h *InteractionHandler) DeleteComment(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireQuery(w, r, "user_id")
	if !ok || !authorizeActor(w, r, userID) {
		return
	}

	deleted, err := h.service.DeleteComment(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}
