// Package interaction は投稿へのいいね・コメントとユーザーのフォローを提供する。
//
// 各操作は主たる書き込みが成功した後に通知をDispatchする。通知の失敗は主操作の結果に影響しない。
package interaction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/dmnotify/internal/identity"
	"github.com/hitoshi/dmnotify/internal/model"
	"github.com/hitoshi/dmnotify/internal/notification"
	"github.com/hitoshi/dmnotify/internal/repository"
	"github.com/hitoshi/dmnotify/internal/security"
)

// MaxCommentLength はコメント本文の最大文字数（rune数）。
const MaxCommentLength = 2000

// Notifier は通知イベントの投入インターフェース。notification.Dispatcherが実装する。
type Notifier interface {
	Dispatch(req notification.Request) bool
}

// CommentInput はコメント投稿の入力。
type CommentInput struct {
	PostID   string
	UserID   string
	Text     string
	ParentID string // 空の場合はトップレベルのコメント
}

// Service はいいね・フォロー・コメントのサービス層。
type Service struct {
	tx       repository.TxManager
	likes    repository.LikeRepository
	follows  repository.FollowRepository
	comments repository.CommentRepository
	posts    repository.PostRepository
	users    identity.Resolver
	notifier Notifier
	checker  security.TextChecker
	logger   *slog.Logger

	now func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	tx repository.TxManager,
	likes repository.LikeRepository,
	follows repository.FollowRepository,
	comments repository.CommentRepository,
	posts repository.PostRepository,
	users identity.Resolver,
	notifier Notifier,
	checker security.TextChecker,
	logger *slog.Logger,
) *Service {
	return &Service{
		tx:       tx,
		likes:    likes,
		follows:  follows,
		comments: comments,
		posts:    posts,
		users:    users,
		notifier: notifier,
		checker:  checker,
		logger:   logger,
		now:      time.Now,
	}
}

// ToggleLike は投稿のいいねを切り替え、切り替え後にいいね済みかを返す。
// いいねした場合は投稿の作成者に通知する。
func (s *Service) ToggleLike(ctx context.Context, postID, userID string) (bool, error) {
	if err := model.ValidateUserID(userID); err != nil {
		return false, err
	}
	post, err := s.findPost(ctx, postID)
	if err != nil {
		return false, err
	}

	removed, err := s.likes.Delete(ctx, post.ID, userID)
	if err != nil {
		return false, model.NewUnavailableError(err)
	}
	if removed {
		return false, nil
	}

	// Deleteとの間に別リクエストがいいねした場合はCreateがfalseを返す
	created, err := s.likes.Create(ctx, &model.Like{PostID: post.ID, UserID: userID, CreatedAt: s.now()})
	if err != nil {
		return false, model.NewUnavailableError(err)
	}
	if created {
		s.notify(notification.Request{
			RecipientID:  post.CreatorID,
			Type:         model.NotificationTypeLike,
			SourceUserID: userID,
			PostID:       &post.ID,
		})
	}
	return true, nil
}

// Follow はフォロー関係を作成し、新たに作成したかを返す。
// 既にフォロー済みの場合は何もせず、通知もしない。
func (s *Service) Follow(ctx context.Context, followerID, followedID string) (bool, error) {
	if err := s.validateFollow(followerID, followedID); err != nil {
		return false, err
	}
	if _, err := s.users.ResolveUser(ctx, followedID); err != nil {
		return false, model.AsUnavailable(err)
	}

	created, err := s.follows.Create(ctx, &model.Follow{FollowerID: followerID, FollowedID: followedID, CreatedAt: s.now()})
	if err != nil {
		return false, model.NewUnavailableError(err)
	}
	if created {
		s.notify(notification.Request{
			RecipientID:  followedID,
			Type:         model.NotificationTypeFollow,
			SourceUserID: followerID,
		})
	}
	return created, nil
}

// Unfollow はフォロー関係を削除し、削除したかを返す。
func (s *Service) Unfollow(ctx context.Context, followerID, followedID string) (bool, error) {
	if err := s.validateFollow(followerID, followedID); err != nil {
		return false, err
	}
	removed, err := s.follows.Delete(ctx, followerID, followedID)
	if err != nil {
		return false, model.NewUnavailableError(err)
	}
	return removed, nil
}

// AddComment は投稿にコメントを追加し、投稿の作成者に通知する。
// ParentIDを指定する場合、親コメントは同じ投稿に属している必要がある。
func (s *Service) AddComment(ctx context.Context, in CommentInput) (*model.Comment, error) {
	if err := model.ValidateUserID(in.UserID); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(in.Text)
	if err := s.checker.Check(text); err != nil {
		return nil, model.NewInvalidArgumentError("コメント" + err.Error())
	}
	if text == "" {
		return nil, model.NewEmptyContentError()
	}
	if n := utf8.RuneCountInString(text); n > MaxCommentLength {
		return nil, model.NewInvalidArgumentError(fmt.Sprintf("コメントは%d文字以内で入力してください（%d文字）", MaxCommentLength, n))
	}

	post, err := s.findPost(ctx, in.PostID)
	if err != nil {
		return nil, err
	}

	var parentID *string
	if in.ParentID != "" {
		parent, err := s.comments.FindByID(ctx, in.ParentID)
		if err != nil {
			return nil, model.NewUnavailableError(err)
		}
		if parent == nil {
			return nil, model.NewCommentNotFoundError(in.ParentID)
		}
		if parent.PostID != post.ID {
			return nil, model.NewInvalidArgumentError("返信先のコメントは同じ投稿に属している必要があります")
		}
		parentID = &parent.ID
	}

	c := &model.Comment{
		ID:        uuid.New().String(),
		PostID:    post.ID,
		UserID:    in.UserID,
		ParentID:  parentID,
		Text:      text,
		CreatedAt: s.now(),
	}
	if err := s.comments.Create(ctx, c); err != nil {
		return nil, model.NewUnavailableError(err)
	}

	s.notify(notification.Request{
		RecipientID:  post.CreatorID,
		Type:         model.NotificationTypeComment,
		SourceUserID: in.UserID,
		PostID:       &post.ID,
	})
	return c, nil
}

// ListComments は投稿のコメントを古い順に返す。
func (s *Service) ListComments(ctx context.Context, postID string) ([]*model.Comment, error) {
	post, err := s.findPost(ctx, postID)
	if err != nil {
		return nil, err
	}
	list, err := s.comments.ListByPost(ctx, post.ID)
	if err != nil {
		return nil, model.NewUnavailableError(err)
	}
	if list == nil {
		list = []*model.Comment{}
	}
	return list, nil
}

// DeleteComment はコメントとその返信をすべて削除し、削除件数を返す。
// 削除できるのはコメントの作成者のみ。返信は親IDで幅優先に辿り、1トランザクションで削除する。
func (s *Service) DeleteComment(ctx context.Context, commentID, actorID string) (int, error) {
	if err := model.ValidateUserID(actorID); err != nil {
		return 0, err
	}
	c, err := s.comments.FindByID(ctx, commentID)
	if err != nil {
		return 0, model.NewUnavailableError(err)
	}
	if c == nil {
		return 0, model.NewCommentNotFoundError(commentID)
	}
	if c.UserID != actorID {
		return 0, model.NewForbiddenError("自分のコメントのみ削除できます")
	}

	var deleted int
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		ids := []string{c.ID}
		frontier := []string{c.ID}
		for len(frontier) > 0 {
			children, err := s.comments.ListChildIDs(ctx, frontier)
			if err != nil {
				return err
			}
			ids = append(ids, children...)
			frontier = children
		}

		n, err := s.comments.DeleteByIDs(ctx, ids)
		if err != nil {
			return err
		}
		deleted = n
		return nil
	})
	if err != nil {
		return 0, model.AsUnavailable(err)
	}

	s.logger.Info("コメントを削除しました",
		slog.String("comment_id", c.ID),
		slog.String("post_id", c.PostID),
		slog.Int("deleted", deleted),
	)
	return deleted, nil
}

func (s *Service) findPost(ctx context.Context, postID string) (*model.Post, error) {
	if strings.TrimSpace(postID) == "" {
		return nil, model.NewInvalidArgumentError("投稿IDが空です")
	}
	post, err := s.posts.FindByID(ctx, postID)
	if err != nil {
		return nil, model.NewUnavailableError(err)
	}
	if post == nil {
		return nil, model.NewPostNotFoundError(postID)
	}
	return post, nil
}

func (s *Service) validateFollow(followerID, followedID string) error {
	if err := model.ValidateUserID(followerID); err != nil {
		return err
	}
	if err := model.ValidateUserID(followedID); err != nil {
		return err
	}
	if followerID == followedID {
		return model.NewInvalidArgumentError("自分自身はフォローできません")
	}
	return nil
}

// notify は通知イベントを投入する。自分自身への通知はディスパッチャ側で除外される。
func (s *Service) notify(req notification.Request) {
	if !s.notifier.Dispatch(req) {
		s.logger.Warn("通知イベントを投入できませんでした",
			slog.String("type", string(req.Type)),
			slog.String("recipient_id", req.RecipientID),
		)
	}
}
