// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/dmnotify/internal/model"
)

// TxManager はトランザクション境界を提供するインターフェース。
// fn内でリポジトリに渡したctxは同一トランザクションに参加する。
// fnがエラーを返した場合はロールバックし、そのエラーをそのまま返す。
// 既にトランザクション内のctxで呼ばれた場合は外側のトランザクションに合流する。
type TxManager interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// UserRepository はIdentity Storeのユーザープロフィール参照インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)
}

// PostRepository は投稿の作成者を引くためのインターフェース（Post Directory）。
type PostRepository interface {
	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)
}

// ConversationRepository は会話データの永続化インターフェース。
// 取得系メソッドは参加者2名分のUnreadCountを埋めて返す（カウンタ行がなければ0）。
type ConversationRepository interface {
	// FindByID は指定IDの会話を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Conversation, error)

	// FindByPairKey は正規化済み参加者ペアのキーで会話を取得する。見つからない場合はnilを返す。
	FindByPairKey(ctx context.Context, pairKey string) (*model.Conversation, error)

	// Create は会話を作成する。
	// 同じPairKeyの会話が既に存在する場合はConflictのAPIErrorを返す。
	Create(ctx context.Context, conv *model.Conversation) error

	// ListByParticipant はユーザーが参加する会話をLastMessageAt降順で返す。
	ListByParticipant(ctx context.Context, userID string) ([]*model.Conversation, error)

	// UpdateLastMessage は会話一覧表示用の最終メッセージと日時を更新する。
	UpdateLastMessage(ctx context.Context, id, lastMessage string, at time.Time) error
}

// MessageRepository はメッセージデータの永続化インターフェース。
type MessageRepository interface {
	// Create はメッセージを追記する。採番されたSeqをmsgに設定する。
	Create(ctx context.Context, msg *model.Message) error

	// ListByConversation は会話のメッセージをCreatedAt昇順、同時刻はSeq昇順で返す。
	ListByConversation(ctx context.Context, conversationID string, opts model.MessageListOptions) ([]*model.Message, error)

	// MarkReadForReceiver は受信者がreceiverIDである未読メッセージを既読にし、更新件数を返す。
	MarkReadForReceiver(ctx context.Context, conversationID, receiverID string) (int, error)
}

// UnreadCounterRepository は(会話, 参加者)ごとの未読カウンタの永続化インターフェース。
// 各操作はキー単位でアトミックに実行される。
type UnreadCounterRepository interface {
	// Increment はカウンタを1増やし、増加後の値を返す。行がなければ1で作成する。
	Increment(ctx context.Context, conversationID, participantID string) (int, error)

	// Reset はカウンタを0にする。行がなければ0で作成する。
	Reset(ctx context.Context, conversationID, participantID string) error

	// DeleteStale は会話の参加者以外をキーとするカウンタ行を削除し、削除件数を返す。
	DeleteStale(ctx context.Context, conversationID string, participants [2]string) (int, error)

	// DeleteAllStale は全会話を対象に参加者以外のカウンタ行を削除し、削除件数を返す。
	DeleteAllStale(ctx context.Context) (int64, error)

	// SumForUser はユーザーが参加する全会話の未読数の合計を返す。
	// 参加者でないキーの行は集計に含めない。
	SumForUser(ctx context.Context, userID string) (int, error)
}

// NotificationRepository は通知データの永続化インターフェース。
type NotificationRepository interface {
	// Create は通知を作成する。
	Create(ctx context.Context, n *model.Notification) error

	// FindByID は指定IDの通知を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Notification, error)

	// ListByUser はユーザー宛の通知をCreatedAt降順で最大limit件返す。
	ListByUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error)

	// MarkRead はユーザー宛の指定通知を既読にする。対象が存在しない場合はfalseを返す。
	MarkRead(ctx context.Context, userID, id string) (bool, error)

	// MarkAllRead はユーザー宛の未読通知をすべて既読にし、更新件数を返す。
	MarkAllRead(ctx context.Context, userID string) (int, error)

	// CountUnread はユーザー宛の未読通知数を返す。
	CountUnread(ctx context.Context, userID string) (int, error)
}

// LikeRepository はいいねの永続化インターフェース。
type LikeRepository interface {
	// Create はいいねを作成する。既に存在する場合はfalseを返す。
	Create(ctx context.Context, like *model.Like) (bool, error)

	// Delete はいいねを削除する。存在しなかった場合はfalseを返す。
	Delete(ctx context.Context, postID, userID string) (bool, error)
}

// FollowRepository はフォロー関係の永続化インターフェース。
type FollowRepository interface {
	// Create はフォロー関係を作成する。既に存在する場合はfalseを返す。
	Create(ctx context.Context, follow *model.Follow) (bool, error)

	// Delete はフォロー関係を削除する。存在しなかった場合はfalseを返す。
	Delete(ctx context.Context, followerID, followedID string) (bool, error)
}

// CommentRepository はコメントの永続化インターフェース。
type CommentRepository interface {
	// Create はコメントを作成する。
	Create(ctx context.Context, c *model.Comment) error

	// FindByID は指定IDのコメントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Comment, error)

	// ListByPost は投稿のコメントをCreatedAt昇順で返す。
	ListByPost(ctx context.Context, postID string) ([]*model.Comment, error)

	// ListChildIDs は指定コメント群を親に持つ直下の返信IDを返す。
	ListChildIDs(ctx context.Context, parentIDs []string) ([]string, error)

	// DeleteByIDs は指定IDのコメントを一括削除し、削除件数を返す。
	DeleteByIDs(ctx context.Context, ids []string) (int, error)
}
