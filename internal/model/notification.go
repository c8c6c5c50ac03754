package model

import "time"

// NotificationType は通知の種別を表す。
type NotificationType string

const (
	// NotificationTypeLike は投稿へのいいね通知。
	NotificationTypeLike NotificationType = "like"
	// NotificationTypeFollow はフォロー通知。
	NotificationTypeFollow NotificationType = "follow"
	// NotificationTypeComment は投稿へのコメント通知。
	NotificationTypeComment NotificationType = "comment"
)

// Valid は定義済みの通知種別かを返す。
func (t NotificationType) Valid() bool {
	switch t {
	case NotificationTypeLike, NotificationTypeFollow, NotificationTypeComment:
		return true
	default:
		return false
	}
}

// RequiresPost は種別が投稿IDを必要とするかを返す。
func (t NotificationType) RequiresPost() bool {
	return t == NotificationTypeLike || t == NotificationTypeComment
}

// Notification はユーザーへの1件の通知を表す。
// 送信元ユーザーの名前と画像は作成時点のスナップショット。
type Notification struct {
	ID              string
	UserID          string // 受信者
	Type            NotificationType
	SourceUserID    string
	SourceUserName  string
	SourceUserImage string
	PostID          *string // followの場合はnil
	IsRead          bool
	CreatedAt       time.Time
}
