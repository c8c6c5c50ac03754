package model

import "time"

// Like は投稿へのいいねを表す。(PostID, UserID)で一意。
type Like struct {
	PostID    string
	UserID    string
	CreatedAt time.Time
}

// Follow はユーザー間のフォロー関係を表す。(FollowerID, FollowedID)で一意。
type Follow struct {
	FollowerID string
	FollowedID string
	CreatedAt  time.Time
}

// Comment は投稿へのコメントを表す。返信の場合はParentIDが設定される。
type Comment struct {
	ID        string
	PostID    string
	UserID    string
	ParentID  *string
	Text      string
	CreatedAt time.Time
}
