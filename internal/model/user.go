// Package model はドメインモデルを定義する。
package model

// User は外部のIdentity Storeが管理するユーザープロフィールを表す。
// 本サービスは読み取りのみ行う。
type User struct {
	ID        string
	Name      string
	AvatarURL string
	IsOnline  bool
}

// Post は外部の投稿サービスが管理する投稿のうち、通知の宛先決定に必要な情報のみを表す。
type Post struct {
	ID        string
	CreatorID string
}
