package model

import (
	"sort"
	"strings"
	"time"
	"unicode"
)

// pairKeySeparator は正規化済み参加者ペアのキーに使う区切り文字（ASCII Unit Separator）。
// ユーザーIDには制御文字を含められないため、衝突しない。
const pairKeySeparator = "\x1f"

// AttachmentPlaceholder は本文なしで添付のみのメッセージを会話一覧に表示するときの文字列。
const AttachmentPlaceholder = "[attachment]"

// Conversation は2ユーザー間の1対1の会話を表す。
// ParticipantIDsは常に昇順に正規化されている。
type Conversation struct {
	ID             string
	ParticipantIDs [2]string
	PairKey        string
	LastMessage    string
	LastMessageAt  time.Time
	UnreadCount    map[string]int
	CreatedAt      time.Time
}

// HasParticipant は指定ユーザーが会話の参加者かを返す。
func (c *Conversation) HasParticipant(userID string) bool {
	return c.ParticipantIDs[0] == userID || c.ParticipantIDs[1] == userID
}

// OtherParticipant は指定ユーザーから見た相手のIDを返す。
// 参加者でない場合は空文字列を返す。
func (c *Conversation) OtherParticipant(userID string) string {
	switch userID {
	case c.ParticipantIDs[0]:
		return c.ParticipantIDs[1]
	case c.ParticipantIDs[1]:
		return c.ParticipantIDs[0]
	default:
		return ""
	}
}

// ConversationSummary は会話一覧に表示する1件分の情報。
// 相手のプロフィールと自分の未読数を含む。
type ConversationSummary struct {
	Conversation
	OtherUser *User
	MyUnread  int
}

// CanonicalPair は2つのユーザーIDを昇順に並べた参加者ペアと、その一意キーを返す。
// 引数の順序に関係なく同じ結果になる。
func CanonicalPair(a, b string) ([2]string, string) {
	ids := []string{a, b}
	sort.Strings(ids)
	pair := [2]string{ids[0], ids[1]}
	return pair, pair[0] + pairKeySeparator + pair[1]
}

// ValidateUserID はユーザーIDの形式を検証する。
// 空文字列と制御文字を含むIDは不正とする。
func ValidateUserID(id string) error {
	if strings.TrimSpace(id) == "" {
		return NewInvalidArgumentError("ユーザーIDが空です")
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return NewInvalidArgumentError("ユーザーIDに制御文字が含まれています")
		}
	}
	return nil
}
