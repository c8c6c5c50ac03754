package model

import "time"

// Message は会話内の1件のメッセージを表す。
// 作成後に変更されるのはReadのみ。
type Message struct {
	ID             string
	Seq            int64 // 挿入順の単調増加シーケンス。CreatedAtが同じ場合の順序に使う
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	AttachmentURL  string
	Read           bool
	CreatedAt      time.Time
}

// MessageListOptions はメッセージ一覧の取得条件。
type MessageListOptions struct {
	AfterSeq int64 // 0より大きい場合、このSeqより新しいメッセージのみを返す
	Limit    int   // 0は無制限
}
