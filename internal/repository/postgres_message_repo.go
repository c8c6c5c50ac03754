package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/dmnotify/internal/model"
)

// PostgresMessageRepo はPostgreSQLを使用したメッセージリポジトリ。
type PostgresMessageRepo struct {
	db *sql.DB
}

// NewPostgresMessageRepo はPostgresMessageRepoを生成する。
func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

// Create はメッセージを追記する。seqはbigserialで採番される。
func (r *PostgresMessageRepo) Create(ctx context.Context, msg *model.Message) error {
	var attachment sql.NullString
	if msg.AttachmentURL != "" {
		attachment = sql.NullString{String: msg.AttachmentURL, Valid: true}
	}

	err := conn(ctx, r.db).QueryRowContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, attachment_url, read, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING seq`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.ReceiverID,
		msg.Content, attachment, msg.Read, msg.CreatedAt,
	).Scan(&msg.Seq)
	if err != nil {
		return fmt.Errorf("メッセージの作成に失敗しました: %w", err)
	}
	return nil
}

// ListByConversation は会話のメッセージをcreated_at昇順、同時刻はseq昇順で返す。
func (r *PostgresMessageRepo) ListByConversation(ctx context.Context, conversationID string, opts model.MessageListOptions) ([]*model.Message, error) {
	var sb strings.Builder
	sb.WriteString(`SELECT id, seq, conversation_id, sender_id, receiver_id, content,
	       COALESCE(attachment_url, ''), read, created_at
	FROM messages WHERE conversation_id = $1`)
	args := []any{conversationID}

	if opts.AfterSeq > 0 {
		args = append(args, opts.AfterSeq)
		fmt.Fprintf(&sb, " AND seq > $%d", len(args))
	}
	sb.WriteString(" ORDER BY created_at ASC, seq ASC")
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		fmt.Fprintf(&sb, " LIMIT $%d", len(args))
	}

	rows, err := conn(ctx, r.db).QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("メッセージ一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var msgs []*model.Message
	for rows.Next() {
		m := &model.Message{}
		if err := rows.Scan(
			&m.ID, &m.Seq, &m.ConversationID, &m.SenderID, &m.ReceiverID,
			&m.Content, &m.AttachmentURL, &m.Read, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("メッセージの読み取りに失敗しました: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("メッセージ一覧の読み取りに失敗しました: %w", err)
	}
	return msgs, nil
}

// MarkReadForReceiver は受信者がreceiverIDである未読メッセージを既読にし、更新件数を返す。
func (r *PostgresMessageRepo) MarkReadForReceiver(ctx context.Context, conversationID, receiverID string) (int, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE messages SET read = TRUE
		 WHERE conversation_id = $1 AND receiver_id = $2 AND read = FALSE`,
		conversationID, receiverID,
	)
	if err != nil {
		return 0, fmt.Errorf("メッセージの既読化に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return int(affected), nil
}

// compile-time interface check
var _ MessageRepository = (*PostgresMessageRepo)(nil)
