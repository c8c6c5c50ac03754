package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/dmnotify/internal/model"
)

// PostgresConversationRepo はPostgreSQLを使用した会話リポジトリ。
type PostgresConversationRepo struct {
	db *sql.DB
}

// NewPostgresConversationRepo はPostgresConversationRepoを生成する。
func NewPostgresConversationRepo(db *sql.DB) *PostgresConversationRepo {
	return &PostgresConversationRepo{db: db}
}

// conversationSelect は会話と参加者2名分の未読数を取得するSELECT句。
// 参加者以外をキーとするカウンタ行はJOIN条件で除外される。
const conversationSelect = `
	SELECT c.id, c.participant_low, c.participant_high, c.pair_key,
	       c.last_message, c.last_message_at, c.created_at,
	       COALESCE(ul.count, 0), COALESCE(uh.count, 0)
	FROM conversations c
	LEFT JOIN unread_counters ul ON ul.conversation_id = c.id AND ul.participant_id = c.participant_low
	LEFT JOIN unread_counters uh ON uh.conversation_id = c.id AND uh.participant_id = c.participant_high`

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(s rowScanner) (*model.Conversation, error) {
	conv := &model.Conversation{}
	var lowCount, highCount int
	if err := s.Scan(
		&conv.ID, &conv.ParticipantIDs[0], &conv.ParticipantIDs[1], &conv.PairKey,
		&conv.LastMessage, &conv.LastMessageAt, &conv.CreatedAt,
		&lowCount, &highCount,
	); err != nil {
		return nil, err
	}
	conv.UnreadCount = map[string]int{
		conv.ParticipantIDs[0]: lowCount,
		conv.ParticipantIDs[1]: highCount,
	}
	return conv, nil
}

// FindByID は指定IDの会話を取得する。見つからない場合はnilを返す。
func (r *PostgresConversationRepo) FindByID(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := scanConversation(conn(ctx, r.db).QueryRowContext(ctx,
		conversationSelect+` WHERE c.id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("会話の取得に失敗しました: %w", err)
	}
	return conv, nil
}

// FindByPairKey は正規化済み参加者ペアのキーで会話を取得する。見つからない場合はnilを返す。
// pair_keyのUNIQUEインデックスによる完全一致検索のみを行う。
func (r *PostgresConversationRepo) FindByPairKey(ctx context.Context, pairKey string) (*model.Conversation, error) {
	conv, err := scanConversation(conn(ctx, r.db).QueryRowContext(ctx,
		conversationSelect+` WHERE c.pair_key = $1`, pairKey,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("会話の取得に失敗しました: %w", err)
	}
	return conv, nil
}

// Create は会話を作成する。
// UNIQUE(pair_key)制約を利用したINSERT ON CONFLICT DO NOTHINGで実装し、
// 挿入されなかった場合はConflictを返す。
func (r *PostgresConversationRepo) Create(ctx context.Context, conv *model.Conversation) error {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO conversations (id, participant_low, participant_high, pair_key, last_message, last_message_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (pair_key) DO NOTHING`,
		conv.ID, conv.ParticipantIDs[0], conv.ParticipantIDs[1], conv.PairKey,
		conv.LastMessage, conv.LastMessageAt, conv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("会話の作成に失敗しました: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("作成件数の取得に失敗しました: %w", err)
	}
	if affected == 0 {
		return model.NewConflictError(conv.PairKey)
	}
	return nil
}

// ListByParticipant はユーザーが参加する会話をLastMessageAt降順で返す。
func (r *PostgresConversationRepo) ListByParticipant(ctx context.Context, userID string) ([]*model.Conversation, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		conversationSelect+`
		WHERE c.participant_low = $1 OR c.participant_high = $1
		ORDER BY c.last_message_at DESC, c.id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("会話一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var convs []*model.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("会話の読み取りに失敗しました: %w", err)
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("会話一覧の読み取りに失敗しました: %w", err)
	}
	return convs, nil
}

// UpdateLastMessage は会話一覧表示用の最終メッセージと日時を更新する。
func (r *PostgresConversationRepo) UpdateLastMessage(ctx context.Context, id, lastMessage string, at time.Time) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE conversations SET last_message = $2, last_message_at = $3 WHERE id = $1`,
		id, lastMessage, at,
	)
	if err != nil {
		return fmt.Errorf("最終メッセージの更新に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ ConversationRepository = (*PostgresConversationRepo)(nil)
