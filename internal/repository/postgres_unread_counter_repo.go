package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresUnreadCounterRepo はunread_countersテーブルを使用した未読カウンタリポジトリ。
// (conversation_id, participant_id)を主キーとする1行1カウンタの構造で、
// 更新はすべて単一文のUPSERTで行うため同時更新でも値が失われない。
type PostgresUnreadCounterRepo struct {
	db *sql.DB
}

// NewPostgresUnreadCounterRepo はPostgresUnreadCounterRepoを生成する。
func NewPostgresUnreadCounterRepo(db *sql.DB) *PostgresUnreadCounterRepo {
	return &PostgresUnreadCounterRepo{db: db}
}

// Increment はカウンタを1増やし、増加後の値を返す。
func (r *PostgresUnreadCounterRepo) Increment(ctx context.Context, conversationID, participantID string) (int, error) {
	var count int
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`INSERT INTO unread_counters (conversation_id, participant_id, count)
		 VALUES ($1, $2, 1)
		 ON CONFLICT (conversation_id, participant_id)
		 DO UPDATE SET count = unread_counters.count + 1
		 RETURNING count`,
		conversationID, participantID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("未読カウンタの加算に失敗しました: %w", err)
	}
	return count, nil
}

// Reset はカウンタを0にする。
func (r *PostgresUnreadCounterRepo) Reset(ctx context.Context, conversationID, participantID string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO unread_counters (conversation_id, participant_id, count)
		 VALUES ($1, $2, 0)
		 ON CONFLICT (conversation_id, participant_id)
		 DO UPDATE SET count = 0`,
		conversationID, participantID,
	)
	if err != nil {
		return fmt.Errorf("未読カウンタのリセットに失敗しました: %w", err)
	}
	return nil
}

// DeleteStale は会話の参加者以外をキーとするカウンタ行を削除する。
// トランザクション内ではセーブポイントで囲み、失敗しても呼び出し元のトランザクションを中断状態にしない。
func (r *PostgresUnreadCounterRepo) DeleteStale(ctx context.Context, conversationID string, participants [2]string) (int, error) {
	var affected int64
	err := withSavepoint(ctx, r.db, "unread_repair", func(q DBTX) error {
		result, err := q.ExecContext(ctx,
			`DELETE FROM unread_counters
			 WHERE conversation_id = $1 AND participant_id NOT IN ($2, $3)`,
			conversationID, participants[0], participants[1],
		)
		if err != nil {
			return fmt.Errorf("不正な未読カウンタの削除に失敗しました: %w", err)
		}
		affected, err = result.RowsAffected()
		if err != nil {
			return fmt.Errorf("削除件数の取得に失敗しました: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

// DeleteAllStale は全会話を対象に参加者以外のカウンタ行と、会話が存在しない行を削除する。
func (r *PostgresUnreadCounterRepo) DeleteAllStale(ctx context.Context) (int64, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM unread_counters uc
		 WHERE NOT EXISTS (
		     SELECT 1 FROM conversations c
		     WHERE c.id = uc.conversation_id
		       AND uc.participant_id IN (c.participant_low, c.participant_high)
		 )`,
	)
	if err != nil {
		return 0, fmt.Errorf("不正な未読カウンタの一括削除に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return affected, nil
}

// SumForUser はユーザーが参加する全会話の未読数の合計を返す。
func (r *PostgresUnreadCounterRepo) SumForUser(ctx context.Context, userID string) (int, error) {
	var total int
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT COALESCE(SUM(uc.count), 0)
		 FROM unread_counters uc
		 JOIN conversations c ON c.id = uc.conversation_id
		 WHERE uc.participant_id = $1
		   AND (c.participant_low = $1 OR c.participant_high = $1)`,
		userID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("未読数の合計の取得に失敗しました: %w", err)
	}
	return total, nil
}

// compile-time interface check
var _ UnreadCounterRepository = (*PostgresUnreadCounterRepo)(nil)
