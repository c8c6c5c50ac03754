package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/dmnotify/internal/model"
)

// PostgresNotificationRepo はPostgreSQLを使用した通知リポジトリ。
type PostgresNotificationRepo struct {
	db *sql.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sql.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

const notificationColumns = `id, user_id, type, source_user_id, source_user_name, source_user_image, post_id, is_read, created_at`

func scanNotification(s rowScanner) (*model.Notification, error) {
	n := &model.Notification{}
	var postID sql.NullString
	var typ string
	if err := s.Scan(
		&n.ID, &n.UserID, &typ, &n.SourceUserID, &n.SourceUserName, &n.SourceUserImage,
		&postID, &n.IsRead, &n.CreatedAt,
	); err != nil {
		return nil, err
	}
	n.Type = model.NotificationType(typ)
	if postID.Valid {
		n.PostID = &postID.String
	}
	return n, nil
}

// Create は通知を作成する。
func (r *PostgresNotificationRepo) Create(ctx context.Context, n *model.Notification) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO notifications (`+notificationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		n.ID, n.UserID, string(n.Type), n.SourceUserID, n.SourceUserName, n.SourceUserImage,
		n.PostID, n.IsRead, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("通知の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDの通知を取得する。見つからない場合はnilを返す。
func (r *PostgresNotificationRepo) FindByID(ctx context.Context, id string) (*model.Notification, error) {
	n, err := scanNotification(conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗しました: %w", err)
	}
	return n, nil
}

// ListByUser はユーザー宛の通知をcreated_at降順で最大limit件返す。
func (r *PostgresNotificationRepo) ListByUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT `+notificationColumns+` FROM notifications
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var list []*model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("通知の読み取りに失敗しました: %w", err)
		}
		list = append(list, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知一覧の読み取りに失敗しました: %w", err)
	}
	return list, nil
}

// MarkRead はユーザー宛の指定通知を既読にする。
func (r *PostgresNotificationRepo) MarkRead(ctx context.Context, userID, id string) (bool, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		return false, fmt.Errorf("通知の既読化に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// MarkAllRead はユーザー宛の未読通知をすべて既読にし、更新件数を返す。
func (r *PostgresNotificationRepo) MarkAllRead(ctx context.Context, userID string) (int, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND is_read = FALSE`,
		userID,
	)
	if err != nil {
		return 0, fmt.Errorf("通知の一括既読化に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return int(affected), nil
}

// CountUnread はユーザー宛の未読通知数を返す。
func (r *PostgresNotificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("未読通知数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// compile-time interface check
var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
