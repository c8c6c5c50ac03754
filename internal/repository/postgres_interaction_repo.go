package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/dmnotify/internal/model"
	"github.com/lib/pq"
)

// PostgresLikeRepo はPostgreSQLを使用したいいねリポジトリ。
type PostgresLikeRepo struct {
	db *sql.DB
}

// NewPostgresLikeRepo はPostgresLikeRepoを生成する。
func NewPostgresLikeRepo(db *sql.DB) *PostgresLikeRepo {
	return &PostgresLikeRepo{db: db}
}

// Create はいいねを作成する。UNIQUE(post_id, user_id)に衝突した場合はfalseを返す。
func (r *PostgresLikeRepo) Create(ctx context.Context, like *model.Like) (bool, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO likes (post_id, user_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (post_id, user_id) DO NOTHING`,
		like.PostID, like.UserID, like.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("いいねの作成に失敗しました: %w", err)
	}
	return rowsAffectedPositive(result)
}

// Delete はいいねを削除する。
func (r *PostgresLikeRepo) Delete(ctx context.Context, postID, userID string) (bool, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM likes WHERE post_id = $1 AND user_id = $2`,
		postID, userID,
	)
	if err != nil {
		return false, fmt.Errorf("いいねの削除に失敗しました: %w", err)
	}
	return rowsAffectedPositive(result)
}

// PostgresFollowRepo はPostgreSQLを使用したフォローリポジトリ。
type PostgresFollowRepo struct {
	db *sql.DB
}

// NewPostgresFollowRepo はPostgresFollowRepoを生成する。
func NewPostgresFollowRepo(db *sql.DB) *PostgresFollowRepo {
	return &PostgresFollowRepo{db: db}
}

// Create はフォロー関係を作成する。既に存在する場合はfalseを返す。
func (r *PostgresFollowRepo) Create(ctx context.Context, follow *model.Follow) (bool, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO follows (follower_id, followed_id, created_at) VALUES ($1, $2, $3)
		 ON CONFLICT (follower_id, followed_id) DO NOTHING`,
		follow.FollowerID, follow.FollowedID, follow.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("フォローの作成に失敗しました: %w", err)
	}
	return rowsAffectedPositive(result)
}

// Delete はフォロー関係を削除する。
func (r *PostgresFollowRepo) Delete(ctx context.Context, followerID, followedID string) (bool, error) {
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM follows WHERE follower_id = $1 AND followed_id = $2`,
		followerID, followedID,
	)
	if err != nil {
		return false, fmt.Errorf("フォローの削除に失敗しました: %w", err)
	}
	return rowsAffectedPositive(result)
}

// PostgresCommentRepo はPostgreSQLを使用したコメントリポジトリ。
type PostgresCommentRepo struct {
	db *sql.DB
}

// NewPostgresCommentRepo はPostgresCommentRepoを生成する。
func NewPostgresCommentRepo(db *sql.DB) *PostgresCommentRepo {
	return &PostgresCommentRepo{db: db}
}

func scanComment(s rowScanner) (*model.Comment, error) {
	c := &model.Comment{}
	var parentID sql.NullString
	if err := s.Scan(&c.ID, &c.PostID, &c.UserID, &parentID, &c.Text, &c.CreatedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		c.ParentID = &parentID.String
	}
	return c, nil
}

// Create はコメントを作成する。
func (r *PostgresCommentRepo) Create(ctx context.Context, c *model.Comment) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`INSERT INTO comments (id, post_id, user_id, parent_id, text, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.PostID, c.UserID, c.ParentID, c.Text, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("コメントの作成に失敗しました: %w", err)
	}
	return nil
}

// FindByID は指定IDのコメントを取得する。見つからない場合はnilを返す。
func (r *PostgresCommentRepo) FindByID(ctx context.Context, id string) (*model.Comment, error) {
	c, err := scanComment(conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT id, post_id, user_id, parent_id, text, created_at FROM comments WHERE id = $1`, id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("コメントの取得に失敗しました: %w", err)
	}
	return c, nil
}

// ListByPost は投稿のコメントをcreated_at昇順で返す。
func (r *PostgresCommentRepo) ListByPost(ctx context.Context, postID string) ([]*model.Comment, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT id, post_id, user_id, parent_id, text, created_at
		 FROM comments WHERE post_id = $1
		 ORDER BY created_at ASC, id ASC`,
		postID,
	)
	if err != nil {
		return nil, fmt.Errorf("コメント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var list []*model.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("コメントの読み取りに失敗しました: %w", err)
		}
		list = append(list, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("コメント一覧の読み取りに失敗しました: %w", err)
	}
	return list, nil
}

// ListChildIDs は指定コメント群を親に持つ直下の返信IDを返す。
func (r *PostgresCommentRepo) ListChildIDs(ctx context.Context, parentIDs []string) ([]string, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT id FROM comments WHERE parent_id = ANY($1)`,
		pq.Array(parentIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("返信コメントの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("返信コメントの読み取りに失敗しました: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("返信コメントの読み取りに失敗しました: %w", err)
	}
	return ids, nil
}

// DeleteByIDs は指定IDのコメントを1文で一括削除する。
// parent_idの外部キーは文の終了時に検査されるため、親子を同時に削除できる。
func (r *PostgresCommentRepo) DeleteByIDs(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	result, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM comments WHERE id = ANY($1)`,
		pq.Array(ids),
	)
	if err != nil {
		return 0, fmt.Errorf("コメントの削除に失敗しました: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return int(affected), nil
}

// rowsAffectedPositive は更新件数が1件以上かを返す。
func rowsAffectedPositive(result sql.Result) (bool, error) {
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗しました: %w", err)
	}
	return affected > 0, nil
}

// compile-time interface check
var (
	_ LikeRepository    = (*PostgresLikeRepo)(nil)
	_ FollowRepository  = (*PostgresFollowRepo)(nil)
	_ CommentRepository = (*PostgresCommentRepo)(nil)
)
