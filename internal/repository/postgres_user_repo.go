package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/dmnotify/internal/model"
)

// PostgresUserRepo はIdentity Storeのusersテーブルを参照するユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user := &model.User{}
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT id, name, avatar_url, is_online FROM users WHERE id = $1`,
		id,
	).Scan(&user.ID, &user.Name, &user.AvatarURL, &user.IsOnline)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}

	return user, nil
}

// PostgresPostRepo はpostsテーブルを参照するPost Directory実装。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	post := &model.Post{}
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`SELECT id, creator_id FROM posts WHERE id = $1`,
		id,
	).Scan(&post.ID, &post.CreatorID)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}

	return post, nil
}

// compile-time interface check
var (
	_ UserRepository = (*PostgresUserRepo)(nil)
	_ PostRepository = (*PostgresPostRepo)(nil)
)
