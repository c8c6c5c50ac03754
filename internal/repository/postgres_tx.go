package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// DBTX は*sql.DBと*sql.Txの共通部分。
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

type pgTxKey struct{}

// PostgresTxManager は*sql.Txをコンテキストに載せて受け渡すTxManager実装。
type PostgresTxManager struct {
	db TxBeginner
}

// NewPostgresTxManager はPostgresTxManagerを生成する。
func NewPostgresTxManager(db TxBeginner) *PostgresTxManager {
	return &PostgresTxManager{db: db}
}

// WithinTx はfnを1つのトランザクション内で実行する。
func (m *PostgresTxManager) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(pgTxKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}

	if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (ロールバックにも失敗しました: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

// conn はctxにトランザクションがあればそれを、なければdbを返す。
func conn(ctx context.Context, db *sql.DB) DBTX {
	if tx, ok := ctx.Value(pgTxKey{}).(*sql.Tx); ok {
		return tx
	}
	return db
}

// withSavepoint はctxのトランザクション内でfnをセーブポイントで囲んで実行する。
// fnが失敗した場合はセーブポイントまで戻すため、外側のトランザクションは継続して使える。
// トランザクション外ではfnをそのままdbで実行する。
func withSavepoint(ctx context.Context, db *sql.DB, name string, fn func(q DBTX) error) error {
	tx, ok := ctx.Value(pgTxKey{}).(*sql.Tx)
	if !ok {
		return fn(db)
	}

	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("セーブポイントの作成に失敗しました: %w", err)
	}
	if err := fn(tx); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("%w (セーブポイントへのロールバックにも失敗しました: %v)", err, rbErr)
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("セーブポイントの解放に失敗しました: %w", err)
	}
	return nil
}
