// Package identity は外部のIdentity Storeからユーザープロフィールを解決する機能を提供する。
// データベースのusersテーブルを読む実装と、ユーザーAPIを呼び出すHTTP実装がある。
package identity

import (
	"context"

	"github.com/hitoshi/dmnotify/internal/model"
	"github.com/hitoshi/dmnotify/internal/repository"
)

// Resolver はユーザーIDからプロフィールを解決するインターフェース。
// 存在しないユーザーにはUSER_NOT_FOUNDのAPIErrorを返す。
type Resolver interface {
	ResolveUser(ctx context.Context, id string) (*model.User, error)
}

// StoreResolver はUserRepositoryを参照するResolver実装。
type StoreResolver struct {
	users repository.UserRepository
}

// NewStoreResolver はStoreResolverを生成する。
func NewStoreResolver(users repository.UserRepository) *StoreResolver {
	return &StoreResolver{users: users}
}

// ResolveUser は指定IDのユーザーを取得する。
func (r *StoreResolver) ResolveUser(ctx context.Context, id string) (*model.User, error) {
	user, err := r.users.FindByID(ctx, id)
	if err != nil {
		return nil, model.NewUnavailableError(err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(id)
	}
	return user, nil
}

var _ Resolver = (*StoreResolver)(nil)
