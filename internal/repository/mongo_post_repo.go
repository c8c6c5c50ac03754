package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/dmnotify/internal/model"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoPostDocument はpostsコレクションのうち作成者の解決に必要なフィールドのみを表す。
type mongoPostDocument struct {
	UserID string `bson:"user_id"`
}

// MongoPostRepo は投稿サービスのMongoDB postsコレクションを参照するPost Directory実装。
type MongoPostRepo struct {
	collection *mongo.Collection
}

// NewMongoPostRepo はMongoPostRepoを生成する。
func NewMongoPostRepo(db *mongo.Database) *MongoPostRepo {
	return &MongoPostRepo{collection: db.Collection("posts")}
}

// ConnectMongo はMongoDBに接続し、Pingで疎通を確認する。
func ConnectMongo(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("MongoDBへの接続に失敗しました: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("MongoDBの疎通確認に失敗しました: %w", err)
	}
	return client, nil
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
// 24桁の16進文字列はObjectIDとして、それ以外は文字列の_idとして検索する。
func (r *MongoPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	filter := bson.M{"_id": id}
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		filter = bson.M{"_id": oid}
	}

	var doc mongoPostDocument
	opts := options.FindOne().SetProjection(bson.M{"user_id": 1})
	err := r.collection.FindOne(ctx, filter, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}

	return &model.Post{ID: id, CreatorID: doc.UserID}, nil
}

// compile-time interface check
var _ PostRepository = (*MongoPostRepo)(nil)
