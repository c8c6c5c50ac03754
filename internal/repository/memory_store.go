package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hitoshi/dmnotify/internal/model"
)

// MemoryStore はプロセス内メモリに全データを保持するストア。
// STORE_BACKEND=memory での単体起動とテストで使用する。
//
// 全操作はストア単位のミューテックスで直列化される。
// WithinTxはfnの実行中ロックを保持し続け、fnがエラーを返した場合は
// 記録済みの取り消し操作を逆順に適用してロールバックする。
// トランザクション中のctxを別goroutineに渡してはならない。
type MemoryStore struct {
	mu sync.Mutex

	msgSeq        int64
	users         map[string]model.User
	posts         map[string]model.Post
	conversations map[string]*model.Conversation
	pairIndex     map[string]string
	messages      map[string][]*model.Message
	counters      map[counterKey]int
	notifications map[string]*model.Notification
	likes         map[likeKey]time.Time
	follows       map[followKey]time.Time
	comments      map[string]*model.Comment
}

type counterKey struct{ conversationID, participantID string }
type likeKey struct{ postID, userID string }
type followKey struct{ followerID, followedID string }

type memTxKey struct{}

// memTx はMemoryStoreのトランザクション状態。
type memTx struct {
	store *MemoryStore
	undo  []func()
}

// NewMemoryStore は空のMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]model.User),
		posts:         make(map[string]model.Post),
		conversations: make(map[string]*model.Conversation),
		pairIndex:     make(map[string]string),
		messages:      make(map[string][]*model.Message),
		counters:      make(map[counterKey]int),
		notifications: make(map[string]*model.Notification),
		likes:         make(map[likeKey]time.Time),
		follows:       make(map[followKey]time.Time),
		comments:      make(map[string]*model.Comment),
	}
}

// WithinTx はfnをストアのロックを保持したまま実行する。
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.txFrom(ctx) != nil {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{store: s}
	if err := fn(context.WithValue(ctx, memTxKey{}, tx)); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

func (s *MemoryStore) txFrom(ctx context.Context) *memTx {
	tx, ok := ctx.Value(memTxKey{}).(*memTx)
	if ok && tx.store == s {
		return tx
	}
	return nil
}

// lock はトランザクション外であればストアをロックし、解放関数を返す。
func (s *MemoryStore) lock(ctx context.Context) func() {
	if s.txFrom(ctx) != nil {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// onRollback はトランザクション内であれば取り消し操作を記録する。
func (s *MemoryStore) onRollback(ctx context.Context, undo func()) {
	if tx := s.txFrom(ctx); tx != nil {
		tx.undo = append(tx.undo, undo)
	}
}

// PutUser はユーザープロフィールを登録または上書きする。
func (s *MemoryStore) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// PutPost は投稿を登録または上書きする。
func (s *MemoryStore) PutPost(p model.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[p.ID] = p
}

// PutCounter はカウンタ値を直接設定する。参加者以外のキーも書き込めるため、修復処理の検証に使う。
func (s *MemoryStore) PutCounter(conversationID, participantID string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counterKey{conversationID, participantID}] = count
}

// memorySeed はLoadSeedが読み込むJSONの形式。
type memorySeed struct {
	Users []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	} `json:"users"`
	Posts []struct {
		ID        string `json:"id"`
		CreatorID string `json:"creator_id"`
	} `json:"posts"`
}

// LoadSeed はJSON形式のユーザーと投稿を読み込んで登録する。
func (s *MemoryStore) LoadSeed(r io.Reader) error {
	var seed memorySeed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("シードデータのパースに失敗しました: %w", err)
	}
	for _, u := range seed.Users {
		s.PutUser(model.User{ID: u.ID, Name: u.Name, AvatarURL: u.AvatarURL})
	}
	for _, p := range seed.Posts {
		s.PutPost(model.Post{ID: p.ID, CreatorID: p.CreatorID})
	}
	return nil
}

// Users はユーザーリポジトリを返す。
func (s *MemoryStore) Users() *MemoryUserRepo { return &MemoryUserRepo{s: s} }

// Posts はPost Directoryを返す。
func (s *MemoryStore) Posts() *MemoryPostRepo { return &MemoryPostRepo{s: s} }

// Conversations は会話リポジトリを返す。
func (s *MemoryStore) Conversations() *MemoryConversationRepo { return &MemoryConversationRepo{s: s} }

// Messages はメッセージリポジトリを返す。
func (s *MemoryStore) Messages() *MemoryMessageRepo { return &MemoryMessageRepo{s: s} }

// Counters は未読カウンタリポジトリを返す。
func (s *MemoryStore) Counters() *MemoryUnreadCounterRepo { return &MemoryUnreadCounterRepo{s: s} }

// Notifications は通知リポジトリを返す。
func (s *MemoryStore) Notifications() *MemoryNotificationRepo { return &MemoryNotificationRepo{s: s} }

// Likes はいいねリポジトリを返す。
func (s *MemoryStore) Likes() *MemoryLikeRepo { return &MemoryLikeRepo{s: s} }

// Follows はフォローリポジトリを返す。
func (s *MemoryStore) Follows() *MemoryFollowRepo { return &MemoryFollowRepo{s: s} }

// Comments はコメントリポジトリを返す。
func (s *MemoryStore) Comments() *MemoryCommentRepo { return &MemoryCommentRepo{s: s} }

// compile-time interface check
var _ TxManager = (*MemoryStore)(nil)
