package conversation

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/dmnotify/internal/identity"
	"github.com/hitoshi/dmnotify/internal/model"
	"github.com/hitoshi/dmnotify/internal/repository"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// mockResolver はidentity.Resolverのモック。
type mockResolver struct {
	resolveFn func(ctx context.Context, id string) (*model.User, error)
}

func (m *mockResolver) ResolveUser(ctx context.Context, id string) (*model.User, error) {
	return m.resolveFn(ctx, id)
}

// staleReadConvRepo は最初の検索だけ会話を見つけられず、
// 直後の作成で他プロセスに先を越された状況を再現する。
type staleReadConvRepo struct {
	repository.ConversationRepository
	reads int
}

func (r *staleReadConvRepo) FindByPairKey(ctx context.Context, pairKey string) (*model.Conversation, error) {
	r.reads++
	if r.reads == 1 {
		return nil, nil
	}
	return r.ConversationRepository.FindByPairKey(ctx, pairKey)
}

func newTestService(t *testing.T, users ...string) (*Service, *repository.MemoryStore) {
	t.Helper()
	store := repository.NewMemoryStore()
	for _, id := range users {
		store.PutUser(model.User{ID: id, Name: id + "-name"})
	}
	var buf bytes.Buffer
	svc := NewService(store, store.Conversations(), store.Counters(),
		identity.NewStoreResolver(store.Users()), newTestLogger(&buf))
	return svc, store
}

// getOrCreate(A,B) == getOrCreate(B,A) == 3回目の呼び出し
func TestService_GetOrCreate_Symmetric(t *testing.T) {
	svc, _ := newTestService(t, "alice", "bob")
	ctx := context.Background()

	first, err := svc.GetOrCreate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	second, err := svc.GetOrCreate(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	third, err := svc.GetOrCreate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}

	if first.ID != second.ID || second.ID != third.ID {
		t.Errorf("同じ会話が返るべき: %s, %s, %s", first.ID, second.ID, third.ID)
	}
	if first.ParticipantIDs != [2]string{"alice", "bob"} {
		t.Errorf("参加者は昇順に正規化されるべき: got %v", first.ParticipantIDs)
	}
	if first.LastMessage != "" {
		t.Errorf("作成直後の最終メッセージは空: got %q", first.LastMessage)
	}
	if first.UnreadCount["alice"] != 0 || first.UnreadCount["bob"] != 0 || len(first.UnreadCount) != 2 {
		t.Errorf("未読数は両者0で初期化されるべき: got %v", first.UnreadCount)
	}
}

func TestService_GetOrCreate_InvalidInput(t *testing.T) {
	svc, _ := newTestService(t, "alice", "bob")

	tests := []struct {
		name     string
		a, b     string
		wantCode string
	}{
		{"空のID", "", "bob", model.ErrCodeInvalidArgument},
		{"制御文字を含むID", "alice", "b\x1fob", model.ErrCodeInvalidArgument},
		{"自分自身", "alice", "alice", model.ErrCodeSelfConversation},
		{"存在しないユーザー", "alice", "ghost", model.ErrCodeUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.GetOrCreate(context.Background(), tt.a, tt.b)
			if !model.IsCode(err, tt.wantCode) {
				t.Errorf("got %v, want %s", err, tt.wantCode)
			}
		})
	}
}

// 50 goroutineから同時に呼び出しても会話は1件だけ作成される
func TestService_GetOrCreate_Concurrent(t *testing.T) {
	svc, store := newTestService(t, "alice", "bob")
	ctx := context.Background()

	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			conv, err := svc.GetOrCreate(ctx, a, b)
			if err != nil {
				t.Errorf("GetOrCreate error: %v", err)
				return
			}
			ids[i] = conv.ID
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("異なる会話IDが返された: %s != %s", ids[i], ids[0])
		}
	}
	convs, err := store.Conversations().ListByParticipant(ctx, "alice")
	if err != nil {
		t.Fatalf("ListByParticipant error: %v", err)
	}
	if len(convs) != 1 {
		t.Errorf("会話は1件であるべき: got %d", len(convs))
	}
}

// 作成競合に負けた場合は既存の会話を返し、Conflictを表に出さない
func TestService_GetOrCreate_LostRaceReturnsExisting(t *testing.T) {
	store := repository.NewMemoryStore()
	store.PutUser(model.User{ID: "alice"})
	store.PutUser(model.User{ID: "bob"})

	pair, key := model.CanonicalPair("alice", "bob")
	winner := &model.Conversation{ID: "winner", ParticipantIDs: pair, PairKey: key, LastMessageAt: time.Now()}
	if err := store.Conversations().Create(context.Background(), winner); err != nil {
		t.Fatalf("会話の作成に失敗: %v", err)
	}
	convs := &staleReadConvRepo{ConversationRepository: store.Conversations()}

	var buf bytes.Buffer
	svc := NewService(store, convs, store.Counters(), identity.NewStoreResolver(store.Users()), newTestLogger(&buf))

	conv, err := svc.GetOrCreate(context.Background(), "alice", "bob")
	if err != nil {
		t.Fatalf("競合はエラーにならないべき: %v", err)
	}
	if conv.ID != "winner" {
		t.Errorf("既存の会話が返るべき: got %s", conv.ID)
	}
	if convs.reads != 2 {
		t.Errorf("競合後に1回読み直すべき: reads = %d", convs.reads)
	}
}

func TestService_GetOrCreate_IdentityUnavailable(t *testing.T) {
	store := repository.NewMemoryStore()
	var buf bytes.Buffer
	resolver := &mockResolver{resolveFn: func(ctx context.Context, id string) (*model.User, error) {
		return nil, errors.New("timeout")
	}}
	svc := NewService(store, store.Conversations(), store.Counters(), resolver, newTestLogger(&buf))

	_, err := svc.GetOrCreate(context.Background(), "alice", "bob")
	if !model.IsCode(err, model.ErrCodeUnavailable) {
		t.Errorf("got %v, want UNAVAILABLE", err)
	}
}

func TestService_Get(t *testing.T) {
	svc, _ := newTestService(t, "alice", "bob")
	ctx := context.Background()

	created, err := svc.GetOrCreate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	got, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.PairKey != created.PairKey {
		t.Errorf("PairKey = %q, want %q", got.PairKey, created.PairKey)
	}

	if _, err := svc.Get(ctx, "missing"); !model.IsCode(err, model.ErrCodeConversationNotFound) {
		t.Errorf("got %v, want CONVERSATION_NOT_FOUND", err)
	}
}

func TestService_ListForUser(t *testing.T) {
	store := repository.NewMemoryStore()
	for _, id := range []string{"alice", "bob", "carol"} {
		store.PutUser(model.User{ID: id, Name: id + "-name"})
	}

	var buf bytes.Buffer
	stored := identity.NewStoreResolver(store.Users())
	svc := NewService(store, store.Conversations(), store.Counters(), stored, newTestLogger(&buf))
	ctx := context.Background()

	withBob, err := svc.GetOrCreate(ctx, "alice", "bob")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	withCarol, err := svc.GetOrCreate(ctx, "carol", "alice")
	if err != nil {
		t.Fatalf("GetOrCreate error: %v", err)
	}
	later := time.Now().Add(time.Minute)
	if err := store.Conversations().UpdateLastMessage(ctx, withCarol.ID, "hi", later); err != nil {
		t.Fatalf("UpdateLastMessage error: %v", err)
	}
	if _, err := store.Counters().Increment(ctx, withBob.ID, "alice"); err != nil {
		t.Fatalf("Increment error: %v", err)
	}

	// carolのプロフィール解決だけ失敗させる
	svc.users = &mockResolver{resolveFn: func(ctx context.Context, id string) (*model.User, error) {
		if id == "carol" {
			return nil, model.NewUnavailableError(errors.New("down"))
		}
		return stored.ResolveUser(ctx, id)
	}}

	list, err := svc.ListForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("ListForUser error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	if list[0].ID != withCarol.ID || list[1].ID != withBob.ID {
		t.Errorf("最終メッセージの新しい順であるべき: got %s, %s", list[0].ID, list[1].ID)
	}
	if list[0].OtherUser == nil || list[0].OtherUser.ID != "carol" || list[0].OtherUser.Name != "" {
		t.Errorf("解決失敗時はIDのみのプロフィールで代替されるべき: got %+v", list[0].OtherUser)
	}
	if list[1].OtherUser.Name != "bob-name" {
		t.Errorf("OtherUser.Name = %q, want bob-name", list[1].OtherUser.Name)
	}
	if list[1].MyUnread != 1 || list[0].MyUnread != 0 {
		t.Errorf("MyUnread不一致: %d, %d", list[0].MyUnread, list[1].MyUnread)
	}
}
