package interaction

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/dmnotify/internal/identity"
	"github.com/hitoshi/dmnotify/internal/metrics"
	"github.com/hitoshi/dmnotify/internal/model"
	"github.com/hitoshi/dmnotify/internal/notification"
	"github.com/hitoshi/dmnotify/internal/repository"
	"github.com/hitoshi/dmnotify/internal/security"
)

// recordingNotifier はDispatchされた要求を記録するNotifier。
type recordingNotifier struct {
	mu       sync.Mutex
	requests []notification.Request
	accept   bool
}

func (n *recordingNotifier) Dispatch(req notification.Request) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, req)
	return n.accept
}

// failingNotificationRepo は常にCreateに失敗するNotificationRepository。
type failingNotificationRepo struct {
	repository.NotificationRepository
}

func (failingNotificationRepo) Create(ctx context.Context, n *model.Notification) error {
	return errors.New("notifications table is locked")
}

type testEnv struct {
	store *repository.MemoryStore
	svc   *Service
	logs  *bytes.Buffer
}

func seedStore() *repository.MemoryStore {
	store := repository.NewMemoryStore()
	for _, id := range []string{"carol", "dave", "erin"} {
		store.PutUser(model.User{ID: id, Name: strings.ToUpper(id[:1]) + id[1:]})
	}
	store.PutPost(model.Post{ID: "p1", CreatorID: "dave"})
	store.PutPost(model.Post{ID: "p2", CreatorID: "erin"})
	return store
}

func newEnv(t *testing.T, store *repository.MemoryStore, notifier Notifier) *testEnv {
	t.Helper()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	svc := NewService(
		store, store.Likes(), store.Follows(), store.Comments(), store.Posts(),
		identity.NewStoreResolver(store.Users()), notifier, security.NewTextChecker(), logger,
	)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	svc.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return &testEnv{store: store, svc: svc, logs: &buf}
}

// newDispatcherEnv は実際のディスパッチャを使う環境を作る。drainで処理完了まで待つ。
func newDispatcherEnv(t *testing.T, repo repository.NotificationRepository) (*testEnv, func()) {
	t.Helper()
	store := seedStore()
	if repo == nil {
		repo = store.Notifications()
	}
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	d := notification.NewDispatcher(repo, identity.NewStoreResolver(store.Users()), metrics.NopCollector{}, logger,
		notification.Config{Workers: 1, QueueSize: 16, MaxAttempts: 2, BaseBackoff: time.Millisecond})
	d.Start()
	drain := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.Shutdown(ctx); err != nil {
			t.Fatalf("Shutdown error: %v", err)
		}
	}
	return newEnv(t, store, d), drain
}

func notificationsFor(t *testing.T, store *repository.MemoryStore, userID string) []*model.Notification {
	t.Helper()
	list, err := store.Notifications().ListByUser(context.Background(), userID, 100)
	if err != nil {
		t.Fatalf("ListByUser error: %v", err)
	}
	return list
}

// 自分の投稿へのいいねでは通知が作成されない
func TestToggleLike_SelfLikeCreatesNoNotification(t *testing.T) {
	env, drain := newDispatcherEnv(t, nil)

	liked, err := env.svc.ToggleLike(context.Background(), "p1", "dave")
	if err != nil || !liked {
		t.Fatalf("ToggleLike = %v, %v", liked, err)
	}
	drain()

	if got := notificationsFor(t, env.store, "dave"); len(got) != 0 {
		t.Errorf("通知は作成されないべき: %d件", len(got))
	}
}

// 他人の投稿へのいいねで作成者宛ての通知がちょうど1件作成される
func TestToggleLike_NotifiesCreatorOnce(t *testing.T) {
	env, drain := newDispatcherEnv(t, nil)
	ctx := context.Background()

	if liked, err := env.svc.ToggleLike(ctx, "p1", "carol"); err != nil || !liked {
		t.Fatalf("like = %v, %v", liked, err)
	}
	if liked, err := env.svc.ToggleLike(ctx, "p1", "carol"); err != nil || liked {
		t.Fatalf("2回目は取り消しになるべき: %v, %v", liked, err)
	}
	drain()

	got := notificationsFor(t, env.store, "dave")
	if len(got) != 1 {
		t.Fatalf("通知は1件のみ: got %d", len(got))
	}
	n := got[0]
	if n.Type != model.NotificationTypeLike || n.SourceUserID != "carol" || n.SourceUserName != "Carol" {
		t.Errorf("通知内容が不正: %+v", n)
	}
	if n.PostID == nil || *n.PostID != "p1" {
		t.Errorf("PostID = %v, want p1", n.PostID)
	}
}

// 通知の作成に失敗してもいいね自体は保存される
func TestToggleLike_NotificationFailureKeepsLike(t *testing.T) {
	store := seedStore()
	env, drain := newDispatcherEnv(t, failingNotificationRepo{NotificationRepository: store.Notifications()})

	liked, err := env.svc.ToggleLike(context.Background(), "p1", "carol")
	if err != nil || !liked {
		t.Fatalf("通知失敗はエラーにならないべき: %v, %v", liked, err)
	}
	drain()

	created, err := env.store.Likes().Create(context.Background(), &model.Like{PostID: "p1", UserID: "carol"})
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if created {
		t.Error("いいねは保存済みであるべき")
	}
}

func TestToggleLike_Errors(t *testing.T) {
	env := newEnv(t, seedStore(), &recordingNotifier{accept: true})

	tests := []struct {
		name   string
		postID string
		userID string
		code   string
	}{
		{"存在しない投稿", "missing", "carol", model.ErrCodePostNotFound},
		{"投稿IDが空", " ", "carol", model.ErrCodeInvalidArgument},
		{"ユーザーIDが空", "p1", "", model.ErrCodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.ToggleLike(context.Background(), tt.postID, tt.userID)
			if !model.IsCode(err, tt.code) {
				t.Errorf("got %v, want %s", err, tt.code)
			}
		})
	}
}

// carolがdaveをフォロー→解除→再フォローすると、follow通知が2件作成される
func TestFollow_UnfollowThenFollowNotifiesTwice(t *testing.T) {
	env, drain := newDispatcherEnv(t, nil)
	ctx := context.Background()

	steps := []struct {
		name string
		run  func() (bool, error)
	}{
		{"follow", func() (bool, error) { return env.svc.Follow(ctx, "carol", "dave") }},
		{"unfollow", func() (bool, error) { return env.svc.Unfollow(ctx, "carol", "dave") }},
		{"follow", func() (bool, error) { return env.svc.Follow(ctx, "carol", "dave") }},
	}
	for _, step := range steps {
		ok, err := step.run()
		if err != nil || !ok {
			t.Fatalf("%s = %v, %v", step.name, ok, err)
		}
	}
	drain()

	got := notificationsFor(t, env.store, "dave")
	if len(got) != 2 {
		t.Fatalf("follow通知は2件: got %d", len(got))
	}
	for _, n := range got {
		if n.Type != model.NotificationTypeFollow || n.SourceUserID != "carol" || n.PostID != nil {
			t.Errorf("通知内容が不正: %+v", n)
		}
	}
}

// フォロー済みのユーザーを再度フォローしても通知しない
func TestFollow_AlreadyFollowingIsNoop(t *testing.T) {
	notifier := &recordingNotifier{accept: true}
	env := newEnv(t, seedStore(), notifier)
	ctx := context.Background()

	if created, err := env.svc.Follow(ctx, "carol", "dave"); err != nil || !created {
		t.Fatalf("Follow = %v, %v", created, err)
	}
	created, err := env.svc.Follow(ctx, "carol", "dave")
	if err != nil {
		t.Fatalf("Follow error: %v", err)
	}
	if created {
		t.Error("2回目は作成されないべき")
	}
	if len(notifier.requests) != 1 {
		t.Errorf("通知は1回のみ: got %d", len(notifier.requests))
	}
}

func TestFollow_Errors(t *testing.T) {
	env := newEnv(t, seedStore(), &recordingNotifier{accept: true})
	ctx := context.Background()

	if _, err := env.svc.Follow(ctx, "carol", "carol"); !model.IsCode(err, model.ErrCodeInvalidArgument) {
		t.Errorf("自分自身のフォロー: got %v", err)
	}
	if _, err := env.svc.Follow(ctx, "carol", "ghost"); !model.IsCode(err, model.ErrCodeUserNotFound) {
		t.Errorf("存在しないユーザー: got %v", err)
	}
	removed, err := env.svc.Unfollow(ctx, "carol", "dave")
	if err != nil || removed {
		t.Errorf("未フォローの解除はfalse: %v, %v", removed, err)
	}
}

// キューが満杯でも主操作は成功し、警告ログが出る
func TestFollow_DispatchRejectedIsLogged(t *testing.T) {
	env := newEnv(t, seedStore(), &recordingNotifier{accept: false})

	created, err := env.svc.Follow(context.Background(), "carol", "dave")
	if err != nil || !created {
		t.Fatalf("Follow = %v, %v", created, err)
	}
	if !strings.Contains(env.logs.String(), "通知イベントを投入できませんでした") {
		t.Errorf("警告ログが出力されるべき: %s", env.logs.String())
	}
}

func TestAddComment(t *testing.T) {
	notifier := &recordingNotifier{accept: true}
	env := newEnv(t, seedStore(), notifier)
	ctx := context.Background()

	c, err := env.svc.AddComment(ctx, CommentInput{PostID: "p1", UserID: "carol", Text: "  <b>nice</b> shot  "})
	if err != nil {
		t.Fatalf("AddComment error: %v", err)
	}
	if c.Text != "<b>nice</b> shot" {
		t.Errorf("Text = %q, want 前後の空白のみ除去した入力のまま", c.Text)
	}
	if c.ParentID != nil {
		t.Errorf("ParentID = %v, want nil", c.ParentID)
	}

	reply, err := env.svc.AddComment(ctx, CommentInput{PostID: "p1", UserID: "dave", Text: "thanks", ParentID: c.ID})
	if err != nil {
		t.Fatalf("返信 error: %v", err)
	}
	if reply.ParentID == nil || *reply.ParentID != c.ID {
		t.Errorf("ParentID = %v, want %s", reply.ParentID, c.ID)
	}

	if len(notifier.requests) != 2 {
		t.Fatalf("Dispatch回数 = %d, want 2", len(notifier.requests))
	}
	first := notifier.requests[0]
	if first.RecipientID != "dave" || first.Type != model.NotificationTypeComment || *first.PostID != "p1" {
		t.Errorf("通知要求が不正: %+v", first)
	}

	list, err := env.svc.ListComments(ctx, "p1")
	if err != nil {
		t.Fatalf("ListComments error: %v", err)
	}
	if len(list) != 2 || list[0].ID != c.ID || list[1].ID != reply.ID {
		t.Errorf("古い順に返るべき: %v", list)
	}
}

func TestAddComment_Errors(t *testing.T) {
	env := newEnv(t, seedStore(), &recordingNotifier{accept: true})
	ctx := context.Background()

	other, err := env.svc.AddComment(ctx, CommentInput{PostID: "p2", UserID: "carol", Text: "on p2"})
	if err != nil {
		t.Fatalf("AddComment error: %v", err)
	}

	tests := []struct {
		name string
		in   CommentInput
		code string
	}{
		{"空の本文", CommentInput{PostID: "p1", UserID: "carol", Text: "   "}, model.ErrCodeEmptyContent},
		{"制御文字を含む本文", CommentInput{PostID: "p1", UserID: "carol", Text: "a\x00b"}, model.ErrCodeInvalidArgument},
		{"長すぎる本文", CommentInput{PostID: "p1", UserID: "carol", Text: strings.Repeat("あ", MaxCommentLength+1)}, model.ErrCodeInvalidArgument},
		{"存在しない投稿", CommentInput{PostID: "missing", UserID: "carol", Text: "hi"}, model.ErrCodePostNotFound},
		{"存在しない親", CommentInput{PostID: "p1", UserID: "carol", Text: "hi", ParentID: "missing"}, model.ErrCodeCommentNotFound},
		{"別の投稿の親", CommentInput{PostID: "p1", UserID: "carol", Text: "hi", ParentID: other.ID}, model.ErrCodeInvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.AddComment(ctx, tt.in)
			if !model.IsCode(err, tt.code) {
				t.Errorf("got %v, want %s", err, tt.code)
			}
		})
	}
}

// 深い返信ツリーも再帰せずにまとめて削除される
func TestDeleteComment_RemovesDescendants(t *testing.T) {
	env := newEnv(t, seedStore(), &recordingNotifier{accept: true})
	ctx := context.Background()

	root, err := env.svc.AddComment(ctx, CommentInput{PostID: "p1", UserID: "carol", Text: "root"})
	if err != nil {
		t.Fatalf("AddComment error: %v", err)
	}
	parent := root.ID
	for i := 0; i < 200; i++ {
		c, err := env.svc.AddComment(ctx, CommentInput{PostID: "p1", UserID: "dave", Text: fmt.Sprintf("reply %d", i), ParentID: parent})
		if err != nil {
			t.Fatalf("AddComment error: %v", err)
		}
		parent = c.ID
	}
	// rootの直下に枝を追加
	if _, err := env.svc.AddComment(ctx, CommentInput{PostID: "p1", UserID: "erin", Text: "branch", ParentID: root.ID}); err != nil {
		t.Fatalf("AddComment error: %v", err)
	}
	sibling, err := env.svc.AddComment(ctx, CommentInput{PostID: "p1", UserID: "erin", Text: "sibling"})
	if err != nil {
		t.Fatalf("AddComment error: %v", err)
	}

	if _, err := env.svc.DeleteComment(ctx, root.ID, "dave"); !model.IsCode(err, model.ErrCodeForbidden) {
		t.Fatalf("作成者以外は削除できない: got %v", err)
	}

	deleted, err := env.svc.DeleteComment(ctx, root.ID, "carol")
	if err != nil {
		t.Fatalf("DeleteComment error: %v", err)
	}
	if deleted != 202 {
		t.Errorf("deleted = %d, want 202", deleted)
	}

	list, err := env.svc.ListComments(ctx, "p1")
	if err != nil {
		t.Fatalf("ListComments error: %v", err)
	}
	if len(list) != 1 || list[0].ID != sibling.ID {
		t.Errorf("無関係なコメントのみ残るべき: %v", list)
	}

	if _, err := env.svc.DeleteComment(ctx, root.ID, "carol"); !model.IsCode(err, model.ErrCodeCommentNotFound) {
		t.Errorf("削除済みはNOT_FOUND: got %v", err)
	}
}

// failingChildComments は途中でListChildIDsに失敗するCommentRepository。
type failingChildComments struct {
	repository.CommentRepository
	calls int
}

func (r *failingChildComments) ListChildIDs(ctx context.Context, parentIDs []string) ([]string, error) {
	r.calls++
	if r.calls > 1 {
		return nil, errors.New("read timeout")
	}
	return r.CommentRepository.ListChildIDs(ctx, parentIDs)
}

func TestDeleteComment_FailureDeletesNothing(t *testing.T) {
	env := newEnv(t, seedStore(), &recordingNotifier{accept: true})
	ctx := context.Background()

	root, _ := env.svc.AddComment(ctx, CommentInput{PostID: "p1", UserID: "carol", Text: "root"})
	child, _ := env.svc.AddComment(ctx, CommentInput{PostID: "p1", UserID: "dave", Text: "child", ParentID: root.ID})
	if _, err := env.svc.AddComment(ctx, CommentInput{PostID: "p1", UserID: "dave", Text: "grandchild", ParentID: child.ID}); err != nil {
		t.Fatalf("AddComment error: %v", err)
	}

	env.svc.comments = &failingChildComments{CommentRepository: env.store.Comments()}
	_, err := env.svc.DeleteComment(ctx, root.ID, "carol")
	if !model.IsCode(err, model.ErrCodeUnavailable) {
		t.Fatalf("got %v, want UNAVAILABLE", err)
	}

	list, _ := env.store.Comments().ListByPost(ctx, "p1")
	if len(list) != 3 {
		t.Errorf("失敗時は何も削除されないべき: %d件", len(list))
	}
}
