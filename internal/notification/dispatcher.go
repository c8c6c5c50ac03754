// Package notification はいいね・フォロー・コメントに伴う通知の作成と配信キューを提供する。
//
// Notifyは通知を同期的に作成する。Dispatchは主操作のコミット後に呼ぶベストエフォートの経路で、
// 有界キューに積んだイベントをワーカーが処理する。Dispatch経由の失敗はログとメトリクスにのみ
// 現れ、主操作の呼び出し元には返らない。
package notification

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/dmnotify/internal/identity"
	"github.com/hitoshi/dmnotify/internal/metrics"
	"github.com/hitoshi/dmnotify/internal/model"
	"github.com/hitoshi/dmnotify/internal/repository"
)

const (
	// DefaultListLimit は通知一覧の既定件数であり上限でもある。
	DefaultListLimit = 50
)

// Request は通知作成の要求。
type Request struct {
	RecipientID     string
	Type            model.NotificationType
	SourceUserID    string
	SourceUserName  string // 空の場合はIdentity Storeから解決する
	SourceUserImage string
	PostID          *string // followの場合はnil
}

// Config はディスパッチャの設定。
type Config struct {
	Workers     int           // ワーカー数
	QueueSize   int           // キューの容量
	MaxAttempts int           // Unavailableの場合の最大試行回数
	BaseBackoff time.Duration // 初回リトライまでの待機時間。以降2倍ずつ増える
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   1024,
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
	}
}

type queuedRequest struct {
	req        Request
	enqueuedAt time.Time
}

// Dispatcher は通知の作成・取得と非同期配信を行う。
type Dispatcher struct {
	repo     repository.NotificationRepository
	profiles identity.Resolver
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
	cfg      Config

	queue     chan queuedRequest
	wg        sync.WaitGroup
	startOnce sync.Once

	mu     sync.RWMutex
	closed bool

	now func() time.Time
}

// NewDispatcher はDispatcherを生成する。ワーカーはStartで起動する。
// profilesがnilの場合、送信元のプロフィールは要求に含まれる値をそのまま使う。
func NewDispatcher(
	repo repository.NotificationRepository,
	profiles identity.Resolver,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}

	return &Dispatcher{
		repo:     repo,
		profiles: profiles,
		metrics:  collector,
		logger:   logger,
		cfg:      cfg,
		queue:    make(chan queuedRequest, cfg.QueueSize),
		now:      time.Now,
	}
}

// Start はワーカーを起動する。2回目以降の呼び出しは何もしない。
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		d.logger.Info("通知ディスパッチャを開始しました",
			slog.Int("workers", d.cfg.Workers),
			slog.Int("queue_size", d.cfg.QueueSize),
		)
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

// Dispatch は通知イベントをキューに積む。
// 停止後またはキューが満杯の場合はイベントを破棄してfalseを返す。ブロックしない。
func (d *Dispatcher) Dispatch(req Request) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(req, "closed")
		return false
	}

	select {
	case d.queue <- queuedRequest{req: req, enqueuedAt: d.now()}:
		return true
	default:
		d.drop(req, "queue_full")
		return false
	}
}

// Shutdown は新規の受け付けを止め、キューに残ったイベントを処理し終えるまで待つ。
// ctxが先に終了した場合はctx.Err()を返す。
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	// Startされていない場合でもキューを処理しきる
	d.Start()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("通知ディスパッチャを停止しました")
		return nil
	case <-ctx.Done():
		d.logger.Warn("通知ディスパッチャの停止がタイムアウトしました",
			slog.Int("pending", len(d.queue)),
		)
		return ctx.Err()
	}
}

// Notify は通知を同期的に作成する。
// 受信者と送信元が同じ場合は何も作成せず(nil, nil)を返す。
func (d *Dispatcher) Notify(ctx context.Context, req Request) (*model.Notification, error) {
	if strings.TrimSpace(req.RecipientID) == "" || strings.TrimSpace(req.SourceUserID) == "" {
		return nil, model.NewInvalidNotificationError("受信者IDと送信元IDは必須です")
	}
	if req.RecipientID == req.SourceUserID {
		return nil, nil
	}
	if err := validateType(req); err != nil {
		return nil, err
	}

	name, image := req.SourceUserName, req.SourceUserImage
	if name == "" && d.profiles != nil {
		user, err := d.profiles.ResolveUser(ctx, req.SourceUserID)
		if err != nil {
			return nil, model.AsUnavailable(err)
		}
		name = user.Name
		if image == "" {
			image = user.AvatarURL
		}
	}

	n := &model.Notification{
		ID:              uuid.New().String(),
		UserID:          req.RecipientID,
		Type:            req.Type,
		SourceUserID:    req.SourceUserID,
		SourceUserName:  name,
		SourceUserImage: image,
		PostID:          req.PostID,
		IsRead:          false,
		CreatedAt:       d.now(),
	}
	if err := d.repo.Create(ctx, n); err != nil {
		return nil, model.NewUnavailableError(err)
	}

	d.metrics.RecordNotificationCreated(string(n.Type))
	return n, nil
}

// List はユーザー宛ての通知を新しい順に返す。
// limitが0以下またはDefaultListLimitを超える場合はDefaultListLimitを使う。
func (d *Dispatcher) List(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	if err := model.ValidateUserID(userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > DefaultListLimit {
		limit = DefaultListLimit
	}

	list, err := d.repo.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, model.NewUnavailableError(err)
	}
	if list == nil {
		list = []*model.Notification{}
	}
	return list, nil
}

// MarkAllRead はユーザー宛ての未読通知をすべて既読にし、更新件数を返す。
func (d *Dispatcher) MarkAllRead(ctx context.Context, userID string) (int, error) {
	if err := model.ValidateUserID(userID); err != nil {
		return 0, err
	}
	n, err := d.repo.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, model.NewUnavailableError(err)
	}
	return n, nil
}

// MarkRead はユーザー宛ての通知1件を既読にする。
// 通知が存在しないか、他のユーザー宛ての場合はNOTIFICATION_NOT_FOUNDを返す。
func (d *Dispatcher) MarkRead(ctx context.Context, userID, notificationID string) error {
	if err := model.ValidateUserID(userID); err != nil {
		return err
	}
	ok, err := d.repo.MarkRead(ctx, userID, notificationID)
	if err != nil {
		return model.NewUnavailableError(err)
	}
	if !ok {
		return model.NewNotificationNotFoundError(notificationID)
	}
	return nil
}

// UnreadCount はユーザー宛ての未読通知数を返す。
func (d *Dispatcher) UnreadCount(ctx context.Context, userID string) (int, error) {
	if err := model.ValidateUserID(userID); err != nil {
		return 0, err
	}
	n, err := d.repo.CountUnread(ctx, userID)
	if err != nil {
		return 0, model.NewUnavailableError(err)
	}
	return n, nil
}

// worker はキューが閉じられるまでイベントを処理する。
func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for item := range d.queue {
		d.deliver(item)
	}
}

// deliver は1件のイベントを処理する。Unavailableの場合のみ指数バックオフでリトライする。
func (d *Dispatcher) deliver(item queuedRequest) {
	ctx := context.Background()
	req := item.req

	for attempt := 1; ; attempt++ {
		n, err := d.Notify(ctx, req)
		if err == nil {
			d.metrics.RecordDispatchLatency(d.now().Sub(item.enqueuedAt))
			if n != nil {
				d.logger.Debug("通知を作成しました",
					slog.String("notification_id", n.ID),
					slog.String("type", string(n.Type)),
					slog.String("user_id", n.UserID),
				)
			}
			return
		}

		if !model.IsCode(err, model.ErrCodeUnavailable) || attempt >= d.cfg.MaxAttempts {
			d.logger.Error("通知の作成に失敗しました",
				slog.String("type", string(req.Type)),
				slog.String("recipient_id", req.RecipientID),
				slog.String("source_user_id", req.SourceUserID),
				slog.Int("attempts", attempt),
				slog.String("error", err.Error()),
			)
			d.metrics.RecordNotificationFailed(string(req.Type), failureReason(err))
			return
		}

		time.Sleep(RetryDelay(d.cfg.BaseBackoff, attempt))
	}
}

func (d *Dispatcher) drop(req Request, reason string) {
	d.logger.Warn("通知イベントを破棄しました",
		slog.String("reason", reason),
		slog.String("type", string(req.Type)),
		slog.String("recipient_id", req.RecipientID),
	)
	d.metrics.RecordNotificationDropped(reason)
}

// RetryDelay はattempt回目の失敗後に待つ時間を返す。
// base、2*base、4*base…と倍々に増える。
func RetryDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// validateType は通知種別と投稿IDの組み合わせを検証する。
func validateType(req Request) error {
	if !req.Type.Valid() {
		return model.NewInvalidNotificationError("未定義の通知種別です: " + string(req.Type))
	}
	hasPost := req.PostID != nil && *req.PostID != ""
	if req.Type.RequiresPost() && !hasPost {
		return model.NewInvalidNotificationError(string(req.Type) + "通知には投稿IDが必要です")
	}
	if !req.Type.RequiresPost() && req.PostID != nil {
		return model.NewInvalidNotificationError(string(req.Type) + "通知に投稿IDは指定できません")
	}
	return nil
}

// failureReason はメトリクスのラベルに使う失敗理由を返す。
func failureReason(err error) string {
	switch {
	case model.IsCategory(err, model.CategorySystem):
		return "unavailable"
	case model.IsCategory(err, model.CategoryNotFound):
		return "not_found"
	case model.IsCategory(err, model.CategoryValidation):
		return "invalid"
	default:
		return "unknown"
	}
}
