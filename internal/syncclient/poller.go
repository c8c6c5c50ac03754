package syncclient

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Fetcher はPollerが使うAPI呼び出しのインターフェース。Clientが満たす。
type Fetcher interface {
	ListConversations(ctx context.Context, userID string) ([]Conversation, error)
	TotalUnread(ctx context.Context, userID string) (int, error)
	UnreadNotificationCount(ctx context.Context, userID string) (int, error)
	ListMessages(ctx context.Context, userID, conversationID string, afterSeq int64) ([]Message, error)
}

// PollerConfig はPollerの設定。
type PollerConfig struct {
	UserID          string
	FastInterval    time.Duration // 会話一覧とアクティブな会話のメッセージ
	SlowInterval    time.Duration // 未読数と未読通知数
	ForegroundRate  rate.Limit    // Foregroundによる即時更新のレート
	ForegroundBurst int
}

// DefaultPollerConfig は既定の設定を返す。
func DefaultPollerConfig(userID string) PollerConfig {
	return PollerConfig{
		UserID:          userID,
		FastInterval:    5 * time.Second,
		SlowInterval:    30 * time.Second,
		ForegroundRate:  rate.Every(2 * time.Second),
		ForegroundBurst: 2,
	}
}

// Poller は2つの周期でAPIをポーリングしてStateを更新する。
// 他の参加者の書き込みは、メッセージと会話一覧はFastInterval、バッジはSlowIntervalに
// リクエストのレイテンシを加えた時間以内に反映される。
type Poller struct {
	fetcher    Fetcher
	state      *State
	cfg        PollerConfig
	logger     *slog.Logger
	limiter    *rate.Limiter
	foreground chan struct{}
	now        func() time.Time

	mu       sync.Mutex
	active   string
	onUpdate func(Snapshot)
}

// NewPoller はPollerを生成する。
func NewPoller(fetcher Fetcher, state *State, cfg PollerConfig, logger *slog.Logger) *Poller {
	def := DefaultPollerConfig(cfg.UserID)
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = def.FastInterval
	}
	if cfg.SlowInterval <= 0 {
		cfg.SlowInterval = def.SlowInterval
	}
	if cfg.ForegroundRate <= 0 {
		cfg.ForegroundRate = def.ForegroundRate
	}
	if cfg.ForegroundBurst <= 0 {
		cfg.ForegroundBurst = def.ForegroundBurst
	}
	return &Poller{
		fetcher:    fetcher,
		state:      state,
		cfg:        cfg,
		logger:     logger,
		limiter:    rate.NewLimiter(cfg.ForegroundRate, cfg.ForegroundBurst),
		foreground: make(chan struct{}, 1),
		now:        time.Now,
	}
}

// State はPollerが更新するStateを返す。
func (p *Poller) State() *State {
	return p.state
}

// SetActiveConversation はメッセージを追跡する会話を設定する。空文字列で解除する。
func (p *Poller) SetActiveConversation(conversationID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = conversationID
}

// OnUpdate は状態が変化したときに呼ばれる関数を設定する。
func (p *Poller) OnUpdate(fn func(Snapshot)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUpdate = fn
}

// Foreground は両方の周期の即時更新を要求する。
// レート制限を超えた場合は要求を捨ててfalseを返す。
func (p *Poller) Foreground() bool {
	if !p.limiter.Allow() {
		return false
	}
	select {
	case p.foreground <- struct{}{}:
	default:
		// 既に要求済み
	}
	return true
}

// Run はctxがキャンセルされるまでポーリングを続ける。起動直後に両方の周期を1回実行する。
func (p *Poller) Run(ctx context.Context) error {
	fast := time.NewTicker(p.cfg.FastInterval)
	defer fast.Stop()
	slow := time.NewTicker(p.cfg.SlowInterval)
	defer slow.Stop()

	p.logger.Info("ポーリングを開始しました",
		slog.String("user_id", p.cfg.UserID),
		slog.Duration("fast_interval", p.cfg.FastInterval),
		slog.Duration("slow_interval", p.cfg.SlowInterval),
	)

	p.refreshAll(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("ポーリングを停止しました")
			return nil
		case <-fast.C:
			p.logIfFailed(ctx, "fast", p.RefreshFast(ctx))
		case <-slow.C:
			p.logIfFailed(ctx, "slow", p.RefreshSlow(ctx))
		case <-p.foreground:
			p.refreshAll(ctx)
		}
	}
}

func (p *Poller) refreshAll(ctx context.Context) {
	p.logIfFailed(ctx, "fast", p.RefreshFast(ctx))
	p.logIfFailed(ctx, "slow", p.RefreshSlow(ctx))
}

func (p *Poller) logIfFailed(ctx context.Context, cadence string, err error) {
	if err == nil || ctx.Err() != nil {
		return
	}
	p.logger.Warn("ポーリングに失敗しました",
		slog.String("cadence", cadence),
		slog.String("error", err.Error()),
	)
}

// RefreshFast は会話一覧と、設定されていればアクティブな会話のメッセージを取得する。
func (p *Poller) RefreshFast(ctx context.Context) error {
	convs, err := p.fetcher.ListConversations(ctx, p.cfg.UserID)
	if err != nil {
		return err
	}
	changed := p.state.ApplyConversations(convs, p.now())

	p.mu.Lock()
	active := p.active
	p.mu.Unlock()

	if active != "" {
		msgs, err := p.fetcher.ListMessages(ctx, p.cfg.UserID, active, 0)
		var se *StatusError
		switch {
		case errors.As(err, &se) && se.StatusCode == http.StatusNotFound:
			// 会話が見つからない場合は追跡をやめる
			p.SetActiveConversation("")
		case err != nil:
			return err
		default:
			if p.state.ApplyMessages(active, msgs, true) {
				changed = true
			}
		}
	}

	if changed {
		p.notify()
	}
	return nil
}

// RefreshSlow は未読数と未読通知数を並行して取得する。
func (p *Poller) RefreshSlow(ctx context.Context) error {
	var total, notifs int
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := p.fetcher.TotalUnread(gctx, p.cfg.UserID)
		total = n
		return err
	})
	g.Go(func() error {
		n, err := p.fetcher.UnreadNotificationCount(gctx, p.cfg.UserID)
		notifs = n
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if p.state.SetBadges(total, notifs, p.now()) {
		p.notify()
	}
	return nil
}

func (p *Poller) notify() {
	p.mu.Lock()
	fn := p.onUpdate
	p.mu.Unlock()
	if fn != nil {
		fn(p.state.Snapshot())
	}
}
