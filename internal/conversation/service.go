// Package conversation は1対1の会話の解決（取得または作成）と一覧取得を提供する。
package conversation

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/dmnotify/internal/identity"
	"github.com/hitoshi/dmnotify/internal/model"
	"github.com/hitoshi/dmnotify/internal/repository"
)

const (
	// maxCreateAttempts は作成競合時に既存の会話を読み直す最大回数。
	maxCreateAttempts = 3
	// listResolveConcurrency は一覧取得時に相手のプロフィールを並行解決する上限。
	listResolveConcurrency = 8
)

// Service は会話のサービス層。
//
// 同じ参加者ペアへの同時呼び出しは、プロセス内ではsingleflightで1回にまとめ、
// プロセス間ではpair_keyの一意制約で解決する。競合に負けた側は既存の会話を読み直して返す。
type Service struct {
	tx       repository.TxManager
	convs    repository.ConversationRepository
	counters repository.UnreadCounterRepository
	users    identity.Resolver
	logger   *slog.Logger

	group singleflight.Group
	now   func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	tx repository.TxManager,
	convs repository.ConversationRepository,
	counters repository.UnreadCounterRepository,
	users identity.Resolver,
	logger *slog.Logger,
) *Service {
	return &Service{
		tx:       tx,
		convs:    convs,
		counters: counters,
		users:    users,
		logger:   logger,
		now:      time.Now,
	}
}

// GetOrCreate は2ユーザー間の会話を返す。存在しなければ作成する。
// 引数の順序に関係なく同じ会話を返す。
func (s *Service) GetOrCreate(ctx context.Context, a, b string) (*model.Conversation, error) {
	if err := model.ValidateUserID(a); err != nil {
		return nil, err
	}
	if err := model.ValidateUserID(b); err != nil {
		return nil, err
	}
	if a == b {
		return nil, model.NewSelfConversationError()
	}

	if err := s.resolveBoth(ctx, a, b); err != nil {
		return nil, err
	}

	pair, key := model.CanonicalPair(a, b)

	// 最初の呼び出し元のキャンセルで、合流した他の呼び出し元が失敗しないようにする
	detached := context.WithoutCancel(ctx)
	v, err, shared := s.group.Do(key, func() (any, error) {
		return s.findOrCreate(detached, pair, key)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug("会話の解決を同時実行中の呼び出しと共有しました", slog.String("pair_key", key))
	}

	conv := *v.(*model.Conversation)
	conv.UnreadCount = maps.Clone(conv.UnreadCount)
	return &conv, nil
}

// Get は指定IDの会話を返す。
func (s *Service) Get(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := s.convs.FindByID(ctx, id)
	if err != nil {
		return nil, model.NewUnavailableError(err)
	}
	if conv == nil {
		return nil, model.NewConversationNotFoundError(id)
	}
	return conv, nil
}

// ListForUser はユーザーが参加する会話を最終メッセージの新しい順に返す。
// 相手のプロフィールは並行に解決し、解決に失敗した場合はIDのみのプロフィールで代替する。
func (s *Service) ListForUser(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	if err := model.ValidateUserID(userID); err != nil {
		return nil, err
	}

	convs, err := s.convs.ListByParticipant(ctx, userID)
	if err != nil {
		return nil, model.NewUnavailableError(err)
	}

	summaries := make([]model.ConversationSummary, len(convs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(listResolveConcurrency)
	for i, conv := range convs {
		summaries[i] = model.ConversationSummary{
			Conversation: *conv,
			MyUnread:     conv.UnreadCount[userID],
		}
		otherID := conv.OtherParticipant(userID)
		g.Go(func() error {
			user, err := s.users.ResolveUser(gctx, otherID)
			if err != nil {
				s.logger.Warn("会話相手のプロフィール解決に失敗しました",
					slog.String("conversation_id", conv.ID),
					slog.String("user_id", otherID),
					slog.String("error", err.Error()),
				)
				user = &model.User{ID: otherID}
			}
			summaries[i].OtherUser = user
			return nil
		})
	}
	_ = g.Wait()

	return summaries, nil
}

// resolveBoth は2ユーザーがIdentity Storeに存在することを並行に確認する。
func (s *Service) resolveBoth(ctx context.Context, a, b string) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range []string{a, b} {
		g.Go(func() error {
			_, err := s.users.ResolveUser(gctx, id)
			return model.AsUnavailable(err)
		})
	}
	return g.Wait()
}

// findOrCreate は既存の会話を探し、なければ作成する。
// 他の作成に先を越された場合（Conflict）は既存の会話を読み直す。
func (s *Service) findOrCreate(ctx context.Context, pair [2]string, key string) (*model.Conversation, error) {
	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		conv, err := s.convs.FindByPairKey(ctx, key)
		if err != nil {
			return nil, model.NewUnavailableError(err)
		}
		if conv != nil {
			return conv, nil
		}

		conv, err = s.create(ctx, pair, key)
		if err == nil {
			s.logger.Info("会話を作成しました",
				slog.String("conversation_id", conv.ID),
				slog.String("participant_low", pair[0]),
				slog.String("participant_high", pair[1]),
			)
			return conv, nil
		}
		if !model.IsCode(err, model.ErrCodeConflict) {
			return nil, model.AsUnavailable(err)
		}
		s.logger.Debug("会話の作成が競合したため既存の会話を読み直します",
			slog.String("pair_key", key),
			slog.Int("attempt", attempt),
		)
	}
	return nil, model.NewUnavailableError(model.NewConflictError(key))
}

// create は会話と参加者2名分のカウンタを1トランザクションで作成する。
func (s *Service) create(ctx context.Context, pair [2]string, key string) (*model.Conversation, error) {
	now := s.now()
	conv := &model.Conversation{
		ID:             uuid.New().String(),
		ParticipantIDs: pair,
		PairKey:        key,
		LastMessage:    "",
		LastMessageAt:  now,
		CreatedAt:      now,
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.convs.Create(ctx, conv); err != nil {
			return err
		}
		for _, id := range pair {
			if err := s.counters.Reset(ctx, conv.ID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	conv.UnreadCount = map[string]int{pair[0]: 0, pair[1]: 0}
	return conv, nil
}
