// Package unread は会話ごと・参加者ごとの未読カウンタを管理する。
//
// カウンタは(会話, 参加者)をキーとする独立した値で、加算とリセットはキー単位でアトミックに行われる。
// 存在しないキーは0として読み、参加者以外をキーとする古いエントリは読み取り時に無視し、
// その会話への次の書き込み時に削除する。
package unread

import (
	"context"
	"log/slog"

	"github.com/hitoshi/dmnotify/internal/model"
	"github.com/hitoshi/dmnotify/internal/repository"
)

// Service は未読カウンタのサービス層。
// ctxにトランザクションがある場合、各操作はそのトランザクションに参加する。
type Service struct {
	convs    repository.ConversationRepository
	counters repository.UnreadCounterRepository
	logger   *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	convs repository.ConversationRepository,
	counters repository.UnreadCounterRepository,
	logger *slog.Logger,
) *Service {
	return &Service{
		convs:    convs,
		counters: counters,
		logger:   logger,
	}
}

// Increment は参加者のカウンタを1増やし、増加後の値を返す。
func (s *Service) Increment(ctx context.Context, conversationID, participantID string) (int, error) {
	conv, err := s.participantConversation(ctx, conversationID, participantID)
	if err != nil {
		return 0, err
	}
	s.repairStale(ctx, conv)

	count, err := s.counters.Increment(ctx, conversationID, participantID)
	if err != nil {
		return 0, model.NewUnavailableError(err)
	}
	return count, nil
}

// Reset は参加者のカウンタを0にする。
func (s *Service) Reset(ctx context.Context, conversationID, participantID string) error {
	conv, err := s.participantConversation(ctx, conversationID, participantID)
	if err != nil {
		return err
	}
	s.repairStale(ctx, conv)

	if err := s.counters.Reset(ctx, conversationID, participantID); err != nil {
		return model.NewUnavailableError(err)
	}
	return nil
}

// TotalUnread はユーザーが参加する全会話の未読数の合計を返す。
func (s *Service) TotalUnread(ctx context.Context, userID string) (int, error) {
	if err := model.ValidateUserID(userID); err != nil {
		return 0, err
	}
	total, err := s.counters.SumForUser(ctx, userID)
	if err != nil {
		return 0, model.NewUnavailableError(err)
	}
	return total, nil
}

// Counts は会話の参加者2名分の未読数を返す。
// カウンタ行がない参加者は0、参加者以外のキーは含めない。
func (s *Service) Counts(ctx context.Context, conversationID string) (map[string]int, error) {
	conv, err := s.convs.FindByID(ctx, conversationID)
	if err != nil {
		return nil, model.NewUnavailableError(err)
	}
	if conv == nil {
		return nil, model.NewConversationNotFoundError(conversationID)
	}

	counts := make(map[string]int, 2)
	for _, id := range conv.ParticipantIDs {
		counts[id] = conv.UnreadCount[id]
	}
	return counts, nil
}

// participantConversation は会話を取得し、指定ユーザーが参加者であることを確認する。
func (s *Service) participantConversation(ctx context.Context, conversationID, participantID string) (*model.Conversation, error) {
	if err := model.ValidateUserID(participantID); err != nil {
		return nil, err
	}
	conv, err := s.convs.FindByID(ctx, conversationID)
	if err != nil {
		return nil, model.NewUnavailableError(err)
	}
	if conv == nil {
		return nil, model.NewConversationNotFoundError(conversationID)
	}
	if !conv.HasParticipant(participantID) {
		return nil, model.NewNotParticipantError(participantID)
	}
	return conv, nil
}

// repairStale は参加者以外をキーとするカウンタを削除する。
// 修復の失敗は書き込み自体を失敗させない。
func (s *Service) repairStale(ctx context.Context, conv *model.Conversation) {
	removed, err := s.counters.DeleteStale(ctx, conv.ID, conv.ParticipantIDs)
	if err != nil {
		s.logger.Warn("古い未読カウンタの削除に失敗しました",
			slog.String("conversation_id", conv.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if removed > 0 {
		s.logger.Info("古い未読カウンタを削除しました",
			slog.String("conversation_id", conv.ID),
			slog.Int("removed", removed),
		)
	}
}
