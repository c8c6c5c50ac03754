// Package messaging は会話内のメッセージの送信、取得、既読化を提供する。
//
// メッセージは会話ごとに作成日時の昇順で並び、同時刻の場合は挿入順のSeqで順序を決める。
// 送信と既読化はそれぞれ1つのトランザクションで、メッセージ・会話・未読カウンタをまとめて更新する。
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/hitoshi/dmnotify/internal/metrics"
	"github.com/hitoshi/dmnotify/internal/model"
	"github.com/hitoshi/dmnotify/internal/repository"
	"github.com/hitoshi/dmnotify/internal/security"
)

const (
	// MaxContentLength はメッセージ本文の最大文字数（rune数）。
	MaxContentLength = 4000
	// MaxListLimit は1回の一覧取得で返す最大件数。
	MaxListLimit = 500
)

// CounterService は未読カウンタの更新インターフェース。
// ctxのトランザクションに参加して実行される必要がある。
type CounterService interface {
	Increment(ctx context.Context, conversationID, participantID string) (int, error)
	Reset(ctx context.Context, conversationID, participantID string) error
}

// AttachmentChecker は添付URLの検証インターフェース。
type AttachmentChecker interface {
	Check(ctx context.Context, rawURL string) error
}

// SendInput はメッセージ送信の入力。
type SendInput struct {
	ConversationID string
	SenderID       string
	Content        string
	AttachmentURL  string
}

// ListOptions はメッセージ一覧の取得条件。
type ListOptions struct {
	ViewerID string // 空でない場合、参加者以外にはCONVERSATION_NOT_FOUNDを返す
	AfterSeq int64  // このSeqより新しいメッセージのみ返す。0は全件
	Limit    int    // 0は無制限。MaxListLimitを超える値は切り詰める
}

// Service はメッセージのサービス層。
type Service struct {
	tx          repository.TxManager
	convs       repository.ConversationRepository
	messages    repository.MessageRepository
	counters    CounterService
	checker     security.TextChecker
	attachments AttachmentChecker
	metrics     metrics.MetricsCollector
	logger      *slog.Logger

	now func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// attachmentsがnilの場合、添付URLは検証しない。
func NewService(
	tx repository.TxManager,
	convs repository.ConversationRepository,
	messages repository.MessageRepository,
	counters CounterService,
	checker security.TextChecker,
	attachments AttachmentChecker,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
) *Service {
	return &Service{
		tx:          tx,
		convs:       convs,
		messages:    messages,
		counters:    counters,
		checker:     checker,
		attachments: attachments,
		metrics:     collector,
		logger:      logger,
		now:         time.Now,
	}
}

// Send はメッセージを会話に追加する。
//
// メッセージの追加、会話の最終メッセージ更新、受信者の未読数加算を1トランザクションで行い、
// いずれかが失敗した場合はすべてロールバックしてエラーを返す。
// 受け付けた送信は呼び出し元のキャンセルで中断しない。
func (s *Service) Send(ctx context.Context, in SendInput) (*model.Message, error) {
	ctx = context.WithoutCancel(ctx)

	if strings.TrimSpace(in.ConversationID) == "" {
		return nil, model.NewInvalidArgumentError("会話IDが空です")
	}
	if err := model.ValidateUserID(in.SenderID); err != nil {
		return nil, err
	}

	content := strings.TrimSpace(in.Content)
	if err := s.checker.Check(content); err != nil {
		return nil, model.NewInvalidArgumentError("本文" + err.Error())
	}
	if n := utf8.RuneCountInString(content); n > MaxContentLength {
		return nil, model.NewInvalidArgumentError(fmt.Sprintf("本文は%d文字以内で入力してください（%d文字）", MaxContentLength, n))
	}
	attachment := strings.TrimSpace(in.AttachmentURL)
	if content == "" && attachment == "" {
		return nil, model.NewEmptyContentError()
	}
	if attachment != "" && s.attachments != nil {
		if err := s.attachments.Check(ctx, attachment); err != nil {
			return nil, err
		}
	}

	conv, err := s.participantConversation(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		SenderID:       in.SenderID,
		ReceiverID:     conv.OtherParticipant(in.SenderID),
		Content:        content,
		AttachmentURL:  attachment,
		Read:           false,
		CreatedAt:      s.now(),
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.messages.Create(ctx, msg); err != nil {
			return model.NewUnavailableError(err)
		}
		if err := s.convs.UpdateLastMessage(ctx, conv.ID, lastMessageText(msg), msg.CreatedAt); err != nil {
			return model.NewUnavailableError(err)
		}
		if _, err := s.counters.Increment(ctx, conv.ID, msg.ReceiverID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		s.logger.Error("メッセージの送信に失敗しました",
			slog.String("conversation_id", conv.ID),
			slog.String("sender_id", in.SenderID),
			slog.String("error", err.Error()),
		)
		return nil, model.AsUnavailable(err)
	}

	s.metrics.RecordMessageSent()
	s.logger.Info("メッセージを送信しました",
		slog.String("conversation_id", conv.ID),
		slog.String("message_id", msg.ID),
		slog.Int64("seq", msg.Seq),
	)
	return msg, nil
}

// List は会話のメッセージを作成日時の昇順で返す。
// 参加者以外からの参照には会話の存在を明かさない。
func (s *Service) List(ctx context.Context, conversationID string, opts ListOptions) ([]*model.Message, error) {
	if opts.AfterSeq < 0 {
		return nil, model.NewInvalidArgumentError("after_seqは0以上で指定してください")
	}
	if opts.Limit < 0 {
		return nil, model.NewInvalidArgumentError("limitは0以上で指定してください")
	}
	limit := opts.Limit
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	conv, err := s.convs.FindByID(ctx, conversationID)
	if err != nil {
		return nil, model.NewUnavailableError(err)
	}
	if conv == nil || (opts.ViewerID != "" && !conv.HasParticipant(opts.ViewerID)) {
		return nil, model.NewConversationNotFoundError(conversationID)
	}

	msgs, err := s.messages.ListByConversation(ctx, conversationID, model.MessageListOptions{
		AfterSeq: opts.AfterSeq,
		Limit:    limit,
	})
	if err != nil {
		return nil, model.NewUnavailableError(err)
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	return msgs, nil
}

// MarkRead は読者宛ての未読メッセージを既読にし、読者の未読数を0にする。
// 既読にしたメッセージ数を返す。繰り返し呼んでも結果は変わらない。
func (s *Service) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	ctx = context.WithoutCancel(ctx)

	if err := model.ValidateUserID(readerID); err != nil {
		return 0, err
	}
	conv, err := s.participantConversation(ctx, conversationID, readerID)
	if err != nil {
		return 0, err
	}

	var flipped int
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		n, err := s.messages.MarkReadForReceiver(ctx, conv.ID, readerID)
		if err != nil {
			return model.NewUnavailableError(err)
		}
		flipped = n
		return s.counters.Reset(ctx, conv.ID, readerID)
	})
	if err != nil {
		s.logger.Error("既読化に失敗しました",
			slog.String("conversation_id", conv.ID),
			slog.String("reader_id", readerID),
			slog.String("error", err.Error()),
		)
		return 0, model.AsUnavailable(err)
	}
	return flipped, nil
}

// participantConversation は会話を取得し、指定ユーザーが参加者であることを確認する。
func (s *Service) participantConversation(ctx context.Context, conversationID, userID string) (*model.Conversation, error) {
	conv, err := s.convs.FindByID(ctx, conversationID)
	if err != nil {
		return nil, model.NewUnavailableError(err)
	}
	if conv == nil {
		return nil, model.NewConversationNotFoundError(conversationID)
	}
	if !conv.HasParticipant(userID) {
		return nil, model.NewNotParticipantError(userID)
	}
	return conv, nil
}

// lastMessageText は会話一覧に表示する最終メッセージの文字列を返す。
func lastMessageText(msg *model.Message) string {
	if msg.Content == "" {
		return model.AttachmentPlaceholder
	}
	return msg.Content
}
