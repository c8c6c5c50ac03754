// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, not_found, conflict, system
	Action   string // ユーザー向け対処方法

	// cause は下位レイヤーのエラー。ログ出力とerrors.Unwrapのためだけに保持し、レスポンスには含めない。
	cause error
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は下位レイヤーのエラーを返す。
func (e *APIError) Unwrap() error {
	return e.cause
}

// エラーカテゴリ
const (
	CategoryValidation = "validation"
	CategoryNotFound   = "not_found"
	CategoryConflict   = "conflict"
	CategoryAuth       = "auth"
	CategorySystem     = "system"
)

// 定義済みエラーコード
const (
	ErrCodeInvalidArgument      = "INVALID_ARGUMENT"
	ErrCodeEmptyContent         = "EMPTY_CONTENT"
	ErrCodeSelfConversation     = "SELF_CONVERSATION"
	ErrCodeNotParticipant       = "NOT_PARTICIPANT"
	ErrCodeInvalidNotification  = "INVALID_NOTIFICATION"
	ErrCodeUserNotFound         = "USER_NOT_FOUND"
	ErrCodeConversationNotFound = "CONVERSATION_NOT_FOUND"
	ErrCodeNotificationNotFound = "NOTIFICATION_NOT_FOUND"
	ErrCodePostNotFound         = "POST_NOT_FOUND"
	ErrCodeCommentNotFound      = "COMMENT_NOT_FOUND"
	ErrCodeConflict             = "CONFLICT"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeForbidden            = "FORBIDDEN"
	ErrCodeUnavailable          = "UNAVAILABLE"
)

// NewInvalidArgumentError は入力値エラーを生成する。
func NewInvalidArgumentError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidArgument,
		Message:  fmt.Sprintf("入力値が不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "入力内容を確認してください。",
	}
}

// NewEmptyContentError は本文も添付もないメッセージのエラーを生成する。
func NewEmptyContentError() *APIError {
	return &APIError{
		Code:     ErrCodeEmptyContent,
		Message:  "メッセージ本文が空です。",
		Category: CategoryValidation,
		Action:   "本文を入力するか、添付ファイルを指定してください。",
	}
}

// NewSelfConversationError は自分自身との会話作成エラーを生成する。
func NewSelfConversationError() *APIError {
	return &APIError{
		Code:     ErrCodeSelfConversation,
		Message:  "自分自身との会話は作成できません。",
		Category: CategoryValidation,
		Action:   "別のユーザーを指定してください。",
	}
}

// NewNotParticipantError は会話の参加者でないユーザーによる操作のエラーを生成する。
func NewNotParticipantError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotParticipant,
		Message:  fmt.Sprintf("ユーザーはこの会話の参加者ではありません: %s", userID),
		Category: CategoryValidation,
		Action:   "会話IDとユーザーIDを確認してください。",
	}
}

// NewInvalidNotificationError は通知リクエストの形式エラーを生成する。
func NewInvalidNotificationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidNotification,
		Message:  fmt.Sprintf("通知の内容が不正です: %s", reason),
		Category: CategoryValidation,
		Action:   "通知種別と投稿IDの組み合わせを確認してください。",
	}
}

// NewUserNotFoundError はユーザーが見つからない場合のエラーを生成する。
func NewUserNotFoundError(userID string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("ユーザーが見つかりません: %s", userID),
		Category: CategoryNotFound,
		Action:   "ユーザーIDを確認してください。",
	}
}

// NewConversationNotFoundError は会話が見つからない場合のエラーを生成する。
func NewConversationNotFoundError(conversationID string) *APIError {
	return &APIError{
		Code:     ErrCodeConversationNotFound,
		Message:  fmt.Sprintf("指定された会話が見つかりません: %s", conversationID),
		Category: CategoryNotFound,
		Action:   "会話IDを確認してください。",
	}
}

// NewNotificationNotFoundError は通知が見つからない場合のエラーを生成する。
func NewNotificationNotFoundError(notificationID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotificationNotFound,
		Message:  fmt.Sprintf("指定された通知が見つかりません: %s", notificationID),
		Category: CategoryNotFound,
		Action:   "通知IDを確認してください。",
	}
}

// NewPostNotFoundError は投稿が見つからない場合のエラーを生成する。
func NewPostNotFoundError(postID string) *APIError {
	return &APIError{
		Code:     ErrCodePostNotFound,
		Message:  fmt.Sprintf("指定された投稿が見つかりません: %s", postID),
		Category: CategoryNotFound,
		Action:   "投稿IDを確認してください。",
	}
}

// NewCommentNotFoundError はコメントが見つからない場合のエラーを生成する。
func NewCommentNotFoundError(commentID string) *APIError {
	return &APIError{
		Code:     ErrCodeCommentNotFound,
		Message:  fmt.Sprintf("指定されたコメントが見つかりません: %s", commentID),
		Category: CategoryNotFound,
		Action:   "コメントIDを確認してください。",
	}
}

// NewConflictError は同時作成の競合エラーを生成する。
// 会話の作成では内部で解決され、呼び出し元に返ることはない。
func NewConflictError(key string) *APIError {
	return &APIError{
		Code:     ErrCodeConflict,
		Message:  fmt.Sprintf("同じキーのレコードが既に存在します: %s", key),
		Category: CategoryConflict,
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewUnauthorizedError は認証エラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: CategoryAuth,
		Action:   "有効なアクセストークンを指定してください。",
	}
}

// NewForbiddenError は認可エラーを生成する。
func NewForbiddenError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  fmt.Sprintf("この操作は許可されていません: %s", reason),
		Category: CategoryAuth,
		Action:   "自分のアカウントで操作してください。",
	}
}

// NewUnavailableError はストレージ障害などの一時的なエラーを生成する。
// causeはログとerrors.Unwrapのために保持される。
func NewUnavailableError(cause error) *APIError {
	return &APIError{
		Code:     ErrCodeUnavailable,
		Message:  "サービスが一時的に利用できません。",
		Category: CategorySystem,
		Action:   "しばらく待ってから再度お試しください。",
		cause:    cause,
	}
}

// IsCode はerrがAPIErrorで、指定コードを持つかを判定する。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// IsCategory はerrがAPIErrorで、指定カテゴリに属するかを判定する。
func IsCategory(err error, category string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Category == category
}

// AsUnavailable はAPIError以外のエラーをUnavailableに変換する。
// 既にAPIErrorの場合はそのまま返す。nilはnilを返す。
func AsUnavailable(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return err
	}
	return NewUnavailableError(err)
}
