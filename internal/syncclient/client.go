// Package syncclient はAPIをポーリングして会話・メッセージ・バッジの最新状態を保つクライアントを提供する。
// 取得結果はIDで突き合わせてStateに反映し、配列の位置には依存しない。
package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// maxResponseBodySize はレスポンスボディの最大サイズ。
const maxResponseBodySize = 4 * 1024 * 1024

// User は会話相手のプロフィール。
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url,omitempty"`
	IsOnline  bool   `json:"is_online"`
}

// Conversation は会話一覧の1件。
type Conversation struct {
	ID             string         `json:"id"`
	ParticipantIDs [2]string      `json:"participant_ids"`
	LastMessage    string         `json:"last_message"`
	LastMessageAt  time.Time      `json:"last_message_at"`
	UnreadCount    map[string]int `json:"unread_count"`
	CreatedAt      time.Time      `json:"created_at"`
	OtherUser      *User          `json:"other_user,omitempty"`
	MyUnread       int            `json:"my_unread"`
}

// Message は会話内の1件のメッセージ。
type Message struct {
	ID             string    `json:"id"`
	Seq            int64     `json:"seq"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	ReceiverID     string    `json:"receiver_id"`
	Content        string    `json:"content"`
	AttachmentURL  string    `json:"attachment_url,omitempty"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

// Notification は通知の1件。
type Notification struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Type            string    `json:"type"`
	SourceUserID    string    `json:"source_user_id"`
	SourceUserName  string    `json:"source_user_name"`
	SourceUserImage string    `json:"source_user_image,omitempty"`
	PostID          *string   `json:"post_id,omitempty"`
	IsRead          bool      `json:"is_read"`
	CreatedAt       time.Time `json:"created_at"`
}

// StatusError はAPIが2xx以外を返した場合のエラー。
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("APIがステータス %d を返しました", e.StatusCode)
	}
	return fmt.Sprintf("APIがステータス %d を返しました: %s: %s", e.StatusCode, e.Code, e.Message)
}

// Temporary はリトライで回復しうるエラーかを返す。
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client はdmnotify APIのHTTPクライアント。
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

// NewClient はClientを生成する。tokenが空でなければBearerトークンとして送信する。
func NewClient(httpClient *http.Client, baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		logger:     logger,
	}
}

// ListConversations はユーザーの会話一覧を取得する。
func (c *Client) ListConversations(ctx context.Context, userID string) ([]Conversation, error) {
	var out []Conversation
	if err := c.getJSON(ctx, "/api/conversations", url.Values{"user_id": {userID}}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TotalUnread はユーザーの全会話の未読数の合計を取得する。
func (c *Client) TotalUnread(ctx context.Context, userID string) (int, error) {
	var out struct {
		Total int `json:"total"`
	}
	if err := c.getJSON(ctx, "/api/unread/total", url.Values{"user_id": {userID}}, &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}

// UnreadNotificationCount はユーザーの未読通知数を取得する。
func (c *Client) UnreadNotificationCount(ctx context.Context, userID string) (int, error) {
	var out struct {
		Count int `json:"count"`
	}
	if err := c.getJSON(ctx, "/api/notifications/unread-count", url.Values{"user_id": {userID}}, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// ListMessages はuserIDを閲覧者として会話のメッセージを古い順に取得する。
// afterSeqが0より大きい場合はそれより新しいもののみ。参加者でない場合は404になる。
func (c *Client) ListMessages(ctx context.Context, userID, conversationID string, afterSeq int64) ([]Message, error) {
	q := url.Values{"conversation_id": {conversationID}, "user_id": {userID}}
	if afterSeq > 0 {
		q.Set("after_seq", strconv.FormatInt(afterSeq, 10))
	}
	var out []Message
	if err := c.getJSON(ctx, "/api/messages", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListNotifications はユーザー宛の通知を新しい順に取得する。limitが0の場合はサーバーの既定値。
func (c *Client) ListNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	q := url.Values{"user_id": {userID}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Notification
	if err := c.getJSON(ctx, "/api/notifications", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("APIの呼び出しに失敗しました: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &apiErr) == nil {
			statusErr.Code = apiErr.Code
			statusErr.Message = apiErr.Message
		}
		c.logger.Warn("APIがエラーステータスを返しました",
			slog.String("path", path),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", statusErr.Code),
		)
		return statusErr
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err)
	}
	return nil
}
