package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/dmnotify/internal/model"
)

// maxProfileBodySize はプロフィールレスポンスの最大サイズ。
const maxProfileBodySize = 64 * 1024

// profileResponse はユーザーAPIのレスポンス。
type profileResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
	IsOnline  bool   `json:"is_online"`
}

// HTTPClient はユーザーAPI（GET {baseURL}/users/{id}）を呼び出すResolver実装。
// 404はUSER_NOT_FOUND、それ以外の失敗はUNAVAILABLEとして返す。
type HTTPClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	baseURL    string
}

// NewHTTPClient はHTTPClientを生成する。
// タイムアウトはhttpClient側で設定する。
func NewHTTPClient(httpClient *http.Client, baseURL string, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// ResolveUser はユーザーAPIからプロフィールを取得する。
func (c *HTTPClient) ResolveUser(ctx context.Context, id string) (*model.User, error) {
	reqURL := c.baseURL + "/users/" + url.PathEscape(id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, model.NewUnavailableError(fmt.Errorf("HTTPリクエストの作成に失敗しました: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("ユーザーAPIの呼び出しに失敗しました",
			slog.String("user_id", id),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUnavailableError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, model.NewUserNotFoundError(id)
	case resp.StatusCode != http.StatusOK:
		c.logger.Error("ユーザーAPIがエラーステータスを返しました",
			slog.String("user_id", id),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.NewUnavailableError(fmt.Errorf("ユーザーAPIがステータス %d を返しました", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBodySize))
	if err != nil {
		return nil, model.NewUnavailableError(fmt.Errorf("レスポンスボディの読み取りに失敗しました: %w", err))
	}

	var profile profileResponse
	if err := json.Unmarshal(body, &profile); err != nil {
		c.logger.Error("ユーザーAPIのレスポンスのパースに失敗しました",
			slog.String("user_id", id),
			slog.String("error", err.Error()),
		)
		return nil, model.NewUnavailableError(fmt.Errorf("レスポンスJSONのパースに失敗しました: %w", err))
	}

	if profile.ID == "" {
		profile.ID = id
	}
	return &model.User{
		ID:        profile.ID,
		Name:      profile.Name,
		AvatarURL: profile.AvatarURL,
		IsOnline:  profile.IsOnline,
	}, nil
}

var _ Resolver = (*HTTPClient)(nil)
