// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hitoshi/dmnotify/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// TokenVerifier はBearerトークンを検証し、操作ユーザーのIDを返すインターフェース。
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// JWTVerifier は外部の認証サービスが発行したHS256署名のJWTを検証する。
// subクレームを操作ユーザーのIDとして扱う。
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier はJWTVerifierを生成する。
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Verify はトークンの署名と有効期限を検証し、subクレームを返す。
func (v *JWTVerifier) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("トークンの検証に失敗しました: %w", err)
	}
	if !parsed.Valid {
		return "", errors.New("無効なトークンです")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", errors.New("subクレームがありません")
	}
	return claims.Subject, nil
}

// NewAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証し、
// 操作ユーザーのIDをリクエストコンテキストに注入するミドルウェアを返す。
// トークンがない、または無効な場合は401を返す。
func NewAuthMiddleware(verifier TokenVerifier, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				logger.Warn("認証に失敗しました",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			annotateUserID(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(ContextWithUserID(r.Context(), userID)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// UserIDFromContext はリクエストコンテキストから認証済みユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
