package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/dmnotify/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	TokenVerifier     middleware.TokenVerifier // nilの場合は認証なし
	StatusRecorder    middleware.StatusRecorder

	// 運用
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// ドメイン
	ConversationService ConversationServiceInterface
	UnreadService       UnreadServiceInterface
	MessageService      MessageServiceInterface
	NotificationService NotificationServiceInterface
	InteractionService  InteractionServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → SecurityHeaders → CORS → Logging → Metrics → Auth → RateLimit(General)
//
// /healthと/metricsは認証とレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	if deps.StatusRecorder != nil {
		r.Use(middleware.NewMetricsMiddleware(deps.StatusRecorder))
	}

	healthHandler := NewHealthHandler(deps.HealthChecker)
	convHandler := NewConversationHandler(deps.ConversationService, deps.UnreadService)
	msgHandler := NewMessageHandler(deps.MessageService)
	notifHandler := NewNotificationHandler(deps.NotificationService)
	interHandler := NewInteractionHandler(deps.InteractionService)

	// --- 認証不要のルート ---
	r.Get("/health", healthHandler.Health)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// --- APIルート ---
	r.Route("/api", func(r chi.Router) {
		if deps.TokenVerifier != nil {
			r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier, deps.Logger))
		}
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/conversations", func(r chi.Router) {
			r.Post("/", convHandler.CreateConversation)
			r.Get("/", convHandler.ListConversations)
			r.Get("/{id}", convHandler.GetConversation)
		})
		r.Get("/unread/total", convHandler.TotalUnread)

		r.Route("/messages", func(r chi.Router) {
			// 送信専用レート制限を追加
			r.With(deps.RateLimiter.MessageSendMiddleware()).Post("/", msgHandler.SendMessage)
			r.Get("/", msgHandler.ListMessages)
			r.Post("/read", msgHandler.MarkRead)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Post("/", notifHandler.CreateNotification)
			r.Get("/", notifHandler.ListNotifications)
			r.Post("/read-all", notifHandler.MarkAllRead)
			r.Get("/unread-count", notifHandler.UnreadCount)
			r.Post("/{id}/read", notifHandler.MarkRead)
		})

		r.Route("/posts/{id}", func(r chi.Router) {
			r.Post("/like", interHandler.ToggleLike)
			r.Post("/comments", interHandler.AddComment)
			r.Get("/comments", interHandler.ListComments)
		})
		r.Route("/users/{id}/follow", func(r chi.Router) {
			r.Post("/", interHandler.Follow)
			r.Delete("/", interHandler.Unfollow)
		})
		r.Delete("/comments/{id}", interHandler.DeleteComment)
	})

	return r
}
