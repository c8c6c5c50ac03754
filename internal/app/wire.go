package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/hitoshi/dmnotify/internal/config"
	"github.com/hitoshi/dmnotify/internal/conversation"
	"github.com/hitoshi/dmnotify/internal/database"
	"github.com/hitoshi/dmnotify/internal/handler"
	"github.com/hitoshi/dmnotify/internal/identity"
	"github.com/hitoshi/dmnotify/internal/interaction"
	"github.com/hitoshi/dmnotify/internal/messaging"
	"github.com/hitoshi/dmnotify/internal/metrics"
	"github.com/hitoshi/dmnotify/internal/middleware"
	"github.com/hitoshi/dmnotify/internal/notification"
	"github.com/hitoshi/dmnotify/internal/repository"
	"github.com/hitoshi/dmnotify/internal/security"
	"github.com/hitoshi/dmnotify/internal/unread"
)

// attachmentTimeout は添付URLの到達性確認のタイムアウト。
const attachmentTimeout = 5 * time.Second

// stores はバックエンドごとのリポジトリ実装をまとめた構造体。
type stores struct {
	tx            repository.TxManager
	users         repository.UserRepository
	posts         repository.PostRepository
	conversations repository.ConversationRepository
	messages      repository.MessageRepository
	counters      repository.UnreadCounterRepository
	notifications repository.NotificationRepository
	likes         repository.LikeRepository
	follows       repository.FollowRepository
	comments      repository.CommentRepository

	health  handler.HealthChecker // nilの場合は常に正常
	closers []func()
}

// Close は開いた接続をすべて閉じる。
func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// openStores は設定に応じてリポジトリを構成する。
// MONGO_URIが設定されている場合、Post DirectoryはMongoDBを参照する。
func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	var s *stores
	var err error
	if cfg.UseMemoryStore() {
		s, err = openMemoryStores(cfg)
	} else {
		s, err = openPostgresStores(ctx, cfg)
	}
	if err != nil {
		return nil, err
	}

	if cfg.MongoURI != "" {
		client, err := repository.ConnectMongo(ctx, cfg.MongoURI, 10*time.Second)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.posts = repository.NewMongoPostRepo(client.Database(cfg.MongoDatabase))
		s.closers = append(s.closers, func() { disconnectMongo(client) })
		slog.Info("Post DirectoryにMongoDBを使用します", slog.String("database", cfg.MongoDatabase))
	}
	return s, nil
}

func disconnectMongo(client *mongo.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Disconnect(ctx); err != nil {
		slog.Warn("MongoDBの切断に失敗しました", slog.String("error", err.Error()))
	}
}

func openMemoryStores(cfg *config.Config) (*stores, error) {
	store := repository.NewMemoryStore()
	if cfg.MemorySeedFile != "" {
		f, err := os.Open(cfg.MemorySeedFile)
		if err != nil {
			return nil, fmt.Errorf("シードファイルを開けませんでした: %w", err)
		}
		defer f.Close()
		if err := store.LoadSeed(f); err != nil {
			return nil, err
		}
	}

	slog.Info("インメモリストアを使用します")
	return &stores{
		tx:            store,
		users:         store.Users(),
		posts:         store.Posts(),
		conversations: store.Conversations(),
		messages:      store.Messages(),
		counters:      store.Counters(),
		notifications: store.Notifications(),
		likes:         store.Likes(),
		follows:       store.Follows(),
		comments:      store.Comments(),
	}, nil
}

func openPostgresStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	slog.Info("database connection established")
	return newPostgresStores(db), nil
}

func newPostgresStores(db *sql.DB) *stores {
	return &stores{
		tx:            repository.NewPostgresTxManager(db),
		users:         repository.NewPostgresUserRepo(db),
		posts:         repository.NewPostgresPostRepo(db),
		conversations: repository.NewPostgresConversationRepo(db),
		messages:      repository.NewPostgresMessageRepo(db),
		counters:      repository.NewPostgresUnreadCounterRepo(db),
		notifications: repository.NewPostgresNotificationRepo(db),
		likes:         repository.NewPostgresLikeRepo(db),
		follows:       repository.NewPostgresFollowRepo(db),
		comments:      repository.NewPostgresCommentRepo(db),
		health:        db,
		closers:       []func(){func() { db.Close() }},
	}
}

// newResolver はIdentity Storeの実装を選ぶ。
// IDENTITY_API_URLが設定されていればユーザーAPIを、なければストアのusersを参照する。
func newResolver(cfg *config.Config, s *stores, logger *slog.Logger) identity.Resolver {
	if cfg.IdentityAPIURL != "" {
		return identity.NewHTTPClient(&http.Client{Timeout: cfg.IdentityTimeout}, cfg.IdentityAPIURL, logger)
	}
	return identity.NewStoreResolver(s.users)
}

// server はserveコマンドで起動するコンポーネント一式。
type server struct {
	handler     http.Handler
	dispatcher  *notification.Dispatcher
	rateLimiter *middleware.RateLimiter
}

// newServer は全依存関係をワイヤリングしてHTTPハンドラーを構成する。
// dispatcherのワーカーは起動しない。
func newServer(cfg *config.Config, s *stores, logger *slog.Logger) *server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(registry)

	resolver := newResolver(cfg, s, logger)
	checker := security.NewTextChecker()

	var attachmentClient *http.Client
	if cfg.AttachmentVerify {
		attachmentClient = security.NewSafeClient(attachmentTimeout)
	}
	attachments := security.NewAttachmentChecker(attachmentClient, logger)

	unreadSvc := unread.NewService(s.conversations, s.counters, logger)
	convSvc := conversation.NewService(s.tx, s.conversations, s.counters, resolver, logger)
	msgSvc := messaging.NewService(s.tx, s.conversations, s.messages, unreadSvc, checker, attachments, collector, logger)

	notifyCfg := notification.DefaultConfig()
	notifyCfg.Workers = cfg.NotifyWorkers
	notifyCfg.QueueSize = cfg.NotifyQueueSize
	dispatcher := notification.NewDispatcher(s.notifications, resolver, collector, logger, notifyCfg)

	interSvc := interaction.NewService(s.tx, s.likes, s.follows, s.comments, s.posts, resolver, dispatcher, checker, logger)

	rateLimiter := middleware.NewRateLimiter(
		middleware.PerMinuteRateLimiterConfig(cfg.RateLimitGeneral, cfg.RateLimitSend),
	)

	deps := &handler.RouterDeps{
		Logger:              logger,
		CORSAllowedOrigin:   cfg.CORSAllowedOrigin,
		RateLimiter:         rateLimiter,
		StatusRecorder:      collector,
		HealthChecker:       s.health,
		MetricsHandler:      metrics.Handler(registry),
		ConversationService: convSvc,
		UnreadService:       unreadSvc,
		MessageService:      msgSvc,
		NotificationService: dispatcher,
		InteractionService:  interSvc,
	}
	if cfg.AuthJWTSecret != "" {
		deps.TokenVerifier = middleware.NewJWTVerifier(cfg.AuthJWTSecret)
	} else {
		logger.Warn("AUTH_JWT_SECRETが未設定のため、リクエストのユーザーIDをそのまま信頼します")
	}

	return &server{
		handler:     handler.NewRouter(deps),
		dispatcher:  dispatcher,
		rateLimiter: rateLimiter,
	}
}
