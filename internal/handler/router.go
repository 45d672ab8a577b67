package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedsync/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger            *slog.Logger
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	HealthChecks      map[string]HealthCheck

	UserService         UserServiceInterface
	FeedService         FeedServiceInterface
	SubscriptionService SubscriptionServiceInterface
	PostService         PostServiceInterface
}

// SubscriptionServiceInterface は購読一覧とフォロー解除を併せ持つサービスインターフェース。
type SubscriptionServiceInterface interface {
	UnfollowServiceInterface
	SubscriptionListerInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → RateLimit(General)
//
// /health はレート制限の対象外とする。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	userHandler := NewUserHandler(deps.UserService, deps.SubscriptionService, deps.Logger)
	feedHandler := NewFeedHandler(deps.FeedService, deps.SubscriptionService, deps.Logger)
	postHandler := NewPostHandler(deps.PostService, deps.Logger)

	r.Get("/health", NewHealthHandler(deps.HealthChecks))

	r.Route("/v1", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ユーザー管理
		r.Post("/users", userHandler.CreateUser)
		r.Get("/users", userHandler.ListUsers)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/", userHandler.GetUser)
			r.Delete("/", userHandler.DeleteUser)
			r.Patch("/activate", userHandler.ActivateUser)
			r.Patch("/deactivate", userHandler.DeactivateUser)
			r.Get("/feeds", userHandler.ListFeeds)
		})

		// フィード管理（フォローは専用レート制限を追加）
		r.With(deps.RateLimiter.FollowMiddleware()).Post("/feeds", feedHandler.Follow)
		r.Delete("/feeds", feedHandler.Unfollow)

		r.Route("/feeds/{feedID}", func(r chi.Router) {
			r.Post("/resume", feedHandler.Resume)

			// 記事と既読状態
			r.Get("/posts", postHandler.ListPosts)
			r.Post("/posts/{postID}/toggle-read", postHandler.ToggleRead)
			r.Post("/mark-all-read", postHandler.MarkAllRead)
		})
	})

	return r
}
