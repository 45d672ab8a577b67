package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedsync/internal/middleware"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	Create(ctx context.Context, email string) (*model.User, error)
	Get(ctx context.Context, userID string) (*model.User, error)
	Delete(ctx context.Context, userID string) error
	List(ctx context.Context, onlyActive bool, offset, limit int) ([]*model.User, error)
	Activate(ctx context.Context, userID string) (*model.User, error)
	Deactivate(ctx context.Context, userID string) (*model.User, error)
}

// SubscriptionListerInterface はユーザーの購読一覧取得インターフェース。
type SubscriptionListerInterface interface {
	List(ctx context.Context, userID string) ([]repository.SubscriptionWithFeedInfo, error)
}

// UserHandler はユーザー管理のHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
	subs    SubscriptionListerInterface
	logger  *slog.Logger
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface, subs SubscriptionListerInterface, logger *slog.Logger) *UserHandler {
	return &UserHandler{service: service, subs: subs, logger: logger}
}

type createUserRequest struct {
	Email string `json:"email"`
}

type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type subscriptionResponse struct {
	FeedID        string    `json:"feed_id"`
	FeedURL       string    `json:"feed_url"`
	FeedTitle     string    `json:"feed_title"`
	IsActive      bool      `json:"is_active"`
	HasSyncFailed bool      `json:"has_sync_failed"`
	UnreadCount   int       `json:"unread_count"`
	SubscribedAt  time.Time `json:"subscribed_at"`
}

// CreateUser はユーザーを作成する。
// POST /v1/users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}

	user, err := h.service.Create(r.Context(), req.Email)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// GetUser はユーザーを取得する。
// GET /v1/users/{userID}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// DeleteUser はユーザーを削除する。全フィードのフォローも解除される。
// DELETE /v1/users/{userID}
func (h *UserHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "userID")); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListUsers はユーザー一覧を返す。
// GET /v1/users?only_active=true&offset=0&limit=50
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	onlyActive := false
	if raw := q.Get("only_active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			middleware.WriteError(w, r, h.logger, model.NewInvalidRequestError("only_activeはtrueまたはfalseで指定してください"))
			return
		}
		onlyActive = v
	}
	offset, err := queryInt(q.Get("offset"), "offset")
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}

	users, err := h.service.List(r.Context(), onlyActive, offset, limit)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}

	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, toUserResponse(u))
	}
	writeJSON(w, http.StatusOK, resp)
}

// ActivateUser は無効化されたユーザーを有効に戻す。
// PATCH /v1/users/{userID}/activate
func (h *UserHandler) ActivateUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.Activate(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// DeactivateUser はユーザーを無効化する。
// PATCH /v1/users/{userID}/deactivate
func (h *UserHandler) DeactivateUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.service.Deactivate(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

// ListFeeds はユーザーの購読フィード一覧を返す。
// GET /v1/users/{userID}/feeds
func (h *UserHandler) ListFeeds(w http.ResponseWriter, r *http.Request) {
	subs, err := h.subs.List(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}

	resp := make([]subscriptionResponse, 0, len(subs))
	for _, s := range subs {
		resp = append(resp, subscriptionResponse{
			FeedID:        s.FeedID,
			FeedURL:       s.FeedURL,
			FeedTitle:     s.FeedTitle,
			IsActive:      s.IsActive,
			HasSyncFailed: s.HasSyncFailed,
			UnreadCount:   s.UnreadCount,
			SubscribedAt:  s.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// queryInt は省略可能な整数クエリパラメータを読み取る。空の場合は0を返す。
func queryInt(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, model.NewInvalidRequestError(name + "は整数で指定してください")
	}
	return v, nil
}

func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		IsActive:  u.IsActive,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}
