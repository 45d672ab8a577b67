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
)

// PostServiceInterface は記事ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	List(ctx context.Context, userID, feedID string, isRead *bool) ([]model.PostWithLink, error)
	ToggleRead(ctx context.Context, userID, feedID, postID string) (*model.SubscriptionLink, error)
	MarkAllRead(ctx context.Context, userID, feedID string) (int64, error)
}

// PostHandler は記事と既読状態のHTTPハンドラー。
type PostHandler struct {
	service PostServiceInterface
	logger  *slog.Logger
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(service PostServiceInterface, logger *slog.Logger) *PostHandler {
	return &PostHandler{service: service, logger: logger}
}

type userRequest struct {
	UserID string `json:"user_id"`
}

type postResponse struct {
	ID          string     `json:"id"`
	FeedID      string     `json:"feed_id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	PublishedAt time.Time  `json:"published_at"`
	IsRead      bool       `json:"is_read"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

type readStateResponse struct {
	PostID string     `json:"post_id"`
	IsRead bool       `json:"is_read"`
	ReadAt *time.Time `json:"read_at,omitempty"`
}

type markAllReadResponse struct {
	Updated int64 `json:"updated"`
}

// ListPosts はフィードの記事一覧をユーザーの既読状態付きで返す。
// GET /v1/feeds/{feedID}/posts?user_id=&is_read=
func (h *PostHandler) ListPosts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	if err := requireField("user_id", userID); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}

	var isRead *bool
	if raw := q.Get("is_read"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			middleware.WriteError(w, r, h.logger, model.NewInvalidRequestError("is_readはtrueまたはfalseで指定してください"))
			return
		}
		isRead = &v
	}

	posts, err := h.service.List(r.Context(), userID, chi.URLParam(r, "feedID"), isRead)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}

	resp := make([]postResponse, 0, len(posts))
	for _, p := range posts {
		resp = append(resp, postResponse{
			ID:          p.ID,
			FeedID:      p.FeedID,
			URL:         p.URL,
			Title:       p.Title,
			PublishedAt: p.PublishedAt,
			IsRead:      p.IsRead,
			ReadAt:      p.ReadAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ToggleRead は記事の既読/未読を反転する。
// POST /v1/feeds/{feedID}/posts/{postID}/toggle-read
func (h *PostHandler) ToggleRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.decodeUser(w, r)
	if !ok {
		return
	}

	link, err := h.service.ToggleRead(r.Context(), userID, chi.URLParam(r, "feedID"), chi.URLParam(r, "postID"))
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, readStateResponse{PostID: link.PostID, IsRead: link.IsRead, ReadAt: link.ReadAt})
}

// MarkAllRead はフィードの全記事を既読にする。
// POST /v1/feeds/{feedID}/mark-all-read
func (h *PostHandler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.decodeUser(w, r)
	if !ok {
		return
	}

	n, err := h.service.MarkAllRead(r.Context(), userID, chi.URLParam(r, "feedID"))
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, markAllReadResponse{Updated: n})
}

func (h *PostHandler) decodeUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req userRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return "", false
	}
	if err := requireField("user_id", req.UserID); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return "", false
	}
	return req.UserID, true
}
