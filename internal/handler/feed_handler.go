package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedsync/internal/feed"
	"github.com/hitoshi/feedsync/internal/middleware"
	"github.com/hitoshi/feedsync/internal/model"
)

// FeedServiceInterface はフォロー処理のサービスインターフェース。
type FeedServiceInterface interface {
	Follow(ctx context.Context, userID string, urls []string) ([]feed.FollowResult, error)
}

// UnfollowServiceInterface はフォロー解除と同期再開のサービスインターフェース。
type UnfollowServiceInterface interface {
	Unfollow(ctx context.Context, userID string, feedIDs []string) (int, error)
	Resume(ctx context.Context, feedID string) (*model.Feed, error)
}

// FeedHandler はフィード管理のHTTPハンドラー。
type FeedHandler struct {
	feeds  FeedServiceInterface
	subs   UnfollowServiceInterface
	logger *slog.Logger
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(feeds FeedServiceInterface, subs UnfollowServiceInterface, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{feeds: feeds, subs: subs, logger: logger}
}

type followRequest struct {
	UserID string   `json:"user_id"`
	URLs   []string `json:"urls"`
}

type unfollowRequest struct {
	UserID  string   `json:"user_id"`
	FeedIDs []string `json:"feed_ids"`
}

// feedResponse はフィード情報のAPIレスポンス。
type feedResponse struct {
	ID                    string     `json:"id"`
	URL                   string     `json:"url"`
	Title                 string     `json:"title"`
	IsActive              bool       `json:"is_active"`
	HasSyncFailed         bool       `json:"has_sync_failed"`
	LastSuccessfulSyncAt  *time.Time `json:"last_successful_sync_at,omitempty"`
	LatestItemPublishedAt *time.Time `json:"latest_item_published_at,omitempty"`
}

type followResultResponse struct {
	InputURL string                        `json:"input_url"`
	Status   string                        `json:"status"`
	Feed     *feedResponse                 `json:"feed,omitempty"`
	Error    *middleware.ErrorResponseBody `json:"error,omitempty"`
}

type followResponse struct {
	Results []followResultResponse `json:"results"`
}

type unfollowResponse struct {
	Unfollowed int `json:"unfollowed"`
}

// Follow はURL群をフォローする。URLごとの結果を返し、検出失敗は結果の中で報告する。
// POST /v1/feeds
func (h *FeedHandler) Follow(w http.ResponseWriter, r *http.Request) {
	var req followRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	if err := requireField("user_id", req.UserID); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}

	results, err := h.feeds.Follow(r.Context(), req.UserID, req.URLs)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}

	resp := followResponse{Results: make([]followResultResponse, 0, len(results))}
	for _, res := range results {
		item := followResultResponse{InputURL: res.InputURL, Status: string(res.Status)}
		if res.Feed != nil {
			fr := toFeedResponse(res.Feed)
			item.Feed = &fr
		}
		if res.Err != nil {
			item.Error = &middleware.ErrorResponseBody{
				Code:     res.Err.Code,
				Message:  res.Err.Message,
				Category: res.Err.Category,
				Action:   res.Err.Action,
			}
		}
		resp.Results = append(resp.Results, item)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Unfollow はフィード群のフォローを解除する。
// DELETE /v1/feeds
func (h *FeedHandler) Unfollow(w http.ResponseWriter, r *http.Request) {
	var req unfollowRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	if err := requireField("user_id", req.UserID); err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}

	n, err := h.subs.Unfollow(r.Context(), req.UserID, req.FeedIDs)
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, unfollowResponse{Unfollowed: n})
}

// Resume は同期失敗で停止したフィードを再開する。
// POST /v1/feeds/{feedID}/resume
func (h *FeedHandler) Resume(w http.ResponseWriter, r *http.Request) {
	f, err := h.subs.Resume(r.Context(), chi.URLParam(r, "feedID"))
	if err != nil {
		middleware.WriteError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeedResponse(f))
}

func toFeedResponse(f *model.Feed) feedResponse {
	return feedResponse{
		ID:                    f.ID,
		URL:                   f.URL,
		Title:                 f.Title,
		IsActive:              f.IsActive,
		HasSyncFailed:         f.HasSyncFailed,
		LastSuccessfulSyncAt:  f.LastSuccessfulSyncAt,
		LatestItemPublishedAt: f.LatestItemPublishedAt,
	}
}
