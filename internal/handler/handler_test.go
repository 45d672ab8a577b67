package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/feedsync/internal/feed"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// --- モック定義 ---

type mockUserService struct {
	createFn     func(ctx context.Context, email string) (*model.User, error)
	getFn        func(ctx context.Context, userID string) (*model.User, error)
	deleteFn     func(ctx context.Context, userID string) error
	listFn       func(ctx context.Context, onlyActive bool, offset, limit int) ([]*model.User, error)
	activateFn   func(ctx context.Context, userID string) (*model.User, error)
	deactivateFn func(ctx context.Context, userID string) (*model.User, error)
}

func (m *mockUserService) Create(ctx context.Context, email string) (*model.User, error) {
	if m.createFn != nil {
		return m.createFn(ctx, email)
	}
	return nil, nil
}

func (m *mockUserService) Get(ctx context.Context, userID string) (*model.User, error) {
	if m.getFn != nil {
		return m.getFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockUserService) Delete(ctx context.Context, userID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, userID)
	}
	return nil
}

func (m *mockUserService) List(ctx context.Context, onlyActive bool, offset, limit int) ([]*model.User, error) {
	if m.listFn != nil {
		return m.listFn(ctx, onlyActive, offset, limit)
	}
	return nil, nil
}

func (m *mockUserService) Activate(ctx context.Context, userID string) (*model.User, error) {
	if m.activateFn != nil {
		return m.activateFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockUserService) Deactivate(ctx context.Context, userID string) (*model.User, error) {
	if m.deactivateFn != nil {
		return m.deactivateFn(ctx, userID)
	}
	return nil, nil
}

type mockFeedService struct {
	followFn func(ctx context.Context, userID string, urls []string) ([]feed.FollowResult, error)
}

func (m *mockFeedService) Follow(ctx context.Context, userID string, urls []string) ([]feed.FollowResult, error) {
	if m.followFn != nil {
		return m.followFn(ctx, userID, urls)
	}
	return nil, nil
}

type mockSubscriptionService struct {
	listFn     func(ctx context.Context, userID string) ([]repository.SubscriptionWithFeedInfo, error)
	unfollowFn func(ctx context.Context, userID string, feedIDs []string) (int, error)
	resumeFn   func(ctx context.Context, feedID string) (*model.Feed, error)
}

func (m *mockSubscriptionService) List(ctx context.Context, userID string) ([]repository.SubscriptionWithFeedInfo, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return nil, nil
}

func (m *mockSubscriptionService) Unfollow(ctx context.Context, userID string, feedIDs []string) (int, error) {
	if m.unfollowFn != nil {
		return m.unfollowFn(ctx, userID, feedIDs)
	}
	return 0, nil
}

func (m *mockSubscriptionService) Resume(ctx context.Context, feedID string) (*model.Feed, error) {
	if m.resumeFn != nil {
		return m.resumeFn(ctx, feedID)
	}
	return nil, nil
}

type mockPostService struct {
	listFn        func(ctx context.Context, userID, feedID string, isRead *bool) ([]model.PostWithLink, error)
	toggleReadFn  func(ctx context.Context, userID, feedID, postID string) (*model.SubscriptionLink, error)
	markAllReadFn func(ctx context.Context, userID, feedID string) (int64, error)
}

func (m *mockPostService) List(ctx context.Context, userID, feedID string, isRead *bool) ([]model.PostWithLink, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID, feedID, isRead)
	}
	return nil, nil
}

func (m *mockPostService) ToggleRead(ctx context.Context, userID, feedID, postID string) (*model.SubscriptionLink, error) {
	if m.toggleReadFn != nil {
		return m.toggleReadFn(ctx, userID, feedID, postID)
	}
	return nil, nil
}

func (m *mockPostService) MarkAllRead(ctx context.Context, userID, feedID string) (int64, error) {
	if m.markAllReadFn != nil {
		return m.markAllReadFn(ctx, userID, feedID)
	}
	return 0, nil
}

// --- テストヘルパー ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

// parseAPIErrorResponse はレスポンスボディからエラーレスポンスをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return result
}

func assertErrorCode(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Errorf("status = %d, want %d (body=%s)", w.Code, status, w.Body.String())
	}
	if got := parseAPIErrorResponse(t, w)["code"]; got != code {
		t.Errorf("code = %q, want %q", got, code)
	}
}
