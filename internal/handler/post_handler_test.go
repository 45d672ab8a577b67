package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

func TestPostHandler_ListPosts_ReadFilter(t *testing.T) {
	tests := []struct {
		query string
		want  *bool
	}{
		{"user_id=user-1", nil},
		{"user_id=user-1&is_read=true", boolPtr(true)},
		{"user_id=user-1&is_read=false", boolPtr(false)},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var got *bool
			svc := &mockPostService{listFn: func(_ context.Context, userID, feedID string, isRead *bool) ([]model.PostWithLink, error) {
				if userID != "user-1" || feedID != "feed-1" {
					t.Errorf("List(%q, %q)", userID, feedID)
				}
				got = isRead
				return nil, nil
			}}
			h := NewPostHandler(svc, newTestLogger())

			req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/v1/feeds/feed-1/posts?"+tt.query, nil), "feedID", "feed-1")
			w := httptest.NewRecorder()
			h.ListPosts(w, req)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Errorf("isRead = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPostHandler_ListPosts_Response(t *testing.T) {
	published := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	svc := &mockPostService{listFn: func(context.Context, string, string, *bool) ([]model.PostWithLink, error) {
		return []model.PostWithLink{
			{Post: model.Post{ID: "post-1", FeedID: "feed-1", URL: "https://example.com/a", Title: "A", PublishedAt: published}},
		}, nil
	}}
	h := NewPostHandler(svc, newTestLogger())

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/v1/feeds/feed-1/posts?user_id=user-1", nil), "feedID", "feed-1")
	w := httptest.NewRecorder()
	h.ListPosts(w, req)

	var body []postResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body) != 1 || body[0].ID != "post-1" || body[0].IsRead || !body[0].PublishedAt.Equal(published) {
		t.Errorf("body = %+v", body)
	}
}

func TestPostHandler_ListPosts_InvalidQuery(t *testing.T) {
	h := NewPostHandler(&mockPostService{}, newTestLogger())

	for _, q := range []string{"", "user_id=user-1&is_read=maybe"} {
		req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/v1/feeds/feed-1/posts?"+q, nil), "feedID", "feed-1")
		w := httptest.NewRecorder()
		h.ListPosts(w, req)
		assertErrorCode(t, w, http.StatusBadRequest, model.ErrCodeInvalidRequest)
	}
}

func TestPostHandler_ListPosts_NotSubscribed(t *testing.T) {
	svc := &mockPostService{listFn: func(_ context.Context, _, feedID string, _ *bool) ([]model.PostWithLink, error) {
		return nil, model.NewNotSubscribedError(feedID)
	}}
	h := NewPostHandler(svc, newTestLogger())

	req := withChiURLParam(httptest.NewRequest(http.MethodGet, "/v1/feeds/feed-1/posts?user_id=user-1", nil), "feedID", "feed-1")
	w := httptest.NewRecorder()
	h.ListPosts(w, req)

	assertErrorCode(t, w, http.StatusNotFound, model.ErrCodeNotSubscribed)
}

func TestPostHandler_ToggleRead(t *testing.T) {
	readAt := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	svc := &mockPostService{toggleReadFn: func(_ context.Context, userID, feedID, postID string) (*model.SubscriptionLink, error) {
		if userID != "user-1" || feedID != "feed-1" || postID != "post-1" {
			t.Errorf("ToggleRead(%q, %q, %q)", userID, feedID, postID)
		}
		return &model.SubscriptionLink{PostID: postID, IsRead: true, ReadAt: &readAt}, nil
	}}
	h := NewPostHandler(svc, newTestLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/feeds/feed-1/posts/post-1/toggle-read", strings.NewReader(`{"user_id":"user-1"}`))
	req = withChiURLParam(req, "feedID", "feed-1", "postID", "post-1")
	w := httptest.NewRecorder()
	h.ToggleRead(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body readStateResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.IsRead || body.ReadAt == nil || !body.ReadAt.Equal(readAt) {
		t.Errorf("body = %+v", body)
	}
}

func TestPostHandler_ToggleRead_PostNotFound(t *testing.T) {
	svc := &mockPostService{toggleReadFn: func(_ context.Context, _, _, postID string) (*model.SubscriptionLink, error) {
		return nil, model.NewPostNotFoundError(postID)
	}}
	h := NewPostHandler(svc, newTestLogger())

	req := httptest.NewRequest(http.MethodPost, "/v1/feeds/feed-1/posts/post-x/toggle-read", strings.NewReader(`{"user_id":"user-1"}`))
	req = withChiURLParam(req, "feedID", "feed-1", "postID", "post-x")
	w := httptest.NewRecorder()
	h.ToggleRead(w, req)

	assertErrorCode(t, w, http.StatusNotFound, model.ErrCodePostNotFound)
}

func TestPostHandler_MarkAllRead(t *testing.T) {
	svc := &mockPostService{markAllReadFn: func(_ context.Context, userID, feedID string) (int64, error) {
		if userID != "user-1" || feedID != "feed-1" {
			t.Errorf("MarkAllRead(%q, %q)", userID, feedID)
		}
		return 7, nil
	}}
	h := NewPostHandler(svc, newTestLogger())

	req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/v1/feeds/feed-1/mark-all-read", strings.NewReader(`{"user_id":"user-1"}`)), "feedID", "feed-1")
	w := httptest.NewRecorder()
	h.MarkAllRead(w, req)

	var body markAllReadResponse
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Updated != 7 {
		t.Errorf("updated = %d, want 7", body.Updated)
	}
}

func TestPostHandler_MarkAllRead_MissingUser(t *testing.T) {
	h := NewPostHandler(&mockPostService{}, newTestLogger())

	req := withChiURLParam(httptest.NewRequest(http.MethodPost, "/v1/feeds/feed-1/mark-all-read", strings.NewReader(`{}`)), "feedID", "feed-1")
	w := httptest.NewRecorder()
	h.MarkAllRead(w, req)

	assertErrorCode(t, w, http.StatusBadRequest, model.ErrCodeInvalidRequest)
}

func boolPtr(b bool) *bool { return &b }
