package post

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// --- モック ---

type mockPostRepo struct {
	listFn func(ctx context.Context, feedID, userID string, isRead *bool) ([]model.PostWithLink, error)
}

func (m *mockPostRepo) Create(context.Context, *model.Post) error { return nil }
func (m *mockPostRepo) FindByFeedAndURL(context.Context, string, string) (*model.Post, error) {
	return nil, nil
}
func (m *mockPostRepo) ListByFeed(context.Context, string) ([]*model.Post, error) { return nil, nil }
func (m *mockPostRepo) ListByFeedForUser(ctx context.Context, feedID, userID string, isRead *bool) ([]model.PostWithLink, error) {
	return m.listFn(ctx, feedID, userID, isRead)
}

type mockLinkRepo struct {
	links     map[string]*model.SubscriptionLink // key: userID|postID
	updates   []model.SubscriptionLink
	markAllFn func(ctx context.Context, userID, feedID string, readAt time.Time) (int64, error)
	updateErr error
}

func (m *mockLinkRepo) Create(context.Context, *model.SubscriptionLink) error { return nil }
func (m *mockLinkRepo) FanOutToSubscribers(context.Context, string, string) (repository.FanOutResult, error) {
	return repository.FanOutResult{}, nil
}
func (m *mockLinkRepo) FindByUserAndPost(_ context.Context, userID, postID string) (*model.SubscriptionLink, error) {
	return m.links[userID+"|"+postID], nil
}
func (m *mockLinkRepo) UpdateReadState(_ context.Context, linkID string, isRead bool, readAt *time.Time) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates = append(m.updates, model.SubscriptionLink{ID: linkID, IsRead: isRead, ReadAt: readAt})
	return nil
}
func (m *mockLinkRepo) MarkAllRead(ctx context.Context, userID, feedID string, readAt time.Time) (int64, error) {
	return m.markAllFn(ctx, userID, feedID, readAt)
}
func (m *mockLinkRepo) DeleteByUserAndFeed(context.Context, string, string) error { return nil }

type mockSubRepo struct {
	subscribed map[string]bool // key: userID|feedID
}

func (m *mockSubRepo) Create(context.Context, *model.Subscription) error { return nil }
func (m *mockSubRepo) FindByUserAndFeed(_ context.Context, userID, feedID string) (*model.Subscription, error) {
	if !m.subscribed[userID+"|"+feedID] {
		return nil, nil
	}
	return &model.Subscription{UserID: userID, FeedID: feedID}, nil
}
func (m *mockSubRepo) ListByUserWithFeedInfo(context.Context, string) ([]repository.SubscriptionWithFeedInfo, error) {
	return nil, nil
}
func (m *mockSubRepo) CountByFeed(context.Context, string) (int, error) { return 0, nil }
func (m *mockSubRepo) Delete(context.Context, string, string) error { return nil }

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService(posts *mockPostRepo, links *mockLinkRepo) *Service {
	subs := &mockSubRepo{subscribed: map[string]bool{"user-1|feed-1": true}}
	svc := NewService(posts, links, subs)
	svc.now = func() time.Time { return fixedNow }
	return svc
}

func assertAPIErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("APIError型が期待されるが、%T が返された: %v", err, err)
	}
	if apiErr.Code != code {
		t.Errorf("期待エラーコード: %s, 結果: %s", code, apiErr.Code)
	}
}

// --- List ---

func TestList_PassesReadFilter(t *testing.T) {
	unread := false
	var gotFilter *bool
	posts := &mockPostRepo{listFn: func(_ context.Context, feedID, userID string, isRead *bool) ([]model.PostWithLink, error) {
		if feedID != "feed-1" || userID != "user-1" {
			t.Errorf("feedID=%s userID=%s", feedID, userID)
		}
		gotFilter = isRead
		return []model.PostWithLink{{Post: model.Post{ID: "post-1"}}}, nil
	}}
	svc := newTestService(posts, &mockLinkRepo{})

	got, err := svc.List(context.Background(), "user-1", "feed-1", &unread)
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "post-1" {
		t.Errorf("記事一覧 = %+v", got)
	}
	if gotFilter == nil || *gotFilter {
		t.Error("is_read=falseのフィルタがリポジトリに渡されるべき")
	}
}

func TestList_NotSubscribed(t *testing.T) {
	posts := &mockPostRepo{listFn: func(context.Context, string, string, *bool) ([]model.PostWithLink, error) {
		t.Error("未購読の場合はリポジトリを呼ぶべきではない")
		return nil, nil
	}}
	svc := newTestService(posts, &mockLinkRepo{})

	_, err := svc.List(context.Background(), "user-2", "feed-1", nil)
	assertAPIErrorCode(t, err, model.ErrCodeNotSubscribed)
}

// --- ToggleRead ---

func TestToggleRead_UnreadToRead(t *testing.T) {
	links := &mockLinkRepo{links: map[string]*model.SubscriptionLink{
		"user-1|post-1": {ID: "link-1", UserID: "user-1", FeedID: "feed-1", PostID: "post-1"},
	}}
	svc := newTestService(&mockPostRepo{}, links)

	link, err := svc.ToggleRead(context.Background(), "user-1", "feed-1", "post-1")
	if err != nil {
		t.Fatalf("ToggleRead returned error: %v", err)
	}
	if !link.IsRead || link.ReadAt == nil || !link.ReadAt.Equal(fixedNow) {
		t.Errorf("既読化されたリンク = %+v", link)
	}
	if len(links.updates) != 1 || links.updates[0].ID != "link-1" || !links.updates[0].IsRead {
		t.Errorf("更新内容 = %+v", links.updates)
	}
}

func TestToggleRead_ReadToUnreadClearsReadAt(t *testing.T) {
	readAt := fixedNow.Add(-time.Hour)
	links := &mockLinkRepo{links: map[string]*model.SubscriptionLink{
		"user-1|post-1": {ID: "link-1", UserID: "user-1", FeedID: "feed-1", PostID: "post-1", IsRead: true, ReadAt: &readAt},
	}}
	svc := newTestService(&mockPostRepo{}, links)

	link, err := svc.ToggleRead(context.Background(), "user-1", "feed-1", "post-1")
	if err != nil {
		t.Fatalf("ToggleRead returned error: %v", err)
	}
	if link.IsRead || link.ReadAt != nil {
		t.Errorf("未読に戻したリンク = %+v", link)
	}
	if links.updates[0].ReadAt != nil {
		t.Error("read_atはクリアされるべき")
	}
}

func TestToggleRead_NotFound(t *testing.T) {
	links := &mockLinkRepo{links: map[string]*model.SubscriptionLink{
		"user-1|post-1": {ID: "link-1", UserID: "user-1", FeedID: "feed-1", PostID: "post-1"},
	}}
	svc := newTestService(&mockPostRepo{}, links)

	tests := []struct {
		name                   string
		userID, feedID, postID string
	}{
		{"他ユーザーの記事", "user-2", "feed-1", "post-1"},
		{"フィード不一致", "user-1", "feed-2", "post-1"},
		{"存在しない記事", "user-1", "feed-1", "post-x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ToggleRead(context.Background(), tt.userID, tt.feedID, tt.postID)
			assertAPIErrorCode(t, err, model.ErrCodePostNotFound)
		})
	}
	if len(links.updates) != 0 {
		t.Errorf("更新されるべきではない: %+v", links.updates)
	}
}

func TestToggleRead_UpdateFailure(t *testing.T) {
	links := &mockLinkRepo{
		links:     map[string]*model.SubscriptionLink{"user-1|post-1": {ID: "link-1", FeedID: "feed-1"}},
		updateErr: errors.New("db down"),
	}
	svc := newTestService(&mockPostRepo{}, links)

	if _, err := svc.ToggleRead(context.Background(), "user-1", "feed-1", "post-1"); err == nil {
		t.Fatal("エラーが返されるべき")
	}
}

// --- MarkAllRead ---

func TestMarkAllRead(t *testing.T) {
	links := &mockLinkRepo{markAllFn: func(_ context.Context, userID, feedID string, readAt time.Time) (int64, error) {
		if userID != "user-1" || feedID != "feed-1" || !readAt.Equal(fixedNow) {
			t.Errorf("userID=%s feedID=%s readAt=%v", userID, feedID, readAt)
		}
		return 3, nil
	}}
	svc := newTestService(&mockPostRepo{}, links)

	n, err := svc.MarkAllRead(context.Background(), "user-1", "feed-1")
	if err != nil {
		t.Fatalf("MarkAllRead returned error: %v", err)
	}
	if n != 3 {
		t.Errorf("更新件数 = %d, want 3", n)
	}

	_, err = svc.MarkAllRead(context.Background(), "user-2", "feed-1")
	assertAPIErrorCode(t, err, model.ErrCodeNotSubscribed)
}
