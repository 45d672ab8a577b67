package syncer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/worker/fetch"
)

// --- テスト用モック ---

// fakeFeedRepo はテスト用のFeedRepository。
// MarkSyncSucceededはSQLのGREATESTと同じくウォーターマークを減少させない。
type fakeFeedRepo struct {
	mu          sync.Mutex
	feeds       map[string]*model.Feed
	findErr     error
	syncedMarks []*time.Time
	failedMarks []bool
	updatedURLs []string
}

func newFakeFeedRepo(feeds ...*model.Feed) *fakeFeedRepo {
	r := &fakeFeedRepo{feeds: make(map[string]*model.Feed)}
	for _, f := range feeds {
		r.feeds[f.ID] = f
	}
	return r
}

func (r *fakeFeedRepo) get(id string) model.Feed {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.feeds[id]
}

func (r *fakeFeedRepo) FindByID(_ context.Context, id string) (*model.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.findErr != nil {
		return nil, r.findErr
	}
	f, ok := r.feeds[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (r *fakeFeedRepo) FindByURL(_ context.Context, url string) (*model.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.feeds {
		if f.URL == url {
			cp := *f
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *fakeFeedRepo) Create(_ context.Context, feed *model.Feed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[feed.ID] = feed
	return nil
}

func (r *fakeFeedRepo) ListActive(_ context.Context) ([]*model.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Feed
	for _, f := range r.feeds {
		if f.IsActive {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeFeedRepo) UpdateURL(_ context.Context, feedID, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[feedID].URL = url
	r.updatedURLs = append(r.updatedURLs, url)
	return nil
}

func (r *fakeFeedRepo) SetActive(_ context.Context, feedID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[feedID].IsActive = active
	if active {
		r.feeds[feedID].HasSyncFailed = false
	}
	return nil
}

func (r *fakeFeedRepo) MarkSyncSucceeded(_ context.Context, feedID string, syncedAt time.Time, watermark *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.feeds[feedID]
	if f.LastSuccessfulSyncAt == nil || syncedAt.After(*f.LastSuccessfulSyncAt) {
		s := syncedAt
		f.LastSuccessfulSyncAt = &s
	}
	if watermark != nil && (f.LatestItemPublishedAt == nil || watermark.After(*f.LatestItemPublishedAt)) {
		w := *watermark
		f.LatestItemPublishedAt = &w
	}
	r.syncedMarks = append(r.syncedMarks, watermark)
	return nil
}

func (r *fakeFeedRepo) MarkSyncFailed(_ context.Context, feedID string, deactivate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.feeds[feedID]
	f.HasSyncFailed = true
	if deactivate {
		f.IsActive = false
	}
	r.failedMarks = append(r.failedMarks, deactivate)
	return nil
}

// fakePostRepo はテスト用のPostRepository。(feed_id, url)の一意制約を再現する。
type fakePostRepo struct {
	mu      sync.Mutex
	posts   map[string]*model.Post // feedID|url -> post
	failURL map[string]error
	creates int
}

func newFakePostRepo() *fakePostRepo {
	return &fakePostRepo{
		posts:   make(map[string]*model.Post),
		failURL: make(map[string]error),
	}
}

func (r *fakePostRepo) Create(_ context.Context, post *model.Post) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	if err, ok := r.failURL[post.URL]; ok {
		return err
	}
	key := post.FeedID + "|" + post.URL
	if _, ok := r.posts[key]; ok {
		return repository.ErrDuplicate
	}
	r.posts[key] = post
	return nil
}

func (r *fakePostRepo) FindByFeedAndURL(_ context.Context, feedID, url string) (*model.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.posts[feedID+"|"+url], nil
}

func (r *fakePostRepo) ListByFeed(_ context.Context, feedID string) ([]*model.Post, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*model.Post
	for _, p := range r.posts {
		if p.FeedID == feedID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.After(out[j].PublishedAt) })
	return out, nil
}

func (r *fakePostRepo) ListByFeedForUser(_ context.Context, _, _ string, _ *bool) ([]model.PostWithLink, error) {
	return nil, nil
}

func (r *fakePostRepo) count(feedID string) int {
	posts, _ := r.ListByFeed(context.Background(), feedID)
	return len(posts)
}

// fakeLinkRepo はテスト用のLinkRepository。(user_id, post_id)の一意制約を再現する。
type fakeLinkRepo struct {
	mu          sync.Mutex
	subscribers map[string][]string                // feedID -> userIDs
	links       map[string]*model.SubscriptionLink // userID|postID -> link
	failUsers   map[string]bool
	fanOutErr   error
}

func newFakeLinkRepo() *fakeLinkRepo {
	return &fakeLinkRepo{
		subscribers: make(map[string][]string),
		links:       make(map[string]*model.SubscriptionLink),
		failUsers:   make(map[string]bool),
	}
}

func (r *fakeLinkRepo) subscribe(feedID string, userIDs ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers[feedID] = append(r.subscribers[feedID], userIDs...)
}

func (r *fakeLinkRepo) createLocked(link *model.SubscriptionLink) error {
	if r.failUsers[link.UserID] {
		return errors.New("insert failed")
	}
	key := link.UserID + "|" + link.PostID
	if _, ok := r.links[key]; ok {
		return repository.ErrDuplicate
	}
	r.links[key] = link
	return nil
}

func (r *fakeLinkRepo) Create(_ context.Context, link *model.SubscriptionLink) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createLocked(link)
}

func (r *fakeLinkRepo) FanOutToSubscribers(_ context.Context, feedID, postID string) (repository.FanOutResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res repository.FanOutResult
	if r.fanOutErr != nil {
		return res, r.fanOutErr
	}
	for _, userID := range r.subscribers[feedID] {
		res.Subscribers++
		err := r.createLocked(&model.SubscriptionLink{ID: userID + postID, UserID: userID, FeedID: feedID, PostID: postID})
		switch {
		case err == nil:
			res.Created++
		case errors.Is(err, repository.ErrDuplicate):
			res.Duplicates++
		default:
			res.FailedUserIDs = append(res.FailedUserIDs, userID)
		}
	}
	return res, nil
}

func (r *fakeLinkRepo) FindByUserAndPost(_ context.Context, userID, postID string) (*model.SubscriptionLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.links[userID+"|"+postID], nil
}

func (r *fakeLinkRepo) UpdateReadState(_ context.Context, _ string, _ bool, _ *time.Time) error {
	return nil
}

func (r *fakeLinkRepo) MarkAllRead(_ context.Context, _, _ string, _ time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeLinkRepo) DeleteByUserAndFeed(_ context.Context, _, _ string) error {
	return nil
}

func (r *fakeLinkRepo) countForUser(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.links {
		if l.UserID == userID {
			n++
		}
	}
	return n
}

// fakeFetcher はURLごとに固定の結果を返すFeedFetcher。
type fakeFetcher struct {
	mu      sync.Mutex
	results map[string]*fetch.Result
	errs    map[string]error
	calls   []string
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		results: make(map[string]*fetch.Result),
		errs:    make(map[string]error),
	}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (*fetch.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, url)
	if err, ok := f.errs[url]; ok {
		return nil, err
	}
	if r, ok := f.results[url]; ok {
		return r, nil
	}
	return &fetch.Result{StatusCode: 200}, nil
}

type scheduleCall struct {
	feedID   string
	url      string
	interval time.Duration
	delay    time.Duration
}

// fakeScheduler はScheduleFeedの呼び出しを記録するFeedScheduler。
type fakeScheduler struct {
	mu    sync.Mutex
	calls []scheduleCall
	err   error
}

func (s *fakeScheduler) ScheduleFeed(_ context.Context, feedID, url string, interval, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.calls = append(s.calls, scheduleCall{feedID: feedID, url: url, interval: interval, delay: delay})
	return nil
}

// newTestLogger はテスト用のロガーを生成する。
func newTestLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})), &buf
}
