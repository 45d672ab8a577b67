package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/feedsync/internal/jobstore"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/worker/retry"
	"github.com/hitoshi/feedsync/internal/worker/syncer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func redisClient(t *testing.T, mr *miniredis.Miniredis) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func setupTestStore(t *testing.T) (*jobstore.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	return jobstore.NewRedisStore(redisClient(t, mr), "test", discardLogger()), mr
}

// testClock はテストから進められる時計。
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	// Enqueueは実時刻で登録するため、実時刻より少し先から始める
	return &testClock{t: time.Now().UTC().Truncate(time.Millisecond).Add(time.Minute)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

// stubFeedRepo はテスト用のFeedRepository。
type stubFeedRepo struct {
	mu     sync.Mutex
	feeds  map[string]*model.Feed
	failed map[string]bool // feedID -> deactivate
}

func newStubFeedRepo(feeds ...*model.Feed) *stubFeedRepo {
	r := &stubFeedRepo{
		feeds:  make(map[string]*model.Feed),
		failed: make(map[string]bool),
	}
	for _, f := range feeds {
		r.feeds[f.ID] = f
	}
	return r
}

func (r *stubFeedRepo) FindByID(_ context.Context, id string) (*model.Feed, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.feeds[id]
	if !ok {
		return nil, nil
	}
	cp := *f
	return &cp, nil
}

func (r *stubFeedRepo) FindByURL(_ context.Context, _ string) (*model.Feed, error) {
	return nil, nil
}

func (r *stubFeedRepo) Create(_ context.Context, feed *model.Feed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[feed.ID] = feed
	return nil
}

func (r *stubFeedRepo) ListActive(_ context.Context) ([]*model.Feed, error) {
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

func (r *stubFeedRepo) UpdateURL(_ context.Context, _, _ string) error { return nil }

func (r *stubFeedRepo) SetActive(_ context.Context, feedID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feeds[feedID].IsActive = active
	return nil
}

func (r *stubFeedRepo) MarkSyncSucceeded(_ context.Context, _ string, _ time.Time, _ *time.Time) error {
	return nil
}

func (r *stubFeedRepo) MarkSyncFailed(_ context.Context, feedID string, deactivate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[feedID] = deactivate
	return nil
}

func (r *stubFeedRepo) failedFor(feedID string) (deactivate, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deactivate, ok = r.failed[feedID]
	return deactivate, ok
}

// fakeRunner は関数フィールドで振る舞いを差し替えられるSyncRunner。
type fakeRunner struct {
	mu          sync.Mutex
	calls       []model.JobKind
	initial     func(ctx context.Context, p model.InitialSyncPayload) (*syncer.Report, error)
	incremental func(ctx context.Context, p model.IncrementalSyncPayload) (*syncer.Report, error)
	linkOnly    func(ctx context.Context, p model.LinkOnlyPayload) (*syncer.Report, error)
}

func (r *fakeRunner) record(kind model.JobKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, kind)
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRunner) InitialSync(ctx context.Context, p model.InitialSyncPayload) (*syncer.Report, error) {
	r.record(model.JobKindInitialSync)
	if r.initial != nil {
		return r.initial(ctx, p)
	}
	return &syncer.Report{FeedID: p.FeedID}, nil
}

func (r *fakeRunner) IncrementalSync(ctx context.Context, p model.IncrementalSyncPayload) (*syncer.Report, error) {
	r.record(model.JobKindIncrementalSync)
	if r.incremental != nil {
		return r.incremental(ctx, p)
	}
	return &syncer.Report{FeedID: p.FeedID}, nil
}

func (r *fakeRunner) LinkOnly(ctx context.Context, p model.LinkOnlyPayload) (*syncer.Report, error) {
	r.record(model.JobKindLinkOnly)
	if r.linkOnly != nil {
		return r.linkOnly(ctx, p)
	}
	return &syncer.Report{FeedID: p.FeedID}, nil
}

// testEnv はミニRedis上のジョブストアとScheduler、Workerをまとめたテスト環境。
type testEnv struct {
	store  *jobstore.RedisStore
	mr     *miniredis.Miniredis
	feeds  *stubFeedRepo
	runner *fakeRunner
	sched  *Scheduler
	worker *Worker
	clock  *testClock
}

func newTestEnv(t *testing.T, cfg WorkerConfig, feeds ...*model.Feed) *testEnv {
	t.Helper()

	store, mr := setupTestStore(t)
	env := &testEnv{
		store:  store,
		mr:     mr,
		feeds:  newStubFeedRepo(feeds...),
		runner: &fakeRunner{},
		clock:  newTestClock(),
	}
	env.sched = New(store, env.feeds, discardLogger(), 15*time.Minute)
	env.sched.now = env.clock.now
	env.worker = NewWorker(store, env.runner, env.feeds, retry.DefaultPolicy(),
		metrics.NewCollector(prometheus.NewRegistry()), discardLogger(), cfg)
	env.worker.now = env.clock.now
	return env
}
