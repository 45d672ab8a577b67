package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hitoshi/feedsync/internal/jobstore"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/worker/fetch"
	"github.com/hitoshi/feedsync/internal/worker/retry"
	"github.com/hitoshi/feedsync/internal/worker/syncer"
)

const testURL = "https://example.com/f1.xml"

func transientError(_ context.Context, p model.IncrementalSyncPayload) (*syncer.Report, error) {
	return nil, &fetch.Error{Kind: fetch.KindTransient, URL: p.URL, StatusCode: 503}
}

func runOnce(t *testing.T, env *testEnv, want int) {
	t.Helper()
	n, err := env.worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, n)
}

func TestWorker_RecurringSuccess(t *testing.T) {
	env := newTestEnv(t, WorkerConfig{})
	ctx := context.Background()
	require.NoError(t, env.sched.ScheduleFeed(ctx, "f1", testURL, 15*time.Minute, 0))

	runOnce(t, env, 1)

	job, err := env.store.Get(ctx, model.RecurringJobID("f1"))
	require.NoError(t, err)
	require.NotNil(t, job.LastRunEndedAt)
	assert.True(t, job.ScheduledAt.Equal(job.LastRunEndedAt.Add(15*time.Minute)), "次回は実行終了から間隔後")
	assert.True(t, job.Retry.IsFresh())

	// 次回予定時刻までは実行されない
	runOnce(t, env, 0)

	// リースが解放されているため、次回予定時刻に再び取得できる
	env.clock.set(job.ScheduledAt)
	runOnce(t, env, 1)
	assert.Equal(t, 2, env.runner.callCount())
}

func TestWorker_OneShotJobRemovedOnSuccess(t *testing.T) {
	env := newTestEnv(t, WorkerConfig{})
	ctx := context.Background()

	var got model.LinkOnlyPayload
	env.runner.linkOnly = func(_ context.Context, p model.LinkOnlyPayload) (*syncer.Report, error) {
		got = p
		return &syncer.Report{}, nil
	}
	require.NoError(t, env.sched.EnqueueLinkOnly(ctx, "u1", "f1"))

	runOnce(t, env, 1)

	assert.Equal(t, model.LinkOnlyPayload{UserID: "u1", FeedID: "f1"}, got)
	count, err := env.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestWorker_DispatchesByKind(t *testing.T) {
	env := newTestEnv(t, WorkerConfig{})
	ctx := context.Background()

	require.NoError(t, env.sched.EnqueueInitialSync(ctx, "u1", "f1", testURL))
	require.NoError(t, env.sched.EnqueueLinkOnly(ctx, "u2", "f2"))
	require.NoError(t, env.sched.ScheduleFeed(ctx, "f3", testURL, time.Minute, 0))

	runOnce(t, env, 3)

	assert.ElementsMatch(t,
		[]model.JobKind{model.JobKindInitialSync, model.JobKindLinkOnly, model.JobKindIncrementalSync},
		env.runner.calls,
	)
}

func TestWorker_BackoffSequenceThenCancel(t *testing.T) {
	env := newTestEnv(t, WorkerConfig{}, feedWithWatermark("f1", true, nil))
	ctx := context.Background()
	env.runner.incremental = transientError
	require.NoError(t, env.sched.ScheduleFeed(ctx, "f1", testURL, 15*time.Minute, 0))

	wantDelays := []time.Duration{120 * time.Second, 300 * time.Second, 480 * time.Second}
	for i, delay := range wantDelays {
		ended := env.clock.now()
		runOnce(t, env, 1)

		job, err := env.store.Get(ctx, model.RecurringJobID("f1"))
		require.NoError(t, err, "failure %d", i+1)
		assert.True(t, job.ScheduledAt.Equal(ended.Add(delay)),
			"failure %d: scheduled at %v, want %v", i+1, job.ScheduledAt, ended.Add(delay))
		require.NotNil(t, job.Retry.RetriesLeft)
		assert.Equal(t, len(wantDelays)-i-1, *job.Retry.RetriesLeft)

		env.clock.set(job.ScheduledAt)
	}

	// 4回目の失敗でジョブは取り消され、フィードは同期失敗として記録される
	runOnce(t, env, 1)

	_, err := env.store.Get(ctx, model.RecurringJobID("f1"))
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound)

	deactivate, ok := env.feeds.failedFor("f1")
	assert.True(t, ok, "MarkSyncFailed should be called")
	assert.False(t, deactivate, "リトライ切れではフィードを無効化しない")
}

func TestWorker_RecoveryResetsRetryState(t *testing.T) {
	env := newTestEnv(t, WorkerConfig{})
	ctx := context.Background()

	fail := true
	env.runner.incremental = func(ctx context.Context, p model.IncrementalSyncPayload) (*syncer.Report, error) {
		if fail {
			return transientError(ctx, p)
		}
		return &syncer.Report{}, nil
	}
	require.NoError(t, env.sched.ScheduleFeed(ctx, "f1", testURL, 15*time.Minute, 0))

	runOnce(t, env, 1)
	job, err := env.store.Get(ctx, model.RecurringJobID("f1"))
	require.NoError(t, err)
	require.False(t, job.Retry.IsFresh())

	fail = false
	env.clock.set(job.ScheduledAt)
	runOnce(t, env, 1)

	job, err = env.store.Get(ctx, model.RecurringJobID("f1"))
	require.NoError(t, err)
	require.NotNil(t, job.Retry.RetriesLeft)
	assert.Equal(t, retry.DefaultPolicy().Budget(), *job.Retry.RetriesLeft)
	assert.Equal(t, retry.DefaultIntervals, job.Retry.RetryIntervals)
	assert.True(t, job.ScheduledAt.Equal(job.LastRunEndedAt.Add(15*time.Minute)))
}

func TestWorker_PermanentOutcomesCancel(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "410", err: &fetch.Error{Kind: fetch.KindGone, URL: testURL, StatusCode: 410}},
		{name: "無効化されたフィード", err: fmt.Errorf("%w: f1", syncer.ErrFeedInactive)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, WorkerConfig{})
			ctx := context.Background()
			env.runner.incremental = func(context.Context, model.IncrementalSyncPayload) (*syncer.Report, error) {
				return nil, tt.err
			}
			require.NoError(t, env.sched.ScheduleFeed(ctx, "f1", testURL, 15*time.Minute, 0))

			runOnce(t, env, 1)

			_, err := env.store.Get(ctx, model.RecurringJobID("f1"))
			assert.ErrorIs(t, err, jobstore.ErrJobNotFound)
			_, marked := env.feeds.failedFor("f1")
			assert.False(t, marked, "フィード状態の更新は同期処理側で行う")
		})
	}
}

func TestWorker_OneShotFailureIsRetried(t *testing.T) {
	env := newTestEnv(t, WorkerConfig{})
	ctx := context.Background()
	env.runner.initial = func(context.Context, model.InitialSyncPayload) (*syncer.Report, error) {
		return nil, errors.New("connection refused")
	}
	require.NoError(t, env.sched.EnqueueInitialSync(ctx, "u1", "f1", testURL))

	runOnce(t, env, 1)

	jobs, err := env.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.True(t, jobs[0].ScheduledAt.Equal(env.clock.now().Add(120*time.Second)))
}

func TestWorker_CancelWhileInFlight(t *testing.T) {
	env := newTestEnv(t, WorkerConfig{})
	ctx := context.Background()
	env.runner.incremental = func(ctx context.Context, p model.IncrementalSyncPayload) (*syncer.Report, error) {
		assert.NoError(t, env.sched.CancelFeed(ctx, p.FeedID))
		return &syncer.Report{}, nil
	}
	require.NoError(t, env.sched.ScheduleFeed(ctx, "f1", testURL, 15*time.Minute, 0))

	runOnce(t, env, 1)

	_, err := env.store.Get(ctx, model.RecurringJobID("f1"))
	assert.ErrorIs(t, err, jobstore.ErrJobNotFound, "取り消されたジョブは復活しない")
}

func TestWorker_SkipsJobLeasedByPeer(t *testing.T) {
	env := newTestEnv(t, WorkerConfig{})
	ctx := context.Background()
	require.NoError(t, env.sched.ScheduleFeed(ctx, "f1", testURL, 15*time.Minute, 0))

	// 別プロセスのワーカーが先にリースを取得している
	peer := jobstore.NewRedisStore(redisClient(t, env.mr), "test", discardLogger())
	claimed, err := peer.ClaimDue(ctx, env.clock.now(), 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	runOnce(t, env, 0)
	assert.Equal(t, 0, env.runner.callCount())
}

func TestWorker_PanicIsTreatedAsFailure(t *testing.T) {
	env := newTestEnv(t, WorkerConfig{})
	ctx := context.Background()
	env.runner.incremental = func(context.Context, model.IncrementalSyncPayload) (*syncer.Report, error) {
		panic("unexpected nil")
	}
	require.NoError(t, env.sched.ScheduleFeed(ctx, "f1", testURL, 15*time.Minute, 0))

	runOnce(t, env, 1)

	job, err := env.store.Get(ctx, model.RecurringJobID("f1"))
	require.NoError(t, err)
	require.NotNil(t, job.Retry.RetriesLeft)
	assert.Equal(t, 2, *job.Retry.RetriesLeft)
}

func TestWorker_JobTimeoutIsFailure(t *testing.T) {
	env := newTestEnv(t, WorkerConfig{JobTimeout: 50 * time.Millisecond})
	ctx := context.Background()
	env.runner.incremental = func(ctx context.Context, _ model.IncrementalSyncPayload) (*syncer.Report, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	require.NoError(t, env.sched.ScheduleFeed(ctx, "f1", testURL, 15*time.Minute, 0))

	runOnce(t, env, 1)

	job, err := env.store.Get(ctx, model.RecurringJobID("f1"))
	require.NoError(t, err)
	assert.True(t, job.ScheduledAt.Equal(env.clock.now().Add(120*time.Second)))
}

func TestWorker_ShutdownDoesNotConsumeRetries(t *testing.T) {
	env := newTestEnv(t, WorkerConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env.runner.incremental = func(runCtx context.Context, _ model.IncrementalSyncPayload) (*syncer.Report, error) {
		cancel()
		<-runCtx.Done()
		return nil, runCtx.Err()
	}
	require.NoError(t, env.sched.ScheduleFeed(context.Background(), "f1", testURL, 15*time.Minute, 0))
	scheduledAt := env.clock.now()

	_, _ = env.worker.RunOnce(ctx)

	job, err := env.store.Get(context.Background(), model.RecurringJobID("f1"))
	require.NoError(t, err)
	assert.True(t, job.Retry.IsFresh())
	assert.True(t, job.ScheduledAt.Equal(scheduledAt))
}

func TestWorker_DispatchRejectsInvalidJob(t *testing.T) {
	env := newTestEnv(t, WorkerConfig{})

	err := env.worker.dispatch(context.Background(), &model.Job{ID: "x", Kind: model.JobKindLinkOnly})
	assert.ErrorIs(t, err, errInvalidJob)

	err = env.worker.dispatch(context.Background(), &model.Job{ID: "x", Kind: "unknown"})
	assert.ErrorIs(t, err, errInvalidJob)
	assert.Equal(t, 0, env.runner.callCount())
}

func TestWorker_StartStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, WorkerConfig{PollInterval: 10 * time.Millisecond})
	require.NoError(t, env.sched.ScheduleFeed(context.Background(), "f1", testURL, 15*time.Minute, 0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.worker.Start(ctx) }()

	require.Eventually(t, func() bool { return env.runner.callCount() == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
