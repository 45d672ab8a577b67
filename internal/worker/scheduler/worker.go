package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/feedsync/internal/jobstore"
	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/worker/fetch"
	"github.com/hitoshi/feedsync/internal/worker/retry"
	"github.com/hitoshi/feedsync/internal/worker/syncer"
)

const (
	defaultConcurrency  = 10
	defaultPollInterval = time.Second
	defaultJobTimeout   = 10 * time.Second
	// leaseMargin はジョブのタイムアウトに上乗せするリース期間。実行後の再登録とリース解放に使う。
	leaseMargin = 30 * time.Second
)

// errInvalidJob はペイロードが不正で実行できないジョブを表す。
var errInvalidJob = errors.New("実行できないジョブです")

// SyncRunner はジョブ種別ごとの同期処理のインターフェース。
type SyncRunner interface {
	InitialSync(ctx context.Context, p model.InitialSyncPayload) (*syncer.Report, error)
	IncrementalSync(ctx context.Context, p model.IncrementalSyncPayload) (*syncer.Report, error)
	LinkOnly(ctx context.Context, p model.LinkOnlyPayload) (*syncer.Report, error)
}

// FeedFailureMarker はリトライを使い切ったフィードを同期失敗として記録するインターフェース。
type FeedFailureMarker interface {
	MarkSyncFailed(ctx context.Context, feedID string, deactivate bool) error
}

// WorkerConfig はWorkerの設定。
type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
	JobTimeout   time.Duration
}

// Worker は期限を迎えたジョブをジョブストアから取得し、同期処理に振り分ける。
// ポーリング間隔のティッカーで実行対象を取得し、
// semaphoreパターンで最大並列数を制御しながらジョブを実行する。
type Worker struct {
	store   jobstore.Store
	runner  SyncRunner
	feeds   FeedFailureMarker
	policy  retry.Policy
	metrics metrics.MetricsCollector
	logger  *slog.Logger
	cfg     WorkerConfig
	now     func() time.Time
}

// NewWorker はWorkerの新しいインスタンスを生成する。
// 設定値が0以下の場合はデフォルト値（並列数10、ポーリング間隔1秒、タイムアウト10秒）を使用する。
func NewWorker(
	store jobstore.Store,
	runner SyncRunner,
	feeds FeedFailureMarker,
	policy retry.Policy,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg WorkerConfig,
) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	return &Worker{
		store:   store,
		runner:  runner,
		feeds:   feeds,
		policy:  policy,
		metrics: collector,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Start はポーリングを開始する。コンテキストがキャンセルされるまで実行を継続する。
func (w *Worker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	w.logger.Info("同期ワーカーを開始しました",
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Duration("job_timeout", w.cfg.JobTimeout),
	)

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("ジョブの取得に失敗しました",
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			w.logger.Info("同期ワーカーを停止しました")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce は期限を迎えたジョブを1回取得し、並列で実行する。
// 取得したジョブが全て完了するまでブロックし、実行したジョブ数を返す。
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.store.ClaimDue(ctx, w.now(), w.cfg.Concurrency, w.cfg.JobTimeout+leaseMargin)
	if len(jobs) == 0 {
		return 0, err
	}

	// semaphoreパターンで並列数を制御
	sem := make(chan struct{}, w.cfg.Concurrency)
	var wg sync.WaitGroup

	for _, job := range jobs {
		wg.Add(1)
		sem <- struct{}{}

		go func(j *model.Job) {
			defer wg.Done()
			defer func() { <-sem }()
			w.execute(ctx, j)
		}(job)
	}

	wg.Wait()
	return len(jobs), err
}

// execute はジョブを実行し、結果に応じて再登録または取り消しを行う。リースは必ず解放する。
func (w *Worker) execute(ctx context.Context, job *model.Job) {
	// シャットダウン中でも後処理を完了させる
	bg := context.WithoutCancel(ctx)
	defer w.release(bg, job.ID)

	start := time.Now()
	err := w.run(ctx, job)
	duration := time.Since(start)

	if err != nil && ctx.Err() != nil {
		// 停止による中断はリトライ回数を消費せず、予定時刻のまま残す
		w.logger.Info("ワーカー停止のためジョブを中断しました",
			slog.String("job_id", job.ID),
			slog.String("job_kind", string(job.Kind)),
		)
		return
	}

	ended := w.now()
	job.LastRunEndedAt = &ended

	w.complete(bg, job, err, duration)
}

// run はタイムアウト付きでジョブを実行する。パニックは失敗として扱う。
func (w *Worker) run(ctx context.Context, job *model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("ジョブの実行中にパニックが発生しました",
				slog.String("job_id", job.ID),
				slog.String("job_kind", string(job.Kind)),
				slog.Any("panic", r),
			)
			err = fmt.Errorf("ジョブの実行中にパニックが発生しました: %v", r)
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.JobTimeout)
	defer cancel()
	return w.dispatch(runCtx, job)
}

// dispatch はジョブ種別に応じた同期処理を呼び出す。
func (w *Worker) dispatch(ctx context.Context, job *model.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errInvalidJob, err)
	}

	var err error
	switch job.Kind {
	case model.JobKindInitialSync:
		_, err = w.runner.InitialSync(ctx, *job.InitialSync)
	case model.JobKindIncrementalSync:
		_, err = w.runner.IncrementalSync(ctx, *job.IncrementalSync)
	case model.JobKindLinkOnly:
		_, err = w.runner.LinkOnly(ctx, *job.LinkOnly)
	default:
		err = fmt.Errorf("%w: 未知のジョブ種別 %q", errInvalidJob, job.Kind)
	}
	return err
}

// complete は実行結果をジョブストアとリトライ状態に反映する。
func (w *Worker) complete(ctx context.Context, job *model.Job, err error, duration time.Duration) {
	kind := string(job.Kind)

	switch {
	case err == nil:
		w.metrics.RecordJobSuccess(kind, duration)
		w.onSuccess(ctx, job)

	case errors.Is(err, syncer.ErrFeedInactive):
		w.metrics.RecordJobFailure(kind, "inactive", duration)
		w.cancel(ctx, job, "inactive", err)

	case fetch.IsGone(err):
		w.metrics.RecordJobFailure(kind, "gone", duration)
		w.cancel(ctx, job, "gone", err)

	case errors.Is(err, errInvalidJob):
		w.metrics.RecordJobFailure(kind, "invalid", duration)
		w.cancel(ctx, job, "invalid", err)

	default:
		reason := fetch.KindOf(err).String()
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "timeout"
		}
		w.metrics.RecordJobFailure(kind, reason, duration)
		w.onFailure(ctx, job, err)
	}
}

// onSuccess はリトライ状態を戻し、繰り返しジョブを次の実行時刻で再登録する。単発ジョブは削除する。
func (w *Worker) onSuccess(ctx context.Context, job *model.Job) {
	state, reset := w.policy.OnSuccess(job.Retry)
	job.Retry = state
	if reset {
		w.logger.Info("同期が回復したためリトライ状態をリセットしました",
			slog.String("job_id", job.ID),
			slog.String("feed_id", job.FeedID),
		)
	}

	if !job.IsRecurring() {
		if err := w.store.Cancel(ctx, job.ID); err != nil {
			w.logger.Error("完了したジョブの削除に失敗しました",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	job.ScheduledAt = job.LastRunEndedAt.Add(job.Interval())
	w.save(ctx, job)
}

// onFailure はバックオフ後の再実行を登録する。リトライ回数を使い切った場合はジョブを取り消し、
// 同期処理のジョブであればフィードを同期失敗として記録する。
func (w *Worker) onFailure(ctx context.Context, job *model.Job, cause error) {
	state, decision := w.policy.OnFailure(job.Retry)
	job.Retry = state

	if decision.Action == retry.ActionCancel {
		w.cancel(ctx, job, "exhausted", cause)
		if job.Kind != model.JobKindLinkOnly && job.FeedID != "" {
			if err := w.feeds.MarkSyncFailed(ctx, job.FeedID, false); err != nil {
				w.logger.Error("フィードの同期失敗の記録に失敗しました",
					slog.String("feed_id", job.FeedID),
					slog.String("error", err.Error()),
				)
			}
		}
		return
	}

	job.ScheduledAt = decision.NextRunAt(*job.LastRunEndedAt)
	w.logger.Warn("ジョブが失敗したため再実行を予約しました",
		slog.String("job_id", job.ID),
		slog.String("job_kind", string(job.Kind)),
		slog.String("feed_id", job.FeedID),
		slog.Duration("delay", decision.Delay),
		slog.Int("retries_left", *job.Retry.RetriesLeft),
		slog.String("error", cause.Error()),
	)
	if w.save(ctx, job) {
		w.metrics.RecordJobRescheduled(string(job.Kind))
	}
}

// cancel はジョブを取り消す。
func (w *Worker) cancel(ctx context.Context, job *model.Job, reason string, cause error) {
	w.logger.Warn("ジョブを取り消します",
		slog.String("job_id", job.ID),
		slog.String("job_kind", string(job.Kind)),
		slog.String("feed_id", job.FeedID),
		slog.String("reason", reason),
		slog.String("error", cause.Error()),
	)
	if err := w.store.Cancel(ctx, job.ID); err != nil {
		w.logger.Error("ジョブの取り消しに失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	w.metrics.RecordJobCancelled(string(job.Kind), reason)
}

// save はジョブを更新する。実行中に取り消されたジョブは復活させない。
func (w *Worker) save(ctx context.Context, job *model.Job) bool {
	err := w.store.Save(ctx, job)
	switch {
	case err == nil:
		return true
	case errors.Is(err, jobstore.ErrJobNotFound):
		w.logger.Info("実行中に取り消されたジョブのため再登録しません",
			slog.String("job_id", job.ID),
		)
	default:
		w.logger.Error("ジョブの再登録に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	return false
}

func (w *Worker) release(ctx context.Context, id string) {
	if err := w.store.Release(ctx, id); err != nil {
		w.logger.Warn("ジョブのリース解放に失敗しました",
			slog.String("job_id", id),
			slog.String("error", err.Error()),
		)
	}
}
