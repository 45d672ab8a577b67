// Package scheduler はフィード同期ジョブの登録と実行を提供する。
//
// Schedulerはジョブストアへの登録側の窓口で、Workerは期限を迎えたジョブを
// 取得して同期処理に振り分ける実行側を担う。
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedsync/internal/jobstore"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// Scheduler はフィードごとの定期同期ジョブと単発ジョブを登録する。
type Scheduler struct {
	store    jobstore.Store
	feedRepo repository.FeedRepository
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time
}

// New はSchedulerの新しいインスタンスを生成する。
// intervalは起動時の再構築などで使う定期同期の間隔。
func New(store jobstore.Store, feedRepo repository.FeedRepository, logger *slog.Logger, interval time.Duration) *Scheduler {
	return &Scheduler{
		store:    store,
		feedRepo: feedRepo,
		logger:   logger,
		interval: interval,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ScheduleFeed はフィードの定期同期ジョブを登録する。
// ジョブIDはフィードごとに決定的なため、既存のジョブは置き換えられる。
func (s *Scheduler) ScheduleFeed(ctx context.Context, feedID, url string, interval, delay time.Duration) error {
	return s.scheduleFeed(ctx, feedID, url, nil, interval, delay)
}

func (s *Scheduler) scheduleFeed(ctx context.Context, feedID, url string, seed *time.Time, interval, delay time.Duration) error {
	job := &model.Job{
		ID:     model.RecurringJobID(feedID),
		Kind:   model.JobKindIncrementalSync,
		FeedID: feedID,
		IncrementalSync: &model.IncrementalSyncPayload{
			FeedID:        feedID,
			URL:           url,
			WatermarkSeed: seed,
		},
	}
	if err := s.store.ScheduleAt(ctx, job, s.now().Add(delay), interval); err != nil {
		return fmt.Errorf("定期同期ジョブの登録に失敗しました: %w", err)
	}

	s.logger.Debug("定期同期ジョブを登録しました",
		slog.String("feed_id", feedID),
		slog.String("job_id", job.ID),
		slog.Duration("interval", interval),
		slog.Duration("delay", delay),
	)
	return nil
}

// CancelFeed はフィードの定期同期ジョブを取り消す。
func (s *Scheduler) CancelFeed(ctx context.Context, feedID string) error {
	if err := s.store.Cancel(ctx, model.RecurringJobID(feedID)); err != nil {
		return fmt.Errorf("定期同期ジョブの取り消しに失敗しました: %w", err)
	}
	return nil
}

// ReconcileOnStartup はジョブストアを空にし、有効なフィードごとに定期同期ジョブを即時実行で登録し直す。
// ウォーターマークを持たないフィードには現在時刻をシードとして渡し、過去の記事を新着として扱わないようにする。
// 登録したジョブ数を返す。
func (s *Scheduler) ReconcileOnStartup(ctx context.Context) (int, error) {
	drained, err := s.store.Drain(ctx)
	if err != nil {
		return 0, fmt.Errorf("ジョブストアの初期化に失敗しました: %w", err)
	}

	feeds, err := s.feedRepo.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("有効なフィードの取得に失敗しました: %w", err)
	}

	var (
		scheduled int
		errs      []error
	)
	for _, feed := range feeds {
		if err := s.scheduleFeed(ctx, feed.ID, feed.URL, s.seedFor(feed), s.interval, 0); err != nil {
			s.logger.Error("フィードの再登録に失敗しました",
				slog.String("feed_id", feed.ID),
				slog.String("error", err.Error()),
			)
			errs = append(errs, err)
			continue
		}
		scheduled++
	}

	s.logger.Info("起動時のジョブ再構築が完了しました",
		slog.Int("drained", drained),
		slog.Int("active_feeds", len(feeds)),
		slog.Int("scheduled", scheduled),
	)
	return scheduled, errors.Join(errs...)
}

// ReconcileFeed は単一フィードの定期同期ジョブを取り消し、フィードが有効であれば即時実行で登録し直す。
func (s *Scheduler) ReconcileFeed(ctx context.Context, feedID string) error {
	if err := s.CancelFeed(ctx, feedID); err != nil {
		return err
	}

	feed, err := s.feedRepo.FindByID(ctx, feedID)
	if err != nil {
		return fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	if feed == nil || !feed.IsActive {
		return nil
	}
	return s.scheduleFeed(ctx, feed.ID, feed.URL, s.seedFor(feed), s.interval, 0)
}

// EnqueueInitialSync は新規フィードの初回同期ジョブを即時実行で登録する。
func (s *Scheduler) EnqueueInitialSync(ctx context.Context, userID, feedID, url string) error {
	job := &model.Job{
		ID:     uuid.New().String(),
		Kind:   model.JobKindInitialSync,
		FeedID: feedID,
		InitialSync: &model.InitialSyncPayload{
			UserID: userID,
			FeedID: feedID,
			URL:    url,
		},
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("初回同期ジョブの登録に失敗しました: %w", err)
	}
	return nil
}

// EnqueueLinkOnly は既存フィードの記事をユーザーに紐付けるジョブを即時実行で登録する。
func (s *Scheduler) EnqueueLinkOnly(ctx context.Context, userID, feedID string) error {
	job := &model.Job{
		ID:     uuid.New().String(),
		Kind:   model.JobKindLinkOnly,
		FeedID: feedID,
		LinkOnly: &model.LinkOnlyPayload{
			UserID: userID,
			FeedID: feedID,
		},
	}
	if err := s.store.Enqueue(ctx, job); err != nil {
		return fmt.Errorf("記事紐付けジョブの登録に失敗しました: %w", err)
	}
	return nil
}

// OnFeedDeactivated はフィードが無効化されたときに定期同期ジョブを取り消す。
func (s *Scheduler) OnFeedDeactivated(ctx context.Context, feedID string) error {
	return s.CancelFeed(ctx, feedID)
}

// OnFeedReactivated はフィードが再び有効化されたときに定期同期ジョブを登録し直す。
func (s *Scheduler) OnFeedReactivated(ctx context.Context, feedID string) error {
	return s.ReconcileFeed(ctx, feedID)
}

// seedFor は同期済みだがウォーターマークを持たないフィードにだけ現在時刻のシードを返す。
// 一度も同期されていないフィードはシードなしで全記事を配信対象にする。
func (s *Scheduler) seedFor(feed *model.Feed) *time.Time {
	if feed.LatestItemPublishedAt != nil || feed.LastSuccessfulSyncAt == nil {
		return nil
	}
	now := s.now()
	return &now
}
