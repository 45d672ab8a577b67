// Package syncer はフィードの同期処理を提供する。
//
// 初回同期、差分同期、既存記事の紐付けの3種類のジョブを実行し、
// 記事の保存、購読者への配信、ウォーターマークの更新を行う。
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedsync/internal/metrics"
	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
	"github.com/hitoshi/feedsync/internal/worker/fetch"
)

// ErrFeedInactive はフィードが存在しないか無効化されていることを表す。
// ワーカーはこのエラーを受け取るとジョブを取り消す。
var ErrFeedInactive = errors.New("フィードが存在しないか無効化されています")

// FeedFetcher はフィード取得のインターフェース。
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) (*fetch.Result, error)
}

// FeedScheduler は定期同期ジョブ登録のインターフェース。
type FeedScheduler interface {
	ScheduleFeed(ctx context.Context, feedID, url string, interval, delay time.Duration) error
}

// TitleSanitizer は記事タイトルの無害化インターフェース。
type TitleSanitizer interface {
	Sanitize(raw string) string
}

// Config は同期処理の設定。
type Config struct {
	// SyncInterval は定期同期の間隔。
	SyncInterval time.Duration
	// InitialDelay は初回同期後、最初の定期同期までの待機時間。
	InitialDelay time.Duration
}

// Report は1回の同期処理の結果。
type Report struct {
	FeedID        string
	URL           string
	Entries       int // フェッチした記事数
	NewEntries    int // ウォーターマークより新しい記事数
	PostsCreated  int
	PostsExisting int
	PostFailures  int
	LinksCreated  int
	LinkFailures  int
	// Watermark は更新後のウォーターマーク候補。nilの場合は更新しない。
	Watermark *time.Time
}

// Orchestrator はフィード同期の各ジョブを実行する。
type Orchestrator struct {
	feedRepo  repository.FeedRepository
	postRepo  repository.PostRepository
	linkRepo  repository.LinkRepository
	fetcher   FeedFetcher
	scheduler FeedScheduler
	sanitizer TitleSanitizer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// NewOrchestrator はOrchestratorの新しいインスタンスを生成する。
func NewOrchestrator(
	feedRepo repository.FeedRepository,
	postRepo repository.PostRepository,
	linkRepo repository.LinkRepository,
	fetcher FeedFetcher,
	scheduler FeedScheduler,
	sanitizer TitleSanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	cfg Config,
) *Orchestrator {
	return &Orchestrator{
		feedRepo:  feedRepo,
		postRepo:  postRepo,
		linkRepo:  linkRepo,
		fetcher:   fetcher,
		scheduler: scheduler,
		sanitizer: sanitizer,
		metrics:   collector,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// InitialSync は新規フィードを初めて同期する。
// 取得した全記事を保存してフォローしたユーザーと現在の購読者全員に紐付け、最後に定期同期ジョブを登録する。
// 初回同期より先に実行された既存記事の紐付けで記事を受け取れなかった購読者も、ここで全記事を受け取る。
func (o *Orchestrator) InitialSync(ctx context.Context, p model.InitialSyncPayload) (*Report, error) {
	feed, err := o.loadActiveFeed(ctx, p.FeedID)
	if err != nil {
		return nil, err
	}

	url := p.URL
	if url == "" {
		url = feed.URL
	}

	result, url, err := o.fetchFeed(ctx, feed.ID, url)
	if err != nil {
		return nil, err
	}

	report := &Report{
		FeedID:     feed.ID,
		URL:        url,
		Entries:    len(result.Entries),
		NewEntries: len(result.Entries),
	}
	var wm watermarkTracker

	for _, entry := range result.Entries {
		post, ok := o.persistPost(ctx, feed.ID, entry, report)
		if !ok {
			wm.failed(entry)
			continue
		}

		if err := o.linkToUser(ctx, p.UserID, post, report); err != nil {
			o.logger.Error("記事の紐付けに失敗しました",
				slog.String("feed_id", feed.ID),
				slog.String("user_id", p.UserID),
				slog.String("post_id", post.ID),
				slog.String("error", err.Error()),
			)
			report.LinkFailures++
			wm.failed(entry)
			continue
		}
		if !o.fanOut(ctx, post, report) {
			wm.failed(entry)
			continue
		}
		wm.succeeded(entry)
	}

	report.Watermark = wm.next()
	if err := o.feedRepo.MarkSyncSucceeded(ctx, feed.ID, o.now(), report.Watermark); err != nil {
		return report, fmt.Errorf("同期成功の記録に失敗しました: %w", err)
	}

	if err := o.scheduler.ScheduleFeed(ctx, feed.ID, url, o.cfg.SyncInterval, o.cfg.InitialDelay); err != nil {
		return report, fmt.Errorf("定期同期ジョブの登録に失敗しました: %w", err)
	}

	o.finish("初回同期が完了しました", report)
	return report, nil
}

// IncrementalSync はフィードを差分同期する。
// ウォーターマークより新しい記事だけを保存し、現在の購読者全員に配信する。
func (o *Orchestrator) IncrementalSync(ctx context.Context, p model.IncrementalSyncPayload) (*Report, error) {
	feed, err := o.loadActiveFeed(ctx, p.FeedID)
	if err != nil {
		return nil, err
	}

	result, url, err := o.fetchFeed(ctx, feed.ID, feed.URL)
	if err != nil {
		return nil, err
	}

	floor := feed.LatestItemPublishedAt
	if floor == nil {
		floor = p.WatermarkSeed
	}

	report := &Report{
		FeedID:  feed.ID,
		URL:     url,
		Entries: len(result.Entries),
	}
	var wm watermarkTracker

	for _, entry := range result.Entries {
		if floor != nil && !entry.PublishedAt.After(*floor) {
			continue
		}
		if entry.DateEstimated {
			known, err := o.postRepo.FindByFeedAndURL(ctx, feed.ID, entry.Link)
			if err != nil {
				o.logger.Error("既存記事の確認に失敗しました",
					slog.String("feed_id", feed.ID),
					slog.String("url", entry.Link),
					slog.String("error", err.Error()),
				)
				report.PostFailures++
				continue
			}
			if known != nil {
				continue
			}
		}
		report.NewEntries++

		post, ok := o.persistPost(ctx, feed.ID, entry, report)
		if !ok {
			wm.failed(entry)
			continue
		}

		if !o.fanOut(ctx, post, report) {
			wm.failed(entry)
			continue
		}
		wm.succeeded(entry)
	}

	report.Watermark = wm.next()
	if report.Watermark == nil && feed.LatestItemPublishedAt == nil && p.WatermarkSeed != nil {
		seed := p.WatermarkSeed.UTC()
		report.Watermark = &seed
	}

	if err := o.feedRepo.MarkSyncSucceeded(ctx, feed.ID, o.now(), report.Watermark); err != nil {
		return report, fmt.Errorf("同期成功の記録に失敗しました: %w", err)
	}

	o.finish("差分同期が完了しました", report)
	return report, nil
}

// LinkOnly は既存フィードを購読したユーザーに、保存済みの全記事を未読として紐付ける。
// フィードの取得は行わない。
func (o *Orchestrator) LinkOnly(ctx context.Context, p model.LinkOnlyPayload) (*Report, error) {
	feed, err := o.feedRepo.FindByID(ctx, p.FeedID)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	if feed == nil {
		return nil, fmt.Errorf("%w: %s", ErrFeedInactive, p.FeedID)
	}

	posts, err := o.postRepo.ListByFeed(ctx, feed.ID)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}

	report := &Report{FeedID: feed.ID, URL: feed.URL, PostsExisting: len(posts)}
	for _, post := range posts {
		if err := o.linkToUser(ctx, p.UserID, post, report); err != nil {
			o.logger.Error("記事の紐付けに失敗しました",
				slog.String("feed_id", feed.ID),
				slog.String("user_id", p.UserID),
				slog.String("post_id", post.ID),
				slog.String("error", err.Error()),
			)
			report.LinkFailures++
		}
	}

	o.finish("既存記事の紐付けが完了しました", report)
	return report, nil
}

// loadActiveFeed はフィードを取得する。存在しないか無効化されている場合はErrFeedInactiveを返す。
func (o *Orchestrator) loadActiveFeed(ctx context.Context, feedID string) (*model.Feed, error) {
	feed, err := o.feedRepo.FindByID(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	if feed == nil || !feed.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrFeedInactive, feedID)
	}
	return feed, nil
}

// fetchFeed はフィードを取得する。
// 恒久的な移転の場合は保存済みURLを更新し、同じ実行内で移転先から一度だけ再取得する。
// 恒久的な削除の場合はフィードを同期失敗として無効化する。
func (o *Orchestrator) fetchFeed(ctx context.Context, feedID, url string) (*fetch.Result, string, error) {
	result, err := o.fetcher.Fetch(ctx, url)

	if location, moved := fetch.AsMoved(err); moved {
		o.logger.Info("フィードの移転を検出しました",
			slog.String("feed_id", feedID),
			slog.String("from", url),
			slog.String("to", location),
		)
		if err := o.feedRepo.UpdateURL(ctx, feedID, location); err != nil {
			return nil, url, fmt.Errorf("フィードURLの更新に失敗しました: %w", err)
		}
		url = location

		result, err = o.fetcher.Fetch(ctx, url)
		if _, movedAgain := fetch.AsMoved(err); movedAgain {
			// 連続した移転は次回の実行で追跡する
			return nil, url, &fetch.Error{Kind: fetch.KindTransient, URL: url, Err: err}
		}
	}

	if err != nil {
		if fetch.IsGone(err) {
			o.logger.Warn("フィードが削除されたため同期を停止します",
				slog.String("feed_id", feedID),
				slog.String("feed_url", url),
			)
			if markErr := o.feedRepo.MarkSyncFailed(ctx, feedID, true); markErr != nil {
				o.logger.Error("フィードの無効化に失敗しました",
					slog.String("feed_id", feedID),
					slog.String("error", markErr.Error()),
				)
			}
		}
		return nil, url, err
	}

	return result, url, nil
}

// finish は同期結果をログとメトリクスに記録する。
func (o *Orchestrator) finish(msg string, r *Report) {
	o.metrics.RecordPostsCreated(r.PostsCreated)
	o.metrics.RecordLinksCreated(r.LinksCreated)
	o.metrics.RecordLinkFailures(r.LinkFailures)

	attrs := []any{
		slog.String("feed_id", r.FeedID),
		slog.Int("entries", r.Entries),
		slog.Int("new_entries", r.NewEntries),
		slog.Int("posts_created", r.PostsCreated),
		slog.Int("post_failures", r.PostFailures),
		slog.Int("links_created", r.LinksCreated),
		slog.Int("link_failures", r.LinkFailures),
	}
	if r.Watermark != nil {
		attrs = append(attrs, slog.Time("watermark", *r.Watermark))
	}
	o.logger.Info(msg, attrs...)
}
