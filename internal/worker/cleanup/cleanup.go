// Package cleanup は記事データの自動削除ジョブを提供する。
// 保持期間（デフォルト180日）を超過した記事を日次バッチで削除する。
// subscription_linksはCASCADE削除で自動的に処理される。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedsync/internal/metrics"
)

// DefaultRetentionDays は記事の保持日数のデフォルト値。
const DefaultRetentionDays = 180

// PostPurger は古い記事を削除するインターフェース。
type PostPurger interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した記事の自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	posts         PostPurger
	metrics       metrics.MetricsCollector
	logger        *slog.Logger
	RetentionDays int // 記事の保持日数（デフォルト: 180）
	now           func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合はデフォルトの180日を使用する。
func NewCleanupJob(posts PostPurger, collector metrics.MetricsCollector, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &CleanupJob{
		posts:         posts,
		metrics:       collector,
		logger:        logger,
		RetentionDays: retentionDays,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run は保持期間を超過した記事を削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	deleted, err := j.posts.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		j.logger.Error("記事クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("記事クリーンアップの実行に失敗: %w", err)
	}
	j.metrics.RecordPostsDeleted(deleted)

	duration := time.Since(start)
	j.logger.Info("記事クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以後interval間隔で実行する。
// コンテキストがキャンセルされるまで実行を継続する。実行失敗はログに記録して次回に持ち越す。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		// エラーはRun内でログ済み
		_ = j.Run(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
