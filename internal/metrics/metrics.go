// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカー、同期処理、クリーンアップジョブから利用する。
type MetricsCollector interface {
	RecordJobSuccess(kind string, duration time.Duration)
	RecordJobFailure(kind string, reason string, duration time.Duration)
	RecordJobRescheduled(kind string)
	RecordJobCancelled(kind string, reason string)
	RecordPostsCreated(count int)
	RecordLinksCreated(count int)
	RecordLinkFailures(count int)
	RecordPostsDeleted(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	jobSuccess     *prometheus.CounterVec
	jobFailure     *prometheus.CounterVec
	jobRescheduled *prometheus.CounterVec
	jobCancelled   *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	postsCreated   prometheus.Counter
	linksCreated   prometheus.Counter
	linkFailures   prometheus.Counter
	postsDeleted   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_job_success_total",
			Help: "ジョブ種別ごとの実行成功数",
		}, []string{"kind"}),
		jobFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_job_failure_total",
			Help: "ジョブ種別・失敗理由ごとの実行失敗数",
		}, []string{"kind", "reason"}),
		jobRescheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_job_retry_scheduled_total",
			Help: "バックオフ後に再実行を予約したジョブ数",
		}, []string{"kind"}),
		jobCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedsync_job_cancelled_total",
			Help: "取り消されたジョブ数",
		}, []string{"kind", "reason"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedsync_job_duration_seconds",
			Help:    "ジョブ実行時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		postsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_posts_created_total",
			Help: "作成された記事の合計数",
		}),
		linksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_links_created_total",
			Help: "作成された購読者リンクの合計数",
		}),
		linkFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_link_failures_total",
			Help: "作成に失敗した購読者リンクの合計数",
		}),
		postsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedsync_posts_deleted_total",
			Help: "保持期間切れで削除された記事の合計数",
		}),
	}

	reg.MustRegister(
		c.jobSuccess,
		c.jobFailure,
		c.jobRescheduled,
		c.jobCancelled,
		c.jobDuration,
		c.postsCreated,
		c.linksCreated,
		c.linkFailures,
		c.postsDeleted,
	)

	return c
}

// RecordJobSuccess はジョブの実行成功を記録する。
func (c *Collector) RecordJobSuccess(kind string, duration time.Duration) {
	c.jobSuccess.WithLabelValues(kind).Inc()
	c.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordJobFailure はジョブの実行失敗を記録する。
func (c *Collector) RecordJobFailure(kind string, reason string, duration time.Duration) {
	c.jobFailure.WithLabelValues(kind, reason).Inc()
	c.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordJobRescheduled はバックオフによる再実行予約を記録する。
func (c *Collector) RecordJobRescheduled(kind string) {
	c.jobRescheduled.WithLabelValues(kind).Inc()
}

// RecordJobCancelled はジョブの取り消しを記録する。
func (c *Collector) RecordJobCancelled(kind string, reason string) {
	c.jobCancelled.WithLabelValues(kind, reason).Inc()
}

// RecordPostsCreated は作成された記事数を記録する。
func (c *Collector) RecordPostsCreated(count int) {
	c.postsCreated.Add(float64(count))
}

// RecordLinksCreated は作成されたリンク数を記録する。
func (c *Collector) RecordLinksCreated(count int) {
	c.linksCreated.Add(float64(count))
}

// RecordLinkFailures は作成に失敗したリンク数を記録する。
func (c *Collector) RecordLinkFailures(count int) {
	c.linkFailures.Add(float64(count))
}

// RecordPostsDeleted は削除された記事数を記録する。
func (c *Collector) RecordPostsDeleted(count int64) {
	c.postsDeleted.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
