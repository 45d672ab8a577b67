// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// JobKind はスケジュールジョブの種別を表す。
type JobKind string

const (
	// JobKindInitialSync は新規フィードの初回同期ジョブ（単発）。
	JobKindInitialSync JobKind = "initial_sync"
	// JobKindIncrementalSync はフィードの定期差分同期ジョブ（繰り返し）。
	JobKindIncrementalSync JobKind = "incremental_sync"
	// JobKindLinkOnly は既存フィードを購読したユーザーへの記事紐付けジョブ（単発）。
	JobKindLinkOnly JobKind = "link_only"
)

// recurringJobIDPrefix はフィードごとの定期同期ジョブIDの接頭辞。
const recurringJobIDPrefix = "feed:"

// RecurringJobID はフィードの定期同期ジョブIDを返す。
// フィードごとに決定的なIDを使うことで、1フィードにつき1ジョブを保証する。
func RecurringJobID(feedID string) string {
	return recurringJobIDPrefix + feedID
}

// InitialSyncPayload は初回同期ジョブのペイロード。
type InitialSyncPayload struct {
	UserID string `json:"user_id"`
	FeedID string `json:"feed_id"`
	URL    string `json:"url"`
}

// IncrementalSyncPayload は差分同期ジョブのペイロード。
type IncrementalSyncPayload struct {
	FeedID string `json:"feed_id"`
	URL    string `json:"url"`
	// WatermarkSeed はフィードにウォーターマークが記録されていない場合に使う下限。
	WatermarkSeed *time.Time `json:"watermark_seed,omitempty"`
}

// LinkOnlyPayload は記事紐付けジョブのペイロード。
type LinkOnlyPayload struct {
	UserID string `json:"user_id"`
	FeedID string `json:"feed_id"`
}

// RetryState はジョブに永続化されるリトライ状態。
// RetriesLeftがnilの場合は一度も失敗していない（Fresh）ことを表す。
type RetryState struct {
	RetriesLeft    *int  `json:"retries_left"`
	RetryIntervals []int `json:"retry_intervals,omitempty"` // 残りのバックオフ間隔（秒）
}

// IsFresh は一度も失敗していない状態かを返す。
func (s RetryState) IsFresh() bool {
	return s.RetriesLeft == nil
}

// Job はジョブストアに保存されるスケジュールジョブ。
// Kindに対応するペイロードのみが設定される。
type Job struct {
	ID              string     `json:"id"`
	Kind            JobKind    `json:"kind"`
	FeedID          string     `json:"feed_id"`
	ScheduledAt     time.Time  `json:"scheduled_at"`
	IntervalSeconds int        `json:"interval_seconds"`
	Retry           RetryState `json:"retry"`
	LastRunEndedAt  *time.Time `json:"last_run_ended_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`

	InitialSync     *InitialSyncPayload     `json:"initial_sync,omitempty"`
	IncrementalSync *IncrementalSyncPayload `json:"incremental_sync,omitempty"`
	LinkOnly        *LinkOnlyPayload        `json:"link_only,omitempty"`
}

// IsRecurring は繰り返しジョブかを返す。
func (j *Job) IsRecurring() bool {
	return j.IntervalSeconds > 0
}

// Interval は繰り返し間隔を返す。
func (j *Job) Interval() time.Duration {
	return time.Duration(j.IntervalSeconds) * time.Second
}

// Validate はKindとペイロードの組み合わせを検証する。
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("ジョブIDが空です")
	}

	var ok bool
	switch j.Kind {
	case JobKindInitialSync:
		ok = j.InitialSync != nil && j.IncrementalSync == nil && j.LinkOnly == nil
	case JobKindIncrementalSync:
		ok = j.IncrementalSync != nil && j.InitialSync == nil && j.LinkOnly == nil
	case JobKindLinkOnly:
		ok = j.LinkOnly != nil && j.InitialSync == nil && j.IncrementalSync == nil
	default:
		return fmt.Errorf("未知のジョブ種別です: %q", j.Kind)
	}
	if !ok {
		return fmt.Errorf("ジョブ種別 %s のペイロードが不正です: %s", j.Kind, j.ID)
	}
	return nil
}
