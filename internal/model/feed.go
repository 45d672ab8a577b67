// Package model はドメインモデルを定義する。
package model

import "time"

// Feed は同期対象のRSS/Atomフィードを表す。
// IsActiveがfalseのフィードは定期同期ジョブを持たない。
type Feed struct {
	ID                   string
	URL                  string
	Title                string
	IsActive             bool
	HasSyncFailed        bool
	LastSuccessfulSyncAt *time.Time
	// LatestItemPublishedAt は取り込み済み記事の最大published_at（ウォーターマーク）。
	// 一度も同期に成功していない場合はnil。
	LatestItemPublishedAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// Subscription はユーザーとフィードの購読関係を表す。
type Subscription struct {
	ID        string
	UserID    string
	FeedID    string
	CreatedAt time.Time
}
