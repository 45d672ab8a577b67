// Package model はドメインモデルを定義する。
package model

import "time"

// Post はフィードから取り込んだ記事を表す。
// (FeedID, URL) ごとに一度だけ作成され、以後は変更されない。
type Post struct {
	ID          string
	FeedID      string
	URL         string
	Title       string
	PublishedAt time.Time
	CreatedAt   time.Time
}

// SubscriptionLink はユーザー・フィード・記事を結ぶ既読/未読の事実を表す。
// (UserID, PostID) ごとに一件のみ存在する。
type SubscriptionLink struct {
	ID        string
	UserID    string
	FeedID    string
	PostID    string
	IsRead    bool
	ReadAt    *time.Time
	CreatedAt time.Time
}

// PostWithLink は記事とユーザーごとの既読状態を結合したモデル。
type PostWithLink struct {
	Post
	IsRead bool
	ReadAt *time.Time
}

// Entry はフィードパーサーから取得した未保存の記事データを表す。
type Entry struct {
	Link        string
	Title       string
	PublishedAt time.Time
	// DateEstimated は公開日時がフィードに無くフェッチ時刻で代用したことを示す。
	DateEstimated bool
}
