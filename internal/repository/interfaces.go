// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// Create はユーザーを作成する。メールアドレスが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error

	// DeleteByID は指定IDのユーザーを削除する。
	// 関連するsubscriptions、subscription_linksはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error

	// SetActive はユーザーの有効状態を更新する。
	SetActive(ctx context.Context, id string, active bool, updatedAt time.Time) error

	// List は作成日時の昇順でユーザーを取得する。
	// onlyActiveがtrueの場合は有効なユーザーのみを返す。
	List(ctx context.Context, onlyActive bool, offset, limit int) ([]*model.User, error)
}

// FeedRepository はフィードデータの永続化インターフェース。
type FeedRepository interface {
	// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Feed, error)

	// FindByURL はフィードURLでフィードを検索する。見つからない場合はnilを返す。
	FindByURL(ctx context.Context, url string) (*model.Feed, error)

	// Create はフィードを作成する。URLが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, feed *model.Feed) error

	// ListActive はis_active = trueの全フィードを取得する。
	ListActive(ctx context.Context) ([]*model.Feed, error)

	// UpdateURL はフィードURLを更新する（恒久的リダイレクト時）。
	UpdateURL(ctx context.Context, feedID, url string) error

	// SetActive はフィードの有効状態を更新する。
	// 有効化する場合はhas_sync_failedもクリアする。
	SetActive(ctx context.Context, feedID string, active bool) error

	// MarkSyncSucceeded は同期成功を記録する。
	// last_successful_sync_atとlatest_item_published_atは減少しない。
	// watermarkがnilの場合はウォーターマークを変更しない。
	MarkSyncSucceeded(ctx context.Context, feedID string, syncedAt time.Time, watermark *time.Time) error

	// MarkSyncFailed はhas_sync_failedを立てる。deactivateがtrueの場合はis_activeも落とす。
	MarkSyncFailed(ctx context.Context, feedID string, deactivate bool) error
}

// PostRepository は記事データの永続化インターフェース。
type PostRepository interface {
	// Create は記事を作成する。(feed_id, url)が重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, post *model.Post) error

	// FindByFeedAndURL はfeed_idとurlで記事を検索する。見つからない場合はnilを返す。
	FindByFeedAndURL(ctx context.Context, feedID, url string) (*model.Post, error)

	// ListByFeed はフィードの全記事をpublished_at降順で取得する。
	ListByFeed(ctx context.Context, feedID string) ([]*model.Post, error)

	// ListByFeedForUser はユーザーに紐付いたフィードの記事を既読状態付きで取得する。
	// isReadがnilの場合は既読・未読の両方を返す。
	ListByFeedForUser(ctx context.Context, feedID, userID string, isRead *bool) ([]model.PostWithLink, error)
}

// FanOutResult は購読者への記事配信結果を表す。
type FanOutResult struct {
	Subscribers   int
	Created       int
	Duplicates    int
	FailedUserIDs []string
}

// LinkRepository はsubscription_linksの永続化インターフェース。
type LinkRepository interface {
	// Create はリンクを作成する。(user_id, post_id)が重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, link *model.SubscriptionLink) error

	// FanOutToSubscribers はフィードの現在の購読者全員に記事のリンクを作成する。
	// 購読者の取得とリンク作成は同一トランザクションで行い、
	// リンク単位の失敗はセーブポイントでロールバックして次の購読者に進む。
	FanOutToSubscribers(ctx context.Context, feedID, postID string) (FanOutResult, error)

	// FindByUserAndPost はユーザーIDと記事IDでリンクを取得する。見つからない場合はnilを返す。
	FindByUserAndPost(ctx context.Context, userID, postID string) (*model.SubscriptionLink, error)

	// UpdateReadState はリンクの既読状態を更新する。
	UpdateReadState(ctx context.Context, linkID string, isRead bool, readAt *time.Time) error

	// MarkAllRead はユーザーのフィード内の未読リンクを全て既読にし、更新件数を返す。
	MarkAllRead(ctx context.Context, userID, feedID string, readAt time.Time) (int64, error)

	// DeleteByUserAndFeed はユーザーIDとフィードIDに関連するリンクを全て削除する。
	DeleteByUserAndFeed(ctx context.Context, userID, feedID string) error
}

// SubscriptionRepository は購読データの永続化インターフェース。
type SubscriptionRepository interface {
	// Create は購読を作成する。(user_id, feed_id)が重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, sub *model.Subscription) error

	// FindByUserAndFeed はユーザーIDとフィードIDで購読を検索する。見つからない場合はnilを返す。
	FindByUserAndFeed(ctx context.Context, userID, feedID string) (*model.Subscription, error)

	// ListByUserWithFeedInfo はユーザーの購読一覧をフィード情報と未読数付きで返す。
	ListByUserWithFeedInfo(ctx context.Context, userID string) ([]SubscriptionWithFeedInfo, error)

	// CountByFeed はフィードの購読者数を返す。
	CountByFeed(ctx context.Context, feedID string) (int, error)

	// Delete はユーザーIDとフィードIDで購読を削除する。
	Delete(ctx context.Context, userID, feedID string) error
}

// SubscriptionWithFeedInfo は購読情報にフィード情報と未読数を付加したモデル。
type SubscriptionWithFeedInfo struct {
	model.Subscription
	FeedURL       string
	FeedTitle     string
	IsActive      bool
	HasSyncFailed bool
	UnreadCount   int
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
