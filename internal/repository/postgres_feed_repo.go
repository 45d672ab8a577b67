package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresFeedRepo はPostgreSQLを使用したフィードリポジトリ。
type PostgresFeedRepo struct {
	db *sql.DB
}

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db}
}

const feedColumns = `id, url, title, is_active, has_sync_failed,
		        last_successful_sync_at, latest_item_published_at, created_at, updated_at`

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(s rowScanner) (*model.Feed, error) {
	feed := &model.Feed{}
	var title sql.NullString
	var lastSync, latestItem sql.NullTime

	if err := s.Scan(
		&feed.ID, &feed.URL, &title, &feed.IsActive, &feed.HasSyncFailed,
		&lastSync, &latestItem, &feed.CreatedAt, &feed.UpdatedAt,
	); err != nil {
		return nil, err
	}

	feed.Title = nullStringValue(title)
	feed.LastSuccessfulSyncAt = nullTimePtr(lastSync)
	feed.LatestItemPublishedAt = nullTimePtr(latestItem)
	return feed, nil
}

// FindByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByID(ctx context.Context, id string) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feed, nil
}

// FindByURL はフィードURLでフィードを検索する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) FindByURL(ctx context.Context, url string) (*model.Feed, error) {
	feed, err := scanFeed(r.db.QueryRowContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE url = $1`,
		url,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("URLによるフィードの検索に失敗しました: %w", err)
	}
	return feed, nil
}

// Create はフィードを作成する。
func (r *PostgresFeedRepo) Create(ctx context.Context, feed *model.Feed) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feeds (id, url, title, is_active, has_sync_failed,
		                    last_successful_sync_at, latest_item_published_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		feed.ID, feed.URL, nullString(feed.Title), feed.IsActive, feed.HasSyncFailed,
		feed.LastSuccessfulSyncAt, feed.LatestItemPublishedAt,
		feed.CreatedAt, feed.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("フィードの作成に失敗しました: %w", ErrDuplicate)
		}
		return fmt.Errorf("フィードの作成に失敗しました: %w", err)
	}
	return nil
}

// ListActive はis_active = trueの全フィードを取得する。
func (r *PostgresFeedRepo) ListActive(ctx context.Context) ([]*model.Feed, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+feedColumns+` FROM feeds WHERE is_active = true ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("有効フィードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("有効フィードの読み取りに失敗しました: %w", err)
		}
		feeds = append(feeds, feed)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("有効フィードの走査に失敗しました: %w", err)
	}

	return feeds, nil
}

// UpdateURL はフィードURLを更新する。
func (r *PostgresFeedRepo) UpdateURL(ctx context.Context, feedID, url string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET url = $2, updated_at = now() WHERE id = $1`,
		feedID, url,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("フィードURLの更新に失敗しました: %w", ErrDuplicate)
		}
		return fmt.Errorf("フィードURLの更新に失敗しました: %w", err)
	}
	return nil
}

// SetActive はフィードの有効状態を更新する。
func (r *PostgresFeedRepo) SetActive(ctx context.Context, feedID string, active bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    is_active = $2,
		    has_sync_failed = CASE WHEN $2 THEN false ELSE has_sync_failed END,
		    updated_at = now()
		 WHERE id = $1`,
		feedID, active,
	)
	if err != nil {
		return fmt.Errorf("フィードの有効状態の更新に失敗しました: %w", err)
	}
	return nil
}

// MarkSyncSucceeded は同期成功を記録する。
// GREATESTはNULLを無視するため、watermarkがnilの場合は既存値が保たれる。
func (r *PostgresFeedRepo) MarkSyncSucceeded(ctx context.Context, feedID string, syncedAt time.Time, watermark *time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    has_sync_failed = false,
		    last_successful_sync_at = GREATEST(last_successful_sync_at, $2::timestamptz),
		    latest_item_published_at = GREATEST(latest_item_published_at, $3::timestamptz),
		    updated_at = now()
		 WHERE id = $1`,
		feedID, syncedAt, watermark,
	)
	if err != nil {
		return fmt.Errorf("同期成功の記録に失敗しました: %w", err)
	}
	return nil
}

// MarkSyncFailed は同期失敗を記録する。
func (r *PostgresFeedRepo) MarkSyncFailed(ctx context.Context, feedID string, deactivate bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE feeds SET
		    has_sync_failed = true,
		    is_active = CASE WHEN $2 THEN false ELSE is_active END,
		    updated_at = now()
		 WHERE id = $1`,
		feedID, deactivate,
	)
	if err != nil {
		return fmt.Errorf("同期失敗の記録に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ FeedRepository = (*PostgresFeedRepo)(nil)
