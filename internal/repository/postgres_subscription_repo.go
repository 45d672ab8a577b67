package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した購読リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// Create は購読を作成する。
func (r *PostgresSubscriptionRepo) Create(ctx context.Context, sub *model.Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions (id, user_id, feed_id, created_at)
		 VALUES ($1, $2, $3, $4)`,
		sub.ID, sub.UserID, sub.FeedID, sub.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("購読の作成に失敗しました: %w", ErrDuplicate)
		}
		return fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByUserAndFeed はユーザーIDとフィードIDで購読を検索する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByUserAndFeed(ctx context.Context, userID, feedID string) (*model.Subscription, error) {
	sub := &model.Subscription{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, feed_id, created_at
		 FROM subscriptions WHERE user_id = $1 AND feed_id = $2`,
		userID, feedID,
	).Scan(&sub.ID, &sub.UserID, &sub.FeedID, &sub.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーとフィードによる購読の検索に失敗しました: %w", err)
	}

	return sub, nil
}

// CountByFeed はフィードの購読者数を返す。
func (r *PostgresSubscriptionRepo) CountByFeed(ctx context.Context, feedID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE feed_id = $1`,
		feedID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("購読者数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// Delete はユーザーIDとフィードIDで購読を削除する。
func (r *PostgresSubscriptionRepo) Delete(ctx context.Context, userID, feedID string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE user_id = $1 AND feed_id = $2`,
		userID, feedID,
	)
	if err != nil {
		return fmt.Errorf("購読の削除に失敗しました: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("購読が見つかりません: user=%s feed=%s", userID, feedID)
	}
	return nil
}

// ListByUserWithFeedInfo はユーザーの購読一覧をフィード情報と未読数付きで返す。
func (r *PostgresSubscriptionRepo) ListByUserWithFeedInfo(ctx context.Context, userID string) ([]SubscriptionWithFeedInfo, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT
			s.id, s.user_id, s.feed_id, s.created_at,
			f.url, COALESCE(f.title, ''), f.is_active, f.has_sync_failed,
			COALESCE(unread.cnt, 0)
		 FROM subscriptions s
		 JOIN feeds f ON s.feed_id = f.id
		 LEFT JOIN (
		     SELECT feed_id, COUNT(*) AS cnt
		     FROM subscription_links
		     WHERE user_id = $1 AND is_read = false
		     GROUP BY feed_id
		 ) unread ON unread.feed_id = s.feed_id
		 WHERE s.user_id = $1
		 ORDER BY s.created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読一覧（フィード情報付き）の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var results []SubscriptionWithFeedInfo
	for rows.Next() {
		var info SubscriptionWithFeedInfo
		if err := rows.Scan(
			&info.ID, &info.UserID, &info.FeedID, &info.CreatedAt,
			&info.FeedURL, &info.FeedTitle, &info.IsActive, &info.HasSyncFailed,
			&info.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("購読行（フィード情報付き）の読み取りに失敗しました: %w", err)
		}
		results = append(results, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読一覧（フィード情報付き）の走査に失敗しました: %w", err)
	}
	return results, nil
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
