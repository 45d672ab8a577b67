package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresLinkRepo はPostgreSQLを使用したsubscription_linksリポジトリ。
type PostgresLinkRepo struct {
	db *sql.DB
}

// NewPostgresLinkRepo はPostgresLinkRepoを生成する。
func NewPostgresLinkRepo(db *sql.DB) *PostgresLinkRepo {
	return &PostgresLinkRepo{db: db}
}

// Create はリンクを作成する。
func (r *PostgresLinkRepo) Create(ctx context.Context, link *model.SubscriptionLink) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO subscription_links (id, user_id, feed_id, post_id, is_read, read_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		link.ID, link.UserID, link.FeedID, link.PostID, link.IsRead, link.ReadAt, link.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("リンクの作成に失敗しました: %w", ErrDuplicate)
		}
		return fmt.Errorf("リンクの作成に失敗しました: %w", err)
	}
	return nil
}

// FanOutToSubscribers はフィードの現在の購読者全員に記事のリンクを作成する。
//
// 購読者はFOR SHAREで読み取るため、トランザクション中に購読解除されることはない。
// 各リンクのINSERTはセーブポイント内で実行し、一意制約違反は重複として数える。
// それ以外のINSERT失敗はFailedUserIDsに記録し、残りの購読者の処理を続ける。
func (r *PostgresLinkRepo) FanOutToSubscribers(ctx context.Context, feedID, postID string) (FanOutResult, error) {
	var res FanOutResult

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT user_id FROM subscriptions WHERE feed_id = $1 ORDER BY created_at ASC FOR SHARE`,
		feedID,
	)
	if err != nil {
		return res, fmt.Errorf("購読者の取得に失敗しました: %w", err)
	}
	var userIDs []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			rows.Close()
			return res, fmt.Errorf("購読者の読み取りに失敗しました: %w", err)
		}
		userIDs = append(userIDs, userID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return res, fmt.Errorf("購読者の走査に失敗しました: %w", err)
	}
	rows.Close()

	res.Subscribers = len(userIDs)
	now := time.Now().UTC()

	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `SAVEPOINT fan_out_link`); err != nil {
			return res, fmt.Errorf("セーブポイントの作成に失敗しました: %w", err)
		}

		_, err := tx.ExecContext(ctx,
			`INSERT INTO subscription_links (id, user_id, feed_id, post_id, is_read, read_at, created_at)
			 VALUES ($1, $2, $3, $4, false, NULL, $5)`,
			uuid.New().String(), userID, feedID, postID, now,
		)
		if err != nil {
			if _, rbErr := tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT fan_out_link`); rbErr != nil {
				return res, fmt.Errorf("セーブポイントへのロールバックに失敗しました: %w", rbErr)
			}
			if isUniqueViolation(err) {
				res.Duplicates++
				continue
			}
			res.FailedUserIDs = append(res.FailedUserIDs, userID)
			continue
		}

		if _, err := tx.ExecContext(ctx, `RELEASE SAVEPOINT fan_out_link`); err != nil {
			return res, fmt.Errorf("セーブポイントの解放に失敗しました: %w", err)
		}
		res.Created++
	}

	if err := tx.Commit(); err != nil {
		return FanOutResult{Subscribers: res.Subscribers}, fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}

	return res, nil
}

// FindByUserAndPost はユーザーIDと記事IDでリンクを取得する。見つからない場合はnilを返す。
func (r *PostgresLinkRepo) FindByUserAndPost(ctx context.Context, userID, postID string) (*model.SubscriptionLink, error) {
	link := &model.SubscriptionLink{}
	var readAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, feed_id, post_id, is_read, read_at, created_at
		 FROM subscription_links WHERE user_id = $1 AND post_id = $2`,
		userID, postID,
	).Scan(&link.ID, &link.UserID, &link.FeedID, &link.PostID, &link.IsRead, &readAt, &link.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("リンクの取得に失敗しました: %w", err)
	}
	link.ReadAt = nullTimePtr(readAt)
	return link, nil
}

// UpdateReadState はリンクの既読状態を更新する。
func (r *PostgresLinkRepo) UpdateReadState(ctx context.Context, linkID string, isRead bool, readAt *time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE subscription_links SET is_read = $2, read_at = $3 WHERE id = $1`,
		linkID, isRead, readAt,
	)
	if err != nil {
		return fmt.Errorf("既読状態の更新に失敗しました: %w", err)
	}
	return nil
}

// MarkAllRead はユーザーのフィード内の未読リンクを全て既読にする。
func (r *PostgresLinkRepo) MarkAllRead(ctx context.Context, userID, feedID string, readAt time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE subscription_links SET is_read = true, read_at = $3
		 WHERE user_id = $1 AND feed_id = $2 AND is_read = false`,
		userID, feedID, readAt,
	)
	if err != nil {
		return 0, fmt.Errorf("一括既読の更新に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新結果の取得に失敗しました: %w", err)
	}
	return n, nil
}

// DeleteByUserAndFeed はユーザーIDとフィードIDに関連するリンクを全て削除する。
func (r *PostgresLinkRepo) DeleteByUserAndFeed(ctx context.Context, userID, feedID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM subscription_links WHERE user_id = $1 AND feed_id = $2`,
		userID, feedID,
	)
	if err != nil {
		return fmt.Errorf("リンクの削除に失敗しました: %w", err)
	}
	return nil
}

// compile-time interface check
var _ LinkRepository = (*PostgresLinkRepo)(nil)
