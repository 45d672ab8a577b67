package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// PostgresPostRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

// Create は記事を作成する。
// (feed_id, url)の一意制約に違反した場合はErrDuplicateを返す。
func (r *PostgresPostRepo) Create(ctx context.Context, post *model.Post) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO posts (id, feed_id, url, title, published_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		post.ID, post.FeedID, post.URL, post.Title, post.PublishedAt, post.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("記事の作成に失敗しました: %w", ErrDuplicate)
		}
		return fmt.Errorf("記事の作成に失敗しました: %w", err)
	}
	return nil
}

// FindByFeedAndURL はfeed_idとurlで記事を検索する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByFeedAndURL(ctx context.Context, feedID, url string) (*model.Post, error) {
	post := &model.Post{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, feed_id, url, title, published_at, created_at
		 FROM posts WHERE feed_id = $1 AND url = $2`,
		feedID, url,
	).Scan(&post.ID, &post.FeedID, &post.URL, &post.Title, &post.PublishedAt, &post.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の検索に失敗しました: %w", err)
	}
	return post, nil
}

// ListByFeed はフィードの全記事をpublished_at降順で取得する。
func (r *PostgresPostRepo) ListByFeed(ctx context.Context, feedID string) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, feed_id, url, title, published_at, created_at
		 FROM posts WHERE feed_id = $1
		 ORDER BY published_at DESC, id DESC`,
		feedID,
	)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		post := &model.Post{}
		if err := rows.Scan(&post.ID, &post.FeedID, &post.URL, &post.Title, &post.PublishedAt, &post.CreatedAt); err != nil {
			return nil, fmt.Errorf("記事行の読み取りに失敗しました: %w", err)
		}
		posts = append(posts, post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}
	return posts, nil
}

// ListByFeedForUser はユーザーに紐付いたフィードの記事を既読状態付きで取得する。
func (r *PostgresPostRepo) ListByFeedForUser(ctx context.Context, feedID, userID string, isRead *bool) ([]model.PostWithLink, error) {
	query := `SELECT p.id, p.feed_id, p.url, p.title, p.published_at, p.created_at,
	                 l.is_read, l.read_at
	          FROM posts p
	          JOIN subscription_links l ON l.post_id = p.id AND l.user_id = $2
	          WHERE p.feed_id = $1`
	args := []any{feedID, userID}

	if isRead != nil {
		query += ` AND l.is_read = $3`
		args = append(args, *isRead)
	}
	query += ` ORDER BY p.published_at DESC, p.id DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの記事一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var results []model.PostWithLink
	for rows.Next() {
		var pl model.PostWithLink
		var readAt sql.NullTime
		if err := rows.Scan(
			&pl.ID, &pl.FeedID, &pl.URL, &pl.Title, &pl.PublishedAt, &pl.CreatedAt,
			&pl.IsRead, &readAt,
		); err != nil {
			return nil, fmt.Errorf("ユーザーの記事行の読み取りに失敗しました: %w", err)
		}
		pl.ReadAt = nullTimePtr(readAt)
		results = append(results, pl)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ユーザーの記事一覧の走査に失敗しました: %w", err)
	}
	return results, nil
}

// DeleteOlderThan はpublished_atが指定日時より古い記事を削除し、削除件数を返す。
// 関連するsubscription_linksはCASCADE削除される。
func (r *PostgresPostRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM posts WHERE published_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("古い記事の削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除結果の取得に失敗しました: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
