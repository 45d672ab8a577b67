package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// persistPost はエントリを記事として保存する。
// 同じURLの記事が既に存在する場合は既存の記事を返す。
// 保存に失敗した場合はログに記録し、falseを返す。
func (o *Orchestrator) persistPost(ctx context.Context, feedID string, entry model.Entry, r *Report) (*model.Post, bool) {
	post, created, err := o.createOrFindPost(ctx, feedID, entry)
	if err != nil {
		o.logger.Error("記事の保存に失敗しました",
			slog.String("feed_id", feedID),
			slog.String("url", entry.Link),
			slog.String("error", err.Error()),
		)
		r.PostFailures++
		return nil, false
	}
	if created {
		r.PostsCreated++
	} else {
		r.PostsExisting++
	}
	return post, true
}

func (o *Orchestrator) createOrFindPost(ctx context.Context, feedID string, entry model.Entry) (*model.Post, bool, error) {
	post := &model.Post{
		ID:          uuid.New().String(),
		FeedID:      feedID,
		URL:         entry.Link,
		Title:       o.sanitizer.Sanitize(entry.Title),
		PublishedAt: entry.PublishedAt.UTC(),
		CreatedAt:   o.now(),
	}

	err := o.postRepo.Create(ctx, post)
	if err == nil {
		return post, true, nil
	}
	if !errors.Is(err, repository.ErrDuplicate) {
		return nil, false, err
	}

	existing, err := o.postRepo.FindByFeedAndURL(ctx, feedID, entry.Link)
	if err != nil {
		return nil, false, fmt.Errorf("既存記事の取得に失敗しました: %w", err)
	}
	if existing == nil {
		return nil, false, fmt.Errorf("重複した記事が見つかりません: %s", entry.Link)
	}
	return existing, false, nil
}

// linkToUser は記事をユーザーに未読として紐付ける。既に紐付いている場合は何もしない。
func (o *Orchestrator) linkToUser(ctx context.Context, userID string, post *model.Post, r *Report) error {
	link := &model.SubscriptionLink{
		ID:        uuid.New().String(),
		UserID:    userID,
		FeedID:    post.FeedID,
		PostID:    post.ID,
		CreatedAt: o.now(),
	}
	err := o.linkRepo.Create(ctx, link)
	switch {
	case err == nil:
		r.LinksCreated++
		return nil
	case errors.Is(err, repository.ErrDuplicate):
		return nil
	default:
		return err
	}
}

// fanOut は記事を現在の購読者全員に紐付ける。
// 一人でも紐付けに失敗した場合はfalseを返す。
func (o *Orchestrator) fanOut(ctx context.Context, post *model.Post, r *Report) bool {
	res, err := o.linkRepo.FanOutToSubscribers(ctx, post.FeedID, post.ID)
	if err != nil {
		o.logger.Error("購読者への配信に失敗しました",
			slog.String("feed_id", post.FeedID),
			slog.String("post_id", post.ID),
			slog.String("error", err.Error()),
		)
		r.LinkFailures++
		return false
	}

	r.LinksCreated += res.Created
	if len(res.FailedUserIDs) > 0 {
		o.logger.Error("一部の購読者への配信に失敗しました",
			slog.String("feed_id", post.FeedID),
			slog.String("post_id", post.ID),
			slog.Int("failed", len(res.FailedUserIDs)),
			slog.Int("subscribers", res.Subscribers),
		)
		r.LinkFailures += len(res.FailedUserIDs)
		return false
	}
	return true
}

// watermarkTracker は保存結果から次のウォーターマークを求める。
//
// ウォーターマークは保存に失敗した最も古い記事より厳密に古い、保存済み記事の
// 最大公開日時までしか進めない。失敗した記事は次回の同期で再び新着として扱われる。
// 公開日時が推定値の記事はウォーターマークの計算に含めない。
type watermarkTracker struct {
	persisted    []time.Time
	oldestFailed *time.Time
}

func (w *watermarkTracker) succeeded(e model.Entry) {
	if e.DateEstimated {
		return
	}
	w.persisted = append(w.persisted, e.PublishedAt.UTC())
}

func (w *watermarkTracker) failed(e model.Entry) {
	if e.DateEstimated {
		return
	}
	t := e.PublishedAt.UTC()
	if w.oldestFailed == nil || t.Before(*w.oldestFailed) {
		w.oldestFailed = &t
	}
}

func (w *watermarkTracker) next() *time.Time {
	var out *time.Time
	for _, t := range w.persisted {
		if w.oldestFailed != nil && !t.Before(*w.oldestFailed) {
			continue
		}
		if out == nil || t.After(*out) {
			v := t
			out = &v
		}
	}
	return out
}
