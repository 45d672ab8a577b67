// Package post は記事の一覧取得と既読状態の管理を提供する。
package post

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// Service は記事一覧と既読状態のサービス層。
// 既読状態は常にuser_idを条件にして読み書きする。
type Service struct {
	postRepo repository.PostRepository
	linkRepo repository.LinkRepository
	subRepo  repository.SubscriptionRepository
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	postRepo repository.PostRepository,
	linkRepo repository.LinkRepository,
	subRepo repository.SubscriptionRepository,
) *Service {
	return &Service{
		postRepo: postRepo,
		linkRepo: linkRepo,
		subRepo:  subRepo,
		now:      time.Now,
	}
}

// List はフォロー中フィードの記事をpublished_at降順で返す。
// isReadがnilの場合は既読・未読の両方を返す。
func (s *Service) List(ctx context.Context, userID, feedID string, isRead *bool) ([]model.PostWithLink, error) {
	if err := s.requireSubscription(ctx, userID, feedID); err != nil {
		return nil, err
	}

	posts, err := s.postRepo.ListByFeedForUser(ctx, feedID, userID, isRead)
	if err != nil {
		return nil, fmt.Errorf("記事一覧の取得に失敗しました: %w", err)
	}
	return posts, nil
}

// ToggleRead は記事の既読・未読を反転する。
// 既読にした場合はread_atを現在時刻に、未読に戻した場合はクリアする。
func (s *Service) ToggleRead(ctx context.Context, userID, feedID, postID string) (*model.SubscriptionLink, error) {
	link, err := s.linkRepo.FindByUserAndPost(ctx, userID, postID)
	if err != nil {
		return nil, fmt.Errorf("記事リンクの取得に失敗しました: %w", err)
	}
	if link == nil || link.FeedID != feedID {
		return nil, model.NewPostNotFoundError(postID)
	}

	link.IsRead = !link.IsRead
	if link.IsRead {
		readAt := s.now().UTC()
		link.ReadAt = &readAt
	} else {
		link.ReadAt = nil
	}

	if err := s.linkRepo.UpdateReadState(ctx, link.ID, link.IsRead, link.ReadAt); err != nil {
		return nil, fmt.Errorf("既読状態の更新に失敗しました: %w", err)
	}
	return link, nil
}

// MarkAllRead はフィード内の未読記事を全て既読にし、更新件数を返す。
func (s *Service) MarkAllRead(ctx context.Context, userID, feedID string) (int64, error) {
	if err := s.requireSubscription(ctx, userID, feedID); err != nil {
		return 0, err
	}

	n, err := s.linkRepo.MarkAllRead(ctx, userID, feedID, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("一括既読に失敗しました: %w", err)
	}
	return n, nil
}

func (s *Service) requireSubscription(ctx context.Context, userID, feedID string) error {
	sub, err := s.subRepo.FindByUserAndFeed(ctx, userID, feedID)
	if err != nil {
		return fmt.Errorf("購読の確認に失敗しました: %w", err)
	}
	if sub == nil {
		return model.NewNotSubscribedError(feedID)
	}
	return nil
}
