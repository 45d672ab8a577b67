// Package subscription は購読管理のドメインロジックを提供する。
package subscription

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// FeedLifecycle はフィードの有効状態が変わった際に同期ジョブを追従させるインターフェース。
type FeedLifecycle interface {
	OnFeedDeactivated(ctx context.Context, feedID string) error
	OnFeedReactivated(ctx context.Context, feedID string) error
}

// Service は購読管理のサービス層。
// 購読一覧取得、フォロー解除、同期再開を提供する。
type Service struct {
	userRepo  repository.UserRepository
	feedRepo  repository.FeedRepository
	subRepo   repository.SubscriptionRepository
	linkRepo  repository.LinkRepository
	lifecycle FeedLifecycle
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	userRepo repository.UserRepository,
	feedRepo repository.FeedRepository,
	subRepo repository.SubscriptionRepository,
	linkRepo repository.LinkRepository,
	lifecycle FeedLifecycle,
	logger *slog.Logger,
) *Service {
	return &Service{
		userRepo:  userRepo,
		feedRepo:  feedRepo,
		subRepo:   subRepo,
		linkRepo:  linkRepo,
		lifecycle: lifecycle,
		logger:    logger,
	}
}

// List はユーザーの購読一覧をフィード情報と未読数付きで返す。
func (s *Service) List(ctx context.Context, userID string) ([]repository.SubscriptionWithFeedInfo, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}

	subs, err := s.subRepo.ListByUserWithFeedInfo(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}
	return subs, nil
}

// Unfollow はユーザーの複数フィードのフォローを解除し、解除した件数を返す。
// フォローしていないフィードは読み飛ばす。
func (s *Service) Unfollow(ctx context.Context, userID string, feedIDs []string) (int, error) {
	if len(feedIDs) == 0 {
		return 0, model.NewInvalidRequestError("feed_idsが空です")
	}
	if err := s.requireUser(ctx, userID); err != nil {
		return 0, err
	}

	removed := 0
	for _, feedID := range feedIDs {
		ok, err := s.unfollowOne(ctx, userID, feedID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// UnfollowAll はユーザーの全フォローを解除する。退会処理から呼ばれる。
func (s *Service) UnfollowAll(ctx context.Context, userID string) (int, error) {
	subs, err := s.subRepo.ListByUserWithFeedInfo(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("購読一覧の取得に失敗しました: %w", err)
	}

	removed := 0
	for _, sub := range subs {
		ok, err := s.unfollowOne(ctx, userID, sub.FeedID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// unfollowOne はリンクと購読を削除する。
// 最後の購読者が抜けたフィードは停止し、同期ジョブを取り消す。
func (s *Service) unfollowOne(ctx context.Context, userID, feedID string) (bool, error) {
	sub, err := s.subRepo.FindByUserAndFeed(ctx, userID, feedID)
	if err != nil {
		return false, fmt.Errorf("購読の取得に失敗しました: %w", err)
	}
	if sub == nil {
		return false, nil
	}

	if err := s.linkRepo.DeleteByUserAndFeed(ctx, userID, feedID); err != nil {
		return false, fmt.Errorf("記事リンクの削除に失敗しました: %w", err)
	}
	if err := s.subRepo.Delete(ctx, userID, feedID); err != nil {
		return false, fmt.Errorf("購読の削除に失敗しました: %w", err)
	}

	remaining, err := s.subRepo.CountByFeed(ctx, feedID)
	if err != nil {
		return true, fmt.Errorf("購読者数の取得に失敗しました: %w", err)
	}
	if remaining > 0 {
		return true, nil
	}

	if err := s.feedRepo.SetActive(ctx, feedID, false); err != nil {
		return true, fmt.Errorf("フィードの停止に失敗しました: %w", err)
	}
	if err := s.lifecycle.OnFeedDeactivated(ctx, feedID); err != nil {
		return true, fmt.Errorf("同期ジョブの取り消しに失敗しました: %w", err)
	}
	s.logger.Info("購読者が居なくなったフィードを停止しました", slog.String("feed_id", feedID))
	return true, nil
}

// Resume は同期失敗で停止したフィードを再開する。
func (s *Service) Resume(ctx context.Context, feedID string) (*model.Feed, error) {
	feed, err := s.feedRepo.FindByID(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	if feed == nil {
		return nil, model.NewFeedNotFoundError(feedID)
	}
	if !feed.HasSyncFailed {
		return nil, model.NewFeedNotFailedError()
	}

	if err := s.feedRepo.SetActive(ctx, feedID, true); err != nil {
		return nil, fmt.Errorf("フィードの再開に失敗しました: %w", err)
	}
	if err := s.lifecycle.OnFeedReactivated(ctx, feedID); err != nil {
		return nil, fmt.Errorf("同期ジョブの再登録に失敗しました: %w", err)
	}

	feed.IsActive = true
	feed.HasSyncFailed = false
	s.logger.Info("フィードの同期を再開しました", slog.String("feed_id", feedID))
	return feed, nil
}

func (s *Service) requireUser(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError(userID)
	}
	return nil
}
