package feed

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

// FollowStatus はURLごとのフォロー結果を表す。
type FollowStatus string

const (
	// FollowStatusCreated は新規フィードを作成し初回同期を登録したことを示す。
	FollowStatusCreated FollowStatus = "created"
	// FollowStatusFollowed は既存フィードをフォローし既存記事の紐付けを登録したことを示す。
	FollowStatusFollowed FollowStatus = "followed"
	// FollowStatusAlreadyFollowing は既にフォロー済みであることを示す。
	FollowStatusAlreadyFollowing FollowStatus = "already_following"
	// FollowStatusFailed はURLからフィードを特定できなかったことを示す。
	FollowStatusFailed FollowStatus = "failed"
)

// FollowResult は入力URL一件分のフォロー結果。
type FollowResult struct {
	InputURL string
	Status   FollowStatus
	Feed     *model.Feed
	Err      *model.APIError
}

// URLDetector はフィードURL検出のインターフェース。
type URLDetector interface {
	Detect(ctx context.Context, inputURL string) (*Detection, error)
}

// JobEnqueuer はフォロー時に必要なスケジューラ操作のインターフェース。
type JobEnqueuer interface {
	EnqueueInitialSync(ctx context.Context, userID, feedID, url string) error
	EnqueueLinkOnly(ctx context.Context, userID, feedID string) error
	OnFeedReactivated(ctx context.Context, feedID string) error
}

// Service はフィードのフォロー処理を統括する。
// 検出 → フィード保存 → 購読作成 → 同期ジョブ登録の順に処理する。
type Service struct {
	userRepo repository.UserRepository
	feedRepo repository.FeedRepository
	subRepo  repository.SubscriptionRepository
	detector URLDetector
	jobs     JobEnqueuer
	logger   *slog.Logger
	now      func() time.Time
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	feedRepo repository.FeedRepository,
	subRepo repository.SubscriptionRepository,
	detector URLDetector,
	jobs JobEnqueuer,
	logger *slog.Logger,
) *Service {
	return &Service{
		userRepo: userRepo,
		feedRepo: feedRepo,
		subRepo:  subRepo,
		detector: detector,
		jobs:     jobs,
		logger:   logger,
		now:      time.Now,
	}
}

// Follow はユーザーに複数のフィードをフォローさせる。
// URL単位の検出失敗は結果に記録して次のURLへ進む。
// 永続化やジョブ登録の失敗はその時点でエラーを返す。
func (s *Service) Follow(ctx context.Context, userID string, urls []string) ([]FollowResult, error) {
	if len(urls) == 0 {
		return nil, model.NewInvalidRequestError("urlsが空です")
	}

	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(userID)
	}

	results := make([]FollowResult, 0, len(urls))
	for _, inputURL := range urls {
		result, err := s.followOne(ctx, userID, inputURL)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *Service) followOne(ctx context.Context, userID, inputURL string) (FollowResult, error) {
	result := FollowResult{InputURL: inputURL}

	det, err := s.detector.Detect(ctx, inputURL)
	if err != nil {
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			return result, fmt.Errorf("フィードの検出に失敗しました: %w", err)
		}
		s.logger.Info("フィードを検出できませんでした",
			slog.String("user_id", userID),
			slog.String("url", inputURL),
			slog.String("code", apiErr.Code),
		)
		result.Status = FollowStatusFailed
		result.Err = apiErr
		return result, nil
	}

	feed, err := s.feedRepo.FindByURL(ctx, det.URL)
	if err != nil {
		return result, fmt.Errorf("フィードの検索に失敗しました: %w", err)
	}

	created := false
	if feed == nil {
		feed, created, err = s.createFeed(ctx, det)
		if err != nil {
			return result, err
		}
	}
	result.Feed = feed

	subscribed, err := s.subscribe(ctx, userID, feed.ID)
	if err != nil {
		return result, err
	}
	if !subscribed {
		result.Status = FollowStatusAlreadyFollowing
		return result, nil
	}

	if created {
		if err := s.jobs.EnqueueInitialSync(ctx, userID, feed.ID, feed.URL); err != nil {
			return result, fmt.Errorf("初回同期ジョブの登録に失敗しました: %w", err)
		}
		s.logger.Info("新規フィードをフォローしました",
			slog.String("user_id", userID),
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.URL),
		)
		result.Status = FollowStatusCreated
		return result, nil
	}

	if !feed.IsActive {
		if err := s.reactivate(ctx, feed); err != nil {
			return result, err
		}
	}
	if err := s.jobs.EnqueueLinkOnly(ctx, userID, feed.ID); err != nil {
		return result, fmt.Errorf("記事紐付けジョブの登録に失敗しました: %w", err)
	}
	s.logger.Info("既存フィードをフォローしました",
		slog.String("user_id", userID),
		slog.String("feed_id", feed.ID),
	)
	result.Status = FollowStatusFollowed
	return result, nil
}

// createFeed はフィードを作成する。
// 同時フォローで先に作成された場合は既存のフィードを返し、createdはfalseになる。
func (s *Service) createFeed(ctx context.Context, det *Detection) (*model.Feed, bool, error) {
	now := s.now().UTC()
	feed := &model.Feed{
		ID:        uuid.New().String(),
		URL:       det.URL,
		Title:     det.Title,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.feedRepo.Create(ctx, feed)
	if err == nil {
		return feed, true, nil
	}
	if !errors.Is(err, repository.ErrDuplicate) {
		return nil, false, fmt.Errorf("フィードの保存に失敗しました: %w", err)
	}

	existing, err := s.feedRepo.FindByURL(ctx, det.URL)
	if err != nil {
		return nil, false, fmt.Errorf("フィードの検索に失敗しました: %w", err)
	}
	if existing == nil {
		return nil, false, fmt.Errorf("重複したフィードが見つかりません: %s", det.URL)
	}
	return existing, false, nil
}

// subscribe は購読を作成する。既に購読済みの場合はfalseを返す。
func (s *Service) subscribe(ctx context.Context, userID, feedID string) (bool, error) {
	existing, err := s.subRepo.FindByUserAndFeed(ctx, userID, feedID)
	if err != nil {
		return false, fmt.Errorf("購読の確認に失敗しました: %w", err)
	}
	if existing != nil {
		return false, nil
	}

	sub := &model.Subscription{
		ID:        uuid.New().String(),
		UserID:    userID,
		FeedID:    feedID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.subRepo.Create(ctx, sub); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return false, nil
		}
		return false, fmt.Errorf("購読の作成に失敗しました: %w", err)
	}
	return true, nil
}

// reactivate は購読者が居なくなり停止していたフィードを再開する。
func (s *Service) reactivate(ctx context.Context, feed *model.Feed) error {
	if err := s.feedRepo.SetActive(ctx, feed.ID, true); err != nil {
		return fmt.Errorf("フィードの再開に失敗しました: %w", err)
	}
	if err := s.jobs.OnFeedReactivated(ctx, feed.ID); err != nil {
		return fmt.Errorf("同期ジョブの再登録に失敗しました: %w", err)
	}
	feed.IsActive = true
	feed.HasSyncFailed = false
	s.logger.Info("停止中のフィードを再開しました", slog.String("feed_id", feed.ID))
	return nil
}
