// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedsync/internal/model"
	"github.com/hitoshi/feedsync/internal/repository"
)

// FeedUnfollower はユーザーの全フォロー解除インターフェース。
// 最後の購読者が抜けたフィードの停止はこの実装側が担う。
type FeedUnfollower interface {
	UnfollowAll(ctx context.Context, userID string) (int, error)
}

// Service はユーザー管理のサービス層。
type Service struct {
	userRepo   repository.UserRepository
	unfollower FeedUnfollower
	logger     *slog.Logger
	now        func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, unfollower FeedUnfollower, logger *slog.Logger) *Service {
	return &Service{
		userRepo:   userRepo,
		unfollower: unfollower,
		logger:     logger,
		now:        time.Now,
	}
}

// Create はユーザーを作成する。
func (s *Service) Create(ctx context.Context, email string) (*model.User, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, model.NewInvalidRequestError("emailが入力されていません")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return nil, model.NewInvalidRequestError("emailの形式が正しくありません")
	}

	now := s.now().UTC()
	user := &model.User{
		ID:        uuid.New().String(),
		Email:     strings.ToLower(email),
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, model.NewDuplicateUserError()
		}
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	s.logger.Info("ユーザーを作成しました", slog.String("user_id", user.ID))
	return user, nil
}

// Get はユーザーを取得する。
func (s *Service) Get(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return nil, model.NewUserNotFoundError(userID)
	}
	return user, nil
}

// Delete はユーザーを削除する。
// 先に全フィードのフォローを解除し、購読者が居なくなったフィードの同期を止める。
// feedsとpostsは他ユーザーと共有するため残す。
func (s *Service) Delete(ctx context.Context, userID string) error {
	if _, err := s.Get(ctx, userID); err != nil {
		return err
	}

	s.logger.Info("ユーザー削除を開始します", slog.String("user_id", userID))

	unfollowed, err := s.unfollower.UnfollowAll(ctx, userID)
	if err != nil {
		return fmt.Errorf("フォローの解除に失敗しました: %w", err)
	}

	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	s.logger.Info("ユーザー削除が完了しました",
		slog.String("user_id", userID),
		slog.Int("unfollowed", unfollowed),
	)
	return nil
}

// MaxListLimit はユーザー一覧で一度に取得できる最大件数。
const MaxListLimit = 50

// List はユーザー一覧を取得する。limitが0の場合はMaxListLimit件まで返す。
func (s *Service) List(ctx context.Context, onlyActive bool, offset, limit int) ([]*model.User, error) {
	if offset < 0 {
		return nil, model.NewInvalidRequestError("offsetは0以上で指定してください")
	}
	if limit < 0 || limit > MaxListLimit {
		return nil, model.NewInvalidRequestError(fmt.Sprintf("limitは1から%dの範囲で指定してください", MaxListLimit))
	}
	if limit == 0 {
		limit = MaxListLimit
	}

	users, err := s.userRepo.List(ctx, onlyActive, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}
	return users, nil
}

// Activate は無効化されたユーザーを有効に戻す。既に有効な場合は何もしない。
func (s *Service) Activate(ctx context.Context, userID string) (*model.User, error) {
	return s.setActive(ctx, userID, true)
}

// Deactivate はユーザーを無効化する。既に無効な場合は何もしない。
func (s *Service) Deactivate(ctx context.Context, userID string) (*model.User, error) {
	return s.setActive(ctx, userID, false)
}

func (s *Service) setActive(ctx context.Context, userID string, active bool) (*model.User, error) {
	user, err := s.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.IsActive == active {
		return user, nil
	}

	now := s.now().UTC()
	if err := s.userRepo.SetActive(ctx, userID, active, now); err != nil {
		return nil, fmt.Errorf("ユーザーの有効状態の更新に失敗しました: %w", err)
	}
	user.IsActive = active
	user.UpdatedAt = now

	s.logger.Info("ユーザーの有効状態を変更しました",
		slog.String("user_id", userID),
		slog.Bool("is_active", active),
	)
	return user, nil
}
