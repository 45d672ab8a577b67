// Package jobstore はスケジュールジョブの永続化と配信を提供する。
//
// ジョブは実行予定時刻をスコアとするソート済みセットと、ジョブIDをキーとする
// ハッシュに保存される。実行中のジョブはジョブ単位のリースで排他される。
package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

var (
	// ErrJobNotFound はジョブが存在しない（キャンセル済みを含む）ことを表す。
	ErrJobNotFound = errors.New("ジョブが見つかりません")
	// ErrLeaseLost はリースが期限切れ、または他のワーカーに保持されていることを表す。
	ErrLeaseLost = errors.New("ジョブのリースを失いました")
)

// Store はスケジュールジョブの永続化インターフェース。
type Store interface {
	// Enqueue はジョブを即時実行対象として登録する。同じIDのジョブは置き換えられる。
	Enqueue(ctx context.Context, job *model.Job) error

	// ScheduleAt はジョブをatに実行するよう登録する。intervalが正の場合は繰り返しジョブになる。
	// 同じIDのジョブは置き換えられる。
	ScheduleAt(ctx context.Context, job *model.Job, at time.Time, interval time.Duration) error

	// ChangeExecutionTime は既存ジョブの実行予定時刻を変更する。
	ChangeExecutionTime(ctx context.Context, id string, at time.Time) error

	// Cancel はジョブを削除する。存在しない場合も成功する。
	Cancel(ctx context.Context, id string) error

	// List は全ジョブを実行予定時刻の昇順で返す。
	List(ctx context.Context) ([]*model.Job, error)

	// Drain は全ジョブを削除し、削除件数を返す。
	Drain(ctx context.Context) (int, error)

	// Get はジョブを取得する。存在しない場合はErrJobNotFoundを返す。
	Get(ctx context.Context, id string) (*model.Job, error)

	// Save は既存ジョブを更新する。キャンセル済みの場合はErrJobNotFoundを返し、ジョブを復活させない。
	Save(ctx context.Context, job *model.Job) error

	// ClaimDue は実行予定時刻がnow以前のジョブを最大limit件、リース付きで取得する。
	// 他のワーカーがリースを保持しているジョブは返さない。
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*model.Job, error)

	// Release はClaimDueで取得したリースを解放する。
	Release(ctx context.Context, id string) error
}
