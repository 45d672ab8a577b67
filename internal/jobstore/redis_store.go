package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/feedsync/internal/model"
)

// saveScript はジョブが存在する場合のみペイロードとスコアを更新する。
var saveScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// releaseScript はリースの保持者が自分である場合のみリースを削除する。
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// claimScanFactor はClaimDueで候補として読み取る件数のlimitに対する倍率。
// リース保持中のジョブを読み飛ばしてもlimit件に届くようにする。
const claimScanFactor = 4

// RedisStore はRedisを使用したジョブストア。
type RedisStore struct {
	client *redis.Client
	prefix string
	owner  string
	logger *slog.Logger
}

// NewRedisClient はRedis接続URLからクライアントを生成する。
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("Redis URLの解析に失敗しました: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisStore はRedisStoreを生成する。
// prefixはキーの名前空間として使う。
func NewRedisStore(client *redis.Client, prefix string, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		owner:  uuid.New().String(),
		logger: logger,
	}
}

func (s *RedisStore) scheduleKey() string { return s.prefix + ":schedule" }
func (s *RedisStore) jobsKey() string     { return s.prefix + ":jobs" }
func (s *RedisStore) lockKey(id string) string {
	return s.prefix + ":lock:" + id
}

// Ping はRedisへの疎通を確認する。
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Enqueue はジョブを即時実行対象として登録する。
func (s *RedisStore) Enqueue(ctx context.Context, job *model.Job) error {
	return s.ScheduleAt(ctx, job, time.Now().UTC(), job.Interval())
}

// ScheduleAt はジョブをatに実行するよう登録する。
func (s *RedisStore) ScheduleAt(ctx context.Context, job *model.Job, at time.Time, interval time.Duration) error {
	job.ScheduledAt = at.UTC()
	job.IntervalSeconds = int(interval / time.Second)
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if err := job.Validate(); err != nil {
		return fmt.Errorf("ジョブの登録に失敗しました: %w", err)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("ジョブのエンコードに失敗しました: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobsKey(), job.ID, data)
		pipe.ZAdd(ctx, s.scheduleKey(), redis.Z{Score: score(job.ScheduledAt), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("ジョブの登録に失敗しました: %w", err)
	}
	return nil
}

// ChangeExecutionTime は既存ジョブの実行予定時刻を変更する。
func (s *RedisStore) ChangeExecutionTime(ctx context.Context, id string, at time.Time) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	job.ScheduledAt = at.UTC()
	return s.Save(ctx, job)
}

// Cancel はジョブを削除する。
// 実行中のジョブのリースは削除しないため、実行中の処理は最後まで続く。
func (s *RedisStore) Cancel(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.scheduleKey(), id)
		pipe.HDel(ctx, s.jobsKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ジョブのキャンセルに失敗しました: %w", err)
	}
	return nil
}

// List は全ジョブを実行予定時刻の昇順で返す。
func (s *RedisStore) List(ctx context.Context) ([]*model.Job, error) {
	values, err := s.client.HGetAll(ctx, s.jobsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("ジョブ一覧の取得に失敗しました: %w", err)
	}

	jobs := make([]*model.Job, 0, len(values))
	for id, raw := range values {
		job, err := decodeJob(raw)
		if err != nil {
			s.logger.Warn("ジョブのデコードに失敗しました",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		jobs = append(jobs, job)
	}

	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].ScheduledAt.Equal(jobs[j].ScheduledAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].ScheduledAt.Before(jobs[j].ScheduledAt)
	})
	return jobs, nil
}

// Drain は全ジョブを削除し、削除件数を返す。
func (s *RedisStore) Drain(ctx context.Context) (int, error) {
	var lenCmd *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lenCmd = pipe.HLen(ctx, s.jobsKey())
		pipe.Del(ctx, s.jobsKey(), s.scheduleKey())
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ジョブの全削除に失敗しました: %w", err)
	}
	return int(lenCmd.Val()), nil
}

// Count は登録済みジョブ数を返す。
func (s *RedisStore) Count(ctx context.Context) (int, error) {
	n, err := s.client.ZCard(ctx, s.scheduleKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("ジョブ数の取得に失敗しました: %w", err)
	}
	return int(n), nil
}

// Get はジョブを取得する。
func (s *RedisStore) Get(ctx context.Context, id string) (*model.Job, error) {
	raw, err := s.client.HGet(ctx, s.jobsKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("ジョブの取得に失敗しました: %w", err)
	}

	job, err := decodeJob(raw)
	if err != nil {
		return nil, fmt.Errorf("ジョブのデコードに失敗しました: %s: %w", id, err)
	}
	return job, nil
}

// Save は既存ジョブを更新する。
func (s *RedisStore) Save(ctx context.Context, job *model.Job) error {
	if err := job.Validate(); err != nil {
		return fmt.Errorf("ジョブの保存に失敗しました: %w", err)
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("ジョブのエンコードに失敗しました: %w", err)
	}

	updated, err := saveScript.Run(ctx, s.client,
		[]string{s.jobsKey(), s.scheduleKey()},
		job.ID, string(data), score(job.ScheduledAt),
	).Int()
	if err != nil {
		return fmt.Errorf("ジョブの保存に失敗しました: %w", err)
	}
	if updated == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, job.ID)
	}
	return nil
}

// ClaimDue は実行予定時刻がnow以前のジョブをリース付きで取得する。
func (s *RedisStore) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*model.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := s.client.ZRangeByScore(ctx, s.scheduleKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%d", now.UnixMilli()),
		Count: int64(limit * claimScanFactor),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("実行対象ジョブの取得に失敗しました: %w", err)
	}

	var claimed []*model.Job
	for _, id := range ids {
		if len(claimed) >= limit {
			break
		}

		ok, err := s.client.SetNX(ctx, s.lockKey(id), s.owner, lease).Result()
		if err != nil {
			return claimed, fmt.Errorf("リースの取得に失敗しました: %w", err)
		}
		if !ok {
			continue
		}

		job, err := s.Get(ctx, id)
		if err != nil {
			// キャンセル直後、またはデコード不能なジョブはスケジュールから外す
			s.logger.Warn("取得できないジョブをスケジュールから除外します",
				slog.String("job_id", id),
				slog.String("error", err.Error()),
			)
			if err := s.Cancel(ctx, id); err != nil {
				return claimed, err
			}
			if err := s.Release(ctx, id); err != nil && !errors.Is(err, ErrLeaseLost) {
				return claimed, err
			}
			continue
		}
		claimed = append(claimed, job)
	}

	return claimed, nil
}

// Release はリースを解放する。
// リースが期限切れ、または他のワーカーに保持されている場合はErrLeaseLostを返す。
func (s *RedisStore) Release(ctx context.Context, id string) error {
	n, err := releaseScript.Run(ctx, s.client, []string{s.lockKey(id)}, s.owner).Int()
	if err != nil {
		return fmt.Errorf("リースの解放に失敗しました: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLeaseLost, id)
	}
	return nil
}

func decodeJob(raw string) (*model.Job, error) {
	var job model.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// compile-time interface check
var _ Store = (*RedisStore)(nil)
