// Package retry はジョブ失敗時のリトライ状態遷移を提供する。
//
// 状態遷移は純粋関数として実装され、ジョブストアには依存しない。
package retry

import (
	"time"

	"github.com/hitoshi/feedsync/internal/model"
)

// DefaultIntervals は既定のバックオフ間隔（秒）。2分、5分、8分。
var DefaultIntervals = []int{120, 300, 480}

// Action は失敗後にワーカーが取るべき動作。
type Action int

const (
	// ActionReschedule はバックオフ後に再実行する。
	ActionReschedule Action = iota
	// ActionCancel はリトライ回数を使い切ったためジョブを取り消す。
	ActionCancel
)

// String はActionの文字列表現を返す。
func (a Action) String() string {
	switch a {
	case ActionReschedule:
		return "reschedule"
	case ActionCancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Decision は失敗時の判定結果。
type Decision struct {
	Action Action
	// Delay は前回実行終了時刻からの待機時間。ActionCancelの場合は0。
	Delay time.Duration
}

// NextRunAt は前回実行終了時刻から次回実行時刻を計算する。
func (d Decision) NextRunAt(lastRunEndedAt time.Time) time.Time {
	return lastRunEndedAt.Add(d.Delay)
}

// Policy はリトライ回数とバックオフ間隔を保持する。
type Policy struct {
	intervals []int
}

// NewPolicy は指定したバックオフ間隔（秒）のPolicyを生成する。
// リトライ回数は間隔の数と同じになる。
func NewPolicy(intervals []int) Policy {
	return Policy{intervals: append([]int(nil), intervals...)}
}

// DefaultPolicy は既定のPolicyを返す。
func DefaultPolicy() Policy {
	return NewPolicy(DefaultIntervals)
}

// Budget はリトライ回数の上限を返す。
func (p Policy) Budget() int {
	return len(p.intervals)
}

// armed はリトライ回数と間隔を初期値に戻した状態を返す。
func (p Policy) armed() model.RetryState {
	left := p.Budget()
	return model.RetryState{
		RetriesLeft:    &left,
		RetryIntervals: append([]int(nil), p.intervals...),
	}
}

// OnFailure は失敗時の状態遷移を行う。
//
// 一度も失敗していない状態ではリトライ回数と間隔を割り当ててから先頭の間隔を消費する。
// 消費できる間隔が残っていない場合はActionCancelを返し、状態は変更しない。
func (p Policy) OnFailure(state model.RetryState) (model.RetryState, Decision) {
	if state.IsFresh() {
		state = p.armed()
	}

	if *state.RetriesLeft <= 0 || len(state.RetryIntervals) == 0 {
		return copyState(state), Decision{Action: ActionCancel}
	}

	delay := time.Duration(state.RetryIntervals[0]) * time.Second
	left := *state.RetriesLeft - 1
	next := model.RetryState{
		RetriesLeft:    &left,
		RetryIntervals: append([]int(nil), state.RetryIntervals[1:]...),
	}
	return next, Decision{Action: ActionReschedule, Delay: delay}
}

// OnSuccess は成功時の状態遷移を行う。
// 過去に失敗していた場合はリトライ回数と間隔を初期値に戻す。
// 初期値から変化していた場合にだけtrueを返す。
func (p Policy) OnSuccess(state model.RetryState) (model.RetryState, bool) {
	if state.IsFresh() {
		return state, false
	}
	return p.armed(), !p.isArmed(state)
}

// isArmed は状態がリトライ回数と間隔の初期値と一致するかを返す。
func (p Policy) isArmed(state model.RetryState) bool {
	if state.RetriesLeft == nil || *state.RetriesLeft != p.Budget() {
		return false
	}
	if len(state.RetryIntervals) != len(p.intervals) {
		return false
	}
	for i, v := range state.RetryIntervals {
		if v != p.intervals[i] {
			return false
		}
	}
	return true
}

func copyState(s model.RetryState) model.RetryState {
	out := model.RetryState{RetryIntervals: append([]int(nil), s.RetryIntervals...)}
	if s.RetriesLeft != nil {
		left := *s.RetriesLeft
		out.RetriesLeft = &left
	}
	return out
}
