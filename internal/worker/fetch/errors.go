package fetch

import (
	"errors"
	"fmt"
)

// Kind はフェッチ失敗の種別。
type Kind int

const (
	// KindTransient は一時的な失敗（ネットワークエラー、タイムアウト、2xx以外、パース失敗）。リトライ対象。
	KindTransient Kind = iota
	// KindMoved は恒久的な移転（301）。Locationに移転先URLを持つ。
	KindMoved
	// KindGone は恒久的な削除（410）。リトライしない。
	KindGone
)

// String はKindの文字列表現を返す。
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindMoved:
		return "moved"
	case KindGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Error はフェッチ失敗を表す。
type Error struct {
	Kind       Kind
	URL        string
	StatusCode int    // HTTPレスポンスを受け取った場合のステータスコード
	Location   string // KindMovedの場合の移転先URL
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	switch {
	case e.Kind == KindMoved:
		return fmt.Sprintf("フィードが移転しました: %s -> %s", e.URL, e.Location)
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("フィードの取得に失敗しました（%s, HTTP %d）: %s: %v", e.Kind, e.StatusCode, e.URL, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("フィードの取得に失敗しました（%s, HTTP %d）: %s", e.Kind, e.StatusCode, e.URL)
	case e.Err != nil:
		return fmt.Sprintf("フィードの取得に失敗しました（%s）: %s: %v", e.Kind, e.URL, e.Err)
	default:
		return fmt.Sprintf("フィードの取得に失敗しました（%s）: %s", e.Kind, e.URL)
	}
}

// Unwrap は原因となったエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf はerrに含まれる*ErrorのKindを返す。*Errorを含まない場合はKindTransientとして扱う。
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}

// IsGone はerrが恒久的な削除を表すかを返す。
func IsGone(err error) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == KindGone
}

// AsMoved はerrが恒久的な移転を表す場合に移転先URLを返す。
func AsMoved(err error) (string, bool) {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindMoved {
		return fe.Location, true
	}
	return "", false
}

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK はフェッチ成功（2xx）。
	FetchResultOK FetchResult = iota
	// FetchResultMoved は恒久的な移転（301）。
	FetchResultMoved
	// FetchResultGone は恒久的な削除（410）。
	FetchResultGone
	// FetchResultTransient はその他のステータス。
	FetchResultTransient
)

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return FetchResultOK
	case statusCode == 301:
		return FetchResultMoved
	case statusCode == 410:
		return FetchResultGone
	default:
		return FetchResultTransient
	}
}
