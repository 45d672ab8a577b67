// Package fetch はフィードのHTTPフェッチとパースを提供する。
// 永続化は行わず、取得した記事と失敗の分類のみを返す。
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/hitoshi/feedsync/internal/model"
)

const (
	userAgent    = "Feedsync/1.0 RSS Reader"
	acceptHeader = "application/rss+xml, application/atom+xml, application/xml, text/xml, */*"
	maxRedirects = 10
)

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Result はフェッチ成功時の結果。
type Result struct {
	// Entries はPublishedAtの降順に並んだ記事。同時刻の記事は文書内の順序を保つ。
	Entries []model.Entry
	// LatestPublishedAt はEntriesの最大PublishedAt。記事が無い場合はnil。
	LatestPublishedAt *time.Time
	// Title はフィードのタイトル。
	Title      string
	StatusCode int
}

// Fetcher は個別フィードのHTTPフェッチとパースを行う。
// SSRF検証、gofeedによるパース、失敗の分類を実行する。
type Fetcher struct {
	ssrfGuard   SSRFValidator
	logger      *slog.Logger
	timeout     time.Duration
	maxBodySize int64
	now         func() time.Time
}

// NewFetcher はFetcherの新しいインスタンスを生成する。
func NewFetcher(
	ssrfGuard SSRFValidator,
	logger *slog.Logger,
	timeout time.Duration,
	maxBodySize int64,
) *Fetcher {
	return &Fetcher{
		ssrfGuard:   ssrfGuard,
		logger:      logger,
		timeout:     timeout,
		maxBodySize: maxBodySize,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Fetch はフィードURLを取得してパースする。
// 失敗時は*Errorを返す。記事が0件の場合も成功として扱う。
func (f *Fetcher) Fetch(ctx context.Context, feedURL string) (*Result, error) {
	start := time.Now()

	// SSRF検証: ブロック対象のURLはリトライしても成功しない
	if err := f.ssrfGuard.ValidateURL(feedURL); err != nil {
		f.logger.Warn("SSRF検証に失敗しました",
			slog.String("feed_url", feedURL),
			slog.String("error", err.Error()),
		)
		return nil, &Error{Kind: KindGone, URL: feedURL, Err: fmt.Errorf("SSRF検証失敗: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindTransient, URL: feedURL, Err: fmt.Errorf("リクエスト作成に失敗: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client().Do(req)
	if err != nil {
		return nil, &Error{Kind: KindTransient, URL: feedURL, Err: err}
	}
	defer resp.Body.Close()

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultOK:
		// 以下で処理を続行
	case FetchResultMoved:
		loc, err := resp.Location()
		if err != nil {
			return nil, &Error{Kind: KindTransient, URL: feedURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("Locationヘッダが不正です: %w", err)}
		}
		f.logger.Info("フィードの恒久的な移転を検出しました",
			slog.String("feed_url", feedURL),
			slog.String("location", loc.String()),
		)
		return nil, &Error{Kind: KindMoved, URL: feedURL, StatusCode: resp.StatusCode, Location: loc.String()}
	case FetchResultGone:
		return nil, &Error{Kind: KindGone, URL: feedURL, StatusCode: resp.StatusCode}
	default:
		return nil, &Error{Kind: KindTransient, URL: feedURL, StatusCode: resp.StatusCode}
	}

	// レスポンスボディを読み込み（最大サイズ制限付き）
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodySize+1))
	if err != nil {
		return nil, &Error{Kind: KindTransient, URL: feedURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("レスポンス読み取り失敗: %w", err)}
	}
	if int64(len(body)) > f.maxBodySize {
		return nil, &Error{Kind: KindTransient, URL: feedURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("レスポンスが上限サイズ %d バイトを超えています", f.maxBodySize)}
	}

	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Kind: KindTransient, URL: feedURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("パース失敗: %w", err)}
	}

	entries := convertGofeedItems(parsed.Items, f.now())
	sortEntries(entries)

	result := &Result{
		Entries:    entries,
		Title:      strings.TrimSpace(parsed.Title),
		StatusCode: resp.StatusCode,
	}
	if len(entries) > 0 {
		latest := entries[0].PublishedAt
		result.LatestPublishedAt = &latest
	}

	f.logger.Info("フィードフェッチが完了しました",
		slog.String("feed_url", feedURL),
		slog.Int("http_status", resp.StatusCode),
		slog.Int("items_total", len(entries)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return result, nil
}

// client はSSRF防止クライアントを元に、301を追跡せず呼び出し元へ返すクライアントを生成する。
// 301以外のリダイレクトは元のクライアントの検証に従って追跡する。
func (f *Fetcher) client() *http.Client {
	base := f.ssrfGuard.NewSafeClient(f.timeout, f.maxBodySize)
	c := *base
	next := base.CheckRedirect
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if req.Response != nil && req.Response.StatusCode == http.StatusMovedPermanently {
			return http.ErrUseLastResponse
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= maxRedirects {
			return errors.New("リダイレクト回数が上限を超えました")
		}
		return nil
	}
	return &c
}

// convertGofeedItems はgofeedの記事をmodel.Entryに変換する。
// 公開日時はpublished、updated、フェッチ時刻の順に採用する。
// リンクもURL形式のGUIDも持たない記事は除外する。
func convertGofeedItems(items []*gofeed.Item, fetchedAt time.Time) []model.Entry {
	entries := make([]model.Entry, 0, len(items))

	for _, item := range items {
		if item == nil {
			continue
		}

		link := strings.TrimSpace(item.Link)
		// LinkがなくGUIDがURL形式の場合はGUIDをLinkとして使用
		if link == "" && isURLLike(item.GUID) {
			link = strings.TrimSpace(item.GUID)
		}
		if link == "" {
			continue
		}

		entry := model.Entry{
			Link:  link,
			Title: strings.TrimSpace(item.Title),
		}

		switch {
		case item.PublishedParsed != nil:
			entry.PublishedAt = item.PublishedParsed.UTC()
		case item.UpdatedParsed != nil:
			entry.PublishedAt = item.UpdatedParsed.UTC()
		default:
			entry.PublishedAt = fetchedAt
			entry.DateEstimated = true
		}

		entries = append(entries, entry)
	}

	return entries
}

// sortEntries はPublishedAtの降順に安定ソートする。
func sortEntries(entries []model.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].PublishedAt.After(entries[j].PublishedAt)
	})
}

func isURLLike(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
