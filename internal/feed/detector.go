// Package feed はフィードのフォロー処理とフィードURLの自動検出を提供する。
package feed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/hitoshi/feedsync/internal/model"
)

// userAgent は検出リクエストに付与するUser-Agent。
const userAgent = "Feedsync/1.0 RSS Reader"

// FeedType はフィードの種類（RSS/Atom）を表す。
type FeedType string

const (
	FeedTypeRSS  FeedType = "rss"
	FeedTypeAtom FeedType = "atom"
)

// Candidate はHTMLのlink要素から検出されたフィード候補を表す。
type Candidate struct {
	URL      string
	FeedType FeedType
	Title    string
}

// Detection はフィード検出結果。
// Titleはlink要素のtitle属性から得られた場合のみ設定される。
type Detection struct {
	URL   string
	Title string
}

// SSRFValidator はSSRF検証のインターフェース。
type SSRFValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration, maxResponseSize int64) *http.Client
}

// Detector は入力URLからRSS/AtomフィードのURLを特定する。
type Detector struct {
	ssrfGuard   SSRFValidator
	timeout     time.Duration
	maxBodySize int64
}

// NewDetector はDetectorを生成する。
func NewDetector(ssrfGuard SSRFValidator, timeout time.Duration, maxBodySize int64) *Detector {
	return &Detector{
		ssrfGuard:   ssrfGuard,
		timeout:     timeout,
		maxBodySize: maxBodySize,
	}
}

var (
	feedMediaTypes = map[string]bool{
		"application/rss+xml":  true,
		"application/atom+xml": true,
	}
	// 汎用XMLはボディを見ないと判定できない
	xmlMediaTypes = map[string]bool{
		"text/xml":        true,
		"application/xml": true,
	}
)

// sniffSize はXMLルート要素の判定に使う先頭バイト数。
const sniffSize = 4096

// IsDirectFeed はレスポンスがRSS/Atomフィードそのものかを判定する。
func IsDirectFeed(contentType string, body []byte) bool {
	mediaType := mediaTypeOf(contentType)
	if feedMediaTypes[mediaType] {
		return true
	}
	if !xmlMediaTypes[mediaType] || len(body) == 0 {
		return false
	}

	head := body
	if len(head) > sniffSize {
		head = head[:sniffSize]
	}
	prefix := strings.ToLower(string(head))

	switch {
	case strings.Contains(prefix, "<rss"), strings.Contains(prefix, "<rdf:rdf"):
		return true
	case strings.Contains(prefix, "<feed") && strings.Contains(prefix, "http://www.w3.org/2005/atom"):
		return true
	}
	return false
}

// mediaTypeOf はContent-Typeからパラメータを除いた小文字のメディアタイプを返す。
func mediaTypeOf(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return strings.ToLower(mediaType)
}

// ParseFeedLinks はHTMLのhead内にある rel="alternate" のフィードリンクを抽出する。
// 相対URLはbaseURLを基準に解決する。
func ParseFeedLinks(htmlBody []byte, baseURL string) []Candidate {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	var candidates []Candidate
	z := html.NewTokenizer(bytes.NewReader(htmlBody))
	inHead := false

	for {
		switch z.Next() {
		case html.ErrorToken:
			return candidates

		case html.EndTagToken:
			if tn, _ := z.TagName(); string(tn) == "head" {
				return candidates
			}

		case html.StartTagToken, html.SelfClosingTagToken:
			tn, hasAttr := z.TagName()
			switch string(tn) {
			case "head":
				inHead = true
				continue
			case "body":
				return candidates
			case "link":
			default:
				continue
			}
			if !inHead || !hasAttr {
				continue
			}

			if c, ok := readLinkCandidate(z, base); ok {
				candidates = append(candidates, c)
			}
		}
	}
}

// readLinkCandidate はlink要素の属性からフィード候補を組み立てる。
func readLinkCandidate(z *html.Tokenizer, base *url.URL) (Candidate, bool) {
	attrs := make(map[string]string, 4)
	for {
		key, val, more := z.TagAttr()
		attrs[strings.ToLower(string(key))] = string(val)
		if !more {
			break
		}
	}

	if strings.ToLower(attrs["rel"]) != "alternate" || attrs["href"] == "" {
		return Candidate{}, false
	}

	var feedType FeedType
	switch strings.ToLower(attrs["type"]) {
	case "application/rss+xml":
		feedType = FeedTypeRSS
	case "application/atom+xml":
		feedType = FeedTypeAtom
	default:
		return Candidate{}, false
	}

	ref, err := url.Parse(attrs["href"])
	if err != nil {
		return Candidate{}, false
	}
	return Candidate{
		URL:      base.ResolveReference(ref).String(),
		FeedType: feedType,
		Title:    strings.TrimSpace(attrs["title"]),
	}, true
}

// SelectBest は候補の中から最も適したフィードを選ぶ。
// 優先順位: 入力URLと同一ホスト > Atom > 出現順
func SelectBest(candidates []Candidate, inputURL string) *Candidate {
	if len(candidates) == 0 {
		return nil
	}

	inputHost := hostOf(inputURL)
	rank := func(c Candidate) int {
		r := 0
		if hostOf(c.URL) == inputHost {
			r += 100
		}
		if c.FeedType == FeedTypeAtom {
			r += 10
		}
		return r
	}

	best := 0
	for i := 1; i < len(candidates); i++ {
		if rank(candidates[i]) > rank(candidates[best]) {
			best = i
		}
	}
	return &candidates[best]
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Detect は入力URLがフィードであればそのまま、HTMLであればページ内のフィードリンクを返す。
// 返すエラーはUIに表示できるmodel.APIError。
func (d *Detector) Detect(ctx context.Context, inputURL string) (*Detection, error) {
	inputURL = strings.TrimSpace(inputURL)
	if inputURL == "" {
		return nil, model.NewInvalidURLError("URLが入力されていません")
	}
	u, err := url.Parse(inputURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, model.NewInvalidURLError(inputURL)
	}

	if d.ssrfGuard != nil {
		if err := d.ssrfGuard.ValidateURL(inputURL); err != nil {
			return nil, model.NewSSRFBlockedError()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, inputURL, nil)
	if err != nil {
		return nil, model.NewInvalidURLError(err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml, text/xml, text/html, */*")

	resp, err := d.client().Do(req)
	if err != nil {
		return nil, model.NewFetchFailedError(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, model.NewFetchFailedError(fmt.Sprintf("HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBodySize))
	if err != nil {
		return nil, model.NewFetchFailedError(fmt.Sprintf("レスポンスの読み取りに失敗: %v", err))
	}

	contentType := resp.Header.Get("Content-Type")
	if IsDirectFeed(contentType, body) {
		return &Detection{URL: inputURL}, nil
	}
	if !strings.Contains(mediaTypeOf(contentType), "html") {
		return nil, model.NewFeedNotDetectedError(inputURL)
	}

	best := SelectBest(ParseFeedLinks(body, inputURL), inputURL)
	if best == nil {
		return nil, model.NewFeedNotDetectedError(inputURL)
	}
	return &Detection{URL: best.URL, Title: best.Title}, nil
}

func (d *Detector) client() *http.Client {
	if d.ssrfGuard != nil {
		return d.ssrfGuard.NewSafeClient(d.timeout, d.maxBodySize)
	}
	return &http.Client{Timeout: d.timeout}
}
