package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxTitleLength は保存する記事タイトルの最大文字数（rune単位）。
const maxTitleLength = 500

// TitleSanitizer はフィード由来のタイトルからマークアップを除去し、プレーンテキストに整形する。
// bluemondayのStrictPolicyは全てのタグを除去する。並行利用しても安全。
type TitleSanitizer struct {
	policy *bluemonday.Policy
}

// NewTitleSanitizer はTitleSanitizerを生成する。
func NewTitleSanitizer() *TitleSanitizer {
	return &TitleSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去し、HTMLエンティティを復元し、連続する空白を1つにまとめる。
func (s *TitleSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")

	if r := []rune(text); len(r) > maxTitleLength {
		text = string(r[:maxTitleLength])
	}
	return text
}
