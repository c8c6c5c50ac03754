// Package security はユーザー入力の検証と外部URLの安全性検証を提供する。
package security

import (
	"errors"
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var (
	// ErrInvalidEncoding はテキストが不正なUTF-8を含むことを表す。
	ErrInvalidEncoding = errors.New("不正な文字コードを含んでいます")
	// ErrControlCharacter はテキストが改行とタブ以外の制御文字を含むことを表す。
	ErrControlCharacter = errors.New("制御文字を含んでいます")
)

// TextChecker はメッセージ本文やコメントなどのプレーンテキスト入力を検証する。
// 入力は書き換えず、受け付けるか拒否するかだけを判定する。
type TextChecker interface {
	Check(text string) error
}

// plainTextChecker はTextCheckerの実装。
type plainTextChecker struct{}

// NewTextChecker はTextCheckerを生成する。
func NewTextChecker() TextChecker {
	return plainTextChecker{}
}

// Check は不正なUTF-8と、改行・タブ以外の制御文字を拒否する。
func (plainTextChecker) Check(text string) error {
	if !utf8.ValidString(text) {
		return ErrInvalidEncoding
	}
	for _, r := range text {
		if r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		if unicode.IsControl(r) {
			return ErrControlCharacter
		}
	}
	return nil
}

var linkPattern = regexp.MustCompile(`https?://[^\s]+`)

// renderPolicy は表示用HTMLに残す要素を改行とhttp(s)リンクに限定する。
// bluemondayのPolicyは並行利用してよい。
var renderPolicy = func() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements("br")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.RequireParseableURLs(true)
	p.RequireNoFollowOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)
	return p
}()

// RenderHTML は保存済みのプレーンテキストを表示用のHTML断片に変換する。
// 本文はすべてエスケープし、改行を<br>に、http(s)のURLをリンクにする。
func RenderHTML(text string) string {
	if text == "" {
		return ""
	}
	escaped := html.EscapeString(text)
	linked := linkPattern.ReplaceAllStringFunc(escaped, func(u string) string {
		return `<a href="` + u + `">` + u + `</a>`
	})
	linked = strings.ReplaceAll(strings.ReplaceAll(linked, "\r\n", "\n"), "\n", "<br>")
	return renderPolicy.Sanitize(linked)
}
