package otp

import (
	"strings"

	"golang.org/x/net/html"
)

// StripHTML 去除 HTML 标签，返回以空格拼接的纯文本
//
// script 与 style 内的内容会被丢弃。
func StripHTML(body string) string {
	if body == "" {
		return ""
	}

	tokenizer := html.NewTokenizer(strings.NewReader(body))
	var (
		parts []string
		skip  int
	)

	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			// io.EOF 或解析错误，都按已读取内容返回
			return strings.Join(parts, " ")
		case html.StartTagToken:
			if isRawTextTag(tokenizer) {
				skip++
			}
		case html.EndTagToken:
			if isRawTextTag(tokenizer) && skip > 0 {
				skip--
			}
		case html.TextToken:
			if skip > 0 {
				continue
			}
			text := strings.TrimSpace(string(tokenizer.Text()))
			if text != "" {
				parts = append(parts, text)
			}
		}
	}
}

func isRawTextTag(z *html.Tokenizer) bool {
	name, _ := z.TagName()
	switch string(name) {
	case "script", "style":
		return true
	}
	return false
}
