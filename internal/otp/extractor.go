package otp

import (
	"fmt"
	"regexp"
)

const (
	// MinLength OTP 最短位数
	MinLength = 4
	// MaxLength OTP 最长位数
	MaxLength = 8
	// DefaultLength 未指定位数时使用的默认位数
	DefaultLength = 6
)

// DefaultHints 位数未知时依次尝试的长度（从长到短）
var DefaultHints = []int{8, 7, 6, 5, 4}

// 按优先级排列：先固定位数，再关键词，最后冒号后的数字。
var (
	markerPattern = regexp.MustCompile(`(?i)(?:verification code|code|otp|código|codigo|kode)[:\s]+(\d{4,8})`)
	colonPattern  = regexp.MustCompile(`:\s*(\d{4,8})`)
)

// exactPatterns 缓存各长度的精确匹配正则
var exactPatterns = func() map[int]*regexp.Regexp {
	out := make(map[int]*regexp.Regexp, MaxLength-MinLength+1)
	for n := MinLength; n <= MaxLength; n++ {
		out[n] = regexp.MustCompile(fmt.Sprintf(`\b(\d{%d})\b`, n))
	}
	return out
}()

// Extract 从文本中提取验证码
//
// 参数:
//   - text: 待扫描的文本
//   - expectedLength: 期望位数，超出 4~8 范围时按 6 位处理
//
// 返回值:
//   - string: 提取到的纯数字验证码
//   - bool: 是否找到
func Extract(text string, expectedLength int) (string, bool) {
	if text == "" {
		return "", false
	}
	if expectedLength < MinLength || expectedLength > MaxLength {
		expectedLength = DefaultLength
	}

	patterns := []*regexp.Regexp{
		exactPatterns[expectedLength],
		markerPattern,
		colonPattern,
	}

	for _, p := range patterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// ExtractAny 依次使用多个位数提示提取验证码，首次命中即返回
func ExtractAny(text string, hints []int) (string, bool) {
	if len(hints) == 0 {
		hints = DefaultHints
	}
	for _, n := range hints {
		if code, ok := Extract(text, n); ok {
			return code, true
		}
	}
	return "", false
}

// Mask 隐藏验证码的大部分位数，用于日志输出
func Mask(code string) string {
	if len(code) <= 2 {
		return "**"
	}
	masked := []byte(code)
	for i := 2; i < len(masked); i++ {
		masked[i] = '*'
	}
	return string(masked)
}
