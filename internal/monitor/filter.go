package monitor

import "strings"

// SystemFilter 识别服务商自己发送的系统邮件（欢迎信等）
//
// 只有在未提取到验证码时才使用，匹配的邮件不产生“未找到验证码”通知。
type SystemFilter struct {
	Subjects []string // 主题关键字，大小写不敏感
	Senders  []string // 发件人关键字，大小写不敏感
}

// DefaultSystemFilter 默认过滤规则
func DefaultSystemFilter() SystemFilter {
	return SystemFilter{
		Subjects: []string{"welcome"},
		Senders:  []string{"guerrilla"},
	}
}

// Match 主题或发件人包含任一关键字
func (f SystemFilter) Match(subject, sender string) bool {
	subject = strings.ToLower(subject)
	sender = strings.ToLower(sender)
	for _, kw := range f.Subjects {
		if kw != "" && strings.Contains(subject, strings.ToLower(kw)) {
			return true
		}
	}
	for _, kw := range f.Senders {
		if kw != "" && strings.Contains(sender, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
