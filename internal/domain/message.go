package domain

import "time"

// Message 表示收件箱列表中的一封邮件（轻量信息，不含正文）。
type Message struct {
	ID         string    `json:"id"`
	From       string    `json:"from"`
	Subject    string    `json:"subject"`
	ReceivedAt time.Time `json:"receivedAt"`
	Preview    string    `json:"preview,omitempty"`
}

// MessageBody 表示按需拉取的完整邮件内容，不做缓存。
type MessageBody struct {
	Subject string `json:"subject"`
	From    string `json:"from"`
	Text    string `json:"text"`
	HTML    string `json:"html"`
}
