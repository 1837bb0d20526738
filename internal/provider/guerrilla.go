package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"otprelay/backend/internal/domain"
)

// Guerrilla Guerrilla Mail 服务：一次无状态请求即可拿到地址与 sid_token
type Guerrilla struct {
	c *client

	mu       sync.RWMutex
	address  string
	sidToken string
}

// NewGuerrilla 创建 Guerrilla Mail 客户端
func NewGuerrilla(opts Options) *Guerrilla {
	return &Guerrilla{c: newClient(opts)}
}

// Kind 实现 Provider
func (g *Guerrilla) Kind() Kind {
	return KindGuerrilla
}

// flexString 兼容字符串或数字形式的 JSON 字段
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

type guerrillaAddress struct {
	EmailAddr string `json:"email_addr"`
	SidToken  string `json:"sid_token"`
}

type guerrillaListItem struct {
	MailID        flexString `json:"mail_id"`
	MailFrom      string     `json:"mail_from"`
	MailSubject   string     `json:"mail_subject"`
	MailExcerpt   string     `json:"mail_excerpt"`
	MailTimestamp flexString `json:"mail_timestamp"`
}

type guerrillaList struct {
	List []guerrillaListItem `json:"list"`
}

type guerrillaBody struct {
	MailFrom     string `json:"mail_from"`
	MailSubject  string `json:"mail_subject"`
	MailBody     string `json:"mail_body"`
	MailBodyText string `json:"mail_body_text"`
}

// CreateAddress 申请一个新地址
func (g *Guerrilla) CreateAddress(ctx context.Context) (string, error) {
	q := url.Values{
		"f":     {"get_email_address"},
		"ip":    {"127.0.0.1"},
		"agent": {"Mozilla/5.0"},
		"lang":  {"en"},
	}

	var resp guerrillaAddress
	if err := g.c.do(ctx, request{method: http.MethodGet, query: q}, &resp); err != nil {
		return "", unavailable(KindGuerrilla, err)
	}
	if resp.EmailAddr == "" || resp.SidToken == "" {
		return "", unavailable(KindGuerrilla, errors.New("response missing email_addr or sid_token"))
	}

	g.mu.Lock()
	g.address = resp.EmailAddr
	g.sidToken = resp.SidToken
	g.mu.Unlock()

	g.c.logger.Info("Mailbox created", zap.String("provider", string(KindGuerrilla)), zap.String("address", resp.EmailAddr))
	return resp.EmailAddr, nil
}

// ListMessages 列出收件箱；网络或服务端错误只记录日志并返回空列表
func (g *Guerrilla) ListMessages(ctx context.Context) ([]domain.Message, error) {
	sid := g.currentSid()
	if sid == "" {
		return nil, ErrNoActiveMailbox
	}

	q := url.Values{
		"f":         {"get_email_list"},
		"offset":    {"0"},
		"sid_token": {sid},
	}

	var resp guerrillaList
	if err := g.c.do(ctx, request{method: http.MethodGet, query: q}, &resp); err != nil {
		g.c.logger.Warn("Failed to list messages", zap.String("provider", string(KindGuerrilla)), zap.Error(err))
		return []domain.Message{}, nil
	}

	messages := make([]domain.Message, 0, len(resp.List))
	for _, it := range resp.List {
		if it.MailID == "" {
			continue
		}
		messages = append(messages, domain.Message{
			ID:         string(it.MailID),
			From:       it.MailFrom,
			Subject:    it.MailSubject,
			ReceivedAt: parseUnix(string(it.MailTimestamp)),
			Preview:    it.MailExcerpt,
		})
	}
	return messages, nil
}

// FetchBody 获取单封邮件正文
func (g *Guerrilla) FetchBody(ctx context.Context, id string) (*domain.MessageBody, error) {
	sid := g.currentSid()
	if sid == "" {
		return nil, ErrNoActiveMailbox
	}

	q := url.Values{
		"f":         {"fetch_email"},
		"email_id":  {id},
		"sid_token": {sid},
	}

	var resp guerrillaBody
	if err := g.c.do(ctx, request{method: http.MethodGet, query: q}, &resp); err != nil {
		return nil, err
	}

	return &domain.MessageBody{
		Subject: resp.MailSubject,
		From:    resp.MailFrom,
		Text:    resp.MailBodyText,
		HTML:    resp.MailBody,
	}, nil
}

// Address 当前地址
func (g *Guerrilla) Address() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.address
}

func (g *Guerrilla) currentSid() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sidToken
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
