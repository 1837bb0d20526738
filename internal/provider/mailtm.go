package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"otprelay/backend/internal/domain"
)

const (
	loginAlphabet    = "abcdefghijklmnopqrstuvwxyz0123456789"
	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	passwordLength   = 12
)

// MailTM Mail.tm 服务：注册账号后用 bearer token 访问收件箱
type MailTM struct {
	c *client

	mu       sync.RWMutex
	address  string
	password string
	token    string
}

// NewMailTM 创建 Mail.tm 客户端
func NewMailTM(opts Options) *MailTM {
	return &MailTM{c: newClient(opts)}
}

// Kind 实现 Provider
func (m *MailTM) Kind() Kind {
	return KindMailTM
}

type mailtmDomain struct {
	Domain   string `json:"domain"`
	IsActive bool   `json:"isActive"`
}

type mailtmAddress struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

type mailtmMessage struct {
	ID        string        `json:"id"`
	From      mailtmAddress `json:"from"`
	Subject   string        `json:"subject"`
	Intro     string        `json:"intro"`
	CreatedAt time.Time     `json:"createdAt"`
}

type mailtmMessageBody struct {
	mailtmMessage
	Text string   `json:"text"`
	HTML []string `json:"html"`
}

type mailtmCredentials struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

type mailtmToken struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

// collection 兼容 JSON-LD（hydra:member）与普通数组两种列表格式
type collection[T any] []T

func (c *collection[T]) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var items []T
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*c = items
		return nil
	}
	var wrapped struct {
		Members []T `json:"hydra:member"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return err
	}
	*c = wrapped.Members
	return nil
}

// CreateAddress 注册随机账号并获取 token
func (m *MailTM) CreateAddress(ctx context.Context) (string, error) {
	var domains collection[mailtmDomain]
	if err := m.c.do(ctx, request{method: http.MethodGet, path: "/domains"}, &domains); err != nil {
		return "", unavailable(KindMailTM, err)
	}

	var domainName string
	for _, d := range domains {
		if d.IsActive && d.Domain != "" {
			domainName = d.Domain
			break
		}
	}
	if domainName == "" {
		return "", unavailable(KindMailTM, errors.New("no active domain"))
	}

	creds := mailtmCredentials{
		Address:  randomString(loginAlphabet, 8+rand.IntN(5)) + "@" + domainName,
		Password: randomString(passwordAlphabet, passwordLength),
	}

	if err := m.c.do(ctx, request{method: http.MethodPost, path: "/accounts", body: creds}, nil); err != nil {
		return "", unavailable(KindMailTM, err)
	}

	var tok mailtmToken
	if err := m.c.do(ctx, request{method: http.MethodPost, path: "/token", body: creds}, &tok); err != nil {
		return "", unavailable(KindMailTM, err)
	}
	if tok.Token == "" {
		return "", unavailable(KindMailTM, errors.New("token response missing token"))
	}

	m.mu.Lock()
	m.address = creds.Address
	m.password = creds.Password
	m.token = tok.Token
	m.mu.Unlock()

	m.c.logger.Info("Mailbox created", zap.String("provider", string(KindMailTM)), zap.String("address", creds.Address))
	return creds.Address, nil
}

// ListMessages 列出收件箱；网络或服务端错误只记录日志并返回空列表
func (m *MailTM) ListMessages(ctx context.Context) ([]domain.Message, error) {
	token := m.currentToken()
	if token == "" {
		return nil, ErrNoActiveMailbox
	}

	var items collection[mailtmMessage]
	if err := m.c.do(ctx, request{method: http.MethodGet, path: "/messages", bearer: token}, &items); err != nil {
		m.c.logger.Warn("Failed to list messages", zap.String("provider", string(KindMailTM)), zap.Error(err))
		return []domain.Message{}, nil
	}

	messages := make([]domain.Message, 0, len(items))
	for _, it := range items {
		messages = append(messages, domain.Message{
			ID:         it.ID,
			From:       it.From.Address,
			Subject:    it.Subject,
			ReceivedAt: it.CreatedAt,
			Preview:    it.Intro,
		})
	}
	return messages, nil
}

// FetchBody 获取单封邮件正文
func (m *MailTM) FetchBody(ctx context.Context, id string) (*domain.MessageBody, error) {
	token := m.currentToken()
	if token == "" {
		return nil, ErrNoActiveMailbox
	}

	var body mailtmMessageBody
	path := "/messages/" + url.PathEscape(id)
	if err := m.c.do(ctx, request{method: http.MethodGet, path: path, bearer: token}, &body); err != nil {
		return nil, err
	}

	return &domain.MessageBody{
		Subject: body.Subject,
		From:    body.From.Address,
		Text:    body.Text,
		HTML:    strings.Join(body.HTML, "\n"),
	}, nil
}

// Address 当前地址
func (m *MailTM) Address() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.address
}

func (m *MailTM) currentToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

func randomString(alphabet string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rand.IntN(len(alphabet))]
	}
	return string(b)
}
