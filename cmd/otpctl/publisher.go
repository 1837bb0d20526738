package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"otprelay/backend/internal/domain"
	"otprelay/backend/internal/otp"
)

// discardPublisher 未配置中继服务器时使用，事件只在终端显示
type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, string, domain.Event) bool { return false }
func (discardPublisher) RegisterEmail(string, string)                       {}

// relayPublisher 把地址与验证码推送到中继服务器的推送接口
type relayPublisher struct {
	baseURL string
	token   string
	client  *http.Client
	log     *zap.Logger
}

// relayResponse 中继服务器的统一响应
type relayResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Status    string `json:"status"`
		Delivered bool   `json:"delivered"`
	} `json:"data"`
}

func newRelayPublisher(baseURL, token string, timeout time.Duration, log *zap.Logger) *relayPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &relayPublisher{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: timeout},
		log:     log,
	}
}

// Publish 推送事件，返回扩展是否已实时收到
func (p *relayPublisher) Publish(ctx context.Context, userID string, ev domain.Event) bool {
	var (
		path    string
		payload any
	)
	switch ev.Type {
	case domain.EventTypeOTP:
		path = "/api/otp"
		payload = domain.OTPPayload{UserID: userID, OTP: ev.OTP, Email: ev.Email, Sender: ev.Sender, Domain: ev.Domain}
	case domain.EventTypeNewEmail:
		path = "/api/email"
		payload = domain.EmailPayload{UserID: userID, Email: ev.Email}
	default:
		return false
	}

	resp, err := p.post(ctx, path, payload)
	if err != nil {
		p.log.Warn("Relay push failed", zap.String("path", path), zap.String("otp", otp.Mask(ev.OTP)), zap.Error(err))
		return false
	}
	return resp.Data.Status == "delivered" || resp.Data.Delivered
}

// RegisterEmail 由 new_email 事件的推送一并完成
func (p *relayPublisher) RegisterEmail(string, string) {}

func (p *relayPublisher) post(ctx context.Context, path string, payload any) (*relayResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	res, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	var out relayResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode relay response: %w", err)
	}
	if res.StatusCode/100 != 2 {
		return nil, fmt.Errorf("relay returned %d: %s", res.StatusCode, out.Msg)
	}
	return &out, nil
}
