package monitor

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"otprelay/backend/internal/domain"
	"otprelay/backend/internal/otp"
)

const previewLength = 200

// run 单个会话的监控循环：立即检查一次，之后每隔 CheckInterval 检查
func (m *Manager) run(ctx context.Context, s *Session, token uint64) {
	m.metrics.MonitorStarted()
	defer m.metrics.MonitorStopped()

	log := m.logger.With(zap.String("user_id", s.UserID), zap.String("address", s.Address))
	deadline := m.now().Add(m.cfg.OTPTimeout)

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		if !m.owns(s, token) {
			log.Debug("Monitoring loop exits, no longer owner")
			return
		}

		if !m.now().Before(deadline) {
			if s.finish(token) {
				m.metrics.RecordMonitorTimeout()
				m.notifier.TimedOut(s.UserID)
			}
			return
		}

		if m.check(ctx, s, log) {
			return
		}

		select {
		case <-ctx.Done():
			s.finish(token)
			return
		case <-ticker.C:
		}
	}
}

// check 检查一次收件箱，找到验证码时返回 true
func (m *Manager) check(ctx context.Context, s *Session, log *zap.Logger) bool {
	messages, err := s.mailbox.CheckInbox(ctx)
	if err != nil {
		log.Warn("Inbox check failed", zap.Error(err))
		return false
	}

	for _, msg := range messages {
		if !s.markSeen(msg.ID) {
			continue
		}
		m.metrics.RecordMessageInspected()

		body, err := s.mailbox.Fetch(ctx, msg.ID)
		if err != nil || body == nil {
			log.Warn("Failed to fetch message", zap.String("message_id", msg.ID), zap.Error(err))
			continue
		}

		sender := firstNonEmpty(body.From, msg.From, domain.DefaultSender)
		subject := firstNonEmpty(body.Subject, msg.Subject)
		htmlText := otp.StripHTML(body.HTML)
		text := strings.Join([]string{subject, body.Text, htmlText}, " ")

		code, ok := otp.ExtractAny(text, m.cfg.LengthHints)
		if !ok {
			if m.cfg.Filter.Match(msg.Subject, msg.From) {
				continue
			}
			preview := firstNonEmpty(body.Text, htmlText, "No content")
			if len(preview) > previewLength {
				preview = truncate(preview, previewLength)
			}
			m.notifier.NoOTPFound(s.UserID, sender, subject, preview)
			continue
		}

		// 会话被替换或清理时丢弃结果；单纯的停止请求在本轮结束后才生效
		if !m.current(s) {
			return true
		}

		service := otp.DetectService(sender)
		delivered := m.publisher.Publish(ctx, s.UserID, domain.Event{
			Type:      domain.EventTypeOTP,
			OTP:       code,
			Email:     s.Address,
			Sender:    sender,
			Domain:    service,
			Timestamp: m.now(),
		})
		// 停止后又重新启动的循环也随之结束
		s.stop()

		m.metrics.RecordOTPExtracted(service)
		m.notifier.OTPReceived(s.UserID, Result{
			Address:   s.Address,
			Code:      code,
			Sender:    sender,
			Subject:   subject,
			Service:   service,
			Delivered: delivered,
		})
		return true
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// truncate 按字符截断，避免切断多字节字符
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
