package monitor

import (
	"time"

	"go.uber.org/zap"

	"otprelay/backend/internal/otp"
)

// Result 一次成功的验证码提取
type Result struct {
	Address   string `json:"address"`
	Code      string `json:"code"`
	Sender    string `json:"sender"`
	Subject   string `json:"subject"`
	Service   string `json:"service,omitempty"`
	Delivered bool   `json:"delivered"`
}

// Notifier 面向最终用户的通知渠道
type Notifier interface {
	MonitoringStarted(userID, address string, timeout time.Duration)
	OTPReceived(userID string, r Result)
	NoOTPFound(userID, sender, subject, preview string)
	TimedOut(userID string)
}

// LogNotifier 把通知写入日志，验证码打码输出
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志通知器
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) MonitoringStarted(userID, address string, timeout time.Duration) {
	n.logger.Info("Monitoring started",
		zap.String("user_id", userID),
		zap.String("address", address),
		zap.Duration("timeout", timeout),
	)
}

func (n *LogNotifier) OTPReceived(userID string, r Result) {
	n.logger.Info("OTP received",
		zap.String("user_id", userID),
		zap.String("address", r.Address),
		zap.String("otp", otp.Mask(r.Code)),
		zap.String("sender", r.Sender),
		zap.String("service", r.Service),
		zap.Bool("delivered", r.Delivered),
	)
}

func (n *LogNotifier) NoOTPFound(userID, sender, subject, preview string) {
	n.logger.Info("New message without OTP",
		zap.String("user_id", userID),
		zap.String("sender", sender),
		zap.String("subject", subject),
		zap.Int("preview_len", len(preview)),
	)
}

func (n *LogNotifier) TimedOut(userID string) {
	n.logger.Info("Monitoring timed out", zap.String("user_id", userID))
}
