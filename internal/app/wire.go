// Package app 把配置转换为各组件的构造参数，服务端与命令行工具共用
package app

import (
	"fmt"

	"go.uber.org/zap"

	"otprelay/backend/internal/config"
	"otprelay/backend/internal/mailbox"
	"otprelay/backend/internal/monitor"
	"otprelay/backend/internal/monitoring"
	"otprelay/backend/internal/provider"
)

// ProviderSettings 构造服务注册表配置
func ProviderSettings(cfg config.ProviderConfig) (provider.Settings, error) {
	order := make([]provider.Kind, 0, len(cfg.Order))
	for _, name := range cfg.Order {
		kind, err := provider.ParseKind(name)
		if err != nil {
			return provider.Settings{}, fmt.Errorf("provider order: %w", err)
		}
		if kind == provider.KindAuto {
			return provider.Settings{}, fmt.Errorf("provider order: %w: auto is not a provider", provider.ErrUnknownProvider)
		}
		order = append(order, kind)
	}
	return provider.Settings{
		Order:        order,
		MailTMURL:    cfg.MailTMURL,
		GuerrillaURL: cfg.GuerrillaURL,
		Timeout:      cfg.RequestTimeout,
		RateLimit:    cfg.RateLimit,
	}, nil
}

// MonitorConfig 构造会话管理配置
func MonitorConfig(cfg config.MonitorConfig) monitor.Config {
	filter := monitor.DefaultSystemFilter()
	if cfg.IgnoreSubjects != nil {
		filter.Subjects = cfg.IgnoreSubjects
	}
	if cfg.IgnoreSenders != nil {
		filter.Senders = cfg.IgnoreSenders
	}
	return monitor.Config{
		CheckInterval:   cfg.CheckInterval,
		OTPTimeout:      cfg.OTPTimeout,
		SessionTTL:      cfg.SessionTTL,
		CleanupInterval: cfg.CleanupInterval,
		MaxSessions:     cfg.MaxSessions,
		Filter:          filter,
		LengthHints:     cfg.LengthHints,
	}
}

// MailboxFactory 每次调用返回一个绑定到注册表的全新 Generator
func MailboxFactory(registry *provider.Registry, metrics *monitoring.Metrics, logger *zap.Logger) func() monitor.Mailbox {
	return func() monitor.Mailbox {
		return mailbox.NewGenerator(registry, metrics, logger)
	}
}
