package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8000
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// ProviderConfig 定义临时邮箱服务配置
type ProviderConfig struct {
	Order          []string      // 自动模式的尝试顺序
	MailTMURL      string        // Mail.tm API 地址
	GuerrillaURL   string        // Guerrilla Mail ajax.php 地址
	RequestTimeout time.Duration // 单次请求超时，默认 10 秒
	RateLimit      float64       // 每个服务每秒请求数上限，0 表示不限
}

// MonitorConfig 定义验证码监控配置
type MonitorConfig struct {
	CheckInterval   time.Duration // 轮询间隔，默认 3 秒
	OTPTimeout      time.Duration // 单次监控超时，默认 180 秒
	SessionTTL      time.Duration // 会话生存时间，默认 1 小时
	CleanupInterval time.Duration // 过期会话清理间隔，默认 5 分钟
	MaxSessions     int           // 同时运行的监控循环上限，默认 100
	IgnoreSubjects  []string      // 系统邮件主题关键字
	IgnoreSenders   []string      // 系统邮件发件人关键字
	LengthHints     []int         // 验证码位数尝试顺序
}

// BridgeConfig 定义浏览器扩展投递配置
type BridgeConfig struct {
	IdleTimeout    time.Duration // 连接空闲多久发送一次探测，默认 30 秒
	StatusInterval time.Duration // 状态广播间隔，默认 30 秒，0 表示关闭
	PendingTTL     time.Duration // 待投递事件保留时间，0 表示直到投递
	PendingBackend string        // "memory" 或 "redis"
	ProducerSecret string        // 推送接口的 JWT 密钥，留空表示不校验
}

// RedisConfig 定义 Redis 服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，默认 "localhost:6379"
	Password string // Redis 认证密码，留空表示无密码
	DB       int    // Redis 数据库编号，默认 0
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig
	CORS     CORSConfig
	Log      LogConfig
	Provider ProviderConfig
	Monitor  MonitorConfig
	Bridge   BridgeConfig
	Redis    RedisConfig
}

// 待投递存储后端
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: OTPRELAY_
// 例如: OTPRELAY_SERVER_PORT, OTPRELAY_MONITOR_OTP_TIMEOUT
//
// 返回值:
//   - *Config: 加载成功的配置对象
//   - error: 配置验证失败时返回错误
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("otprelay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("cors.allowed_origins", "*")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("provider.order", "mailtm,guerrilla")
	v.SetDefault("provider.mailtm_url", "https://api.mail.tm")
	v.SetDefault("provider.guerrilla_url", "https://api.guerrillamail.com/ajax.php")
	v.SetDefault("provider.request_timeout", "10s")
	v.SetDefault("provider.rate_limit", 5)
	v.SetDefault("monitor.check_interval", "3s")
	v.SetDefault("monitor.otp_timeout", "180s")
	v.SetDefault("monitor.session_ttl", "1h")
	v.SetDefault("monitor.cleanup_interval", "5m")
	v.SetDefault("monitor.max_sessions", 100)
	v.SetDefault("monitor.ignore_subjects", "welcome")
	v.SetDefault("monitor.ignore_senders", "guerrilla")
	v.SetDefault("monitor.length_hints", "8,7,6,5,4")
	v.SetDefault("bridge.idle_timeout", "30s")
	v.SetDefault("bridge.status_interval", "30s")
	v.SetDefault("bridge.pending_ttl", "0s")
	v.SetDefault("bridge.pending_backend", BackendMemory)
	v.SetDefault("bridge.producer_secret", "")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	var err error
	var (
		requestTimeout  = duration(v, "provider.request_timeout", &err)
		checkInterval   = duration(v, "monitor.check_interval", &err)
		otpTimeout      = duration(v, "monitor.otp_timeout", &err)
		sessionTTL      = duration(v, "monitor.session_ttl", &err)
		cleanupInterval = duration(v, "monitor.cleanup_interval", &err)
		idleTimeout     = duration(v, "bridge.idle_timeout", &err)
		statusInterval  = duration(v, "bridge.status_interval", &err)
		pendingTTL      = duration(v, "bridge.pending_ttl", &err)
	)
	if err != nil {
		return nil, err
	}

	// 以下时长必须为正数，状态广播与待投递保留时间允许为 0
	for key, d := range map[string]time.Duration{
		"provider.request_timeout": requestTimeout,
		"monitor.check_interval":   checkInterval,
		"monitor.otp_timeout":      otpTimeout,
		"monitor.session_ttl":      sessionTTL,
		"monitor.cleanup_interval": cleanupInterval,
		"bridge.idle_timeout":      idleTimeout,
	} {
		if d == 0 {
			return nil, fmt.Errorf("invalid %s: must be positive", key)
		}
	}

	order := parseDomains(v.GetString("provider.order"))
	if len(order) == 0 {
		return nil, fmt.Errorf("provider.order must not be empty")
	}
	for _, name := range order {
		if name != "mailtm" && name != "guerrilla" {
			return nil, fmt.Errorf("provider.order: unknown provider %q", name)
		}
	}

	hints, err := parseInts(v.GetString("monitor.length_hints"))
	if err != nil {
		return nil, fmt.Errorf("invalid monitor.length_hints: %w", err)
	}

	maxSessions := v.GetInt("monitor.max_sessions")
	if maxSessions <= 0 {
		maxSessions = 100
	}

	backend := strings.ToLower(v.GetString("bridge.pending_backend"))
	if backend != BackendMemory && backend != BackendRedis {
		return nil, fmt.Errorf("bridge.pending_backend must be %q or %q, got %q", BackendMemory, BackendRedis, backend)
	}

	// 推送接口密钥可以留空；一旦设置必须至少 32 字符
	secret := v.GetString("bridge.producer_secret")
	if secret != "" && len(secret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: bridge producer secret must be at least 32 characters long")
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: v.GetString("server.host"),
			Port: v.GetInt("server.port"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Provider: ProviderConfig{
			Order:          order,
			MailTMURL:      v.GetString("provider.mailtm_url"),
			GuerrillaURL:   v.GetString("provider.guerrilla_url"),
			RequestTimeout: requestTimeout,
			RateLimit:      v.GetFloat64("provider.rate_limit"),
		},
		Monitor: MonitorConfig{
			CheckInterval:   checkInterval,
			OTPTimeout:      otpTimeout,
			SessionTTL:      sessionTTL,
			CleanupInterval: cleanupInterval,
			MaxSessions:     maxSessions,
			IgnoreSubjects:  parseDomains(v.GetString("monitor.ignore_subjects")),
			IgnoreSenders:   parseDomains(v.GetString("monitor.ignore_senders")),
			LengthHints:     hints,
		},
		Bridge: BridgeConfig{
			IdleTimeout:    idleTimeout,
			StatusInterval: statusInterval,
			PendingTTL:     pendingTTL,
			PendingBackend: backend,
			ProducerSecret: secret,
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
	}

	return cfg, nil
}

// Addr 返回 host:port 形式的监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// duration 解析时长配置，第一个错误写入 errp 后不再覆盖
func duration(v *viper.Viper, key string, errp *error) time.Duration {
	d, err := time.ParseDuration(v.GetString(key))
	if err == nil && d < 0 {
		err = fmt.Errorf("must not be negative")
	}
	if err != nil {
		if *errp == nil {
			*errp = fmt.Errorf("invalid %s: %w", key, err)
		}
		return 0
	}
	return d
}

// parseDomains 将逗号分隔的字符串解析为小写字符串数组
func parseDomains(value string) []string {
	out := parseList(value)
	for i := range out {
		out[i] = strings.ToLower(out[i])
	}
	return out
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// parseInts 解析逗号分隔的验证码位数，每一项必须在 4..8 之间
func parseInts(value string) ([]int, error) {
	items := parseList(value)
	out := make([]int, 0, len(items))
	for _, item := range items {
		n, err := strconv.Atoi(item)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", item)
		}
		if n < 4 || n > 8 {
			return nil, fmt.Errorf("%d out of range 4..8", n)
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("must not be empty")
	}
	return out, nil
}

// loadEnvFile 尝试加载 .env 文件
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
