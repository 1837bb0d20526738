package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 每个实例使用独立的注册表；所有 Record/Update 方法在接收者为 nil 时为空操作。
type Metrics struct {
	registry *prometheus.Registry

	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 邮箱指标
	AddressesGenerated *prometheus.CounterVec
	ProviderFailures   *prometheus.CounterVec

	// 监控指标
	MessagesInspected prometheus.Counter
	OTPsExtracted     *prometheus.CounterVec
	MonitorsActive    prometheus.Gauge
	MonitorTimeouts   prometheus.Counter
	SessionsActive    prometheus.Gauge
	SessionsExpired   prometheus.Counter

	// 投递指标
	EventsPublished    *prometheus.CounterVec
	DeliveryFailures   prometheus.Counter
	BridgeConnections  prometheus.Gauge
	BridgePendingItems prometheus.Gauge

	// 错误指标
	PanicsTotal prometheus.Counter
}

// NewMetrics 创建监控指标
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otprelay_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "otprelay_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		AddressesGenerated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otprelay_addresses_generated_total",
				Help: "Total number of disposable addresses generated",
			},
			[]string{"provider"},
		),

		ProviderFailures: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otprelay_provider_failures_total",
				Help: "Total number of failed address generations",
			},
			[]string{"provider"},
		),

		MessagesInspected: f.NewCounter(
			prometheus.CounterOpts{
				Name: "otprelay_messages_inspected_total",
				Help: "Total number of inbox messages inspected",
			},
		),

		OTPsExtracted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otprelay_otps_extracted_total",
				Help: "Total number of codes extracted",
			},
			[]string{"service"},
		),

		MonitorsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "otprelay_monitors_active",
				Help: "Number of running monitoring loops",
			},
		),

		MonitorTimeouts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "otprelay_monitor_timeouts_total",
				Help: "Total number of monitoring loops that timed out",
			},
		),

		SessionsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "otprelay_sessions_active",
				Help: "Number of sessions in the table",
			},
		),

		SessionsExpired: f.NewCounter(
			prometheus.CounterOpts{
				Name: "otprelay_sessions_expired_total",
				Help: "Total number of sessions removed by the sweeper",
			},
		),

		EventsPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "otprelay_events_published_total",
				Help: "Total number of events published to the bridge",
			},
			[]string{"type", "outcome"},
		),

		DeliveryFailures: f.NewCounter(
			prometheus.CounterOpts{
				Name: "otprelay_delivery_failures_total",
				Help: "Total number of failed live sends",
			},
		),

		BridgeConnections: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "otprelay_bridge_connections",
				Help: "Number of live extension connections",
			},
		),

		BridgePendingItems: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "otprelay_bridge_pending",
				Help: "Number of undelivered pending events",
			},
		),

		PanicsTotal: f.NewCounter(
			prometheus.CounterOpts{
				Name: "otprelay_panics_total",
				Help: "Total number of recovered panics",
			},
		),
	}
}

// Registry 返回底层注册表
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordAddressGenerated 记录地址生成
func (m *Metrics) RecordAddressGenerated(provider string) {
	if m == nil {
		return
	}
	m.AddressesGenerated.WithLabelValues(provider).Inc()
}

// RecordProviderFailure 记录服务失败
func (m *Metrics) RecordProviderFailure(provider string) {
	if m == nil {
		return
	}
	m.ProviderFailures.WithLabelValues(provider).Inc()
}

// RecordMessageInspected 记录检查过的邮件
func (m *Metrics) RecordMessageInspected() {
	if m == nil {
		return
	}
	m.MessagesInspected.Inc()
}

// RecordOTPExtracted 记录提取到验证码
func (m *Metrics) RecordOTPExtracted(service string) {
	if m == nil {
		return
	}
	if service == "" {
		service = "unknown"
	}
	m.OTPsExtracted.WithLabelValues(service).Inc()
}

// MonitorStarted 监控循环启动
func (m *Metrics) MonitorStarted() {
	if m == nil {
		return
	}
	m.MonitorsActive.Inc()
}

// MonitorStopped 监控循环退出
func (m *Metrics) MonitorStopped() {
	if m == nil {
		return
	}
	m.MonitorsActive.Dec()
}

// RecordMonitorTimeout 记录监控超时
func (m *Metrics) RecordMonitorTimeout() {
	if m == nil {
		return
	}
	m.MonitorTimeouts.Inc()
}

// UpdateSessionsActive 更新会话数
func (m *Metrics) UpdateSessionsActive(count int) {
	if m == nil {
		return
	}
	m.SessionsActive.Set(float64(count))
}

// RecordSessionsExpired 记录过期清理的会话数
func (m *Metrics) RecordSessionsExpired(count int) {
	if m == nil {
		return
	}
	m.SessionsExpired.Add(float64(count))
}

// RecordEventPublished 记录事件投递结果（delivered / pending）
func (m *Metrics) RecordEventPublished(eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType, outcome).Inc()
}

// RecordDeliveryFailure 记录实时发送失败
func (m *Metrics) RecordDeliveryFailure() {
	if m == nil {
		return
	}
	m.DeliveryFailures.Inc()
}

// UpdateBridge 更新投递桥快照
func (m *Metrics) UpdateBridge(connections, pending int) {
	if m == nil {
		return
	}
	m.BridgeConnections.Set(float64(connections))
	m.BridgePendingItems.Set(float64(pending))
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
