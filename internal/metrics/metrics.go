package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 应用指标
type Metrics struct {
	// HTTP请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// 设备生命周期指标
	Provisioning       *prometheus.CounterVec
	Activations        *prometheus.CounterVec
	AuthDecisions      *prometheus.CounterVec
	LifecycleOps       *prometheus.CounterVec
	SweepTransitions   *prometheus.CounterVec
	SweepDuration      prometheus.Histogram
	PostCommitFailures *prometheus.CounterVec

	// 遥测指标
	TelemetryMessages *prometheus.CounterVec
}

// NewDefault 使用全局注册表创建指标收集器（Fx兼容）
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

// New 创建指标收集器，测试中传入独立注册表
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fleet_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		Provisioning: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_device_provisioning_total",
				Help: "Device provisioning attempts by result",
			},
			[]string{"result"},
		),

		Activations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_device_activations_total",
				Help: "Activation code consumption attempts by result",
			},
			[]string{"result"},
		),

		AuthDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_authorizer_decisions_total",
				Help: "Connection authorizer decisions",
			},
			[]string{"decision", "reason"},
		),

		LifecycleOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_lifecycle_operations_total",
				Help: "Per-device renewal service outcomes",
			},
			[]string{"action", "outcome"},
		),

		SweepTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_sweep_devices_total",
				Help: "Devices processed by the lifecycle sweeper",
			},
			[]string{"outcome"},
		),

		SweepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "fleet_sweep_duration_seconds",
				Help:    "Lifecycle sweep run duration in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
		),

		PostCommitFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_post_commit_failures_total",
				Help: "Failed best-effort actions after a committed metadata write",
			},
			[]string{"action"},
		),

		TelemetryMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fleet_telemetry_messages_total",
				Help: "Telemetry messages consumed by result",
			},
			[]string{"result"},
		),
	}
}

// RecordHTTPRequest 记录HTTP请求
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

// RecordProvisioning 记录设备创建结果
func (m *Metrics) RecordProvisioning(result string) {
	m.Provisioning.WithLabelValues(result).Inc()
}

// RecordActivation 记录激活结果
func (m *Metrics) RecordActivation(result string) {
	m.Activations.WithLabelValues(result).Inc()
}

// RecordAuthDecision 记录鉴权结果
func (m *Metrics) RecordAuthDecision(allow bool, reason string) {
	decision := "deny"
	if allow {
		decision = "allow"
	}
	m.AuthDecisions.WithLabelValues(decision, reason).Inc()
}

// RecordLifecycleOp 记录续期/吊销等操作
func (m *Metrics) RecordLifecycleOp(action, outcome string) {
	m.LifecycleOps.WithLabelValues(action, outcome).Inc()
}

// RecordSweep 记录一次扫描
func (m *Metrics) RecordSweep(expired, skipped, failed int, duration time.Duration) {
	m.SweepTransitions.WithLabelValues("expired").Add(float64(expired))
	m.SweepTransitions.WithLabelValues("skipped").Add(float64(skipped))
	m.SweepTransitions.WithLabelValues("failed").Add(float64(failed))
	m.SweepDuration.Observe(duration.Seconds())
}

// RecordPostCommitFailure 记录提交后动作失败
func (m *Metrics) RecordPostCommitFailure(action string) {
	m.PostCommitFailures.WithLabelValues(action).Inc()
}

// RecordTelemetry 记录遥测消息处理结果
func (m *Metrics) RecordTelemetry(result string) {
	m.TelemetryMessages.WithLabelValues(result).Inc()
}

// GinMiddleware 记录HTTP请求指标
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.RecordHTTPRequest(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start).Seconds())
	}
}
