// Package metrics 扫描相关的 Prometheus 指标，使用独立 Registry
package metrics

import (
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"whisperer/internal/models"
	"whisperer/internal/scan"
)

var _ scan.Observer = (*Collector)(nil)

// Collector 实现 scan.Observer，按会话与主机事件更新指标
type Collector struct {
	registry *prometheus.Registry

	sessionsTotal   *prometheus.CounterVec
	sessionsRunning prometheus.Gauge
	hostsTotal      *prometheus.CounterVec
	commandsTotal   *prometheus.CounterVec
	hostDuration    *prometheus.HistogramVec
}

// New 创建并注册全部指标
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperer_scan_sessions_total",
				Help: "Scan sessions by lifecycle event",
			},
			[]string{"event"},
		),
		sessionsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "whisperer_scan_sessions_running",
			Help: "Scan sessions currently running",
		}),
		hostsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperer_hosts_total",
				Help: "Hosts scanned by final status and failure reason",
			},
			[]string{"status", "reason"},
		),
		commandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "whisperer_commands_total",
				Help: "Remote commands executed or skipped",
			},
			[]string{"outcome"},
		),
		hostDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "whisperer_host_duration_seconds",
				Help:    "Wall-clock time spent on one host",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"status"},
		),
	}
	c.registry.MustRegister(c.sessionsTotal, c.sessionsRunning, c.hostsTotal, c.commandsTotal, c.hostDuration)
	return c
}

// Registry 供测试或额外注册使用
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler /metrics 处理函数
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) SessionStarted(*models.ScanSession) {
	c.sessionsTotal.WithLabelValues("started").Inc()
	c.sessionsRunning.Inc()
}

func (c *Collector) SessionCompleted(*models.ScanSession) {
	c.sessionsTotal.WithLabelValues("completed").Inc()
	c.sessionsRunning.Dec()
}

func (c *Collector) HostFinished(_ string, r *models.HostResult) {
	status := string(r.Status)
	c.hostsTotal.WithLabelValues(status, Reason(r)).Inc()
	c.hostDuration.WithLabelValues(status).Observe(r.ExecutionTime)
	for _, cmd := range r.Commands {
		if cmd.Success {
			c.commandsTotal.WithLabelValues("success").Inc()
		} else {
			c.commandsTotal.WithLabelValues("failed").Inc()
		}
	}
	if n := len(r.SkippedCommands); n > 0 {
		c.commandsTotal.WithLabelValues("skipped").Add(float64(n))
	}
}

// Reason 失败原因归类，成功时为 none
func Reason(r *models.HostResult) string {
	if r.Status != models.HostFailed {
		return "none"
	}
	msg := strings.ToLower(r.ErrorMessage())
	switch {
	case strings.Contains(msg, "timed out"):
		return "timeout"
	case strings.Contains(msg, "authentication"):
		return "auth"
	case strings.Contains(msg, "rejected"):
		return "policy"
	case strings.Contains(msg, "internal error"):
		return "internal"
	}
	return "connection"
}
