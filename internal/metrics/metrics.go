// Package metrics 协议引擎的 Prometheus 指标
//
// 所有方法对 nil *Metrics 安全，未启用指标时直接传 nil。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// 丢弃原因
const (
	DropShort          = "short"
	DropUnknownSession = "unknown_session"
	DropForeignSession = "foreign_session"
	DropDecode         = "decode"
	DropViolation      = "violation"
	DropUnknownChannel = "unknown_channel"
	DropNoWaiter       = "no_waiter"
)

const namespace = "battlegrounds"

// Metrics 指标集合
type Metrics struct {
	datagrams   *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	sessions    prometheus.Gauge
	established prometheus.Counter
	closed      *prometheus.CounterVec
	rtt         prometheus.Histogram
}

// New 创建并注册指标；reg 为 nil 时不注册
func New(reg prometheus.Registerer, role string) *Metrics {
	labels := prometheus.Labels{"role": role}
	m := &Metrics{
		datagrams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "udp",
			Name:        "datagrams_total",
			Help:        "Datagrams by direction.",
			ConstLabels: labels,
		}, []string{"direction"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "udp",
			Name:        "bytes_total",
			Help:        "Datagram bytes by direction.",
			ConstLabels: labels,
		}, []string{"direction"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "udp",
			Name:        "dropped_total",
			Help:        "Inbound datagrams dropped, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "active",
			Help:        "Registered sessions.",
			ConstLabels: labels,
		}),
		established: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "established_total",
			Help:        "Sessions that completed the handshake.",
			ConstLabels: labels,
		}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "closed_total",
			Help:        "Closed sessions, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Subsystem:   "session",
			Name:        "rtt_seconds",
			Help:        "Handshake and keep-alive round trip samples.",
			ConstLabels: labels,
			Buckets:     []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
	if reg != nil {
		reg.MustRegister(m.datagrams, m.bytes, m.dropped, m.sessions, m.established, m.closed, m.rtt)
	}
	return m
}

// In 收到一个数据报
func (m *Metrics) In(n int) {
	if m == nil {
		return
	}
	m.datagrams.WithLabelValues("in").Inc()
	m.bytes.WithLabelValues("in").Add(float64(n))
}

// Out 发出一个数据报
func (m *Metrics) Out(n int) {
	if m == nil {
		return
	}
	m.datagrams.WithLabelValues("out").Inc()
	m.bytes.WithLabelValues("out").Add(float64(n))
}

// Drop 丢弃一个数据报
func (m *Metrics) Drop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// SessionOpened 注册一个会话
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

// SessionEstablished 握手完成
func (m *Metrics) SessionEstablished() {
	if m == nil {
		return
	}
	m.established.Inc()
}

// SessionClosed 会话关闭
func (m *Metrics) SessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessions.Dec()
	m.closed.WithLabelValues(reason).Inc()
}

// RTT 往返时间样本
func (m *Metrics) RTT(d time.Duration) {
	if m == nil {
		return
	}
	m.rtt.Observe(d.Seconds())
}
