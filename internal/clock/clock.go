// internal/clock/clock.go
package clock

import (
	"sync"
	"time"
)

// Estimator 客户端时钟校准
// 每个样本: 发送时间、接收时间、对端时间戳(毫秒)
type Estimator struct {
	mu sync.RWMutex

	// RTT 估算
	srtt   time.Duration
	rttvar time.Duration

	// 对端时钟 - 本地时钟（毫秒）
	offset  float64
	samples int
}

// New 创建校准器
func New() *Estimator {
	return &Estimator{}
}

// Observe 记录一个样本
func (e *Estimator) Observe(sent, recv time.Time, remote uint64) {
	rtt := recv.Sub(sent)
	if rtt < 0 {
		rtt = 0
	}

	// 假设对端在往返中点打的时间戳
	localMid := sent.Add(rtt / 2)
	sample := float64(remote) - float64(localMid.UnixMilli())

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.samples == 0 {
		// 首次测量
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.offset = sample
	} else {
		// RFC 6298 算法
		diff := e.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = (3*e.rttvar + diff) / 4
		e.srtt = (7*e.srtt + rtt) / 8
		e.offset += (sample - e.offset) / 8
	}
	e.samples++
}

// RTT 平滑往返时间
func (e *Estimator) RTT() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.srtt
}

// RTTVar 往返时间抖动
func (e *Estimator) RTTVar() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rttvar
}

// Latency 单程延迟估计
func (e *Estimator) Latency() time.Duration {
	return e.RTT() / 2
}

// Offset 对端时钟相对本地时钟的偏移
func (e *Estimator) Offset() time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return time.Duration(e.offset * float64(time.Millisecond))
}

// Samples 样本数
func (e *Estimator) Samples() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.samples
}

// RemoteNow 按当前偏移估算对端时钟（毫秒）
func (e *Estimator) RemoteNow(now time.Time) int64 {
	return now.UnixMilli() + e.Offset().Milliseconds()
}
