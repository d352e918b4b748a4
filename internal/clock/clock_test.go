package clock

import (
	"testing"
	"time"
)

func TestFirstSample(t *testing.T) {
	e := New()
	sent := time.UnixMilli(1_000_000)
	recv := sent.Add(40 * time.Millisecond)

	// 对端时钟比本地快 500ms
	e.Observe(sent, recv, uint64(sent.Add(20*time.Millisecond).UnixMilli()+500))

	if e.RTT() != 40*time.Millisecond {
		t.Errorf("RTT 错误: %v", e.RTT())
	}
	if e.RTTVar() != 20*time.Millisecond {
		t.Errorf("RTTVar 错误: %v", e.RTTVar())
	}
	if e.Latency() != 20*time.Millisecond {
		t.Errorf("Latency 错误: %v", e.Latency())
	}
	if e.Offset() != 500*time.Millisecond {
		t.Errorf("Offset 错误: %v", e.Offset())
	}
	if e.Samples() != 1 {
		t.Errorf("Samples 错误: %d", e.Samples())
	}
}

func TestSmoothing(t *testing.T) {
	e := New()
	base := time.UnixMilli(2_000_000)

	e.Observe(base, base.Add(80*time.Millisecond), 0)
	e.Observe(base, base.Add(160*time.Millisecond), 0)

	// srtt = (7*80 + 160) / 8 = 90ms
	if e.RTT() != 90*time.Millisecond {
		t.Errorf("平滑 RTT 错误: %v", e.RTT())
	}
	// rttvar = (3*40 + 80) / 4 = 50ms
	if e.RTTVar() != 50*time.Millisecond {
		t.Errorf("平滑 RTTVar 错误: %v", e.RTTVar())
	}
	if e.Samples() != 2 {
		t.Errorf("Samples 错误: %d", e.Samples())
	}
}

func TestNegativeRTTClamped(t *testing.T) {
	e := New()
	now := time.Now()
	e.Observe(now, now.Add(-time.Second), 0)
	if e.RTT() != 0 {
		t.Errorf("负 RTT 应截断为 0: %v", e.RTT())
	}
}

func TestRemoteNow(t *testing.T) {
	e := New()
	sent := time.UnixMilli(5_000)
	e.Observe(sent, sent, 6_000)

	if got := e.RemoteNow(time.UnixMilli(7_000)); got != 8_000 {
		t.Errorf("RemoteNow 错误: %d", got)
	}
}
