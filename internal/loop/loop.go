// Package loop 单线程事件循环
//
// 一个端点的所有协议状态（连接、通道、等待者、定时器）只在循环 goroutine 中修改。
// 其它 goroutine 通过 Post/Call 把工作交给循环。
package loop

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// 错误定义
var (
	ErrStopped    = errors.New("loop: stopped")
	ErrNotRunning = errors.New("loop: not started")
)

// DefaultQueueSize 任务队列默认长度
const DefaultQueueSize = 1024

// Loop 事件循环
type Loop struct {
	tasks chan func()

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	runOnce  sync.Once
	started  atomic.Bool
}

// New 创建事件循环
func New(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Loop{
		tasks:  make(chan func(), queueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start 在新 goroutine 中运行循环，重复调用无效
func (l *Loop) Start() {
	l.runOnce.Do(func() {
		l.started.Store(true)
		go l.run()
	})
}

func (l *Loop) run() {
	defer close(l.doneCh)

	for {
		select {
		case <-l.stopCh:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Post 投递任务，不等待执行；Start 之前返回 ErrNotRunning
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.stopCh:
		return ErrStopped
	default:
	}
	if !l.started.Load() {
		return ErrNotRunning
	}

	select {
	case l.tasks <- fn:
		return nil
	case <-l.stopCh:
		return ErrStopped
	}
}

// Call 投递任务并等待执行完成
// 不能在循环 goroutine 内调用，否则死锁
func (l *Loop) Call(fn func()) error {
	done := make(chan struct{})
	if err := l.Post(func() {
		fn()
		close(done)
	}); err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-l.doneCh:
		// 停止前可能刚好执行完
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop 停止循环，不等待；可在循环内调用
// 未启动的循环此后不能再启动，Done 立即关闭
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.runOnce.Do(func() { close(l.doneCh) })
	})
}

// Done 循环退出后关闭
func (l *Loop) Done() <-chan struct{} {
	return l.doneCh
}

// Stopped 是否已请求停止
func (l *Loop) Stopped() bool {
	select {
	case <-l.stopCh:
		return true
	default:
		return false
	}
}

// Timer 循环定时器，回调在循环内执行
type Timer struct {
	t       *time.Timer
	stopped bool // 只在循环内读写
}

// AfterFunc d 之后在循环内执行 fn
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	tm := &Timer{}
	tm.t = time.AfterFunc(d, func() {
		_ = l.Post(func() {
			if tm.stopped {
				return
			}
			tm.stopped = true
			fn()
		})
	})
	return tm
}

// Stop 取消定时器，只能在循环内调用
// 已投递但尚未执行的回调也会被丢弃
func (t *Timer) Stop() {
	if t == nil {
		return
	}
	t.stopped = true
	t.t.Stop()
}
