package session

import (
	"errors"
	"fmt"

	"github.com/mrcgq/battlegrounds/internal/loop"
)

// 错误定义
var (
	ErrClosed            = errors.New("connection closed")
	ErrTimeout           = errors.New("wait timeout")
	ErrDuplicateChannel  = errors.New("channel already opened")
	ErrProtocolViolation = errors.New("protocol violation")
)

// ClosedError 连接关闭时交给等待者和发送者的错误
type ClosedError struct {
	Reason string
}

func (e *ClosedError) Error() string {
	if e.Reason == "" {
		return ErrClosed.Error()
	}
	return ErrClosed.Error() + ": " + e.Reason
}

// Is 使 errors.Is(err, ErrClosed) 成立
func (e *ClosedError) Is(target error) bool {
	return target == ErrClosed
}

// Closed 构造 ClosedError
func Closed(reason string) error {
	return &ClosedError{Reason: reason}
}

// Violation 包装一条协议违规
func Violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// fromLoop 循环已停止等同于连接已关闭
func fromLoop(err error) error {
	if errors.Is(err, loop.ErrStopped) {
		return Closed("endpoint stopped")
	}
	return err
}
