// internal/protocol/constants.go
package protocol

import (
	"errors"
	"fmt"
)

// HeaderSize 固定头部长度: SessionID(4) + ChannelID(1) + OpCode(1) + Version(1) + Reserved(1)
const HeaderSize = 8

// 控制通道
const ControlChannel uint8 = 0x00

// 控制包类型（仅在通道 0 上出现）
const (
	OpAuth   uint8 = 0x00
	OpAuthOk uint8 = 0x01
	OpPing   uint8 = 0x02
	OpPong   uint8 = 0x03
	OpClose  uint8 = 0x04
)

// 当前所有控制包的版本号
const Version uint8 = 0x00

// 错误定义
var (
	ErrDecode = errors.New("protocol: decode error")

	ErrTruncated       = fmt.Errorf("%w: truncated data", ErrDecode)
	ErrUnknownOpCode   = fmt.Errorf("%w: unknown op code", ErrDecode)
	ErrReservedNotZero = fmt.Errorf("%w: reserved byte not zero", ErrDecode)
	ErrShortBuffer     = errors.New("protocol: buffer too short for encode")
)
