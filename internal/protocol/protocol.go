// internal/protocol/protocol.go
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Header 数据报头部
// 格式: SessionID(4) + ChannelID(1) + OpCode(1) + Version(1) + Reserved(1)
type Header struct {
	SessionID uint32
	ChannelID uint8
	OpCode    uint8
	Version   uint8
	Reserved  uint8
}

// Encode 把头部写入 buf[offset:]
func (h Header) Encode(buf []byte, offset int) error {
	if offset < 0 || len(buf)-offset < HeaderSize {
		return ErrShortBuffer
	}
	binary.BigEndian.PutUint32(buf[offset:offset+4], h.SessionID)
	buf[offset+4] = h.ChannelID
	buf[offset+5] = h.OpCode
	buf[offset+6] = h.Version
	buf[offset+7] = h.Reserved
	return nil
}

// DecodeHeader 解析头部
func DecodeHeader(buf []byte, offset int) (Header, error) {
	if offset < 0 || len(buf)-offset < HeaderSize {
		return Header{}, ErrTruncated
	}
	h := Header{
		SessionID: binary.BigEndian.Uint32(buf[offset : offset+4]),
		ChannelID: buf[offset+4],
		OpCode:    buf[offset+5],
		Version:   buf[offset+6],
		Reserved:  buf[offset+7],
	}
	if h.Reserved != 0 {
		return Header{}, ErrReservedNotZero
	}
	return h, nil
}

// PeekSessionID 只读取前 4 字节，用于快速分发
func PeekSessionID(datagram []byte) (uint32, bool) {
	if len(datagram) < HeaderSize {
		return 0, false
	}
	return binary.BigEndian.Uint32(datagram[0:4]), true
}

// HeaderFor 为指定通道上的包构造头部
func HeaderFor(sessionID uint32, channelID uint8, p Packet) Header {
	return Header{
		SessionID: sessionID,
		ChannelID: channelID,
		OpCode:    p.OpCode(),
		Version:   p.Version(),
	}
}

// Frame 构建完整数据报: Header ‖ Payload
func Frame(h Header, p Packet) []byte {
	buf := make([]byte, HeaderSize+p.Size())
	_ = h.Encode(buf, 0)
	_ = Encode(p, buf, HeaderSize)
	return buf
}

// ParseFrame 解析完整数据报
// 通道 0 走控制包解码表，其它通道作为应用数据透传
func ParseFrame(datagram []byte) (Header, Packet, error) {
	h, err := DecodeHeader(datagram, 0)
	if err != nil {
		return Header{}, nil, err
	}
	if h.ChannelID != ControlChannel {
		return h, DecodeData(h.OpCode, datagram, HeaderSize), nil
	}
	if h.Version != Version {
		return Header{}, nil, fmt.Errorf("%w: version %d", ErrDecode, h.Version)
	}
	p, err := Decode(h.OpCode, datagram, HeaderSize)
	if err != nil {
		return Header{}, nil, err
	}
	return h, p, nil
}
