// internal/protocol/packet.go
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Packet 所有包类型的封闭集合
type Packet interface {
	OpCode() uint8
	Version() uint8
	// Size 负载长度（不含头部）
	Size() int

	encode(buf []byte)
}

// Auth 客户端认证请求，无负载
type Auth struct{}

// AuthOk 认证应答，Timestamp(8)
type AuthOk struct {
	Timestamp uint64
}

// Ping 心跳请求，Seq(1)
type Ping struct {
	Seq uint8
}

// Pong 心跳应答，Seq(1) + Timestamp(8)
type Pong struct {
	Seq       uint8
	Timestamp uint64
}

// Close 关闭通知，无负载
type Close struct{}

// Data 应用通道上的数据，Op 由应用定义，Payload 原样透传
type Data struct {
	Op      uint8
	Payload []byte
}

func (Auth) OpCode() uint8   { return OpAuth }
func (AuthOk) OpCode() uint8 { return OpAuthOk }
func (Ping) OpCode() uint8   { return OpPing }
func (Pong) OpCode() uint8   { return OpPong }
func (Close) OpCode() uint8  { return OpClose }
func (d Data) OpCode() uint8 { return d.Op }

func (Auth) Version() uint8   { return Version }
func (AuthOk) Version() uint8 { return Version }
func (Ping) Version() uint8   { return Version }
func (Pong) Version() uint8   { return Version }
func (Close) Version() uint8  { return Version }
func (Data) Version() uint8   { return Version }

func (Auth) Size() int   { return 0 }
func (AuthOk) Size() int { return 8 }
func (Ping) Size() int   { return 1 }
func (Pong) Size() int   { return 9 }
func (Close) Size() int  { return 0 }
func (d Data) Size() int { return len(d.Payload) }

func (Auth) encode([]byte) {}

func (p AuthOk) encode(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], p.Timestamp)
}

func (p Ping) encode(buf []byte) {
	buf[0] = p.Seq
}

func (p Pong) encode(buf []byte) {
	buf[0] = p.Seq
	binary.BigEndian.PutUint64(buf[1:9], p.Timestamp)
}

func (Close) encode([]byte) {}

func (d Data) encode(buf []byte) {
	copy(buf, d.Payload)
}

// kind 解码表条目
type kind struct {
	name   string
	size   int
	decode func(buf []byte) Packet
}

// 控制包解码表，下标即 op code
var kinds = [...]kind{
	OpAuth: {name: "Auth", size: 0, decode: func([]byte) Packet { return Auth{} }},
	OpAuthOk: {name: "AuthOk", size: 8, decode: func(b []byte) Packet {
		return AuthOk{Timestamp: binary.BigEndian.Uint64(b[0:8])}
	}},
	OpPing: {name: "Ping", size: 1, decode: func(b []byte) Packet {
		return Ping{Seq: b[0]}
	}},
	OpPong: {name: "Pong", size: 9, decode: func(b []byte) Packet {
		return Pong{Seq: b[0], Timestamp: binary.BigEndian.Uint64(b[1:9])}
	}},
	OpClose: {name: "Close", size: 0, decode: func([]byte) Packet { return Close{} }},
}

func lookup(op uint8) (kind, bool) {
	if int(op) >= len(kinds) {
		return kind{}, false
	}
	return kinds[op], true
}

// PayloadSize 返回控制包声明的负载长度
func PayloadSize(op uint8) (int, bool) {
	k, ok := lookup(op)
	if !ok {
		return 0, false
	}
	return k.size, true
}

// OpName 返回控制包名称，用于日志
func OpName(op uint8) string {
	if k, ok := lookup(op); ok {
		return k.name
	}
	return fmt.Sprintf("0x%02x", op)
}

// FrameSize 完整数据报长度
func FrameSize(p Packet) int {
	return HeaderSize + p.Size()
}

// Encode 把包负载按大端写入预分配的 buf[offset:]
func Encode(p Packet, buf []byte, offset int) error {
	if offset < 0 || len(buf)-offset < p.Size() {
		return ErrShortBuffer
	}
	p.encode(buf[offset : offset+p.Size()])
	return nil
}

// Decode 按 op code 查表解码控制包负载
func Decode(op uint8, buf []byte, offset int) (Packet, error) {
	k, ok := lookup(op)
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownOpCode, op)
	}
	if offset < 0 || len(buf)-offset < k.size {
		return nil, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrTruncated, k.name, k.size, len(buf)-offset)
	}
	return k.decode(buf[offset : offset+k.size]), nil
}

// DecodeData 应用通道负载，复制一份避免引用读缓冲区
func DecodeData(op uint8, buf []byte, offset int) Data {
	d := Data{Op: op}
	if offset >= 0 && len(buf) > offset {
		d.Payload = make([]byte, len(buf)-offset)
		copy(d.Payload, buf[offset:])
	}
	return d
}
