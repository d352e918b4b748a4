package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestRoundTripControlPackets(t *testing.T) {
	packets := []Packet{
		Auth{},
		AuthOk{Timestamp: 0},
		AuthOk{Timestamp: 0xDEADBEEFCAFEBABE},
		Ping{Seq: 0},
		Ping{Seq: 0xFF},
		Pong{Seq: 0x2A, Timestamp: 1700000000000},
		Close{},
	}

	for _, p := range packets {
		buf := make([]byte, 3+p.Size())
		if err := Encode(p, buf, 3); err != nil {
			t.Fatalf("编码 %T 失败: %v", p, err)
		}
		got, err := Decode(p.OpCode(), buf, 3)
		if err != nil {
			t.Fatalf("解码 %T 失败: %v", p, err)
		}
		if got != p {
			t.Errorf("往返不一致: got %#v, want %#v", got, p)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	for op := OpAuth; op <= OpClose; op++ {
		size, _ := PayloadSize(op)
		for n := 0; n < size; n++ {
			_, err := Decode(op, make([]byte, n), 0)
			if !errors.Is(err, ErrDecode) {
				t.Errorf("op %s 长度 %d: 期望 ErrDecode, got %v", OpName(op), n, err)
			}
			if !errors.Is(err, ErrTruncated) {
				t.Errorf("op %s 长度 %d: 期望 ErrTruncated, got %v", OpName(op), n, err)
			}
		}
	}
}

func TestDecodeUnknownOpCode(t *testing.T) {
	_, err := Decode(0x05, make([]byte, 16), 0)
	if !errors.Is(err, ErrUnknownOpCode) || !errors.Is(err, ErrDecode) {
		t.Fatalf("期望 ErrUnknownOpCode, got %v", err)
	}
}

func TestPayloadSizes(t *testing.T) {
	want := map[uint8]int{OpAuth: 0, OpAuthOk: 8, OpPing: 1, OpPong: 9, OpClose: 0}
	for op, size := range want {
		got, ok := PayloadSize(op)
		if !ok || got != size {
			t.Errorf("op %s: got %d/%v, want %d", OpName(op), got, ok, size)
		}
	}
	if _, ok := PayloadSize(0x10); ok {
		t.Error("未知 op 不应有长度")
	}
}

func TestEncodeShortBuffer(t *testing.T) {
	if err := Encode(Pong{Seq: 1}, make([]byte, 8), 0); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("期望 ErrShortBuffer, got %v", err)
	}
	if err := (Header{}).Encode(make([]byte, 7), 0); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("期望 ErrShortBuffer, got %v", err)
	}
	// 负偏移不能越界写入
	if err := (Header{}).Encode(make([]byte, 32), -1); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("负偏移期望 ErrShortBuffer, got %v", err)
	}
	if err := Encode(Ping{Seq: 1}, make([]byte, 32), -1); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("负偏移期望 ErrShortBuffer, got %v", err)
	}
}

func TestFrameBytes(t *testing.T) {
	tests := []struct {
		name string
		p    Packet
		want []byte
	}{
		{"auth", Auth{}, []byte{0, 0, 0, 7, 0, 0, 0, 0}},
		{"auth_ok", AuthOk{}, append([]byte{0, 0, 0, 7, 0, 1, 0, 0}, make([]byte, 8)...)},
		{"ping", Ping{Seq: 0x2A}, []byte{0, 0, 0, 7, 0, 2, 0, 0, 0x2A}},
		{"pong", Pong{Seq: 0x2A}, append([]byte{0, 0, 0, 7, 0, 3, 0, 0, 0x2A}, make([]byte, 8)...)},
		{"close", Close{}, []byte{0, 0, 0, 7, 0, 4, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Frame(HeaderFor(7, ControlChannel, tt.p), tt.p)
			if !bytes.Equal(got, tt.want) {
				t.Fatalf("帧错误: got % x, want % x", got, tt.want)
			}
			if len(got) != FrameSize(tt.p) {
				t.Fatalf("FrameSize 错误: %d != %d", FrameSize(tt.p), len(got))
			}
		})
	}
}

func TestParseFrame(t *testing.T) {
	raw := []byte{0x01, 0x02, 0x03, 0x04, 0, 0x03, 0, 0, 0x09, 0, 0, 0, 0, 0, 0, 0x01, 0x00}
	h, p, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if h.SessionID != 0x01020304 || h.ChannelID != 0 || h.OpCode != OpPong {
		t.Errorf("头部错误: %+v", h)
	}
	if p != (Pong{Seq: 9, Timestamp: 256}) {
		t.Errorf("Pong 错误: %#v", p)
	}
}

func TestParseFrameData(t *testing.T) {
	raw := []byte{0, 0, 0, 1, 2, 0x10, 0, 0, 'h', 'i'}
	h, p, err := ParseFrame(raw)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	d, ok := p.(Data)
	if !ok {
		t.Fatalf("期望 Data, got %T", p)
	}
	if h.ChannelID != 2 || d.Op != 0x10 || string(d.Payload) != "hi" {
		t.Errorf("Data 错误: %+v %+v", h, d)
	}

	// 负载必须是副本
	raw[8] = 'x'
	if string(d.Payload) != "hi" {
		t.Error("Data 负载引用了读缓冲区")
	}
}

func TestParseFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"short", []byte{0, 0, 0, 1, 0, 0, 0}, ErrTruncated},
		{"reserved", []byte{0, 0, 0, 1, 0, 0, 0, 1}, ErrReservedNotZero},
		{"unknown_op", []byte{0, 0, 0, 1, 0, 0x07, 0, 0}, ErrUnknownOpCode},
		{"ping_without_seq", []byte{0, 0, 0, 1, 0, 0x02, 0, 0}, ErrTruncated},
		{"bad_version", []byte{0, 0, 0, 1, 0, 0x00, 1, 0}, ErrDecode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseFrame(tt.raw)
			if !errors.Is(err, tt.want) {
				t.Fatalf("期望 %v, got %v", tt.want, err)
			}
		})
	}
}

func TestPeekSessionID(t *testing.T) {
	id, ok := PeekSessionID([]byte{0, 0, 0, 7, 0, 0, 0, 0})
	if !ok || id != 7 {
		t.Fatalf("got %d/%v", id, ok)
	}
	if _, ok := PeekSessionID([]byte{0, 0, 0, 7}); ok {
		t.Fatal("短数据报不应返回 session id")
	}
}

func BenchmarkFrame(b *testing.B) {
	p := Pong{Seq: 1, Timestamp: 2}
	h := HeaderFor(7, ControlChannel, p)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = Frame(h, p)
	}
}
