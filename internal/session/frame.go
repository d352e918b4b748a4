package session

import (
	"fmt"

	"github.com/mrcgq/battlegrounds/internal/protocol"
)

// Sealer 应用通道负载加密，控制通道不加密
type Sealer interface {
	Seal(h protocol.Header, plaintext []byte) ([]byte, error)
	Open(h protocol.Header, sealed []byte) ([]byte, error)
}

// EncodeFrame 构建发往对端的数据报
func EncodeFrame(sessionID uint32, channelID uint8, p protocol.Packet, sealer Sealer) ([]byte, error) {
	h := protocol.HeaderFor(sessionID, channelID, p)
	if d, ok := p.(protocol.Data); ok && sealer != nil && channelID != protocol.ControlChannel {
		sealed, err := sealer.Seal(h, d.Payload)
		if err != nil {
			return nil, fmt.Errorf("seal: %w", err)
		}
		p = protocol.Data{Op: d.Op, Payload: sealed}
	}
	return protocol.Frame(h, p), nil
}

// DecodeFrame 解析收到的数据报，应用通道负载按需解密
func DecodeFrame(datagram []byte, sealer Sealer) (protocol.Header, protocol.Packet, error) {
	h, p, err := protocol.ParseFrame(datagram)
	if err != nil {
		return protocol.Header{}, nil, err
	}
	if d, ok := p.(protocol.Data); ok && sealer != nil {
		plain, err := sealer.Open(h, d.Payload)
		if err != nil {
			return protocol.Header{}, nil, fmt.Errorf("%w: open: %v", protocol.ErrDecode, err)
		}
		p = protocol.Data{Op: d.Op, Payload: plain}
	}
	return h, p, nil
}
