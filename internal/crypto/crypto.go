// internal/crypto/crypto.go
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/mrcgq/battlegrounds/internal/protocol"
)

const (
	PSKSize   = 32
	NonceSize = chacha20poly1305.NonceSize // 12
	TagSize   = chacha20poly1305.Overhead  // 16
	Overhead  = NonceSize + TagSize
)

var (
	ErrShortData = errors.New("crypto: sealed data too short")
	ErrOpen      = errors.New("crypto: authentication failed")
)

// Crypto 应用通道负载加密器
// 每个会话用 HKDF(PSK, SessionID) 派生独立密钥，头部作为 AAD
type Crypto struct {
	psk []byte

	aeadCache sync.Map // sessionID -> cipher.AEAD
}

// New 创建加密器
func New(pskBase64 string) (*Crypto, error) {
	psk, err := base64.StdEncoding.DecodeString(pskBase64)
	if err != nil {
		return nil, fmt.Errorf("PSK 解码失败: %w", err)
	}
	if len(psk) != PSKSize {
		return nil, fmt.Errorf("PSK 长度必须是 %d 字节", PSKSize)
	}
	return &Crypto{psk: psk}, nil
}

// Seal 加密负载
// 输出: Nonce(12) + Ciphertext + Tag(16)
func (c *Crypto) Seal(h protocol.Header, plaintext []byte) ([]byte, error) {
	aead, err := c.getAEAD(h.SessionID)
	if err != nil {
		return nil, err
	}

	output := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	if _, err := rand.Read(output); err != nil {
		return nil, err
	}

	return aead.Seal(output, output[:NonceSize], plaintext, headerAAD(h)), nil
}

// Open 解密负载
func (c *Crypto) Open(h protocol.Header, sealed []byte) ([]byte, error) {
	if len(sealed) < Overhead {
		return nil, ErrShortData
	}
	aead, err := c.getAEAD(h.SessionID)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], headerAAD(h))
	if err != nil {
		return nil, ErrOpen
	}
	return plaintext, nil
}

func headerAAD(h protocol.Header) []byte {
	aad := make([]byte, protocol.HeaderSize)
	_ = h.Encode(aad, 0)
	return aad
}

func (c *Crypto) getAEAD(sessionID uint32) (cipher.AEAD, error) {
	if v, ok := c.aeadCache.Load(sessionID); ok {
		return v.(cipher.AEAD), nil
	}

	// 派生密钥
	salt := make([]byte, 4)
	binary.BigEndian.PutUint32(salt, sessionID)
	reader := hkdf.New(sha256.New, c.psk, salt, []byte("battlegrounds-channel-v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("创建 AEAD 失败: %w", err)
	}
	c.aeadCache.Store(sessionID, aead)
	return aead, nil
}

// Forget 会话关闭后丢弃缓存的密钥
func (c *Crypto) Forget(sessionID uint32) {
	c.aeadCache.Delete(sessionID)
}

// GeneratePSK 生成新的 PSK
func GeneratePSK() (string, error) {
	psk := make([]byte, PSKSize)
	if _, err := rand.Read(psk); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(psk), nil
}
