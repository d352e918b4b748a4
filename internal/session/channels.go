package session

import (
	"fmt"
	"sort"

	"github.com/mrcgq/battlegrounds/internal/loop"
	"github.com/mrcgq/battlegrounds/internal/protocol"
)

// Channels 一个连接的通道表，只在循环内访问
type Channels struct {
	owner Owner
	loop  *loop.Loop
	table map[uint8]*Channel
}

// NewChannels 创建通道表
func NewChannels(owner Owner, l *loop.Loop) *Channels {
	return &Channels{
		owner: owner,
		loop:  l,
		table: make(map[uint8]*Channel),
	}
}

// Open 注册新通道
func (cs *Channels) Open(id uint8) (*Channel, error) {
	if _, ok := cs.table[id]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateChannel, id)
	}
	ch := newChannel(id, cs.owner, cs.loop)
	cs.table[id] = ch
	return ch, nil
}

// Lookup 查找通道
func (cs *Channels) Lookup(id uint8) (*Channel, bool) {
	ch, ok := cs.table[id]
	return ch, ok
}

// IDs 已打开的通道号，升序
func (cs *Channels) IDs() []uint8 {
	ids := make([]uint8, 0, len(cs.table))
	for id := range cs.table {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Route 把包交给对应通道；通道未打开返回协议违规
func (cs *Channels) Route(h protocol.Header, p protocol.Packet) (bool, error) {
	ch, ok := cs.table[h.ChannelID]
	if !ok {
		return false, Violation("packet to unknown channel %d", h.ChannelID)
	}
	return ch.Feed(h, p), nil
}

// CloseAll 关闭全部通道
func (cs *Channels) CloseAll(reason string) {
	for _, ch := range cs.table {
		ch.Close(reason)
	}
}
