// =============================================================================
// 文件: internal/transport/peer_table.go
// 描述: 对端表 - 按 TSI 索引, 过期清理
// =============================================================================
package transport

import (
	"time"

	"github.com/mrcgq/pgm/internal/protocol"
)

// PeerTable 对端表
//
// 只由 Socket 的 Recv 协程修改, 由 Socket.mu 保护。
type PeerTable struct {
	peers map[protocol.TSI]*Peer

	// 统计
	totalPeers   uint64
	expiredPeers uint64
}

// NewPeerTable 创建对端表
func NewPeerTable() *PeerTable {
	return &PeerTable{
		peers: make(map[protocol.TSI]*Peer),
	}
}

// Get 查找对端
func (t *PeerTable) Get(tsi protocol.TSI) *Peer {
	return t.peers[tsi]
}

// GetOrCreate 查找或创建对端
func (t *PeerTable) GetOrCreate(tsi protocol.TSI, cfg *ReceiverConfig, now time.Time) (*Peer, bool, error) {
	if p, ok := t.peers[tsi]; ok {
		return p, false, nil
	}
	p, err := NewPeer(tsi, cfg, now)
	if err != nil {
		return nil, false, err
	}
	t.peers[tsi] = p
	t.totalPeers++
	return p, true, nil
}

// Remove 移除对端
func (t *PeerTable) Remove(tsi protocol.TSI) {
	if p, ok := t.peers[tsi]; ok {
		p.window.RemoveCommit()
		delete(t.peers, tsi)
	}
}

// Expire 移除空闲超时且没有待读数据的对端, 返回被移除的 TSI
func (t *PeerTable) Expire(now time.Time, keep func(*Peer) bool) []protocol.TSI {
	var expired []protocol.TSI
	for tsi, p := range t.peers {
		if now.Before(p.expiry) {
			continue
		}
		if p.HasPending() || (keep != nil && keep(p)) {
			continue
		}
		expired = append(expired, tsi)
	}
	for _, tsi := range expired {
		t.Remove(tsi)
		t.expiredPeers++
	}
	return expired
}

// Range 遍历对端, fn 返回 false 时停止
func (t *PeerTable) Range(fn func(*Peer) bool) {
	for _, p := range t.peers {
		if !fn(p) {
			return
		}
	}
}

// Len 当前对端数
func (t *PeerTable) Len() int { return len(t.peers) }

// TotalPeers 累计创建的对端数
func (t *PeerTable) TotalPeers() uint64 { return t.totalPeers }

// ExpiredPeers 累计过期的对端数
func (t *PeerTable) ExpiredPeers() uint64 { return t.expiredPeers }
