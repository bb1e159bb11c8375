// =============================================================================
// 文件: internal/transport/peer.go
// 描述: 对端会话 - 持有一个接收窗口及 NLA、SPM、过期时钟等会话元数据
// =============================================================================
package transport

import (
	"net"
	"net/netip"
	"time"

	"github.com/mrcgq/pgm/internal/protocol"
	"github.com/mrcgq/pgm/internal/rxw"
	"github.com/mrcgq/pgm/internal/skbuff"
)

// Peer 对端会话
type Peer struct {
	tsi    protocol.TSI
	window *rxw.Window

	// 源地址
	nla   netip.Addr
	group netip.Addr
	from  *net.UDPAddr
	dport uint16

	// SPM
	spmSqn  protocol.SequenceNumber
	spmSeen bool

	// 时钟
	lastPacket time.Time
	expiry     time.Time
	spmrExpiry time.Time

	// POLL 响应
	polrExpiry time.Time
	pollSqn    protocol.SequenceNumber
	pollRound  uint16
	pollNLA    netip.Addr

	// Socket 队列标记
	inPending    bool
	inCommit     bool
	lossDeferred bool

	lastCumulativeLosses uint32

	stats PeerStats
}

// NewPeer 创建对端
func NewPeer(tsi protocol.TSI, cfg *ReceiverConfig, now time.Time) (*Peer, error) {
	w, err := rxw.New(tsi, cfg.MaxTPDU, cfg.RxwSqns, cfg.RxwSecs, cfg.RxwMaxRate)
	if err != nil {
		return nil, err
	}
	return &Peer{
		tsi:        tsi,
		window:     w,
		lastPacket: now,
		expiry:     now.Add(cfg.PeerExpiry),
	}, nil
}

// TSI 会话标识
func (p *Peer) TSI() protocol.TSI { return p.tsi }

// Window 接收窗口
func (p *Peer) Window() *rxw.Window { return p.window }

// NLA 源网络地址, 未收到 SPM 前无效
func (p *Peer) NLA() netip.Addr { return p.nla }

// Group 组播组地址
func (p *Peer) Group() netip.Addr { return p.group }

// touch 收到包时刷新过期时间
func (p *Peer) touch(now time.Time, peerExpiry time.Duration) {
	p.lastPacket = now
	p.expiry = now.Add(peerExpiry)
}

// Add 添加数据包
func (p *Peer) Add(skb *skbuff.Buffer, now, nakRbExpiry time.Time) rxw.Returns {
	ret := p.window.Add(skb, now, nakRbExpiry)
	switch ret {
	case rxw.Inserted, rxw.Appended, rxw.Missing:
		p.stats.DataPackets++
		p.stats.DataBytes += uint64(skb.Len())
	case rxw.Duplicate:
		p.stats.Duplicates++
	case rxw.Malformed:
		p.stats.Malformed++
	case rxw.Bounds, rxw.SlowConsumer:
		p.stats.Discarded++
	}
	return ret
}

// Read 读取完整 APDU
func (p *Peer) Read(msgv []rxw.Msgv) (n, bytes int) {
	return p.window.Read(msgv)
}

// HasPending 自上次清除后是否有新数据或丢失
func (p *Peer) HasPending() bool { return p.window.HasEvent() }

// ClearPending 清除待处理标志
func (p *Peer) ClearPending() { p.window.ClearEvent() }

// RemoveCommit 释放应用已读取的数据
func (p *Peer) RemoveCommit() { p.window.RemoveCommit() }

// lossPending 是否有尚未报告的丢失
func (p *Peer) lossPending() bool {
	return p.window.CumulativeLosses() != p.lastCumulativeLosses
}

// HasDataLoss 自上次调用后是否有新的丢失, 返回新增丢失数
func (p *Peer) HasDataLoss() (uint32, bool) {
	cur := p.window.CumulativeLosses()
	if cur == p.lastCumulativeLosses {
		return 0, false
	}
	delta := cur - p.lastCumulativeLosses
	p.lastCumulativeLosses = cur
	return delta, true
}

// Stats 对端统计快照
func (p *Peer) Stats() PeerStats {
	st := p.stats
	st.TSI = p.tsi.String()
	if p.nla.IsValid() {
		st.NLA = p.nla.String()
	}
	st.LastPacket = p.lastPacket
	st.Window = p.window.Stats()
	return st
}
