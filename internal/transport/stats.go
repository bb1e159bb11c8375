// =============================================================================
// 文件: internal/transport/stats.go
// 描述: 接收统计 - Socket 计数器与对端快照
// =============================================================================
package transport

import (
	"sync/atomic"
	"time"

	"github.com/mrcgq/pgm/internal/rxw"
)

// PeerStats 对端统计
type PeerStats struct {
	TSI        string
	NLA        string
	LastPacket time.Time

	DataPackets uint64
	DataBytes   uint64
	Duplicates  uint64
	Malformed   uint64
	Discarded   uint64

	NaksSent     uint64
	NakSqnsSent  uint64
	NCFsReceived uint64
	SPMsReceived uint64
	SPMRsSent    uint64
	POLRsSent    uint64

	Window rxw.Stats
}

// SocketStats Socket 统计快照
type SocketStats struct {
	PacketsReceived uint64
	BytesReceived   uint64
	PacketsDropped  uint64
	Malformed       uint64
	Discarded       uint64

	DataPackets uint64
	SPMs        uint64
	NCFs        uint64
	Polls       uint64
	PeerNaks    uint64

	NaksSent      uint64
	NakSqnsSent   uint64
	SPMRsSent     uint64
	POLRsSent     uint64
	SendErrors    uint64
	NakTimeouts   uint64
	LostSequences uint64

	DataLossEvents uint64
	MsgsDelivered  uint64
	BytesDelivered uint64

	Peers        int
	PeersCreated uint64
	PeersExpired uint64
}

// counters Socket 计数器, 读循环与 Recv 协程并发更新
type counters struct {
	packetsReceived uint64
	bytesReceived   uint64
	packetsDropped  uint64
	malformed       uint64
	discarded       uint64

	dataPackets uint64
	spms        uint64
	ncfs        uint64
	polls       uint64
	peerNaks    uint64

	naksSent      uint64
	nakSqnsSent   uint64
	spmrsSent     uint64
	polrsSent     uint64
	sendErrors    uint64
	nakTimeouts   uint64
	lostSequences uint64

	dataLossEvents uint64
	msgsDelivered  uint64
	bytesDelivered uint64
}

func (c *counters) snapshot() SocketStats {
	return SocketStats{
		PacketsReceived: atomic.LoadUint64(&c.packetsReceived),
		BytesReceived:   atomic.LoadUint64(&c.bytesReceived),
		PacketsDropped:  atomic.LoadUint64(&c.packetsDropped),
		Malformed:       atomic.LoadUint64(&c.malformed),
		Discarded:       atomic.LoadUint64(&c.discarded),
		DataPackets:     atomic.LoadUint64(&c.dataPackets),
		SPMs:            atomic.LoadUint64(&c.spms),
		NCFs:            atomic.LoadUint64(&c.ncfs),
		Polls:           atomic.LoadUint64(&c.polls),
		PeerNaks:        atomic.LoadUint64(&c.peerNaks),
		NaksSent:        atomic.LoadUint64(&c.naksSent),
		NakSqnsSent:     atomic.LoadUint64(&c.nakSqnsSent),
		SPMRsSent:       atomic.LoadUint64(&c.spmrsSent),
		POLRsSent:       atomic.LoadUint64(&c.polrsSent),
		SendErrors:      atomic.LoadUint64(&c.sendErrors),
		NakTimeouts:     atomic.LoadUint64(&c.nakTimeouts),
		LostSequences:   atomic.LoadUint64(&c.lostSequences),
		DataLossEvents:  atomic.LoadUint64(&c.dataLossEvents),
		MsgsDelivered:   atomic.LoadUint64(&c.msgsDelivered),
		BytesDelivered:  atomic.LoadUint64(&c.bytesDelivered),
	}
}
