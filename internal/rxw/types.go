// =============================================================================
// 文件: internal/rxw/types.go
// 描述: 接收窗口 - 包状态机、返回码、读取输出
// =============================================================================

package rxw

import (
	"fmt"
	"time"

	"github.com/mrcgq/pgm/internal/protocol"
	"github.com/mrcgq/pgm/internal/skbuff"
)

// State 槽位包状态
//
//	ERROR -> BACK_OFF -> WAIT_NCF -> WAIT_DATA -> HAVE_DATA -> COMMIT_DATA
//
// COMMIT_DATA 之外的任何状态都可以转入 LOST_DATA。
type State uint8

const (
	// StateError 未分配或刚清空的槽位
	StateError State = iota
	// StateBackOff 已知缺失, 等待 NAK 退避到期
	StateBackOff
	// StateWaitNCF 已发送 NAK, 等待 NCF
	StateWaitNCF
	// StateWaitData 已收到 NCF, 等待 RDATA
	StateWaitData
	// StateHaveData 已收到数据, 尚未交付
	StateHaveData
	// StateCommitData 已交付应用, 等待后沿推进
	StateCommitData
	// StateLostData 不可恢复的丢失
	StateLostData
)

func (s State) String() string {
	switch s {
	case StateError:
		return "ERROR"
	case StateBackOff:
		return "BACK_OFF"
	case StateWaitNCF:
		return "WAIT_NCF"
	case StateWaitData:
		return "WAIT_DATA"
	case StateHaveData:
		return "HAVE_DATA"
	case StateCommitData:
		return "COMMIT_DATA"
	case StateLostData:
		return "LOST_DATA"
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

// Returns 窗口操作结果
type Returns uint8

const (
	// Inserted 填补了已有占位
	Inserted Returns = iota
	// Appended 在前沿之后追加
	Appended
	// Updated NCF 更新了占位状态
	Updated
	// Missing 追加成功, 同时发现新的缺失
	Missing
	// Duplicate 重复数据
	Duplicate
	// Malformed 协议检查失败
	Malformed
	// Bounds 序列号超出窗口可接受范围
	Bounds
	// SlowConsumer 提交段未释放, 无法继续扩展前沿
	SlowConsumer
)

func (r Returns) String() string {
	switch r {
	case Inserted:
		return "INSERTED"
	case Appended:
		return "APPENDED"
	case Updated:
		return "UPDATED"
	case Missing:
		return "MISSING"
	case Duplicate:
		return "DUPLICATE"
	case Malformed:
		return "MALFORMED"
	case Bounds:
		return "BOUNDS"
	case SlowConsumer:
		return "SLOW_CONSUMER"
	}
	return fmt.Sprintf("RETURNS(%d)", uint8(r))
}

// Accepted 窗口是否接管了缓冲区
func (r Returns) Accepted() bool {
	return r == Inserted || r == Appended || r == Missing
}

// Msgv 一个完整 APDU 的读取结果
//
// Skbs 中的缓冲区在下一次 RemoveCommit 之前保持有效。
type Msgv struct {
	TSI  protocol.TSI
	Skbs []*skbuff.Buffer
}

// Len APDU 总长度
func (m *Msgv) Len() int {
	n := 0
	for _, skb := range m.Skbs {
		n += skb.Len()
	}
	return n
}

// Bytes 拼接所有分片负载
func (m *Msgv) Bytes() []byte {
	if len(m.Skbs) == 1 {
		return m.Skbs[0].Bytes()
	}
	out := make([]byte, 0, m.Len())
	for _, skb := range m.Skbs {
		out = append(out, skb.Bytes()...)
	}
	return out
}

// Stats 窗口统计快照
type Stats struct {
	Defined     bool
	Constrained bool

	Lead       protocol.SequenceNumber
	Trail      protocol.SequenceNumber
	CommitLead protocol.SequenceNumber
	RxwTrail   protocol.SequenceNumber

	Alloc  uint32
	Length uint32
	Size   int

	BackoffQueue  int
	WaitNCFQueue  int
	WaitDataQueue int

	FragmentCount    uint32
	CommittedCount   uint32
	LostCount        uint32
	CumulativeLosses uint32

	BytesDelivered uint64
	MsgsDelivered  uint64

	MinFillTime         time.Duration
	MaxFillTime         time.Duration
	MaxNakTransmitCount int
}
