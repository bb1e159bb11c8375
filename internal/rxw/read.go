package rxw

import (
	"fmt"

	"github.com/mrcgq/pgm/internal/protocol"
)

// Read 从 commitLead 开始读取完整 APDU, 每个 APDU 占用 msgv 的一项
//
// 返回读取的 APDU 数与字节数, n 为 0 表示暂无可读数据。读取的槽位进入
// COMMIT_DATA, 其缓冲区在 RemoveCommit 之前保持有效。
func (w *Window) Read(msgv []Msgv) (n, bytes int) {
	if !w.isDefined {
		return 0, 0
	}

loop:
	for !w.incomingIsEmpty() && n < len(msgv) {
		e := w.peek(w.commitLead)

		switch e.state {
		case StateHaveData:
			first := e.skb.APDUFirstSqn()
			if first != e.sequence {
				// APDU 首包已出窗口, 残余分片无法交付
				w.markLost(e)
				continue
			}
			if !w.isAPDUComplete(first) {
				if e.state == StateLostData {
					continue
				}
				break loop
			}
			bytes += w.readAPDU(&msgv[n])
			n++

		case StateLostData:
			// 提交段未释放时后沿被锁定
			if !w.commitIsEmpty() {
				break loop
			}
			w.removeTrail()

		case StateBackOff, StateWaitNCF, StateWaitData:
			break loop

		default:
			panic(fmt.Sprintf("rxw: 读取 %d 时遇到非法状态 %s", e.sequence, e.state))
		}
	}

	w.bytesDelivered += uint64(bytes)
	w.msgsDelivered += uint64(n)
	return n, bytes
}

// isAPDUComplete 从 first 起的分片是否全部到达且一致
//
// 分片首序列号或 APDU 长度不一致、偏移不连续、分片数超限, 或某个分片已丢失时,
// 整个 APDU 标记丢失。
func (w *Window) isAPDUComplete(first protocol.SequenceNumber) bool {
	head := w.peek(first)
	if head == nil || head.state != StateHaveData {
		return false
	}
	if head.skb.Fragment == nil {
		return true
	}

	apduSize := int(head.skb.Fragment.APDULength())
	if apduSize > protocol.MaxAPDU {
		w.markLost(head)
		return false
	}

	contiguous := 0
	for i := 0; ; i++ {
		sqn := first + protocol.SequenceNumber(i)
		e := w.peek(sqn)
		if e != nil && e.state == StateLostData {
			// 任一分片不可恢复, 整个 APDU 随之丢弃
			w.markLost(head)
			return false
		}
		if e == nil || e.state != StateHaveData {
			return false
		}

		frag := e.skb.Fragment
		if i >= protocol.MaxFragments ||
			frag == nil ||
			frag.FirstSqn() != first ||
			int(frag.APDULength()) != apduSize ||
			int(frag.Offset()) != contiguous {
			w.markLost(head)
			return false
		}

		contiguous += e.skb.Len()
		if contiguous == apduSize {
			return true
		}
		if contiguous > apduSize {
			w.markLost(head)
			return false
		}
	}
}

// readAPDU 将 commitLead 处的完整 APDU 移入提交段
func (w *Window) readAPDU(m *Msgv) int {
	m.TSI = w.tsi
	m.Skbs = m.Skbs[:0]

	e := w.peek(w.commitLead)
	apduSize := e.skb.APDULength()
	bytes := 0
	for {
		m.Skbs = append(m.Skbs, e.skb)
		bytes += e.skb.Len()
		w.setState(e, StateCommitData)
		w.commitLead++
		if bytes >= apduSize {
			return bytes
		}
		e = w.peek(w.commitLead)
	}
}
