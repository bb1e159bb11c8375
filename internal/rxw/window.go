// =============================================================================
// 文件: internal/rxw/window.go
// 描述: 接收窗口 - 序列号索引的环形槽位, 缺失检测、占位管理、提交段与丢失统计
// =============================================================================

package rxw

import (
	"fmt"
	"time"

	"github.com/mrcgq/pgm/internal/protocol"
	"github.com/mrcgq/pgm/internal/skbuff"
)

// maxSqnDistance 数据序列号与其通告后沿的最大距离
const maxSqnDistance = (1 << 31) - 1

// Window 接收窗口
//
//	[trail, commitLead)     提交段: 已交付应用, 等待 RemoveCommit
//	[commitLead, lead]      接收段: 数据与占位, 等待补全和读取
//
// 不变量: trail <= commitLead <= lead+1, lead+1-trail <= alloc。
// 窗口不加锁, 由持有它的 Socket 单协程驱动; 所有时间由调用方传入。
type Window struct {
	tsi     protocol.TSI
	maxTPDU int

	pdata []Entry
	alloc uint32

	lead         protocol.SequenceNumber
	trail        protocol.SequenceNumber
	commitLead   protocol.SequenceNumber
	rxwTrail     protocol.SequenceNumber
	rxwTrailInit protocol.SequenceNumber

	isConstrained bool
	isDefined     bool
	hasEvent      bool

	backoffQueue  Queue
	waitNCFQueue  Queue
	waitDataQueue Queue

	// 统计
	lostCount        uint32
	fragmentCount    uint32
	committedCount   uint32
	cumulativeLosses uint32
	bytesDelivered   uint64
	msgsDelivered    uint64
	size             int

	minFillTime         time.Duration
	maxFillTime         time.Duration
	maxNakTransmitCount int
}

// New 创建接收窗口
//
// 容量为 sqns; sqns 为 0 时按 secs*maxRate/maxTPDU 计算。
func New(tsi protocol.TSI, maxTPDU int, sqns, secs uint32, maxRate uint64) (*Window, error) {
	if maxTPDU <= 0 {
		return nil, fmt.Errorf("无效的 max_tpdu: %d", maxTPDU)
	}

	alloc := uint64(sqns)
	if alloc == 0 {
		alloc = uint64(secs) * maxRate / uint64(maxTPDU)
	}
	if alloc == 0 {
		return nil, fmt.Errorf("窗口容量为 0: sqns=%d secs=%d max_rate=%d", sqns, secs, maxRate)
	}
	if alloc > maxSqnDistance {
		return nil, fmt.Errorf("窗口容量过大: %d", alloc)
	}

	w := &Window{
		tsi:     tsi,
		maxTPDU: maxTPDU,
		pdata:   make([]Entry, alloc),
		alloc:   uint32(alloc),
	}

	// 空窗口: lead = MAX, trail = lead + 1 = 0
	w.lead = protocol.MaxSequenceNumber
	w.trail = w.lead + 1
	w.commitLead = w.trail
	w.rxwTrail = w.trail
	w.rxwTrailInit = w.trail
	return w, nil
}

// =============================================================================
// 窗口几何
// =============================================================================

// TSI 所属会话
func (w *Window) TSI() protocol.TSI { return w.tsi }

// Lead 前沿
func (w *Window) Lead() protocol.SequenceNumber { return w.lead }

// Trail 后沿
func (w *Window) Trail() protocol.SequenceNumber { return w.trail }

// CommitLead 提交段与接收段的分界
func (w *Window) CommitLead() protocol.SequenceNumber { return w.commitLead }

// RxwTrail 发送方通告的后沿
func (w *Window) RxwTrail() protocol.SequenceNumber { return w.rxwTrail }

// Alloc 容量
func (w *Window) Alloc() uint32 { return w.alloc }

// Length 窗口内序列号数量
func (w *Window) Length() uint32 { return uint32(w.lead + 1 - w.trail) }

// Size 窗口持有的负载字节数
func (w *Window) Size() int { return w.size }

// IsDefined 是否已由首个数据包或 SPM 定义
func (w *Window) IsDefined() bool { return w.isDefined }

// IsConstrained 后沿是否仍受初始值约束
func (w *Window) IsConstrained() bool { return w.isConstrained }

// IsEmpty 窗口为空
func (w *Window) IsEmpty() bool { return w.Length() == 0 }

// IsFull 窗口已满
func (w *Window) IsFull() bool { return w.Length() == w.alloc }

func (w *Window) commitIsEmpty() bool { return w.commitLead == w.trail }

func (w *Window) incomingIsEmpty() bool { return w.commitLead == w.lead+1 }

// peek 返回 [trail, lead] 内的槽位, 范围外返回 nil
func (w *Window) peek(sqn protocol.SequenceNumber) *Entry {
	if w.IsEmpty() || sqn.LessThan(w.trail) || sqn.GreaterThan(w.lead) {
		return nil
	}
	return &w.pdata[uint32(sqn)%w.alloc]
}

// Peek 查看槽位, 仅供定时器处理与测试读取状态
func (w *Window) Peek(sqn protocol.SequenceNumber) *Entry {
	return w.peek(sqn)
}

// =============================================================================
// 事件与丢失
// =============================================================================

// HasEvent 自上次清除后是否有新数据或丢失
func (w *Window) HasEvent() bool { return w.hasEvent }

// ClearEvent 清除事件标志
func (w *Window) ClearEvent() { w.hasEvent = false }

// CumulativeLosses 累计丢失数, 单调递增
func (w *Window) CumulativeLosses() uint32 { return w.cumulativeLosses }

// BackoffQueue NAK 退避队列
func (w *Window) BackoffQueue() *Queue { return &w.backoffQueue }

// WaitNCFQueue 等待 NCF 队列
func (w *Window) WaitNCFQueue() *Queue { return &w.waitNCFQueue }

// WaitDataQueue 等待 RDATA 队列
func (w *Window) WaitDataQueue() *Queue { return &w.waitDataQueue }

// NextExpiry 三个 NAK 队列中最早的到期时间
//
// BACK_OFF 到期时间带随机退避, 队列不按到期排序, 需要整队扫描;
// 另外两个队列的超时固定, 队首即最早。
func (w *Window) NextExpiry() (time.Time, bool) {
	var next time.Time
	found := false
	earliest := func(e *Entry) bool {
		if !found || e.timerExpiry.Before(next) {
			next = e.timerExpiry
			found = true
		}
		return true
	}

	w.backoffQueue.Each(earliest)
	for _, q := range []*Queue{&w.waitNCFQueue, &w.waitDataQueue} {
		if e := q.Front(); e != nil {
			earliest(e)
		}
	}
	return next, found
}

// =============================================================================
// 添加数据
// =============================================================================

// Add 添加 ODATA/RDATA
//
// 返回 Inserted/Appended/Missing 时窗口接管 skb, 其余结果由调用方释放。
func (w *Window) Add(skb *skbuff.Buffer, now, nakRbExpiry time.Time) Returns {
	if skb.Len() != int(skb.Header.TSDULength()) {
		return Malformed
	}

	if skb.Sequence.Sub(skb.Data.Trail()) >= maxSqnDistance {
		return Bounds
	}

	// FEC 未实现
	if skb.Header.IsParity() {
		return Malformed
	}

	if skb.Fragment != nil {
		apduLen := int(skb.Fragment.APDULength())
		switch {
		case apduLen == skb.Len():
			skb.Fragment = nil
		case apduLen < skb.Len():
			return Malformed
		case skb.Sequence.LessThan(skb.Fragment.FirstSqn()):
			return Malformed
		case apduLen > protocol.MaxAPDU:
			return Malformed
		}
	}

	if !w.isDefined {
		w.define(skb.Sequence - 1)
	} else {
		w.updateTrail(skb.Data.Trail())
	}

	switch {
	case skb.Sequence.LessThan(w.commitLead):
		if skb.Sequence.GreaterThanEq(w.trail) {
			return Duplicate
		}
		return Bounds

	case skb.Sequence.LessThanEq(w.lead):
		w.hasEvent = true
		return w.insert(skb, now)

	case skb.Sequence == w.lead+1:
		w.hasEvent = true
		return w.append(skb, now)
	}

	w.hasEvent = true
	w.addPlaceholderRange(skb.Sequence, now, nakRbExpiry)
	if w.lead+1 != skb.Sequence {
		return SlowConsumer
	}
	ret := w.append(skb, now)
	if ret == Appended {
		ret = Missing
	}
	return ret
}

// define 以 lead 定义空窗口, 后沿受约束直到发送方后沿越过初始值
func (w *Window) define(lead protocol.SequenceNumber) {
	w.lead = lead
	w.trail = lead + 1
	w.commitLead = w.trail
	w.rxwTrail = w.trail
	w.rxwTrailInit = w.trail
	w.isConstrained = true
	w.isDefined = true
}

// insert 填补 [commitLead, lead] 内的占位
func (w *Window) insert(skb *skbuff.Buffer, now time.Time) Returns {
	e := w.peek(skb.Sequence)
	if e.state == StateHaveData {
		return Duplicate
	}

	if w.isAPDULost(skb) {
		w.markLost(e)
		return Bounds
	}

	switch e.state {
	case StateBackOff, StateWaitNCF, StateWaitData, StateLostData:
	default:
		panic(fmt.Sprintf("rxw: 插入 %d 时遇到非法状态 %s", skb.Sequence, e.state))
	}

	if e.skb == nil {
		fill := now.Sub(e.tstamp)
		if w.minFillTime == 0 || fill < w.minFillTime {
			w.minFillTime = fill
		}
		if fill > w.maxFillTime {
			w.maxFillTime = fill
		}
	}
	if e.nakTransmitCount > w.maxNakTransmitCount {
		w.maxNakTransmitCount = e.nakTransmitCount
	}

	w.size -= e.len()
	if e.skb != nil {
		e.skb.Free()
	}
	e.skb = skb
	w.setState(e, StateHaveData)
	w.size += skb.Len()
	return Inserted
}

// append 在 lead+1 追加
func (w *Window) append(skb *skbuff.Buffer, now time.Time) Returns {
	if w.IsFull() {
		if !w.commitIsEmpty() {
			return Bounds
		}
		w.removeTrail()
	}

	w.lead++
	e := w.reset(w.lead, now)

	if w.isAPDULost(skb) {
		w.setState(e, StateLostData)
		return Bounds
	}

	e.skb = skb
	w.setState(e, StateHaveData)
	w.size += skb.Len()
	return Appended
}

// isAPDULost 分片所属 APDU 的首包已出窗口或已丢失
func (w *Window) isAPDULost(skb *skbuff.Buffer) bool {
	if skb.Fragment == nil {
		return false
	}
	first := skb.Fragment.FirstSqn()
	if first == skb.Sequence {
		return false
	}
	e := w.peek(first)
	return e == nil || e.state == StateLostData
}

// reset 清空 sqn 对应槽位并返回
func (w *Window) reset(sqn protocol.SequenceNumber, now time.Time) *Entry {
	e := &w.pdata[uint32(sqn)%w.alloc]
	*e = Entry{sequence: sqn, tstamp: now}
	return e
}

// =============================================================================
// 占位
// =============================================================================

// addPlaceholder 在 lead+1 追加 BACK_OFF 占位
func (w *Window) addPlaceholder(now, nakRbExpiry time.Time) {
	w.lead++
	e := w.reset(w.lead, now)
	e.timerExpiry = nakRbExpiry
	w.setState(e, StateBackOff)
}

// addPlaceholderRange 为 (lead, sqn) 之间的每个序列号追加占位
func (w *Window) addPlaceholderRange(sqn protocol.SequenceNumber, now, nakRbExpiry time.Time) {
	// 提交段未释放时不能为占位腾出空间
	if !w.commitIsEmpty() && (sqn+1).Sub(w.trail) >= w.alloc {
		w.updateLead(sqn, now, nakRbExpiry)
		return
	}

	// sqn 本身也要占一个槽位
	w.skipBeyond(sqn)

	for w.lead+1 != sqn {
		if w.IsFull() {
			w.removeTrail()
		}
		w.addPlaceholder(now, nakRbExpiry)
	}
}

// skipBeyond 提交段为空且 lead 推进到 newLead 会超出容量时, 直接把后沿移到
// newLead+1-alloc, 窗口放不下的序列号不再逐个建占位, 整段计为丢失
func (w *Window) skipBeyond(newLead protocol.SequenceNumber) {
	if !w.commitIsEmpty() || (newLead+1).Sub(w.trail) <= w.alloc {
		return
	}
	newTrail := newLead + 1 - protocol.SequenceNumber(w.alloc)

	// 现有槽位最多 alloc 个
	for !w.IsEmpty() && w.trail != newTrail {
		w.removeTrail()
	}
	if w.trail == newTrail {
		return
	}

	distance := newTrail.Sub(w.trail)
	w.trail = newTrail
	w.commitLead = newTrail
	w.lead = newTrail - 1
	w.cumulativeLosses += distance
	w.hasEvent = true
}

// =============================================================================
// 发送方窗口同步
// =============================================================================

// Update 按 SPM 通告的发送窗口更新, 返回新增占位数量
func (w *Window) Update(txwLead, txwTrail protocol.SequenceNumber, now, nakRbExpiry time.Time) uint32 {
	if !w.isDefined {
		w.define(txwLead)
		return 0
	}
	w.updateTrail(txwTrail)
	return w.updateLead(txwLead, now, nakRbExpiry)
}

// updateLead 将前沿推进到 txwLead, 中间全部为占位
func (w *Window) updateLead(txwLead protocol.SequenceNumber, now, nakRbExpiry time.Time) uint32 {
	if txwLead.LessThanEq(w.lead) {
		return 0
	}

	lead := txwLead
	if !w.commitIsEmpty() && txwLead.Sub(w.trail) >= w.alloc {
		lead = w.trail + protocol.SequenceNumber(w.alloc) - 1
		if lead == w.lead {
			return 0
		}
	}

	w.skipBeyond(lead)

	var added uint32
	for w.lead != lead {
		if w.IsFull() {
			w.removeTrail()
		}
		w.addPlaceholder(now, nakRbExpiry)
		added++
	}
	return added
}

// updateTrail 按发送方后沿标记不可恢复的序列号
//
// 后沿只前进不后退; 约束期内忽略, 直到越过加入时的初始后沿。
func (w *Window) updateTrail(txwTrail protocol.SequenceNumber) {
	if txwTrail.LessThanEq(w.rxwTrail) {
		return
	}

	if w.isConstrained {
		if !txwTrail.GreaterThan(w.rxwTrailInit) {
			return
		}
		w.isConstrained = false
	}

	w.rxwTrail = txwTrail

	if w.rxwTrail.LessThanEq(w.trail) {
		return
	}

	if w.IsEmpty() {
		// 整段跳过, 计为永久丢失
		distance := w.rxwTrail.Sub(w.trail)
		w.trail += protocol.SequenceNumber(distance)
		w.commitLead += protocol.SequenceNumber(distance)
		w.lead += protocol.SequenceNumber(distance)
		w.cumulativeLosses += distance
		w.hasEvent = true
		return
	}

	end := w.rxwTrail - 1
	if end.GreaterThan(w.lead) {
		end = w.lead
	}
	for sqn := w.commitLead; sqn.LessThanEq(end); sqn++ {
		e := w.peek(sqn)
		if e.state != StateHaveData && e.state != StateLostData {
			w.markLost(e)
		}
	}
}

// =============================================================================
// NCF
// =============================================================================

// Confirm 处理 NCF: 对应占位转入 WAIT_DATA
func (w *Window) Confirm(sqn protocol.SequenceNumber, now, nakRdataExpiry, nakRbExpiry time.Time) Returns {
	if !w.isDefined {
		return Bounds
	}

	if sqn.LessThan(w.commitLead) {
		if sqn.GreaterThanEq(w.trail) {
			return Duplicate
		}
		return Bounds
	}

	if sqn.LessThanEq(w.lead) {
		e := w.peek(sqn)
		switch e.state {
		case StateBackOff, StateWaitNCF, StateWaitData:
			e.timerExpiry = nakRdataExpiry
			w.setState(e, StateWaitData)
			return Updated
		}
		return Duplicate
	}

	if sqn != w.lead+1 {
		w.addPlaceholderRange(sqn, now, nakRbExpiry)
		if w.lead+1 != sqn {
			return SlowConsumer
		}
	}

	if w.IsFull() {
		if !w.commitIsEmpty() {
			return Bounds
		}
		w.removeTrail()
	}
	w.lead++
	e := w.reset(w.lead, now)
	e.timerExpiry = nakRdataExpiry
	w.setState(e, StateWaitData)
	return Appended
}

// =============================================================================
// NAK 定时器迁移
// =============================================================================

// WaitNCF BACK_OFF -> WAIT_NCF, NAK 已发送
func (w *Window) WaitNCF(sqn protocol.SequenceNumber, expiry time.Time) {
	e := w.mustPeek(sqn)
	if e.state != StateBackOff {
		panic(fmt.Sprintf("rxw: WaitNCF(%d) 非法状态 %s", sqn, e.state))
	}
	e.nakTransmitCount++
	e.timerExpiry = expiry
	w.setState(e, StateWaitNCF)
}

// Suppress 收到其他接收方的 NAK: BACK_OFF -> WAIT_NCF, 不计发送次数
//
// 非 BACK_OFF 状态忽略, 返回是否迁移。
func (w *Window) Suppress(sqn protocol.SequenceNumber, expiry time.Time) bool {
	e := w.peek(sqn)
	if e == nil || e.state != StateBackOff {
		return false
	}
	e.timerExpiry = expiry
	w.setState(e, StateWaitNCF)
	return true
}

// Backoff WAIT_NCF/WAIT_DATA 超时后回到 BACK_OFF 重新请求
func (w *Window) Backoff(sqn protocol.SequenceNumber, expiry time.Time) {
	e := w.mustPeek(sqn)
	switch e.state {
	case StateWaitNCF:
		e.ncfRetryCount++
	case StateWaitData:
		e.dataRetryCount++
	default:
		panic(fmt.Sprintf("rxw: Backoff(%d) 非法状态 %s", sqn, e.state))
	}
	e.timerExpiry = expiry
	w.setState(e, StateBackOff)
}

// MarkLost 将序列号标记为不可恢复
func (w *Window) MarkLost(sqn protocol.SequenceNumber) {
	w.markLost(w.mustPeek(sqn))
}

func (w *Window) markLost(e *Entry) {
	switch e.state {
	case StateBackOff, StateWaitNCF, StateWaitData, StateHaveData:
		w.setState(e, StateLostData)
	case StateLostData:
	default:
		panic(fmt.Sprintf("rxw: 标记丢失 %d 时遇到非法状态 %s", e.sequence, e.state))
	}
}

func (w *Window) mustPeek(sqn protocol.SequenceNumber) *Entry {
	e := w.peek(sqn)
	if e == nil {
		panic(fmt.Sprintf("rxw: 序列号 %d 不在窗口 [%d, %d] 内", sqn, w.trail, w.lead))
	}
	return e
}

// =============================================================================
// 后沿
// =============================================================================

// removeTrail 移出后沿槽位; 若其尚未提交则计为丢失
func (w *Window) removeTrail() {
	e := &w.pdata[uint32(w.trail)%w.alloc]
	wasLost := e.state == StateLostData

	w.size -= e.len()
	w.setState(e, StateError)
	if e.skb != nil {
		e.skb.Free()
	}
	*e = Entry{}

	if w.trail == w.commitLead {
		w.commitLead++
		if !wasLost {
			w.cumulativeLosses++
			w.hasEvent = true
		}
	}
	w.trail++
}

// RemoveCommit 释放提交段, 应用读取完成后调用
func (w *Window) RemoveCommit() {
	for !w.commitIsEmpty() {
		w.removeTrail()
	}
}

// =============================================================================
// 状态迁移
// =============================================================================

// setState 退出旧状态 (出队/计数) 后进入新状态
func (w *Window) setState(e *Entry, s State) {
	w.unlink(e)

	e.state = s
	switch s {
	case StateBackOff:
		w.backoffQueue.push(e)
	case StateWaitNCF:
		w.waitNCFQueue.push(e)
	case StateWaitData:
		w.waitDataQueue.push(e)
	case StateHaveData:
		w.fragmentCount++
	case StateCommitData:
		w.committedCount++
	case StateLostData:
		w.lostCount++
		w.cumulativeLosses++
		w.hasEvent = true
	case StateError:
	default:
		panic(fmt.Sprintf("rxw: 未知状态 %d", s))
	}
}

func (w *Window) unlink(e *Entry) {
	switch e.state {
	case StateBackOff:
		w.backoffQueue.remove(e)
	case StateWaitNCF:
		w.waitNCFQueue.remove(e)
	case StateWaitData:
		w.waitDataQueue.remove(e)
	case StateHaveData:
		w.fragmentCount--
	case StateCommitData:
		w.committedCount--
	case StateLostData:
		w.lostCount--
	}
	e.state = StateError
}

// Stats 统计快照
func (w *Window) Stats() Stats {
	return Stats{
		Defined:             w.isDefined,
		Constrained:         w.isConstrained,
		Lead:                w.lead,
		Trail:               w.trail,
		CommitLead:          w.commitLead,
		RxwTrail:            w.rxwTrail,
		Alloc:               w.alloc,
		Length:              w.Length(),
		Size:                w.size,
		BackoffQueue:        w.backoffQueue.Len(),
		WaitNCFQueue:        w.waitNCFQueue.Len(),
		WaitDataQueue:       w.waitDataQueue.Len(),
		FragmentCount:       w.fragmentCount,
		CommittedCount:      w.committedCount,
		LostCount:           w.lostCount,
		CumulativeLosses:    w.cumulativeLosses,
		BytesDelivered:      w.bytesDelivered,
		MsgsDelivered:       w.msgsDelivered,
		MinFillTime:         w.minFillTime,
		MaxFillTime:         w.maxFillTime,
		MaxNakTransmitCount: w.maxNakTransmitCount,
	}
}
