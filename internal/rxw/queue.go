package rxw

import (
	"container/list"
	"time"

	"github.com/mrcgq/pgm/internal/protocol"
	"github.com/mrcgq/pgm/internal/skbuff"
)

// Entry 窗口槽位: 数据包或占位, 以及 NAK 状态机字段
type Entry struct {
	skb      *skbuff.Buffer
	sequence protocol.SequenceNumber
	tstamp   time.Time
	state    State

	timerExpiry      time.Time
	nakTransmitCount int
	ncfRetryCount    int
	dataRetryCount   int

	elem *list.Element
}

// Sequence 序列号
func (e *Entry) Sequence() protocol.SequenceNumber { return e.sequence }

// State 当前状态
func (e *Entry) State() State { return e.state }

// Expiry 当前状态的定时器到期时间
func (e *Entry) Expiry() time.Time { return e.timerExpiry }

// NakTransmitCount 已发送 NAK 次数
func (e *Entry) NakTransmitCount() int { return e.nakTransmitCount }

// NCFRetryCount 等待 NCF 超时次数
func (e *Entry) NCFRetryCount() int { return e.ncfRetryCount }

// DataRetryCount 等待 RDATA 超时次数
func (e *Entry) DataRetryCount() int { return e.dataRetryCount }

// IsPlaceholder 是否为占位 (无数据)
func (e *Entry) IsPlaceholder() bool { return e.skb == nil }

func (e *Entry) len() int {
	if e.skb == nil {
		return 0
	}
	return e.skb.Len()
}

// Queue NAK 状态队列, 队首为最早入队的条目
type Queue struct {
	l list.List
}

// Len 队列长度
func (q *Queue) Len() int { return q.l.Len() }

// Front 最早入队的条目
func (q *Queue) Front() *Entry {
	if el := q.l.Front(); el != nil {
		return el.Value.(*Entry)
	}
	return nil
}

// Each 从队首开始遍历, fn 返回 false 时停止
//
// fn 中不得修改队列; 需要迁移状态时先收集再处理。
func (q *Queue) Each(fn func(*Entry) bool) {
	for el := q.l.Front(); el != nil; el = el.Next() {
		if !fn(el.Value.(*Entry)) {
			return
		}
	}
}

func (q *Queue) push(e *Entry) {
	e.elem = q.l.PushBack(e)
}

func (q *Queue) remove(e *Entry) {
	q.l.Remove(e.elem)
	e.elem = nil
}
