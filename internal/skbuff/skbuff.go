// =============================================================================
// 文件: internal/skbuff/skbuff.go
// 描述: 包缓冲区 - head/data/tail/end 四游标视图, 引用计数, 解码后的协议视图
// =============================================================================

package skbuff

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/mrcgq/pgm/internal/protocol"
)

// Buffer 包缓冲区
//
// 游标满足 head <= data <= tail <= end:
//   - [head, data) 预留/已剥离的头部空间
//   - [data, tail) 当前有效数据
//   - [tail, end)  尾部可写空间
//
// 越界操作直接 panic, 属于调用方逻辑错误。
type Buffer struct {
	// Tstamp 接收时间
	Tstamp time.Time

	// TSI 所属会话
	TSI protocol.TSI

	// Sequence 数据包序列号 (仅 ODATA/RDATA)
	Sequence protocol.SequenceNumber

	// Header 公共头视图
	Header protocol.Header

	// Data ODATA/RDATA 的序列号/后沿视图
	Data protocol.Data

	// Fragment 分片选项视图, 未携带时为 nil
	Fragment protocol.OptFragment

	users int32

	buf  []byte
	head int
	data int
	tail int
	end  int
}

// Alloc 分配容量为 size 的空缓冲区
func Alloc(size int) *Buffer {
	if size < 0 {
		panic(fmt.Sprintf("skbuff: 无效容量 %d", size))
	}
	return &Buffer{
		users: 1,
		buf:   make([]byte, size),
		end:   size,
	}
}

// FromBytes 接管已填充的字节切片, 全部内容作为有效数据
func FromBytes(b []byte) *Buffer {
	return &Buffer{
		users: 1,
		buf:   b,
		tail:  len(b),
		end:   len(b),
	}
}

// Len 有效数据长度
func (b *Buffer) Len() int { return b.tail - b.data }

// Headroom 头部可用空间
func (b *Buffer) Headroom() int { return b.data - b.head }

// Tailroom 尾部可用空间
func (b *Buffer) Tailroom() int { return b.end - b.tail }

// Bytes 当前有效数据 [data, tail)
func (b *Buffer) Bytes() []byte { return b.buf[b.data:b.tail] }

// Raw 整个底层缓冲区 [head, tail)
func (b *Buffer) Raw() []byte { return b.buf[b.head:b.tail] }

// Reserve 同时推进 data 和 tail, 为自顶向下构造预留头部空间 (仅限空缓冲区)
func (b *Buffer) Reserve(n int) {
	if b.data != b.tail {
		panic("skbuff: Reserve 只能用于空缓冲区")
	}
	if n < 0 || b.tail+n > b.end {
		panic(fmt.Sprintf("skbuff: Reserve(%d) 越界: tail=%d end=%d", n, b.tail, b.end))
	}
	b.data += n
	b.tail += n
}

// Put 扩展尾部 n 字节, 返回新写入区域
func (b *Buffer) Put(n int) []byte {
	if n < 0 || b.tail+n > b.end {
		panic(fmt.Sprintf("skbuff: Put(%d) 越界: tail=%d end=%d", n, b.tail, b.end))
	}
	old := b.tail
	b.tail += n
	return b.buf[old:b.tail]
}

// Pull 从头部消费 n 字节, 返回被消费的区域
func (b *Buffer) Pull(n int) []byte {
	if n < 0 || b.data+n > b.tail {
		panic(fmt.Sprintf("skbuff: Pull(%d) 越界: data=%d tail=%d", n, b.data, b.tail))
	}
	old := b.data
	b.data += n
	return b.buf[old:b.data]
}

// Push 向头部扩展 n 字节, 返回新的头部区域
func (b *Buffer) Push(n int) []byte {
	if n < 0 || b.data-n < b.head {
		panic(fmt.Sprintf("skbuff: Push(%d) 越界: head=%d data=%d", n, b.head, b.data))
	}
	b.data -= n
	return b.buf[b.data : b.data+n]
}

// Trim 将有效数据截断为 n 字节
func (b *Buffer) Trim(n int) {
	if n < 0 || n > b.Len() {
		panic(fmt.Sprintf("skbuff: Trim(%d) 越界: len=%d", n, b.Len()))
	}
	b.tail = b.data + n
}

// Get 增加引用
func (b *Buffer) Get() *Buffer {
	atomic.AddInt32(&b.users, 1)
	return b
}

// Free 释放引用, 最后一个引用释放底层内存
func (b *Buffer) Free() {
	n := atomic.AddInt32(&b.users, -1)
	switch {
	case n == 0:
		b.buf = nil
		b.head, b.data, b.tail, b.end = 0, 0, 0, 0
		b.Header, b.Data, b.Fragment = nil, nil, nil
	case n < 0:
		panic("skbuff: 重复释放")
	}
}

// Users 当前引用数
func (b *Buffer) Users() int { return int(atomic.LoadInt32(&b.users)) }

// IsFragment 是否为多分片 APDU 的一部分
func (b *Buffer) IsFragment() bool { return b.Fragment != nil }

// APDUFirstSqn APDU 首个序列号, 单包 APDU 即自身
func (b *Buffer) APDUFirstSqn() protocol.SequenceNumber {
	if b.Fragment != nil {
		return b.Fragment.FirstSqn()
	}
	return b.Sequence
}

// APDULength APDU 总长度, 单包 APDU 即负载长度
func (b *Buffer) APDULength() int {
	if b.Fragment != nil {
		return int(b.Fragment.APDULength())
	}
	return b.Len()
}
