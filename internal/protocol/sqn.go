package protocol

// SequenceNumber 32 位回绕序列号
//
// 比较一律使用有符号差值, 不能直接比较数值。
type SequenceNumber uint32

// MaxSequenceNumber 序列号空间最大值
const MaxSequenceNumber SequenceNumber = 0xffffffff

// LessThan s < o (模 2^32)
func (s SequenceNumber) LessThan(o SequenceNumber) bool {
	return int32(s-o) < 0
}

// LessThanEq s <= o (模 2^32)
func (s SequenceNumber) LessThanEq(o SequenceNumber) bool {
	return s == o || s.LessThan(o)
}

// GreaterThan s > o (模 2^32)
func (s SequenceNumber) GreaterThan(o SequenceNumber) bool {
	return int32(s-o) > 0
}

// GreaterThanEq s >= o (模 2^32)
func (s SequenceNumber) GreaterThanEq(o SequenceNumber) bool {
	return s == o || s.GreaterThan(o)
}

// Add 向前移动 n
func (s SequenceNumber) Add(n uint32) SequenceNumber {
	return s + SequenceNumber(n)
}

// Sub 返回 s - o 的无符号距离
func (s SequenceNumber) Sub(o SequenceNumber) uint32 {
	return uint32(s - o)
}

// InRange a <= s <= b
func (s SequenceNumber) InRange(a, b SequenceNumber) bool {
	return a.LessThanEq(s) && s.LessThanEq(b)
}
