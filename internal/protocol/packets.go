// =============================================================================
// 文件: internal/protocol/packets.go
// 描述: 各类型包体视图 - SPM / POLL / POLR / ODATA / RDATA / NAK / NNAK / NCF
// =============================================================================

package protocol

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// =============================================================================
// SPM
// =============================================================================

// SPM 源路径消息视图: Sqn(4) + Trail(4) + Lead(4) + NLA
type SPM []byte

// ParseSPM 校验并返回 SPM 视图
func ParseSPM(b []byte) (SPM, error) {
	if len(b) < 12 {
		return nil, errors.Wrapf(ErrTooShort, "SPM %d < 12", len(b))
	}
	if _, _, err := decodeNLA(b[12:]); err != nil {
		return nil, errors.Wrap(err, "SPM")
	}
	return SPM(b), nil
}

// Sqn SPM 序列号
func (s SPM) Sqn() SequenceNumber { return SequenceNumber(binary.BigEndian.Uint32(s[0:4])) }

// Trail 发送窗口后沿
func (s SPM) Trail() SequenceNumber { return SequenceNumber(binary.BigEndian.Uint32(s[4:8])) }

// Lead 发送窗口前沿
func (s SPM) Lead() SequenceNumber { return SequenceNumber(binary.BigEndian.Uint32(s[8:12])) }

// NLA 源地址
func (s SPM) NLA() netip.Addr {
	addr, _, _ := decodeNLA(s[12:])
	return addr
}

// Size 固定部分长度 (选项起点)
func (s SPM) Size() int {
	_, n, _ := decodeNLA(s[12:])
	return 12 + n
}

// =============================================================================
// POLL / POLR
// =============================================================================

// Poll 轮询视图: Sqn(4) + Round(2) + SType(2) + NLA + BoIvl(4) + Rand(4) + Mask(4)
type Poll []byte

// ParsePoll 校验并返回 POLL 视图
func ParsePoll(b []byte) (Poll, error) {
	if len(b) < 8 {
		return nil, errors.Wrapf(ErrTooShort, "POLL %d < 8", len(b))
	}
	_, n, err := decodeNLA(b[8:])
	if err != nil {
		return nil, errors.Wrap(err, "POLL")
	}
	if len(b) < 8+n+12 {
		return nil, errors.Wrapf(ErrTooShort, "POLL %d < %d", len(b), 8+n+12)
	}
	return Poll(b), nil
}

// Sqn 轮询序列号
func (p Poll) Sqn() SequenceNumber { return SequenceNumber(binary.BigEndian.Uint32(p[0:4])) }

// Round 轮次
func (p Poll) Round() uint16 { return binary.BigEndian.Uint16(p[4:6]) }

// SubType 轮询子类型
func (p Poll) SubType() uint16 { return binary.BigEndian.Uint16(p[6:8]) }

// NLA 源地址
func (p Poll) NLA() netip.Addr {
	addr, _, _ := decodeNLA(p[8:])
	return addr
}

func (p Poll) tail() []byte {
	_, n, _ := decodeNLA(p[8:])
	return p[8+n:]
}

// BackoffInterval 退避间隔 (微秒)
func (p Poll) BackoffInterval() uint32 { return binary.BigEndian.Uint32(p.tail()[0:4]) }

// Rand 源生成的随机匹配值
func (p Poll) Rand() uint32 { return binary.BigEndian.Uint32(p.tail()[4:8]) }

// Mask 匹配掩码
func (p Poll) Mask() uint32 { return binary.BigEndian.Uint32(p.tail()[8:12]) }

// Polr 轮询响应视图
type Polr []byte

// ParsePolr 校验并返回 POLR 视图
func ParsePolr(b []byte) (Polr, error) {
	if len(b) < PolrSize {
		return nil, errors.Wrapf(ErrTooShort, "POLR %d < %d", len(b), PolrSize)
	}
	return Polr(b), nil
}

// Sqn 轮询序列号
func (p Polr) Sqn() SequenceNumber { return SequenceNumber(binary.BigEndian.Uint32(p[0:4])) }

// Round 轮次
func (p Polr) Round() uint16 { return binary.BigEndian.Uint16(p[4:6]) }

// =============================================================================
// ODATA / RDATA
// =============================================================================

// Data 数据包视图: Sqn(4) + Trail(4), 其后为选项与负载
type Data []byte

// ParseData 校验并返回数据视图
func ParseData(b []byte) (Data, error) {
	if len(b) < DataHeaderSize {
		return nil, errors.Wrapf(ErrTooShort, "DATA %d < %d", len(b), DataHeaderSize)
	}
	return Data(b), nil
}

// Sqn 数据序列号
func (d Data) Sqn() SequenceNumber { return SequenceNumber(binary.BigEndian.Uint32(d[0:4])) }

// Trail 发送方通告的窗口后沿
func (d Data) Trail() SequenceNumber { return SequenceNumber(binary.BigEndian.Uint32(d[4:8])) }

// =============================================================================
// NAK / NNAK / NCF
// =============================================================================

// Nak NAK/NNAK/NCF 视图: Sqn(4) + 源 NLA + 组 NLA
type Nak []byte

// ParseNak 校验并返回 NAK 视图
func ParseNak(b []byte) (Nak, error) {
	if len(b) < 4 {
		return nil, errors.Wrapf(ErrTooShort, "NAK %d < 4", len(b))
	}
	_, n, err := decodeNLA(b[4:])
	if err != nil {
		return nil, errors.Wrap(err, "NAK 源地址")
	}
	if _, _, err := decodeNLA(b[4+n:]); err != nil {
		return nil, errors.Wrap(err, "NAK 组地址")
	}
	return Nak(b), nil
}

// Sqn 请求的序列号
func (n Nak) Sqn() SequenceNumber { return SequenceNumber(binary.BigEndian.Uint32(n[0:4])) }

// SourceNLA 源地址
func (n Nak) SourceNLA() netip.Addr {
	addr, _, _ := decodeNLA(n[4:])
	return addr
}

// GroupNLA 组播组地址
func (n Nak) GroupNLA() netip.Addr {
	_, off, _ := decodeNLA(n[4:])
	addr, _, _ := decodeNLA(n[4+off:])
	return addr
}

// Size 固定部分长度 (选项起点)
func (n Nak) Size() int {
	_, a, _ := decodeNLA(n[4:])
	_, b, _ := decodeNLA(n[4+a:])
	return 4 + a + b
}
