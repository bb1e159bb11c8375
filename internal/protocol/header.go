// =============================================================================
// 文件: internal/protocol/header.go
// 描述: PGM 公共头 - 零拷贝视图与包解析
// =============================================================================

package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// 解析错误
var (
	ErrTooShort        = errors.New("pgm: 包太短")
	ErrChecksum        = errors.New("pgm: 校验和不匹配")
	ErrChecksumMissing = errors.New("pgm: 数据包缺少强制校验和")
	ErrMalformed       = errors.New("pgm: 包格式错误")
	ErrUnknownType     = errors.New("pgm: 未知包类型")
	ErrOptions         = errors.New("pgm: 选项链错误")
	ErrAFI             = errors.New("pgm: 不支持的地址族")
)

// Header 公共头视图 (16 字节)
type Header []byte

// SourcePort 源端口
func (h Header) SourcePort() uint16 { return binary.BigEndian.Uint16(h[0:2]) }

// DestPort 目的端口
func (h Header) DestPort() uint16 { return binary.BigEndian.Uint16(h[2:4]) }

// Type 包类型
func (h Header) Type() Type { return Type(h[4]) }

// Options 选项标志
func (h Header) Options() uint8 { return h[5] }

// Checksum 携带的校验和
func (h Header) Checksum() uint16 { return binary.BigEndian.Uint16(h[6:8]) }

// GSI 全局源标识
func (h Header) GSI() GSI {
	var g GSI
	copy(g[:], h[8:14])
	return g
}

// TSDULength 传输数据长度
func (h Header) TSDULength() uint16 { return binary.BigEndian.Uint16(h[14:16]) }

// HasOptions 是否携带选项
func (h Header) HasOptions() bool { return h.Options()&OptPresent != 0 }

// IsParity 是否为奇偶校验包
func (h Header) IsParity() bool { return h.Options()&OptParity != 0 }

// TSI 下行包的传输会话标识 (GSI + 源端口)
func (h Header) TSI() TSI {
	return TSI{GSI: h.GSI(), SPort: h.SourcePort()}
}

// UpstreamTSI 上行包 (NAK/SPMR) 的会话标识, 源端口在目的端口字段
func (h Header) UpstreamTSI() TSI {
	return TSI{GSI: h.GSI(), SPort: h.DestPort()}
}

// SetSourcePort 写入源端口
func (h Header) SetSourcePort(p uint16) { binary.BigEndian.PutUint16(h[0:2], p) }

// SetDestPort 写入目的端口
func (h Header) SetDestPort(p uint16) { binary.BigEndian.PutUint16(h[2:4], p) }

// SetType 写入类型
func (h Header) SetType(t Type) { h[4] = byte(t) }

// SetOptions 写入选项标志
func (h Header) SetOptions(o uint8) { h[5] = o }

// SetChecksum 写入校验和
func (h Header) SetChecksum(c uint16) { binary.BigEndian.PutUint16(h[6:8], c) }

// SetGSI 写入 GSI
func (h Header) SetGSI(g GSI) { copy(h[8:14], g[:]) }

// SetTSDULength 写入数据长度
func (h Header) SetTSDULength(n uint16) { binary.BigEndian.PutUint16(h[14:16], n) }

// Packet 解析后的包: 公共头 + 类型相关部分
//
// 所有视图共享原始缓冲区, 不做拷贝。
type Packet struct {
	Header Header
	Body   []byte
}

// Parse 解析并校验原始 PGM 包
//
// 长度不足、校验和不匹配、ODATA/RDATA 缺少校验和时返回错误。
func Parse(b []byte) (*Packet, error) {
	if len(b) < HeaderSize {
		return nil, errors.Wrapf(ErrTooShort, "%d < %d", len(b), HeaderSize)
	}

	h := Header(b[:HeaderSize])
	if csum := h.Checksum(); csum != 0 {
		if computed := Checksum(b); computed != csum {
			return nil, errors.Wrapf(ErrChecksum, "%s: 携带 0x%04x, 计算 0x%04x", h.Type(), csum, computed)
		}
	} else if h.Type().IsData() {
		return nil, errors.Wrapf(ErrChecksumMissing, "%s", h.Type())
	}

	return &Packet{Header: h, Body: b[HeaderSize:]}, nil
}

// Type 包类型
func (p *Packet) Type() Type { return p.Header.Type() }

// SPM 类型视图
func (p *Packet) SPM() (SPM, error) {
	if p.Type() != TypeSPM {
		return nil, errors.Wrapf(ErrUnknownType, "期望 SPM, 实际 %s", p.Type())
	}
	return ParseSPM(p.Body)
}

// Poll 类型视图
func (p *Packet) Poll() (Poll, error) {
	if p.Type() != TypePOLL {
		return nil, errors.Wrapf(ErrUnknownType, "期望 POLL, 实际 %s", p.Type())
	}
	return ParsePoll(p.Body)
}

// Polr 类型视图
func (p *Packet) Polr() (Polr, error) {
	if p.Type() != TypePOLR {
		return nil, errors.Wrapf(ErrUnknownType, "期望 POLR, 实际 %s", p.Type())
	}
	return ParsePolr(p.Body)
}

// Data ODATA/RDATA 视图
func (p *Packet) Data() (Data, error) {
	if !p.Type().IsData() {
		return nil, errors.Wrapf(ErrUnknownType, "期望 ODATA/RDATA, 实际 %s", p.Type())
	}
	return ParseData(p.Body)
}

// Nak NAK/NNAK/NCF 视图
func (p *Packet) Nak() (Nak, error) {
	switch p.Type() {
	case TypeNAK, TypeNNAK, TypeNCF:
		return ParseNak(p.Body)
	}
	return nil, errors.Wrapf(ErrUnknownType, "期望 NAK/NNAK/NCF, 实际 %s", p.Type())
}

// Options 解析类型相关部分之后的选项链
//
// fixed 为类型相关固定部分的长度; 未携带选项时返回 nil。
func (p *Packet) Options(fixed int) (*Options, error) {
	if !p.Header.HasOptions() {
		return nil, nil
	}
	if fixed > len(p.Body) {
		return nil, errors.Wrapf(ErrTooShort, "选项起点 %d 超出包体 %d", fixed, len(p.Body))
	}
	return ParseOptions(p.Body[fixed:])
}
