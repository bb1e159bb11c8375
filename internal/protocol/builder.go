// =============================================================================
// 文件: internal/protocol/builder.go
// 描述: 包构造 - 自顶向下写入公共头、类型部分、选项, 最后计算校验和
// =============================================================================

package protocol

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

func putHeader(b []byte, t Type, gsi GSI, sport, dport uint16, options uint8, tsdu int) {
	h := Header(b[:HeaderSize])
	h.SetSourcePort(sport)
	h.SetDestPort(dport)
	h.SetType(t)
	h.SetOptions(options)
	h.SetChecksum(0)
	h.SetGSI(gsi)
	h.SetTSDULength(uint16(tsdu))
}

// BuildSPM 构造 SPM
func BuildSPM(tsi TSI, dport uint16, sqn, trail, lead SequenceNumber, nla netip.Addr) []byte {
	b := make([]byte, HeaderSize+12+encodedNLASize(nla))
	putHeader(b, TypeSPM, tsi.GSI, tsi.SPort, dport, 0, 0)
	body := b[HeaderSize:]
	binary.BigEndian.PutUint32(body[0:4], uint32(sqn))
	binary.BigEndian.PutUint32(body[4:8], uint32(trail))
	binary.BigEndian.PutUint32(body[8:12], uint32(lead))
	encodeNLA(body[12:], nla)
	SetChecksum(b)
	return b
}

// BuildData 构造 ODATA/RDATA, frag 为 nil 时不携带分片选项
func BuildData(t Type, tsi TSI, dport uint16, sqn, trail SequenceNumber, payload []byte, frag *Fragment) ([]byte, error) {
	if !t.IsData() {
		return nil, errors.Wrapf(ErrUnknownType, "BuildData: %s", t)
	}
	if len(payload) > 0xffff {
		return nil, errors.Wrapf(ErrMalformed, "负载过长: %d", len(payload))
	}

	optLen := 0
	var options uint8
	if frag != nil {
		optLen = OptLengthSize + OptFragmentSize
		options = OptPresent
	}

	b := make([]byte, HeaderSize+DataHeaderSize+optLen+len(payload))
	putHeader(b, t, tsi.GSI, tsi.SPort, dport, options, len(payload))
	body := b[HeaderSize:]
	binary.BigEndian.PutUint32(body[0:4], uint32(sqn))
	binary.BigEndian.PutUint32(body[4:8], uint32(trail))

	off := DataHeaderSize
	if frag != nil {
		off += putOptLength(body[off:], optLen)
		off += putOptFragment(body[off:], *frag, true)
	}
	copy(body[off:], payload)
	SetChecksum(b)
	return b, nil
}

// BuildODATA 构造 ODATA
func BuildODATA(tsi TSI, dport uint16, sqn, trail SequenceNumber, payload []byte, frag *Fragment) ([]byte, error) {
	return BuildData(TypeODATA, tsi, dport, sqn, trail, payload, frag)
}

// BuildRDATA 构造 RDATA
func BuildRDATA(tsi TSI, dport uint16, sqn, trail SequenceNumber, payload []byte, frag *Fragment) ([]byte, error) {
	return BuildData(TypeRDATA, tsi, dport, sqn, trail, payload, frag)
}

// BuildNak 构造 NAK/NNAK/NCF
//
// NAK/NNAK 为上行包, 源/目的端口与会话方向相反; NCF 为下行包。
// sqns 第一个为主序列号, 其余写入 OPT_NAK_LIST。
func BuildNak(t Type, tsi TSI, dport uint16, sqns []SequenceNumber, source, group netip.Addr) ([]byte, error) {
	switch t {
	case TypeNAK, TypeNNAK, TypeNCF:
	default:
		return nil, errors.Wrapf(ErrUnknownType, "BuildNak: %s", t)
	}
	if len(sqns) == 0 || len(sqns) > MaxNakSqns {
		return nil, errors.Wrapf(ErrMalformed, "NAK 序列号数量 %d 无效", len(sqns))
	}

	optLen := 0
	var options uint8
	if len(sqns) > 1 {
		optLen = OptLengthSize + nakListSize(len(sqns)-1)
		options = OptPresent | OptNetwork
	}

	fixed := 4 + encodedNLASize(source) + encodedNLASize(group)
	b := make([]byte, HeaderSize+fixed+optLen)
	sport, dp := tsi.SPort, dport
	if t.IsUpstream() {
		sport, dp = dport, tsi.SPort
	}
	putHeader(b, t, tsi.GSI, sport, dp, options, 0)

	body := b[HeaderSize:]
	binary.BigEndian.PutUint32(body[0:4], uint32(sqns[0]))
	off := 4
	off += encodeNLA(body[off:], source)
	off += encodeNLA(body[off:], group)
	if optLen > 0 {
		off += putOptLength(body[off:], optLen)
		putOptNakList(body[off:], sqns[1:], true)
	}
	SetChecksum(b)
	return b, nil
}

// BuildSPMR 构造 SPMR (上行, 无包体)
func BuildSPMR(tsi TSI, dport uint16) []byte {
	b := make([]byte, HeaderSize)
	putHeader(b, TypeSPMR, tsi.GSI, dport, tsi.SPort, 0, 0)
	SetChecksum(b)
	return b
}

// BuildPOLR 构造 POLR (上行)
func BuildPOLR(tsi TSI, dport uint16, sqn SequenceNumber, round uint16) []byte {
	b := make([]byte, HeaderSize+PolrSize)
	putHeader(b, TypePOLR, tsi.GSI, dport, tsi.SPort, 0, 0)
	body := b[HeaderSize:]
	binary.BigEndian.PutUint32(body[0:4], uint32(sqn))
	binary.BigEndian.PutUint16(body[4:6], round)
	SetChecksum(b)
	return b
}

// BuildPOLL 构造 POLL (下行)
func BuildPOLL(tsi TSI, dport uint16, sqn SequenceNumber, round, subType uint16, nla netip.Addr, boIvl, rnd, mask uint32) []byte {
	nlaLen := encodedNLASize(nla)
	b := make([]byte, HeaderSize+8+nlaLen+12)
	putHeader(b, TypePOLL, tsi.GSI, tsi.SPort, dport, 0, 0)
	body := b[HeaderSize:]
	binary.BigEndian.PutUint32(body[0:4], uint32(sqn))
	binary.BigEndian.PutUint16(body[4:6], round)
	binary.BigEndian.PutUint16(body[6:8], subType)
	off := 8 + encodeNLA(body[8:], nla)
	binary.BigEndian.PutUint32(body[off:], boIvl)
	binary.BigEndian.PutUint32(body[off+4:], rnd)
	binary.BigEndian.PutUint32(body[off+8:], mask)
	SetChecksum(b)
	return b
}
