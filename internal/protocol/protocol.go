// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: PGM (RFC 3208) 协议常量 - 包类型、选项类型、地址族、固定长度
// =============================================================================

package protocol

import "fmt"

// Type PGM 包类型
type Type uint8

// 包类型 (RFC 3208 §8)
const (
	TypeSPM   Type = 0x00
	TypePOLL  Type = 0x01
	TypePOLR  Type = 0x02
	TypeODATA Type = 0x04
	TypeRDATA Type = 0x05
	TypeNAK   Type = 0x08
	TypeNNAK  Type = 0x09
	TypeNCF   Type = 0x0a
	TypeSPMR  Type = 0x0c
	TypeACK   Type = 0x0d
)

func (t Type) String() string {
	switch t {
	case TypeSPM:
		return "SPM"
	case TypePOLL:
		return "POLL"
	case TypePOLR:
		return "POLR"
	case TypeODATA:
		return "ODATA"
	case TypeRDATA:
		return "RDATA"
	case TypeNAK:
		return "NAK"
	case TypeNNAK:
		return "NNAK"
	case TypeNCF:
		return "NCF"
	case TypeSPMR:
		return "SPMR"
	case TypeACK:
		return "ACK"
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", uint8(t))
}

// IsData 是否为 ODATA/RDATA
func (t Type) IsData() bool {
	return t == TypeODATA || t == TypeRDATA
}

// IsUpstream 是否为接收方发往源的包
func (t Type) IsUpstream() bool {
	return t == TypeNAK || t == TypeNNAK || t == TypeSPMR || t == TypePOLR
}

// 公共头 options 字段标志位
const (
	OptPresent   uint8 = 0x01
	OptNetwork   uint8 = 0x02
	OptVarPktLen uint8 = 0x40
	OptParity    uint8 = 0x80
)

// 选项类型 (低 7 位)
const (
	OptLength       uint8 = 0x00
	OptTypeFragment uint8 = 0x01
	OptNakList      uint8 = 0x02
	OptJoin         uint8 = 0x03
	OptNakBoIvl     uint8 = 0x04
	OptNakBoRng     uint8 = 0x05
	OptRedirect     uint8 = 0x07
	OptParityPrm    uint8 = 0x08
	OptParityGrp    uint8 = 0x09
	OptCurrTgsize   uint8 = 0x0a
	OptNbrUnreach   uint8 = 0x0b
	OptPathNLA      uint8 = 0x0c
	OptSyn          uint8 = 0x0d
	OptFin          uint8 = 0x0e
	OptRst          uint8 = 0x0f
	OptPgmccData    uint8 = 0x12
	OptPgmccFeedbk  uint8 = 0x13

	OptMask uint8 = 0x7f
	OptEnd  uint8 = 0x80
)

// POLL 子类型
const (
	PollGeneral uint16 = 0
	PollDLR     uint16 = 1
)

// 地址族 (AFI)
const (
	AFIIPv4 uint16 = 1
	AFIIPv6 uint16 = 2
)

// 固定长度
const (
	// HeaderSize 公共头: SPort(2) + DPort(2) + Type(1) + Options(1) + Checksum(2) + GSI(6) + TSDULen(2)
	HeaderSize = 16

	// GSISize 全局源标识长度
	GSISize = 6

	// DataHeaderSize ODATA/RDATA: Sqn(4) + Trail(4)
	DataHeaderSize = 8

	// PolrSize POLR: Sqn(4) + Round(2) + Reserved(2)
	PolrSize = 8

	// OptLengthSize OPT_LENGTH: Type(1) + Len(1) + TotalLen(2)
	OptLengthSize = 4

	// OptHeaderSize 普通选项头: Type(1) + Len(1) + Reserved(1)
	OptHeaderSize = 3

	// OptFragmentSize OPT_FRAGMENT 完整长度: 头(2) + Reserved(1) + FirstSqn(4) + Offset(4) + APDULen(4)
	OptFragmentSize = 15

	// MaxNakListSqns OPT_NAK_LIST 最多携带的附加序列号
	MaxNakListSqns = 62

	// MaxNakSqns 单个 NAK 最多请求的序列号 (主序列号 + 列表)
	MaxNakSqns = MaxNakListSqns + 1
)

// APDU 限制
const (
	// MaxFragments 单个 APDU 最多分片数
	MaxFragments = 16

	// DefaultMaxTPDU 默认最大 TPDU
	DefaultMaxTPDU = 1500

	// MaxAPDU 单个 APDU 最大长度
	MaxAPDU = MaxFragments * DefaultMaxTPDU
)

// nlaSize 地址族对应的 NLA 长度
func nlaSize(afi uint16) int {
	switch afi {
	case AFIIPv4:
		return 4
	case AFIIPv6:
		return 16
	}
	return -1
}
