// =============================================================================
// 文件: internal/protocol/options.go
// 描述: PGM 选项链 - OPT_LENGTH 起始, 逐项 offset += length, 直到 END 位
// =============================================================================

package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// OptFragment 分片选项体视图: Reserved(1) + FirstSqn(4) + Offset(4) + APDULen(4)
type OptFragment []byte

// FirstSqn APDU 首个 TPDU 的序列号
func (f OptFragment) FirstSqn() SequenceNumber {
	return SequenceNumber(binary.BigEndian.Uint32(f[1:5]))
}

// Offset 本分片在 APDU 中的偏移
func (f OptFragment) Offset() uint32 { return binary.BigEndian.Uint32(f[5:9]) }

// APDULength APDU 总长度
func (f OptFragment) APDULength() uint32 { return binary.BigEndian.Uint32(f[9:13]) }

// Options 解析后的选项链
type Options struct {
	// Length OPT_LENGTH 通告的选项总长度
	Length int

	Fragment OptFragment
	NakList  []SequenceNumber

	// Unknown 跳过的未识别选项类型
	Unknown []uint8
}

// ParseOptions 从 OPT_LENGTH 开始遍历选项链
func ParseOptions(b []byte) (*Options, error) {
	if len(b) < OptLengthSize {
		return nil, errors.Wrapf(ErrOptions, "选项区 %d < %d", len(b), OptLengthSize)
	}
	if b[0]&OptMask != OptLength || b[1] != OptLengthSize {
		return nil, errors.Wrapf(ErrOptions, "首个选项必须为 OPT_LENGTH: type=0x%02x len=%d", b[0], b[1])
	}

	total := int(binary.BigEndian.Uint16(b[2:4]))
	if total < OptLengthSize+2 || total > len(b) {
		return nil, errors.Wrapf(ErrOptions, "选项总长度 %d 无效 (可用 %d)", total, len(b))
	}

	opts := &Options{Length: total}
	off := OptLengthSize
	for {
		if off+2 > total {
			return nil, errors.Wrapf(ErrOptions, "选项链在 %d 处截断, 缺少 END 标志", off)
		}
		typ := b[off] & OptMask
		end := b[off]&OptEnd != 0
		length := int(b[off+1])
		if length < 2 || off+length > total {
			return nil, errors.Wrapf(ErrOptions, "选项 0x%02x 长度 %d 越界", typ, length)
		}

		body := b[off+2 : off+length]
		switch typ {
		case OptTypeFragment:
			if length != OptFragmentSize {
				return nil, errors.Wrapf(ErrOptions, "OPT_FRAGMENT 长度 %d != %d", length, OptFragmentSize)
			}
			opts.Fragment = OptFragment(body)
		case OptNakList:
			if length < OptHeaderSize+4 || (length-OptHeaderSize)%4 != 0 {
				return nil, errors.Wrapf(ErrOptions, "OPT_NAK_LIST 长度 %d 无效", length)
			}
			count := (length - OptHeaderSize) / 4
			if count > MaxNakListSqns {
				return nil, errors.Wrapf(ErrOptions, "OPT_NAK_LIST 数量 %d > %d", count, MaxNakListSqns)
			}
			for i := 0; i < count; i++ {
				p := 1 + i*4
				opts.NakList = append(opts.NakList, SequenceNumber(binary.BigEndian.Uint32(body[p:p+4])))
			}
		case OptLength:
			return nil, errors.Wrap(ErrOptions, "重复的 OPT_LENGTH")
		default:
			opts.Unknown = append(opts.Unknown, typ)
		}

		off += length
		if end {
			break
		}
	}
	return opts, nil
}

// =============================================================================
// 选项编码
// =============================================================================

// Fragment 分片选项字段
type Fragment struct {
	FirstSqn   SequenceNumber
	Offset     uint32
	APDULength uint32
}

// putOptLength 写入 OPT_LENGTH
func putOptLength(b []byte, total int) int {
	b[0] = OptLength
	b[1] = OptLengthSize
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	return OptLengthSize
}

// putOptFragment 写入 OPT_FRAGMENT
func putOptFragment(b []byte, f Fragment, last bool) int {
	b[0] = OptTypeFragment
	if last {
		b[0] |= OptEnd
	}
	b[1] = OptFragmentSize
	b[2] = 0
	binary.BigEndian.PutUint32(b[3:7], uint32(f.FirstSqn))
	binary.BigEndian.PutUint32(b[7:11], f.Offset)
	binary.BigEndian.PutUint32(b[11:15], f.APDULength)
	return OptFragmentSize
}

// nakListSize OPT_NAK_LIST 编码长度
func nakListSize(n int) int {
	return OptHeaderSize + 4*n
}

// putOptNakList 写入 OPT_NAK_LIST
func putOptNakList(b []byte, sqns []SequenceNumber, last bool) int {
	b[0] = OptNakList
	if last {
		b[0] |= OptEnd
	}
	size := nakListSize(len(sqns))
	b[1] = byte(size)
	b[2] = 0
	for i, s := range sqns {
		binary.BigEndian.PutUint32(b[OptHeaderSize+i*4:], uint32(s))
	}
	return size
}
