package protocol

import (
	"github.com/google/netstack/tcpip/header"
)

// checksumOffset 公共头中校验和字段偏移
const checksumOffset = 6

// Checksum 计算 PGM 校验和 (校验和字段按零处理)
//
// 标准反码和, 折叠进位后取反; 结果为 0 时返回 0xffff,
// 因为字段为 0 表示未携带校验和。
func Checksum(b []byte) uint16 {
	if len(b) < checksumOffset+2 {
		return finish(header.Checksum(b, 0))
	}
	sum := header.Checksum(b[:checksumOffset], 0)
	sum = header.Checksum(b[checksumOffset+2:], sum)
	return finish(sum)
}

func finish(sum uint16) uint16 {
	csum := ^sum
	if csum == 0 {
		return 0xffff
	}
	return csum
}

// SetChecksum 计算并写入校验和
func SetChecksum(b []byte) {
	Header(b).SetChecksum(Checksum(b))
}

// VerifyChecksum 校验包内携带的校验和
func VerifyChecksum(b []byte) bool {
	if len(b) < HeaderSize {
		return false
	}
	return Header(b).Checksum() == Checksum(b)
}
