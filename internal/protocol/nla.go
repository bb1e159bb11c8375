package protocol

import (
	"encoding/binary"
	"net/netip"

	"github.com/pkg/errors"
)

// nlaHeaderSize AFI(2) + Reserved(2)
const nlaHeaderSize = 4

// decodeNLA 解码 AFI + Reserved + 地址, 返回地址与消耗的字节数
func decodeNLA(b []byte) (netip.Addr, int, error) {
	if len(b) < nlaHeaderSize {
		return netip.Addr{}, 0, errors.Wrap(ErrTooShort, "NLA 头")
	}
	afi := binary.BigEndian.Uint16(b[0:2])
	size := nlaSize(afi)
	if size < 0 {
		return netip.Addr{}, 0, errors.Wrapf(ErrAFI, "afi=%d", afi)
	}
	if len(b) < nlaHeaderSize+size {
		return netip.Addr{}, 0, errors.Wrapf(ErrTooShort, "NLA 地址 %d < %d", len(b), nlaHeaderSize+size)
	}
	addr, _ := netip.AddrFromSlice(b[nlaHeaderSize : nlaHeaderSize+size])
	return addr, nlaHeaderSize + size, nil
}

// encodedNLASize 编码后长度
func encodedNLASize(addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		return nlaHeaderSize + 4
	}
	return nlaHeaderSize + 16
}

// encodeNLA 写入 AFI + Reserved + 地址, 返回写入字节数
func encodeNLA(b []byte, addr netip.Addr) int {
	if addr.Is4() || addr.Is4In6() {
		a4 := addr.Unmap().As4()
		binary.BigEndian.PutUint16(b[0:2], AFIIPv4)
		binary.BigEndian.PutUint16(b[2:4], 0)
		copy(b[4:8], a4[:])
		return 8
	}
	a16 := addr.As16()
	binary.BigEndian.PutUint16(b[0:2], AFIIPv6)
	binary.BigEndian.PutUint16(b[2:4], 0)
	copy(b[4:20], a16[:])
	return 20
}
