package protocol

import (
	"crypto/md5"
	"fmt"
	"math/rand"
	"net/netip"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// GSI 全局源标识 (6 字节)
type GSI [GSISize]byte

func (g GSI) String() string {
	return fmt.Sprintf("%d.%d.%d.%d.%d.%d", g[0], g[1], g[2], g[3], g[4], g[5])
}

// GSIFromHostname 取主机名 MD5 摘要的前 6 字节
func GSIFromHostname(hostname string) GSI {
	sum := md5.Sum([]byte(hostname))
	var g GSI
	copy(g[:], sum[:GSISize])
	return g
}

// GSIFromAddr IPv4 地址 + 2 字节随机数
func GSIFromAddr(addr netip.Addr, r *rand.Rand) (GSI, error) {
	if !addr.Is4() && !addr.Is4In6() {
		return GSI{}, errors.Wrapf(ErrAFI, "GSI 需要 IPv4 地址: %s", addr)
	}
	var g GSI
	a4 := addr.Unmap().As4()
	copy(g[:4], a4[:])
	v := r.Uint32()
	g[4] = byte(v >> 8)
	g[5] = byte(v)
	return g, nil
}

// TSI 传输会话标识: GSI + 源端口
//
// 可比较, 直接作为 map 键使用。
type TSI struct {
	GSI   GSI
	SPort uint16
}

func (t TSI) String() string {
	return t.GSI.String() + "." + strconv.Itoa(int(t.SPort))
}

// ParseTSI 解析 "g.s.i.g.s.i.port" 形式
func ParseTSI(s string) (TSI, error) {
	parts := strings.Split(s, ".")
	if len(parts) != GSISize+1 {
		return TSI{}, errors.Errorf("TSI 格式错误: %q", s)
	}
	var t TSI
	for i := 0; i < GSISize; i++ {
		v, err := strconv.ParseUint(parts[i], 10, 8)
		if err != nil {
			return TSI{}, errors.Wrapf(err, "TSI 第 %d 段", i)
		}
		t.GSI[i] = byte(v)
	}
	port, err := strconv.ParseUint(parts[GSISize], 10, 16)
	if err != nil {
		return TSI{}, errors.Wrap(err, "TSI 端口")
	}
	t.SPort = uint16(port)
	return t, nil
}
