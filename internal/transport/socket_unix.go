//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

// =============================================================================
// 文件: internal/transport/socket_unix.go
// 描述: 组播端口复用 - 类 Unix 平台
// =============================================================================
package transport

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenConfig 允许同一主机上多个接收方绑定相同组播端口
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if opErr == nil {
					opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
				}
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}
