//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

// =============================================================================
// 文件: internal/transport/socket_other.go
// 描述: 组播端口复用 - 其他平台
// =============================================================================
package transport

import "net"

// listenConfig 非类 Unix 平台使用默认选项
func listenConfig() net.ListenConfig {
	return net.ListenConfig{}
}
