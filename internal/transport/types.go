// =============================================================================
// 文件: internal/transport/types.go
// 描述: 接收传输层类型定义 - 配置、写接口、错误
// =============================================================================
package transport

import (
	"errors"
	"net"
	"time"
)

// 错误定义
var (
	// ErrConnReset 会话发生不可恢复的数据丢失, 每次丢失事件报告一次
	ErrConnReset = errors.New("pgm: 会话数据丢失")

	// ErrClosed Socket 已关闭
	ErrClosed = errors.New("pgm: socket 已关闭")
)

// 默认参数
const (
	DefaultMulticastPort = 3056
	DefaultUnicastPort   = 3055

	DefaultRxwSqns        = 100
	DefaultPeerExpiry     = 300 * time.Second
	DefaultSPMRExpiry     = 250 * time.Millisecond
	DefaultNakBackoffIvl  = 50 * time.Millisecond
	DefaultNakRepeatIvl   = 2 * time.Second
	DefaultNakRdataIvl    = 2 * time.Second
	DefaultNakDataRetries = 50
	DefaultNakNCFRetries  = 50

	// 无定时器时的最长等待
	maxIdleWait = time.Second

	// 读循环到 Recv 的队列长度
	defaultPacketQueueSize = 4096

	// 单次唤醒最多处理的数据报
	maxBatch = 64
)

// PacketWriter 发送上行包 (NAK/SPMR/POLR)
type PacketWriter interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// ReceiverConfig 接收方协议参数
type ReceiverConfig struct {
	// MaxTPDU 最大传输单元
	MaxTPDU int

	// 接收窗口容量: RxwSqns 优先, 为 0 时按 RxwSecs*RxwMaxRate/MaxTPDU
	RxwSqns    uint32
	RxwSecs    uint32
	RxwMaxRate uint64

	// PeerExpiry 对端空闲超时
	PeerExpiry time.Duration

	// SPMRExpiry 未知 NLA 时请求 SPM 的最大延迟
	SPMRExpiry time.Duration

	// NAK 定时器
	NakBackoffIvl time.Duration
	NakRepeatIvl  time.Duration
	NakRdataIvl   time.Duration

	// 重试上限
	NakDataRetries int
	NakNCFRetries  int

	// AbortOnReset 数据丢失后拒绝后续读取
	AbortOnReset bool
}

// DefaultReceiverConfig 默认接收配置
func DefaultReceiverConfig() *ReceiverConfig {
	return &ReceiverConfig{
		MaxTPDU:        1500,
		RxwSqns:        DefaultRxwSqns,
		PeerExpiry:     DefaultPeerExpiry,
		SPMRExpiry:     DefaultSPMRExpiry,
		NakBackoffIvl:  DefaultNakBackoffIvl,
		NakRepeatIvl:   DefaultNakRepeatIvl,
		NakRdataIvl:    DefaultNakRdataIvl,
		NakDataRetries: DefaultNakDataRetries,
		NakNCFRetries:  DefaultNakNCFRetries,
	}
}

// NetworkConfig UDP 封装网络参数
type NetworkConfig struct {
	// Interface 组播接口名, 为空时由系统选择
	Interface string

	// Group 组播组地址
	Group string

	// MulticastPort 组播数据端口 (ODATA/SPM/NCF)
	MulticastPort int

	// UnicastPort 源监听 NAK 的单播端口
	UnicastPort int

	// DPort PGM 数据目的端口, 为 0 时不过滤
	DPort uint16

	// MulticastLoop 是否接收本机发出的组播
	MulticastLoop bool

	// ReadBuffer 套接字读缓冲区
	ReadBuffer int
}

// datagram 读循环交给 Recv 的原始数据报
type datagram struct {
	b    []byte
	from *net.UDPAddr
	dst  net.IP
}
