// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 组播网络、接收窗口与 NAK 定时器参数, 端口冲突检测
// =============================================================================
package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mrcgq/pgm/internal/transport"
	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	LogLevel string `yaml:"log_level"`

	Network  NetworkConfig  `yaml:"network"`
	Receiver ReceiverConfig `yaml:"receiver"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// NetworkConfig UDP 封装网络配置
type NetworkConfig struct {
	Interface      string `yaml:"interface"`
	Group          string `yaml:"group"`
	EncapPort      int    `yaml:"udp_encap_port"`
	EncapUcastPort int    `yaml:"udp_encap_ucast_port"`
	DPort          int    `yaml:"dport"`
	MulticastLoop  bool   `yaml:"multicast_loop"`
	ReadBuffer     int    `yaml:"read_buffer"`
}

// ReceiverConfig 接收方协议参数, 时间单位为毫秒
type ReceiverConfig struct {
	MaxTPDU        int    `yaml:"max_tpdu"`
	RxwSqns        uint32 `yaml:"rxw_sqns"`
	RxwSecs        uint32 `yaml:"rxw_secs"`
	RxwMaxRate     uint64 `yaml:"rxw_max_rte"`
	PeerExpiryMs   int    `yaml:"peer_expiry_ms"`
	SPMRExpiryMs   int    `yaml:"spmr_expiry_ms"`
	NakBackoffMs   int    `yaml:"nak_bo_ivl_ms"`
	NakRepeatMs    int    `yaml:"nak_rpt_ivl_ms"`
	NakRdataMs     int    `yaml:"nak_rdata_ivl_ms"`
	NakDataRetries int    `yaml:"nak_data_retries"`
	NakNCFRetries  int    `yaml:"nak_ncf_retries"`
	AbortOnReset   bool   `yaml:"abort_on_reset"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.syncRelatedConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",

		Network: NetworkConfig{
			Group:          "239.192.0.1",
			EncapPort:      transport.DefaultMulticastPort,
			EncapUcastPort: transport.DefaultUnicastPort,
			DPort:          7500,
			MulticastLoop:  false,
		},

		Receiver: ReceiverConfig{
			MaxTPDU:        1500,
			RxwSqns:        transport.DefaultRxwSqns,
			PeerExpiryMs:   int(transport.DefaultPeerExpiry / time.Millisecond),
			SPMRExpiryMs:   int(transport.DefaultSPMRExpiry / time.Millisecond),
			NakBackoffMs:   int(transport.DefaultNakBackoffIvl / time.Millisecond),
			NakRepeatMs:    int(transport.DefaultNakRepeatIvl / time.Millisecond),
			NakRdataMs:     int(transport.DefaultNakRdataIvl / time.Millisecond),
			NakDataRetries: transport.DefaultNakDataRetries,
			NakNCFRetries:  transport.DefaultNakNCFRetries,
		},

		Metrics: MetricsConfig{
			Enabled:     true,
			Listen:      ":9100",
			Path:        "/metrics",
			HealthPath:  "/health",
			EnablePprof: false,
		},
	}
}

// Validate 验证配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level 无效: %q", c.LogLevel)
	}

	if err := c.validateNetworkConfig(); err != nil {
		return fmt.Errorf("network 配置错误: %w", err)
	}

	if err := c.validateReceiverConfig(); err != nil {
		return fmt.Errorf("receiver 配置错误: %w", err)
	}

	// 端口冲突检测
	ports := map[int]string{
		c.Network.EncapPort: "udp_encap_port",
	}
	if existing, exists := ports[c.Network.EncapUcastPort]; exists {
		return fmt.Errorf("udp_encap_ucast_port (%d) 与 %s 冲突", c.Network.EncapUcastPort, existing)
	}
	ports[c.Network.EncapUcastPort] = "udp_encap_ucast_port"

	if c.Metrics.Enabled {
		metricsPort, err := parsePort(c.Metrics.Listen)
		if err != nil {
			return fmt.Errorf("metrics.listen 端口格式错误: %w", err)
		}
		if existing, exists := ports[metricsPort]; exists {
			return fmt.Errorf("metrics.listen 端口 (%d) 与 %s 冲突", metricsPort, existing)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") || !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return fmt.Errorf("metrics 路径必须以 / 开头")
		}
		if c.Metrics.Path == c.Metrics.HealthPath {
			return fmt.Errorf("metrics.path 与 health_path 相同: %s", c.Metrics.Path)
		}
	}

	return nil
}

func (c *Config) validateNetworkConfig() error {
	n := &c.Network

	group, err := netip.ParseAddr(n.Group)
	if err != nil {
		return fmt.Errorf("group 格式错误: %w", err)
	}
	if !group.Is4() || !group.IsMulticast() {
		return fmt.Errorf("group %s 不是 IPv4 组播地址", group)
	}

	if n.EncapPort < 1 || n.EncapPort > 65535 {
		return fmt.Errorf("udp_encap_port 需在 1-65535 之间")
	}
	if n.EncapUcastPort < 1 || n.EncapUcastPort > 65535 {
		return fmt.Errorf("udp_encap_ucast_port 需在 1-65535 之间")
	}
	if n.DPort < 0 || n.DPort > 65535 {
		return fmt.Errorf("dport 需在 0-65535 之间")
	}
	if n.ReadBuffer < 0 {
		return fmt.Errorf("read_buffer 不能为负")
	}
	return nil
}

func (c *Config) validateReceiverConfig() error {
	r := &c.Receiver

	if r.MaxTPDU < 64 || r.MaxTPDU > 65535 {
		return fmt.Errorf("max_tpdu 需在 64-65535 之间")
	}

	// 窗口容量: rxw_sqns 或 rxw_secs × rxw_max_rte 至少一个槽位
	if r.RxwSqns == 0 {
		if r.RxwSecs == 0 || r.RxwMaxRate == 0 {
			return fmt.Errorf("需要 rxw_sqns 或 rxw_secs + rxw_max_rte")
		}
		if uint64(r.RxwSecs)*r.RxwMaxRate/uint64(r.MaxTPDU) == 0 {
			return fmt.Errorf("rxw_secs × rxw_max_rte 不足一个 TPDU")
		}
	}

	if r.PeerExpiryMs <= 0 {
		return fmt.Errorf("peer_expiry_ms 必须为正")
	}
	if r.SPMRExpiryMs <= 0 || r.NakBackoffMs <= 0 || r.NakRepeatMs <= 0 || r.NakRdataMs <= 0 {
		return fmt.Errorf("定时器间隔必须为正")
	}
	if r.SPMRExpiryMs >= r.PeerExpiryMs {
		return fmt.Errorf("spmr_expiry_ms (%d) 必须小于 peer_expiry_ms (%d)", r.SPMRExpiryMs, r.PeerExpiryMs)
	}
	if r.NakDataRetries < 1 || r.NakNCFRetries < 1 {
		return fmt.Errorf("nak_data_retries 与 nak_ncf_retries 至少为 1")
	}
	return nil
}

// syncRelatedConfig 同步关联配置
func (c *Config) syncRelatedConfig() {
	c.LogLevel = strings.ToLower(c.LogLevel)

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.HealthPath == "" {
		c.Metrics.HealthPath = "/health"
	}
}

// parsePort 解析端口号
func parsePort(addr string) (int, error) {
	if strings.HasPrefix(addr, ":") {
		return strconv.Atoi(addr[1:])
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return strconv.Atoi(addr)
	}
	return strconv.Atoi(portStr)
}

// GetMetricsPort 获取监控端口
func (c *Config) GetMetricsPort() int {
	port, _ := parsePort(c.Metrics.Listen)
	return port
}

// ToReceiverConfig 转换为 transport 包的接收配置
func (c *Config) ToReceiverConfig() *transport.ReceiverConfig {
	r := &c.Receiver
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return &transport.ReceiverConfig{
		MaxTPDU:        r.MaxTPDU,
		RxwSqns:        r.RxwSqns,
		RxwSecs:        r.RxwSecs,
		RxwMaxRate:     r.RxwMaxRate,
		PeerExpiry:     ms(r.PeerExpiryMs),
		SPMRExpiry:     ms(r.SPMRExpiryMs),
		NakBackoffIvl:  ms(r.NakBackoffMs),
		NakRepeatIvl:   ms(r.NakRepeatMs),
		NakRdataIvl:    ms(r.NakRdataMs),
		NakDataRetries: r.NakDataRetries,
		NakNCFRetries:  r.NakNCFRetries,
		AbortOnReset:   r.AbortOnReset,
	}
}

// ToNetworkConfig 转换为 transport 包的网络配置
func (c *Config) ToNetworkConfig() transport.NetworkConfig {
	n := &c.Network
	return transport.NetworkConfig{
		Interface:     n.Interface,
		Group:         n.Group,
		MulticastPort: n.EncapPort,
		UnicastPort:   n.EncapUcastPort,
		DPort:         uint16(n.DPort),
		MulticastLoop: n.MulticastLoop,
		ReadBuffer:    n.ReadBuffer,
	}
}

// =============================================================================
// 配置文件示例生成
// =============================================================================

// GenerateExampleConfig 生成示例配置
func GenerateExampleConfig() string {
	return `# PGM 接收端配置文件示例
# =============================================================================

log_level: "info"                   # 日志级别: debug, info, warn, error

# UDP 封装网络
network:
  interface: ""                     # 组播接口, 为空时由系统选择
  group: "239.192.0.1"              # 组播组
  udp_encap_port: 3056              # 组播数据端口 (ODATA/SPM/NCF)
  udp_encap_ucast_port: 3055        # 源的 NAK 单播端口
  dport: 7500                       # PGM 数据目的端口, 0 表示不过滤
  multicast_loop: false             # 接收本机发出的组播
  read_buffer: 0                    # 套接字读缓冲区 (字节), 0 使用系统默认

# 接收窗口与 NAK
receiver:
  max_tpdu: 1500                    # 最大 TPDU
  rxw_sqns: 100                     # 窗口槽位数, 非 0 时优先
  # rxw_secs: 10                    # rxw_sqns 为 0 时按时间 × 速率计算槽位
  # rxw_max_rte: 1250000            # 最大速率 (字节/秒)
  peer_expiry_ms: 300000            # 对端空闲超时
  spmr_expiry_ms: 250               # 未知 NLA 时请求 SPM 的最大延迟
  nak_bo_ivl_ms: 50                 # NAK 随机退避上限
  nak_rpt_ivl_ms: 2000              # 等待 NCF 超时
  nak_rdata_ivl_ms: 2000            # 等待 RDATA 超时
  nak_data_retries: 50              # 等待 RDATA 最大重试
  nak_ncf_retries: 50               # 等待 NCF 最大重试
  abort_on_reset: false             # 数据丢失后拒绝后续读取

# Prometheus 监控
metrics:
  enabled: true
  listen: ":9100"
  path: "/metrics"
  health_path: "/health"
  enable_pprof: false
`
}

// WriteExampleConfig 写入示例配置文件
func WriteExampleConfig(path string) error {
	return os.WriteFile(path, []byte(GenerateExampleConfig()), 0644)
}
