// =============================================================================
// 文件: internal/transport/socket.go
// 描述: PGM 接收 Socket - UDP 封装组播接收, 按 TSI 分发到对端窗口并向应用交付 APDU
// =============================================================================
package transport

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/pgm/internal/protocol"
	"github.com/mrcgq/pgm/internal/rxw"
	"github.com/mrcgq/pgm/internal/skbuff"
	"golang.org/x/net/ipv4"
)

// Socket PGM 接收 Socket
//
// 读循环只负责收包并投递到队列, 窗口与对端表只在 Recv 所在协程中修改。
type Socket struct {
	cfg      *ReceiverConfig
	netCfg   NetworkConfig
	logLevel int

	group    netip.Addr
	nodeRand uint32

	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	ifi    *net.Interface
	writer PacketWriter

	peers     *PeerTable
	pending   []*Peer
	committed []*Peer
	reset     bool

	rand *rand.Rand
	now  func() time.Time

	packets   chan datagram
	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	running   int32
	closed    int32

	counters counters

	mu sync.RWMutex
}

// =============================================================================
// 构造函数
// =============================================================================

// NewSocket 创建接收 Socket, 需调用 Start 开始收包
func NewSocket(cfg *ReceiverConfig, netCfg NetworkConfig, logLevel string) (*Socket, error) {
	if cfg == nil {
		cfg = DefaultReceiverConfig()
	}
	if err := validateReceiverConfig(cfg); err != nil {
		return nil, err
	}

	group, err := netip.ParseAddr(netCfg.Group)
	if err != nil {
		return nil, fmt.Errorf("解析组播地址 %q: %w", netCfg.Group, err)
	}
	if !group.Is4() || !group.IsMulticast() {
		return nil, fmt.Errorf("%s 不是 IPv4 组播地址", group)
	}
	if netCfg.MulticastPort == 0 {
		netCfg.MulticastPort = DefaultMulticastPort
	}
	if netCfg.UnicastPort == 0 {
		netCfg.UnicastPort = DefaultUnicastPort
	}

	level := 1
	switch logLevel {
	case "debug":
		level = 2
	case "error":
		level = 0
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Socket{
		cfg:      cfg,
		netCfg:   netCfg,
		logLevel: level,
		group:    group,
		nodeRand: r.Uint32(),
		peers:    NewPeerTable(),
		rand:     r,
		now:      time.Now,
		packets:  make(chan datagram, defaultPacketQueueSize),
		stopCh:   make(chan struct{}),
	}, nil
}

func validateReceiverConfig(cfg *ReceiverConfig) error {
	if cfg.MaxTPDU <= protocol.HeaderSize {
		return fmt.Errorf("max_tpdu %d 过小", cfg.MaxTPDU)
	}
	if cfg.RxwSqns == 0 && (cfg.RxwSecs == 0 || cfg.RxwMaxRate == 0) {
		return fmt.Errorf("接收窗口未配置: 需要 rxw_sqns 或 rxw_secs+rxw_max_rate")
	}
	if cfg.PeerExpiry <= 0 {
		return fmt.Errorf("peer_expiry 必须为正")
	}
	if cfg.NakBackoffIvl < 0 || cfg.NakRepeatIvl <= 0 || cfg.NakRdataIvl <= 0 {
		return fmt.Errorf("NAK 定时器无效: backoff=%v repeat=%v rdata=%v",
			cfg.NakBackoffIvl, cfg.NakRepeatIvl, cfg.NakRdataIvl)
	}
	if cfg.NakDataRetries < 0 || cfg.NakNCFRetries < 0 {
		return fmt.Errorf("NAK 重试次数不能为负")
	}
	return nil
}

// =============================================================================
// 启动与停止
// =============================================================================

// Start 绑定组播端口并加入组播组
func (s *Socket) Start(ctx context.Context) error {
	if atomic.LoadInt32(&s.closed) == 1 {
		return ErrClosed
	}
	if !atomic.CompareAndSwapInt32(&s.running, 0, 1) {
		return fmt.Errorf("socket 已启动")
	}

	lc := listenConfig()
	addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(s.netCfg.MulticastPort))
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		atomic.StoreInt32(&s.running, 0)
		return fmt.Errorf("监听 %s: %w", addr, err)
	}
	conn := pc.(*net.UDPConn)

	if s.netCfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(s.netCfg.ReadBuffer); err != nil {
			s.log(1, "读缓冲区设置失败: %v", err)
		}
	}

	var ifi *net.Interface
	if s.netCfg.Interface != "" {
		ifi, err = net.InterfaceByName(s.netCfg.Interface)
		if err != nil {
			conn.Close()
			atomic.StoreInt32(&s.running, 0)
			return fmt.Errorf("查找接口 %s: %w", s.netCfg.Interface, err)
		}
	}

	p := ipv4.NewPacketConn(conn)
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: s.group.AsSlice()}); err != nil {
		conn.Close()
		atomic.StoreInt32(&s.running, 0)
		return fmt.Errorf("加入组播组 %s: %w", s.group, err)
	}
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			s.log(1, "设置组播接口失败: %v", err)
		}
	}
	if err := p.SetMulticastLoopback(s.netCfg.MulticastLoop); err != nil {
		s.log(1, "设置组播回环失败: %v", err)
	}
	if err := p.SetControlMessage(ipv4.FlagDst, true); err != nil {
		s.log(2, "目的地址控制消息不可用: %v", err)
	}

	s.mu.Lock()
	s.conn, s.pconn, s.ifi, s.writer = conn, p, ifi, conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(ctx)

	s.log(1, "PGM 接收已启动: group=%s port=%d nak_port=%d", s.group, s.netCfg.MulticastPort, s.netCfg.UnicastPort)
	return nil
}

// readLoop 读取循环, 只复制数据报并投递给 Recv
func (s *Socket) readLoop(ctx context.Context) {
	defer s.wg.Done()

	buf := make([]byte, 65535)

	for atomic.LoadInt32(&s.running) == 1 {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, cm, src, err := s.pconn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.log(2, "读取失败: %v", err)
				continue
			}
		}

		if n == 0 {
			continue
		}

		atomic.AddUint64(&s.counters.packetsReceived, 1)
		atomic.AddUint64(&s.counters.bytesReceived, uint64(n))

		d := datagram{b: make([]byte, n)}
		copy(d.b, buf[:n])
		if ua, ok := src.(*net.UDPAddr); ok {
			d.from = ua
		}
		if cm != nil {
			d.dst = cm.Dst
		}

		select {
		case s.packets <- d:
		default:
			atomic.AddUint64(&s.counters.packetsDropped, 1)
		}
	}
}

// Close 停止收包并释放所有对端
func (s *Socket) Close() error {
	s.closeOnce.Do(func() {
		atomic.StoreInt32(&s.closed, 1)
		atomic.StoreInt32(&s.running, 0)
		close(s.stopCh)

		s.mu.RLock()
		conn, pconn, ifi := s.conn, s.pconn, s.ifi
		s.mu.RUnlock()

		if pconn != nil {
			_ = pconn.LeaveGroup(ifi, &net.UDPAddr{IP: s.group.AsSlice()})
		}
		if conn != nil {
			conn.Close()
		}
		s.wg.Wait()

		s.mu.Lock()
		s.releaseCommit()
		var all []protocol.TSI
		s.peers.Range(func(p *Peer) bool {
			all = append(all, p.tsi)
			return true
		})
		for _, tsi := range all {
			s.peers.Remove(tsi)
		}
		s.pending = nil
		s.writer = nil
		s.mu.Unlock()

		s.log(1, "PGM 接收已停止")
	})
	return nil
}

// =============================================================================
// 接收
// =============================================================================

// Recv 阻塞直到有完整 APDU 可读, 最多填充 len(msgv) 个
//
// 返回的 skb 在下一次 Recv 或 Close 前有效。
// 会话发生不可恢复的丢失时返回包装 ErrConnReset 的错误, 每次丢失事件报告一次。
func (s *Socket) Recv(ctx context.Context, msgv []rxw.Msgv) (int, error) {
	if len(msgv) == 0 {
		return 0, fmt.Errorf("msgv 为空")
	}

	s.mu.Lock()
	s.releaseCommit()
	s.mu.Unlock()

	for {
		if atomic.LoadInt32(&s.closed) == 1 {
			return 0, ErrClosed
		}

		now := s.now()
		s.mu.Lock()
		if s.reset {
			s.mu.Unlock()
			return 0, fmt.Errorf("%w: 会话已中止", ErrConnReset)
		}
		s.dispatchTimers(now)
		n, err := s.flushPending(msgv)
		wait := s.nextDeadline(now).Sub(now)
		s.mu.Unlock()

		if n > 0 || err != nil {
			return n, err
		}

		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-s.stopCh:
			timer.Stop()
			return 0, ErrClosed
		case d := <-s.packets:
			timer.Stop()
			s.mu.Lock()
			s.handleDatagram(d.b, d.from, d.dst, s.now())
			s.drainPackets()
			s.mu.Unlock()
		case <-timer.C:
		}
	}
}

// drainPackets 非阻塞处理已排队的数据报
func (s *Socket) drainPackets() {
	for i := 1; i < maxBatch; i++ {
		select {
		case d := <-s.packets:
			s.handleDatagram(d.b, d.from, d.dst, s.now())
		default:
			return
		}
	}
}

// flushPending 按事件顺序读取对端窗口
//
// 丢失之前已完整的 APDU 先交付, 丢失在下一次调用时报告。
func (s *Socket) flushPending(msgv []rxw.Msgv) (int, error) {
	n := 0
	for len(s.pending) > 0 {
		p := s.pending[0]

		if p.lossDeferred && p.lossPending() {
			if n > 0 {
				return n, nil
			}
			return 0, s.reportLoss(p)
		}

		if n == len(msgv) {
			return n, nil
		}

		r, bytes := p.Read(msgv[n:])
		if r > 0 {
			n += r
			s.markCommitted(p)
			atomic.AddUint64(&s.counters.msgsDelivered, uint64(r))
			atomic.AddUint64(&s.counters.bytesDelivered, uint64(bytes))
		}

		if p.lossPending() {
			if n > 0 {
				p.lossDeferred = true
				return n, nil
			}
			return 0, s.reportLoss(p)
		}

		if n < len(msgv) {
			s.popPending()
		}
	}
	return n, nil
}

// reportLoss 消费对端的丢失事件并返回 ErrConnReset
func (s *Socket) reportLoss(p *Peer) error {
	lost, _ := p.HasDataLoss()
	p.lossDeferred = false
	atomic.AddUint64(&s.counters.dataLossEvents, 1)
	s.log(1, "对端 %s 数据丢失: %d 个序列号", p.tsi, lost)
	if s.cfg.AbortOnReset {
		s.reset = true
	}
	return fmt.Errorf("%w: %s 丢失 %d 个序列号", ErrConnReset, p.tsi, lost)
}

// checkPending 窗口有事件时加入待读队列
func (s *Socket) checkPending(p *Peer) {
	if p.inPending || !p.HasPending() {
		return
	}
	p.inPending = true
	s.pending = append(s.pending, p)
}

func (s *Socket) popPending() {
	p := s.pending[0]
	p.ClearPending()
	p.inPending = false
	s.pending[0] = nil
	s.pending = s.pending[1:]
}

func (s *Socket) markCommitted(p *Peer) {
	if p.inCommit {
		return
	}
	p.inCommit = true
	s.committed = append(s.committed, p)
}

// releaseCommit 释放上一次 Recv 交付的数据
func (s *Socket) releaseCommit() {
	for i, p := range s.committed {
		p.RemoveCommit()
		p.inCommit = false
		s.committed[i] = nil
	}
	s.committed = s.committed[:0]
}

// =============================================================================
// 包分发
// =============================================================================

// handleDatagram 解析并分发一个数据报, 调用方持有 mu
func (s *Socket) handleDatagram(b []byte, from *net.UDPAddr, dst net.IP, now time.Time) {
	skb, err := skbuff.Parse(b, now)
	if err != nil {
		atomic.AddUint64(&s.counters.malformed, 1)
		s.log(2, "丢弃来自 %s 的数据报: %v", from, err)
		return
	}

	if s.netCfg.DPort != 0 && s.dataPort(skb.Header) != s.netCfg.DPort {
		atomic.AddUint64(&s.counters.discarded, 1)
		skb.Free()
		return
	}

	switch t := skb.Header.Type(); t {
	case protocol.TypeODATA, protocol.TypeRDATA:
		s.onData(skb, from, dst, now)
	case protocol.TypeSPM:
		s.onSPM(skb, now)
		skb.Free()
	case protocol.TypeNCF:
		s.onNCF(skb, now)
		skb.Free()
	case protocol.TypePOLL:
		s.onPoll(skb, now)
		skb.Free()
	case protocol.TypeNAK, protocol.TypeNNAK:
		s.onPeerNak(skb, now)
		skb.Free()
	case protocol.TypeSPMR:
		s.onPeerSPMR(skb)
		skb.Free()
	default:
		atomic.AddUint64(&s.counters.discarded, 1)
		s.log(2, "忽略 %s 来自 %s", t, from)
		skb.Free()
	}
}

// dataPort 会话数据端口, 上行包的端口方向相反
func (s *Socket) dataPort(h protocol.Header) uint16 {
	if h.Type().IsUpstream() {
		return h.SourcePort()
	}
	return h.DestPort()
}

func (s *Socket) onData(skb *skbuff.Buffer, from *net.UDPAddr, dst net.IP, now time.Time) {
	atomic.AddUint64(&s.counters.dataPackets, 1)

	p, created, err := s.peers.GetOrCreate(skb.TSI, s.cfg, now)
	if err != nil {
		s.log(0, "创建对端 %s 失败: %v", skb.TSI, err)
		skb.Free()
		return
	}
	if created {
		s.log(1, "新对端 %s (来自 %s)", skb.TSI, from)
	}

	p.touch(now, s.cfg.PeerExpiry)
	p.from = from
	p.dport = skb.Header.DestPort()
	if addr, ok := netip.AddrFromSlice(dst); ok && addr.Unmap().IsMulticast() {
		p.group = addr.Unmap()
	}
	if !p.nla.IsValid() && p.spmrExpiry.IsZero() {
		p.spmrExpiry = now.Add(s.randDuration(s.cfg.SPMRExpiry))
	}

	ret := p.Add(skb, now, s.nakBackoffExpiry(now))
	s.log(2, "%s %s sqn=%d: %s", skb.TSI, skb.Header.Type(), skb.Sequence, ret)
	if !ret.Accepted() {
		if ret == rxw.Malformed {
			atomic.AddUint64(&s.counters.malformed, 1)
		} else if ret != rxw.Duplicate {
			atomic.AddUint64(&s.counters.discarded, 1)
		}
		skb.Free()
	}
	s.checkPending(p)
}

func (s *Socket) onSPM(skb *skbuff.Buffer, now time.Time) {
	spm, err := protocol.ParseSPM(skb.Bytes())
	if err != nil {
		atomic.AddUint64(&s.counters.malformed, 1)
		s.log(2, "SPM 无效: %v", err)
		return
	}
	atomic.AddUint64(&s.counters.spms, 1)

	p, created, err := s.peers.GetOrCreate(skb.TSI, s.cfg, now)
	if err != nil {
		s.log(0, "创建对端 %s 失败: %v", skb.TSI, err)
		return
	}
	if created {
		s.log(1, "新对端 %s (SPM)", skb.TSI)
	}
	p.touch(now, s.cfg.PeerExpiry)

	if p.spmSeen && spm.Sqn().LessThan(p.spmSqn) {
		atomic.AddUint64(&s.counters.discarded, 1)
		s.log(2, "%s 过期 SPM sqn=%d < %d", p.tsi, spm.Sqn(), p.spmSqn)
		return
	}
	p.spmSqn, p.spmSeen = spm.Sqn(), true
	p.stats.SPMsReceived++

	if nla := spm.NLA(); nla != p.nla {
		s.log(1, "对端 %s NLA: %s", p.tsi, nla)
		p.nla = nla
	}
	p.spmrExpiry = time.Time{}

	if added := p.window.Update(spm.Lead(), spm.Trail(), now, s.nakBackoffExpiry(now)); added > 0 {
		s.log(2, "%s SPM lead=%d 新增 %d 个占位", p.tsi, spm.Lead(), added)
	}
	s.checkPending(p)
}

// nakSqns 主序列号加 OPT_NAK_LIST
func nakSqns(skb *skbuff.Buffer) (protocol.Nak, []protocol.SequenceNumber, error) {
	body := skb.Bytes()
	nak, err := protocol.ParseNak(body)
	if err != nil {
		return nil, nil, err
	}
	sqns := []protocol.SequenceNumber{nak.Sqn()}
	if skb.Header.HasOptions() {
		opts, err := protocol.ParseOptions(body[nak.Size():])
		if err != nil {
			return nil, nil, err
		}
		sqns = append(sqns, opts.NakList...)
	}
	return nak, sqns, nil
}

func (s *Socket) onNCF(skb *skbuff.Buffer, now time.Time) {
	_, sqns, err := nakSqns(skb)
	if err != nil {
		atomic.AddUint64(&s.counters.malformed, 1)
		s.log(2, "NCF 无效: %v", err)
		return
	}
	atomic.AddUint64(&s.counters.ncfs, 1)

	p := s.peers.Get(skb.TSI)
	if p == nil {
		atomic.AddUint64(&s.counters.discarded, 1)
		return
	}
	p.touch(now, s.cfg.PeerExpiry)
	p.stats.NCFsReceived++

	rdata := now.Add(s.cfg.NakRdataIvl)
	for _, sqn := range sqns {
		ret := p.window.Confirm(sqn, now, rdata, s.nakBackoffExpiry(now))
		s.log(2, "%s NCF sqn=%d: %s", p.tsi, sqn, ret)
	}
	s.checkPending(p)
}

// onPeerNak 其他接收方的 NAK 抑制本地重复请求
func (s *Socket) onPeerNak(skb *skbuff.Buffer, now time.Time) {
	_, sqns, err := nakSqns(skb)
	if err != nil {
		atomic.AddUint64(&s.counters.malformed, 1)
		return
	}
	atomic.AddUint64(&s.counters.peerNaks, 1)

	p := s.peers.Get(skb.TSI)
	if p == nil {
		return
	}
	repeat := now.Add(s.cfg.NakRepeatIvl)
	for _, sqn := range sqns {
		if p.window.Suppress(sqn, repeat) {
			s.log(2, "%s sqn=%d NAK 被抑制", p.tsi, sqn)
		}
	}
}

// onPeerSPMR 其他接收方已请求 SPM
func (s *Socket) onPeerSPMR(skb *skbuff.Buffer) {
	if p := s.peers.Get(skb.TSI); p != nil {
		p.spmrExpiry = time.Time{}
	}
}

func (s *Socket) onPoll(skb *skbuff.Buffer, now time.Time) {
	poll, err := protocol.ParsePoll(skb.Bytes())
	if err != nil {
		atomic.AddUint64(&s.counters.malformed, 1)
		return
	}
	atomic.AddUint64(&s.counters.polls, 1)

	p := s.peers.Get(skb.TSI)
	if p == nil {
		return
	}
	p.touch(now, s.cfg.PeerExpiry)

	if poll.SubType() != protocol.PollGeneral {
		return
	}
	if mask := poll.Mask(); poll.Rand()&mask != s.nodeRand&mask {
		return
	}

	p.pollSqn, p.pollRound, p.pollNLA = poll.Sqn(), poll.Round(), poll.NLA()
	bo := time.Duration(poll.BackoffInterval()) * time.Microsecond
	p.polrExpiry = now.Add(s.randDuration(bo))
}

// =============================================================================
// 统计
// =============================================================================

// Stats Socket 统计快照
func (s *Socket) Stats() SocketStats {
	st := s.counters.snapshot()
	s.mu.RLock()
	st.Peers = s.peers.Len()
	st.PeersCreated = s.peers.TotalPeers()
	st.PeersExpired = s.peers.ExpiredPeers()
	s.mu.RUnlock()
	return st
}

// PeerStats 所有对端的统计快照, 按 TSI 排序
func (s *Socket) PeerStats() []PeerStats {
	s.mu.RLock()
	out := make([]PeerStats, 0, s.peers.Len())
	s.peers.Range(func(p *Peer) bool {
		out = append(out, p.Stats())
		return true
	})
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].TSI < out[j].TSI })
	return out
}

// IsRunning 读循环是否在运行
func (s *Socket) IsRunning() bool {
	if atomic.LoadInt32(&s.running) != 1 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil
}

// =============================================================================
// 日志方法
// =============================================================================

func (s *Socket) log(level int, format string, args ...interface{}) {
	if level > s.logLevel {
		return
	}
	prefix := map[int]string{0: "[ERROR]", 1: "[INFO]", 2: "[DEBUG]"}[level]
	fmt.Printf("%s %s [PGM] %s\n", prefix, time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}
