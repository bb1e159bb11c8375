// =============================================================================
// 文件: internal/transport/nak.go
// 描述: 接收方定时器 - NAK 退避/重复/等待重传, SPMR 与 POLR 发送, 对端过期
// =============================================================================
package transport

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/mrcgq/pgm/internal/protocol"
	"github.com/mrcgq/pgm/internal/rxw"
)

// dispatchTimers 处理所有到期的定时器, 调用方持有 mu
func (s *Socket) dispatchTimers(now time.Time) {
	s.peers.Range(func(p *Peer) bool {
		s.checkSPMR(p, now)
		s.checkPOLR(p, now)
		s.nakBackoffState(p, now)
		s.nakRepeatState(p, now)
		s.nakRdataState(p, now)
		s.checkPending(p)
		return true
	})

	expired := s.peers.Expire(now, func(p *Peer) bool {
		return p.inCommit || p.inPending
	})
	for _, tsi := range expired {
		s.log(1, "对端 %s 超时移除", tsi)
	}
}

// expired 收集队列中已到期的序列号
func expired(q *rxw.Queue, now time.Time, limit int) []protocol.SequenceNumber {
	var sqns []protocol.SequenceNumber
	q.Each(func(e *rxw.Entry) bool {
		if !now.Before(e.Expiry()) {
			sqns = append(sqns, e.Sequence())
		}
		return limit <= 0 || len(sqns) < limit
	})
	return sqns
}

// nakBackoffState BACK_OFF 到期: 发送 NAK 并进入 WAIT_NCF
//
// 单个 NAK 最多携带 MaxNakSqns 个序列号, 剩余的在下一轮处理。
func (s *Socket) nakBackoffState(p *Peer, now time.Time) {
	sqns := expired(p.window.BackoffQueue(), now, protocol.MaxNakSqns)
	if len(sqns) == 0 {
		return
	}

	// 没有 NLA 无法请求重传
	if !p.nla.IsValid() {
		for _, sqn := range sqns {
			p.window.MarkLost(sqn)
		}
		atomic.AddUint64(&s.counters.lostSequences, uint64(len(sqns)))
		s.log(2, "%s NLA 未知, %d 个序列号标记丢失", p.tsi, len(sqns))
		return
	}

	s.sendNak(p, sqns)

	repeat := now.Add(s.cfg.NakRepeatIvl)
	for _, sqn := range sqns {
		p.window.WaitNCF(sqn, repeat)
	}
}

// nakRepeatState WAIT_NCF 到期: 重试或放弃
func (s *Socket) nakRepeatState(p *Peer, now time.Time) {
	for _, sqn := range expired(p.window.WaitNCFQueue(), now, 0) {
		e := p.window.Peek(sqn)
		if e.NCFRetryCount()+1 >= s.cfg.NakNCFRetries {
			s.giveUp(p, sqn, "NCF")
			continue
		}
		p.window.Backoff(sqn, s.nakBackoffExpiry(now))
	}
}

// nakRdataState WAIT_DATA 到期: 重试或放弃
func (s *Socket) nakRdataState(p *Peer, now time.Time) {
	for _, sqn := range expired(p.window.WaitDataQueue(), now, 0) {
		e := p.window.Peek(sqn)
		if e.DataRetryCount()+1 >= s.cfg.NakDataRetries {
			s.giveUp(p, sqn, "RDATA")
			continue
		}
		p.window.Backoff(sqn, s.nakBackoffExpiry(now))
	}
}

func (s *Socket) giveUp(p *Peer, sqn protocol.SequenceNumber, waiting string) {
	p.window.MarkLost(sqn)
	atomic.AddUint64(&s.counters.nakTimeouts, 1)
	atomic.AddUint64(&s.counters.lostSequences, 1)
	s.log(2, "%s sqn=%d 等待 %s 超过重试上限, 标记丢失", p.tsi, sqn, waiting)
}

// sendNak 向源单播 NAK
func (s *Socket) sendNak(p *Peer, sqns []protocol.SequenceNumber) {
	group := p.group
	if !group.IsValid() {
		group = s.group
	}
	b, err := protocol.BuildNak(protocol.TypeNAK, p.tsi, p.dport, sqns, p.nla, group)
	if err != nil {
		s.log(0, "构造 NAK 失败: %v", err)
		return
	}
	if !s.send(b, &net.UDPAddr{IP: p.nla.AsSlice(), Port: s.netCfg.UnicastPort}) {
		return
	}
	atomic.AddUint64(&s.counters.naksSent, 1)
	atomic.AddUint64(&s.counters.nakSqnsSent, uint64(len(sqns)))
	p.stats.NaksSent++
	p.stats.NakSqnsSent += uint64(len(sqns))
	s.log(2, "%s NAK %d 个序列号 -> %s", p.tsi, len(sqns), p.nla)
}

// checkSPMR NLA 未知时请求 SPM: 组播供其他接收方抑制, 并单播给源
func (s *Socket) checkSPMR(p *Peer, now time.Time) {
	if p.spmrExpiry.IsZero() || now.Before(p.spmrExpiry) {
		return
	}
	p.spmrExpiry = time.Time{}
	if p.nla.IsValid() {
		return
	}

	b := protocol.BuildSPMR(p.tsi, p.dport)
	sent := s.send(b, &net.UDPAddr{IP: s.group.AsSlice(), Port: s.netCfg.MulticastPort})
	if p.from != nil {
		sent = s.send(b, &net.UDPAddr{IP: p.from.IP, Port: s.netCfg.UnicastPort}) || sent
	}
	if sent {
		atomic.AddUint64(&s.counters.spmrsSent, 1)
		p.stats.SPMRsSent++
		s.log(2, "%s 发送 SPMR", p.tsi)
	}
}

// checkPOLR 回应通用 POLL
func (s *Socket) checkPOLR(p *Peer, now time.Time) {
	if p.polrExpiry.IsZero() || now.Before(p.polrExpiry) {
		return
	}
	p.polrExpiry = time.Time{}

	dst := p.pollNLA
	if !dst.IsValid() {
		dst = p.nla
	}
	if !dst.IsValid() {
		return
	}

	b := protocol.BuildPOLR(p.tsi, p.dport, p.pollSqn, p.pollRound)
	if s.send(b, &net.UDPAddr{IP: dst.AsSlice(), Port: s.netCfg.UnicastPort}) {
		atomic.AddUint64(&s.counters.polrsSent, 1)
		p.stats.POLRsSent++
	}
}

// nextDeadline 最近的定时器到期时间, 最长等待 maxIdleWait
func (s *Socket) nextDeadline(now time.Time) time.Time {
	next := now.Add(maxIdleWait)
	consider := func(t time.Time) {
		if !t.IsZero() && t.Before(next) {
			next = t
		}
	}
	s.peers.Range(func(p *Peer) bool {
		if t, ok := p.window.NextExpiry(); ok {
			consider(t)
		}
		consider(p.spmrExpiry)
		consider(p.polrExpiry)
		if p.expiry.After(now) {
			consider(p.expiry)
		}
		return true
	})
	return next
}

// nakBackoffExpiry NAK 随机退避到期时间, 取 (0, NakBackoffIvl]
func (s *Socket) nakBackoffExpiry(now time.Time) time.Time {
	return now.Add(s.randDuration(s.cfg.NakBackoffIvl))
}

func (s *Socket) randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return time.Nanosecond
	}
	return time.Duration(1 + s.rand.Int63n(int64(max)))
}

// send 发送上行包, 失败只计数
func (s *Socket) send(b []byte, addr *net.UDPAddr) bool {
	if s.writer == nil {
		return false
	}
	if _, err := s.writer.WriteTo(b, addr); err != nil {
		atomic.AddUint64(&s.counters.sendErrors, 1)
		s.log(0, "发送到 %s 失败: %v", addr, err)
		return false
	}
	return true
}
