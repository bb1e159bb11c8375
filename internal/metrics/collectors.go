// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义 - Socket 计数器与对端窗口快照
// =============================================================================
package metrics

import (
	"github.com/mrcgq/pgm/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "pgm"

// StatsProvider Socket 统计数据接口
type StatsProvider interface {
	Stats() transport.SocketStats
	PeerStats() []transport.PeerStats
	IsRunning() bool
}

// =============================================================================
// Socket 收集器
// =============================================================================

// socketMetric 单个 Socket 计数器描述
type socketMetric struct {
	desc  *prometheus.Desc
	vtype prometheus.ValueType
	value func(*transport.SocketStats) float64
}

func counterOf(name, help string, fn func(*transport.SocketStats) uint64) socketMetric {
	return socketMetric{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "socket", name),
			help, nil, nil,
		),
		vtype: prometheus.CounterValue,
		value: func(s *transport.SocketStats) float64 { return float64(fn(s)) },
	}
}

// SocketCollector Socket 指标收集器
type SocketCollector struct {
	statsProvider StatsProvider

	socket []socketMetric
	peers  *prometheus.Desc

	// 对端相关
	peerLeadDesc          *prometheus.Desc
	peerTrailDesc         *prometheus.Desc
	peerLengthDesc        *prometheus.Desc
	peerAllocDesc         *prometheus.Desc
	peerQueueDesc         *prometheus.Desc
	peerDataPacketsDesc   *prometheus.Desc
	peerDuplicatesDesc    *prometheus.Desc
	peerNaksSentDesc      *prometheus.Desc
	peerLossesDesc        *prometheus.Desc
	peerMsgsDesc          *prometheus.Desc
	peerBytesDesc         *prometheus.Desc
	peerMaxFillTimeDesc   *prometheus.Desc
	peerMaxNakTxCountDesc *prometheus.Desc
}

// NewSocketCollector 创建 Socket 收集器
func NewSocketCollector(provider StatsProvider) *SocketCollector {
	peerDesc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "peer", name),
			help, append([]string{"tsi"}, labels...), nil,
		)
	}

	return &SocketCollector{
		statsProvider: provider,

		socket: []socketMetric{
			counterOf("packets_received_total", "Total datagrams read from the socket",
				func(s *transport.SocketStats) uint64 { return s.PacketsReceived }),
			counterOf("bytes_received_total", "Total bytes read from the socket",
				func(s *transport.SocketStats) uint64 { return s.BytesReceived }),
			counterOf("packets_dropped_total", "Datagrams dropped because the receive queue was full",
				func(s *transport.SocketStats) uint64 { return s.PacketsDropped }),
			counterOf("malformed_total", "Packets failing header, checksum or option validation",
				func(s *transport.SocketStats) uint64 { return s.Malformed }),
			counterOf("discarded_total", "Valid packets discarded by filters or window bounds",
				func(s *transport.SocketStats) uint64 { return s.Discarded }),
			counterOf("data_packets_total", "ODATA and RDATA packets received",
				func(s *transport.SocketStats) uint64 { return s.DataPackets }),
			counterOf("spms_total", "SPM packets received",
				func(s *transport.SocketStats) uint64 { return s.SPMs }),
			counterOf("ncfs_total", "NCF packets received",
				func(s *transport.SocketStats) uint64 { return s.NCFs }),
			counterOf("polls_total", "POLL packets received",
				func(s *transport.SocketStats) uint64 { return s.Polls }),
			counterOf("peer_naks_total", "NAKs from other receivers used for suppression",
				func(s *transport.SocketStats) uint64 { return s.PeerNaks }),
			counterOf("naks_sent_total", "NAK packets sent",
				func(s *transport.SocketStats) uint64 { return s.NaksSent }),
			counterOf("nak_sqns_sent_total", "Sequence numbers requested by NAKs",
				func(s *transport.SocketStats) uint64 { return s.NakSqnsSent }),
			counterOf("spmrs_sent_total", "SPMR packets sent",
				func(s *transport.SocketStats) uint64 { return s.SPMRsSent }),
			counterOf("polrs_sent_total", "POLR packets sent",
				func(s *transport.SocketStats) uint64 { return s.POLRsSent }),
			counterOf("send_errors_total", "Failed upstream sends",
				func(s *transport.SocketStats) uint64 { return s.SendErrors }),
			counterOf("nak_timeouts_total", "Sequences abandoned after exhausting NAK retries",
				func(s *transport.SocketStats) uint64 { return s.NakTimeouts }),
			counterOf("lost_sequences_total", "Sequences marked unrecoverable by the socket",
				func(s *transport.SocketStats) uint64 { return s.LostSequences }),
			counterOf("data_loss_events_total", "Data loss events reported to the application",
				func(s *transport.SocketStats) uint64 { return s.DataLossEvents }),
			counterOf("msgs_delivered_total", "APDUs delivered to the application",
				func(s *transport.SocketStats) uint64 { return s.MsgsDelivered }),
			counterOf("bytes_delivered_total", "APDU bytes delivered to the application",
				func(s *transport.SocketStats) uint64 { return s.BytesDelivered }),
			counterOf("peers_created_total", "Peers created",
				func(s *transport.SocketStats) uint64 { return s.PeersCreated }),
			counterOf("peers_expired_total", "Peers removed after idling",
				func(s *transport.SocketStats) uint64 { return s.PeersExpired }),
		},
		peers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "socket", "peers"),
			"Number of known peers",
			nil, nil,
		),

		peerLeadDesc:          peerDesc("window_lead", "Receive window lead sequence number"),
		peerTrailDesc:         peerDesc("window_trail", "Receive window trail sequence number"),
		peerLengthDesc:        peerDesc("window_length", "Sequences currently held by the window"),
		peerAllocDesc:         peerDesc("window_alloc", "Receive window capacity in sequences"),
		peerQueueDesc:         peerDesc("nak_queue_length", "Entries in each NAK state queue", "queue"),
		peerDataPacketsDesc:   peerDesc("data_packets_total", "Data packets accepted by the window"),
		peerDuplicatesDesc:    peerDesc("duplicates_total", "Duplicate data packets"),
		peerNaksSentDesc:      peerDesc("naks_sent_total", "NAK packets sent to this peer"),
		peerLossesDesc:        peerDesc("losses_total", "Cumulative unrecoverable sequences"),
		peerMsgsDesc:          peerDesc("msgs_delivered_total", "APDUs delivered from this peer"),
		peerBytesDesc:         peerDesc("bytes_delivered_total", "APDU bytes delivered from this peer"),
		peerMaxFillTimeDesc:   peerDesc("max_fill_time_seconds", "Longest repair latency observed"),
		peerMaxNakTxCountDesc: peerDesc("max_nak_transmit_count", "Most NAKs sent for a repaired sequence"),
	}
}

// Describe 实现 prometheus.Collector 接口
func (c *SocketCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.socket {
		ch <- m.desc
	}
	ch <- c.peers
	ch <- c.peerLeadDesc
	ch <- c.peerTrailDesc
	ch <- c.peerLengthDesc
	ch <- c.peerAllocDesc
	ch <- c.peerQueueDesc
	ch <- c.peerDataPacketsDesc
	ch <- c.peerDuplicatesDesc
	ch <- c.peerNaksSentDesc
	ch <- c.peerLossesDesc
	ch <- c.peerMsgsDesc
	ch <- c.peerBytesDesc
	ch <- c.peerMaxFillTimeDesc
	ch <- c.peerMaxNakTxCountDesc
}

// Collect 实现 prometheus.Collector 接口
func (c *SocketCollector) Collect(ch chan<- prometheus.Metric) {
	stats := c.statsProvider.Stats()
	for _, m := range c.socket {
		ch <- prometheus.MustNewConstMetric(m.desc, m.vtype, m.value(&stats))
	}
	ch <- prometheus.MustNewConstMetric(c.peers, prometheus.GaugeValue, float64(stats.Peers))

	// 各对端统计
	for _, p := range c.statsProvider.PeerStats() {
		w := &p.Window
		gauge := func(d *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, append([]string{p.TSI}, labels...)...)
		}
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), p.TSI)
		}

		gauge(c.peerLeadDesc, float64(w.Lead))
		gauge(c.peerTrailDesc, float64(w.Trail))
		gauge(c.peerLengthDesc, float64(w.Length))
		gauge(c.peerAllocDesc, float64(w.Alloc))
		gauge(c.peerQueueDesc, float64(w.BackoffQueue), "backoff")
		gauge(c.peerQueueDesc, float64(w.WaitNCFQueue), "wait_ncf")
		gauge(c.peerQueueDesc, float64(w.WaitDataQueue), "wait_data")
		counter(c.peerDataPacketsDesc, p.DataPackets)
		counter(c.peerDuplicatesDesc, p.Duplicates)
		counter(c.peerNaksSentDesc, p.NaksSent)
		counter(c.peerLossesDesc, uint64(w.CumulativeLosses))
		counter(c.peerMsgsDesc, w.MsgsDelivered)
		counter(c.peerBytesDesc, w.BytesDelivered)
		gauge(c.peerMaxFillTimeDesc, w.MaxFillTime.Seconds())
		gauge(c.peerMaxNakTxCountDesc, float64(w.MaxNakTransmitCount))
	}
}
