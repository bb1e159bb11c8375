package metrics

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mrcgq/pgm/internal/protocol"
	"github.com/mrcgq/pgm/internal/rxw"
	"github.com/mrcgq/pgm/internal/skbuff"
	"github.com/mrcgq/pgm/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
)

type fakeProvider struct {
	running bool
	stats   transport.SocketStats
	peers   []transport.PeerStats
}

func (f *fakeProvider) Stats() transport.SocketStats      { return f.stats }
func (f *fakeProvider) PeerStats() []transport.PeerStats { return f.peers }
func (f *fakeProvider) IsRunning() bool                  { return f.running }

// gather 采集 registry 并按名称索引样本值
func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("采集失败: %v", err)
	}
	out := make(map[string]float64)
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestSocketCollector(t *testing.T) {
	p := &fakeProvider{
		running: true,
		stats: transport.SocketStats{
			PacketsReceived: 10,
			NaksSent:        3,
			DataLossEvents:  1,
			Peers:           1,
		},
		peers: []transport.PeerStats{{
			TSI:         "10.0.0.1.18.52.1000",
			DataPackets: 7,
			NaksSent:    3,
			Window: rxw.Stats{
				Lead:             9,
				Alloc:            100,
				Length:           4,
				BackoffQueue:     2,
				CumulativeLosses: 5,
				MaxFillTime:      250 * time.Millisecond,
			},
		}},
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(NewSocketCollector(p))
	got := gather(t, reg)

	tsi := "{tsi=10.0.0.1.18.52.1000}"
	want := map[string]float64{
		"pgm_socket_packets_received_total":              10,
		"pgm_socket_naks_sent_total":                     3,
		"pgm_socket_data_loss_events_total":              1,
		"pgm_socket_peers":                               1,
		"pgm_peer_window_lead" + tsi:                     9,
		"pgm_peer_window_alloc" + tsi:                    100,
		"pgm_peer_window_length" + tsi:                   4,
		"pgm_peer_data_packets_total" + tsi:              7,
		"pgm_peer_losses_total" + tsi:                    5,
		"pgm_peer_max_fill_time_seconds" + tsi:           0.25,
		"pgm_peer_nak_queue_length{queue=backoff}" + tsi: 2,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}

	t.Run("对端消失后不再导出", func(t *testing.T) {
		p.peers = nil
		got := gather(t, reg)
		if _, ok := got["pgm_peer_window_lead"+tsi]; ok {
			t.Error("已移除对端的指标仍在导出")
		}
	})
}

func TestDeliveryMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewDeliveryMetrics(reg)

	tsi := protocol.TSI{GSI: protocol.GSI{1, 2, 3, 4, 5, 6}, SPort: 1000}
	b, err := protocol.BuildODATA(tsi, 7500, 0, 0, []byte("hello"), nil)
	if err != nil {
		t.Fatalf("构造 ODATA 失败: %v", err)
	}
	skb, err := skbuff.Parse(b, time.Now())
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}

	msgv := []rxw.Msgv{{TSI: tsi, Skbs: []*skbuff.Buffer{skb}}, {TSI: tsi, Skbs: []*skbuff.Buffer{skb}}}
	now := time.Unix(1700000000, 0)
	m.RecordBatch(msgv, time.Millisecond, now)
	m.RecordBatch(nil, time.Second, now)
	m.RecordError("reset")

	got := gather(t, reg)
	checks := map[string]float64{
		"pgm_app_messages_total":                  2,
		"pgm_app_bytes_total":                     10,
		"pgm_app_message_size_bytes":              2,
		"pgm_app_recv_batch_size":                 1,
		"pgm_app_recv_wait_seconds":               2,
		"pgm_app_last_delivery_timestamp_seconds": 1700000000,
		"pgm_app_recv_errors_total{type=reset}":   1,
	}
	for k, v := range checks {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestHealthTracker(t *testing.T) {
	p := &fakeProvider{stats: transport.SocketStats{Peers: 1}}
	h := NewHealthTracker(p, "1.0.0", time.Minute)
	t0 := time.Unix(1700000000, 0)
	clock := t0
	h.now = func() time.Time { return clock }
	h.startTime = t0

	t.Run("未运行", func(t *testing.T) {
		if st := h.Status(); st.Status != "unhealthy" {
			t.Errorf("Status = %s, want unhealthy", st.Status)
		}
	})

	p.running = true

	t.Run("运行中", func(t *testing.T) {
		h.RecordDelivery()
		st := h.Status()
		if st.Status != "healthy" || st.Version != "1.0.0" {
			t.Errorf("状态错误: %+v", st)
		}
		for _, c := range []string{"socket", "peers", "losses", "delivery"} {
			if _, ok := st.Components[c]; !ok {
				t.Errorf("缺少组件 %s", c)
			}
		}
	})

	t.Run("长时间无交付", func(t *testing.T) {
		clock = t0.Add(2 * time.Minute)
		if st := h.Status(); st.Status != "degraded" {
			t.Errorf("Status = %s, want degraded", st.Status)
		}
	})

	t.Run("丢失记录", func(t *testing.T) {
		for i := 0; i < maxLossHistory+5; i++ {
			h.RecordLoss("nak timeout")
		}
		if h.LossEvents() != maxLossHistory+5 {
			t.Errorf("LossEvents = %d", h.LossEvents())
		}
		if got := h.LossHistory(0); len(got) != maxLossHistory {
			t.Errorf("历史长度 = %d, want %d", len(got), maxLossHistory)
		}
		if got := h.LossHistory(3); len(got) != 3 {
			t.Errorf("LossHistory(3) 长度 = %d", len(got))
		}
		if !strings.Contains(h.Status().Components["losses"].Message, "events: 105") {
			t.Errorf("丢失组件信息错误: %s", h.Status().Components["losses"].Message)
		}
	})
}

func TestMetricsServerHandler(t *testing.T) {
	s := NewMetricsServer(":0", "/metrics", "/health", false)
	p := &fakeProvider{running: true, stats: transport.SocketStats{PacketsReceived: 42}}
	s.MustRegisterCollector(NewSocketCollector(p))

	h := NewHealthTracker(p, "test", 0)
	s.SetHealthCheck(h.Status)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	get := func(t *testing.T, path string) (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("请求 %s 失败: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	t.Run("metrics", func(t *testing.T) {
		code, body := get(t, "/metrics")
		if code != http.StatusOK {
			t.Fatalf("状态码 %d", code)
		}
		if !strings.Contains(body, "pgm_socket_packets_received_total 42") {
			t.Error("缺少 Socket 指标")
		}
		if !strings.Contains(body, "go_goroutines") {
			t.Error("缺少运行时指标")
		}
	})

	t.Run("health", func(t *testing.T) {
		code, body := get(t, "/health")
		if code != http.StatusOK {
			t.Fatalf("状态码 %d", code)
		}
		var st HealthStatus
		if err := json.Unmarshal([]byte(body), &st); err != nil {
			t.Fatalf("解析失败: %v", err)
		}
		if st.Status != "healthy" || st.Version != "test" {
			t.Errorf("状态错误: %+v", st)
		}
	})

	t.Run("未运行时不就绪", func(t *testing.T) {
		p.running = false
		defer func() { p.running = true }()
		if code, _ := get(t, "/health/ready"); code != http.StatusServiceUnavailable {
			t.Errorf("ready 状态码 %d", code)
		}
		if code, _ := get(t, "/health"); code != http.StatusServiceUnavailable {
			t.Errorf("health 状态码 %d", code)
		}
	})

	t.Run("存活探针", func(t *testing.T) {
		if code, _ := get(t, "/health/live"); code != http.StatusOK {
			t.Errorf("live 状态码 %d", code)
		}
		s.SetHealthy(false)
		if code, _ := get(t, "/health/live"); code != http.StatusServiceUnavailable {
			t.Errorf("live 状态码 %d", code)
		}
	})

	t.Run("pprof 默认关闭", func(t *testing.T) {
		if code, _ := get(t, "/debug/pprof/"); code != http.StatusNotFound {
			t.Errorf("pprof 状态码 %d", code)
		}
	})
}

func TestMetricsServerStart(t *testing.T) {
	s := NewMetricsServer("127.0.0.1:0", "/metrics", "/health", false)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	defer s.Stop()

	if s.Addr() == "" {
		t.Fatal("Addr 为空")
	}

	busy := NewMetricsServer(s.Addr(), "/metrics", "/health", false)
	if err := busy.Start(context.Background()); err == nil {
		busy.Stop()
		t.Error("端口占用时应返回错误")
	}
}
