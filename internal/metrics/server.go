// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 健康检查和 Metrics 服务 - Prometheus 标准格式
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer 指标服务器
type MetricsServer struct {
	listen      string
	metricsPath string
	healthPath  string
	enablePprof bool

	httpServer *http.Server
	listener   net.Listener
	registry   *prometheus.Registry

	healthy     int32
	healthCheck func() HealthStatus

	mu sync.RWMutex
}

// HealthStatus 健康状态
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Uptime     time.Duration              `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// NewMetricsServer 创建指标服务器
func NewMetricsServer(listen, metricsPath, healthPath string, enablePprof bool) *MetricsServer {
	// 自定义 registry，避免污染全局
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &MetricsServer{
		listen:      listen,
		metricsPath: metricsPath,
		healthPath:  healthPath,
		enablePprof: enablePprof,
		healthy:     1,
		registry:    registry,
	}
}

// RegisterCollector 注册 Prometheus 收集器
func (s *MetricsServer) RegisterCollector(c prometheus.Collector) error {
	return s.registry.Register(c)
}

// MustRegisterCollector 注册收集器（失败时 panic）
func (s *MetricsServer) MustRegisterCollector(c prometheus.Collector) {
	s.registry.MustRegister(c)
}

// SetHealthCheck 设置健康检查函数
func (s *MetricsServer) SetHealthCheck(fn func() HealthStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthCheck = fn
}

// Handler 构建 HTTP 路由
func (s *MetricsServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// 健康检查端点
	mux.HandleFunc(s.healthPath, s.handleHealth)
	mux.HandleFunc(s.healthPath+"/live", s.handleLiveness)
	mux.HandleFunc(s.healthPath+"/ready", s.handleReadiness)

	mux.Handle(s.metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))

	if s.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// Start 启动服务器，监听失败时立即返回错误
func (s *MetricsServer) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.listen)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", s.listen, err)
	}

	s.mu.Lock()
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	srv := s.httpServer
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			fmt.Printf("[Metrics] 服务器错误: %v\n", err)
		}
	}()

	return nil
}

// Addr 返回实际监听地址，未启动时为空
func (s *MetricsServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// currentStatus 执行健康检查, 未设置时视为 healthy
func (s *MetricsServer) currentStatus() (HealthStatus, bool) {
	s.mu.RLock()
	check := s.healthCheck
	s.mu.RUnlock()

	if check == nil {
		return HealthStatus{Status: "healthy", Timestamp: time.Now()}, false
	}
	return check(), true
}

// handleHealth 健康检查处理, 非 healthy 返回 503
func (s *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, _ := s.currentStatus()

	w.Header().Set("Content-Type", "application/json")
	if status.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(status)
}

// handleLiveness 存活探针
func (s *MetricsServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.healthy) == 1 {
		writeProbe(w, http.StatusOK, "OK")
		return
	}
	writeProbe(w, http.StatusServiceUnavailable, "NOT OK")
}

// handleReadiness 就绪探针, degraded 仍视为就绪
func (s *MetricsServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	status, ok := s.currentStatus()
	if ok && (status.Status == "healthy" || status.Status == "degraded") {
		writeProbe(w, http.StatusOK, "READY")
		return
	}
	writeProbe(w, http.StatusServiceUnavailable, "NOT READY")
}

func writeProbe(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	w.Write([]byte(body))
}

// SetHealthy 设置存活状态
func (s *MetricsServer) SetHealthy(healthy bool) {
	var v int32
	if healthy {
		v = 1
	}
	atomic.StoreInt32(&s.healthy, v)
}

// Stop 停止服务器
func (s *MetricsServer) Stop() {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// GetRegistry 获取 registry
func (s *MetricsServer) GetRegistry() *prometheus.Registry {
	return s.registry
}
