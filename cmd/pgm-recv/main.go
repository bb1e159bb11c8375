// =============================================================================
// 文件: cmd/pgm-recv/main.go
// 描述: 主程序入口 - PGM 组播接收端, 集成 Prometheus 指标
// =============================================================================
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mrcgq/pgm/internal/config"
	"github.com/mrcgq/pgm/internal/metrics"
	"github.com/mrcgq/pgm/internal/rxw"
	"github.com/mrcgq/pgm/internal/transport"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const recvBatch = 16

func main() {
	configPath := flag.String("c", "config.yaml", "配置文件路径")
	showVersion := flag.Bool("v", false, "显示版本")
	genConfig := flag.Bool("gen-config", false, "生成示例配置文件")
	group := flag.String("group", "", "覆盖组播地址")
	quiet := flag.Bool("q", false, "不打印收到的消息")
	statsEvery := flag.Duration("stats", 0, "统计打印间隔, 0 关闭")
	flag.Parse()

	if *showVersion {
		printVersion()
		return
	}

	if *genConfig {
		if err := config.WriteExampleConfig("config.example.yaml"); err != nil {
			fmt.Fprintf(os.Stderr, "生成配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("已生成示例配置文件: config.example.yaml")
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}
	if *group != "" {
		cfg.Network.Group = *group
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
			os.Exit(1)
		}
	}

	if err := run(cfg, *quiet, *statsEvery); err != nil {
		fmt.Fprintf(os.Stderr, "运行失败: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, quiet bool, statsEvery time.Duration) error {
	sock, err := transport.NewSocket(cfg.ToReceiverConfig(), cfg.ToNetworkConfig(), cfg.LogLevel)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := sock.Start(ctx); err != nil {
		return err
	}
	defer sock.Close()

	// 创建 Metrics 服务器
	var metricsServer *metrics.MetricsServer
	var delivery *metrics.DeliveryMetrics
	health := metrics.NewHealthTracker(sock, Version, 0)

	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen,
			cfg.Metrics.Path,
			cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof,
		)
		metricsServer.MustRegisterCollector(metrics.NewSocketCollector(sock))
		delivery = metrics.NewDeliveryMetrics(metricsServer.GetRegistry())
		metricsServer.SetHealthCheck(health.Status)

		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("Metrics 启动失败: %w", err)
		}
		defer metricsServer.Stop()
	}

	printBanner(cfg, metricsServer)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return recvLoop(gctx, sock, delivery, health, quiet, cfg.Receiver.AbortOnReset)
	})

	if statsEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(statsEvery)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					printStats(sock.Stats())
				}
			}
		})
	}

	err = g.Wait()
	fmt.Println("\n正在关闭...")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// recvLoop 持续读取 APDU, 未开启 abort_on_reset 时数据丢失只记录不退出
func recvLoop(ctx context.Context, sock *transport.Socket, m *metrics.DeliveryMetrics, health *metrics.HealthTracker, quiet, abortOnReset bool) error {
	msgv := make([]rxw.Msgv, recvBatch)

	for {
		start := time.Now()
		n, err := sock.Recv(ctx, msgv)
		now := time.Now()

		switch {
		case err == nil:
		case errors.Is(err, transport.ErrConnReset):
			health.RecordLoss(err.Error())
			if m != nil {
				m.RecordError("reset")
			}
			if abortOnReset {
				return err
			}
			fmt.Fprintf(os.Stderr, "%s [WARN] %v\n", now.Format("15:04:05"), err)
			continue
		case errors.Is(err, transport.ErrClosed):
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			if m != nil {
				m.RecordError("other")
			}
			return err
		}

		if m != nil {
			m.RecordBatch(msgv[:n], now.Sub(start), now)
		}
		if n > 0 {
			health.RecordDelivery()
		}
		if quiet {
			continue
		}
		for i := 0; i < n; i++ {
			fmt.Printf("%s %s %d: %q\n", now.Format("15:04:05.000"), msgv[i].TSI, msgv[i].Len(), msgv[i].Bytes())
		}
	}
}

// =============================================================================
// 版本和横幅
// =============================================================================

func printVersion() {
	fmt.Printf("PGM Receiver v%s\n", Version)
	fmt.Printf("  Build: %s\n", BuildTime)
	fmt.Printf("  Commit: %s\n", GitCommit)
	fmt.Printf("  Go: %s\n", runtime.Version())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func printBanner(cfg *config.Config, ms *metrics.MetricsServer) {
	fmt.Println()
	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Printf("║  PGM Receiver v%-30s║\n", Version)
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Printf("  组播地址 : %s:%d (dport %d)\n", cfg.Network.Group, cfg.Network.EncapPort, cfg.Network.DPort)
	fmt.Printf("  单播端口 : %d\n", cfg.Network.EncapUcastPort)
	if cfg.Receiver.RxwSqns > 0 {
		fmt.Printf("  接收窗口 : %d sqns\n", cfg.Receiver.RxwSqns)
	} else {
		fmt.Printf("  接收窗口 : %ds @ %d B/s\n", cfg.Receiver.RxwSecs, cfg.Receiver.RxwMaxRate)
	}
	fmt.Printf("  NAK      : bo=%dms rpt=%dms rdata=%dms\n",
		cfg.Receiver.NakBackoffMs, cfg.Receiver.NakRepeatMs, cfg.Receiver.NakRdataMs)
	if ms != nil {
		fmt.Printf("  Metrics  : http://%s%s\n", ms.Addr(), cfg.Metrics.Path)
	}
	fmt.Printf("  日志级别 : %s\n", cfg.LogLevel)
	fmt.Println()
}

func printStats(st transport.SocketStats) {
	fmt.Printf("[STATS] peers=%d pkts=%d data=%d naks=%d lost=%d msgs=%d bytes=%d malformed=%d dropped=%d\n",
		st.Peers, st.PacketsReceived, st.DataPackets, st.NaksSent, st.LostSequences,
		st.MsgsDelivered, st.BytesDelivered, st.Malformed, st.PacketsDropped)
}
