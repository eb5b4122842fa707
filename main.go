package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"galaxyd/server"
)

// galaxyd 入口：启动 TCP 网关与管理 HTTP 面，周期驱动管家清扫
func main() {
	cfg := server.DefaultConfig()
	var (
		adminAddr string
		logFile   string
		idleSec   int
		graceSec  int
	)

	rootCmd := &cobra.Command{
		Use:   "galaxyd",
		Short: "扇区分片的多人游戏服务器",
		Long: `galaxyd 是银河扇区分片的多人游戏服务器核心：
TCP 网关 + 二进制线协议 + 每扇区独立 Tick 的世界模拟。`,
		SilenceUsage: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg.IdleTimeout = time.Duration(idleSec) * time.Second
			cfg.SectorGrace = time.Duration(graceSec) * time.Second
			return run(cfg, adminAddr, logFile)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&cfg.Addr, "addr", cfg.Addr, "游戏协议监听地址")
	f.StringVar(&adminAddr, "admin-addr", ":8081", "管理/监控 HTTP 监听地址")
	f.StringVar(&logFile, "log-file", "galaxyd.log", "日志文件路径")
	f.IntVar(&cfg.MaxClients, "max-clients", cfg.MaxClients, "最大同时在线客户端数")
	f.Int64Var(&cfg.WorldSeed, "seed", cfg.WorldSeed, "世界生成种子")
	f.IntVar(&idleSec, "idle-timeout", 60, "客户端空闲断开阈值（秒）")
	f.IntVar(&graceSec, "sector-grace", 300, "空扇区回收宽限期（秒）")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg server.Config, adminAddr, logFile string) error {
	if err := server.InitLogger(logFile); err != nil {
		return err
	}
	defer server.SyncLogger()

	gs := server.NewGameServer(cfg)
	if err := gs.Start(); err != nil {
		return err
	}
	defer gs.Stop()

	admin := &http.Server{Addr: adminAddr, Handler: gs.AdminRouter()}
	go func() {
		server.Log.Infof("admin listening on %s", adminAddr)
		if err := admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			server.Log.Errorf("admin listen: %v", err)
		}
	}()
	defer func() { _ = admin.Close() }()

	// 管家清扫：空闲连接与空置扇区
	housekeeping := time.NewTicker(time.Second)
	defer housekeeping.Stop()
	go func() {
		for range housekeeping.C {
			gs.Update(1.0)
		}
	}()

	// 优雅退出（Ctrl+C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	server.Log.Info("shutting down...")
	return nil
}
