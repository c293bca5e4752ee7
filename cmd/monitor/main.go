package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dvrmonitorpro/dvrmonitorpro/addone/dvrapi"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/config"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/database"
	"github.com/dvrmonitorpro/dvrmonitorpro/internal/service"
	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/httpclient"
	"github.com/dvrmonitorpro/dvrmonitorpro/pkg/logger"
)

// 无HTTP面的巡检执行器：单次执行用于cron调度，连续模式用于常驻进程
func main() {
	configPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	checkType := flag.String("check", "", "检查类型: ping_only | full_check，默认取配置")
	continuous := flag.Bool("continuous", false, "连续巡检模式，按配置间隔循环")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	if err := database.InitSQLite(cfg.Database.SQLite); err != nil {
		logger.Fatal("Failed to initialize database", "error", err)
	}
	defer database.Close()

	dvrapi.RegisterBuiltins(httpclient.Config{
		Timeout:        cfg.Probe.Timeout,
		ConnectTimeout: cfg.Probe.ConnectTimeout,
	})

	if *checkType == "" {
		*checkType = cfg.Monitor.CheckType
	} else {
		cfg.Monitor.CheckType = *checkType
	}
	if *continuous {
		cfg.Monitor.Continuous = true
	}

	monitorService := service.NewMonitorService(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := monitorService.Start(ctx); err != nil {
		logger.Fatal("Failed to start monitor service", "error", err)
	}
	defer monitorService.Stop()

	if cfg.Monitor.Continuous {
		// 连续模式下Start已启动循环，这里只等退出信号
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		logger.Info("Monitor shutting down...")
		return
	}

	summary, err := monitorService.RunCycle(ctx, *checkType)
	if err != nil {
		logger.Fatal("Monitoring cycle failed", "error", err)
	}
	logger.Info("Cycle complete",
		"cycle_id", summary.CycleID,
		"total", summary.Total,
		"online", summary.Online,
		"offline", summary.Offline,
		"api_error", summary.APIError,
		"timeout", summary.Timeout,
		"duration_ms", summary.DurationMS)
}
