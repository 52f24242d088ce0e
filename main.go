package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/life2you_mini/riskguard/internal/config"
	"github.com/life2you_mini/riskguard/internal/logger"
	"github.com/life2you_mini/riskguard/internal/services"
)

var (
	configFile = flag.String("config", "config/config.yaml", "配置文件路径")
	initConfig = flag.Bool("init-config", false, "生成默认配置文件后退出")
)

func main() {
	// 解析命令行参数
	flag.Parse()

	if *initConfig {
		if err := config.SaveConfigToFile(config.GetDefaultConfig(), *configFile); err != nil {
			fmt.Printf("生成默认配置失败: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("默认配置已写入 %s\n", *configFile)
		return
	}

	// 加载配置
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	log, err := logger.NewLogger(cfg.System.LogDir, cfg.System.LogLevel)
	if err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	log.Info("加载配置成功", zap.String("配置文件", *configFile))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 设置信号处理
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	// 创建服务
	service, err := services.NewRiskGuardService(ctx, cfg, log.Logger)
	if err != nil {
		log.Fatal("创建服务失败", zap.Error(err))
	}

	// 启动服务
	if err := service.Start(ctx); err != nil {
		log.Fatal("启动服务失败", zap.Error(err))
	}
	log.Info("服务已启动")

	// 等待终止信号
	sig := <-signalChan
	log.Info("接收到信号，准备关闭服务", zap.String("signal", sig.String()))

	// 创建关闭超时上下文
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// 停止服务
	if err := service.Stop(shutdownCtx); err != nil {
		log.Error("服务关闭失败", zap.Error(err))
		os.Exit(1)
	}

	log.Info("服务已优雅关闭")
}
