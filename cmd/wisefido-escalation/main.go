package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"wisefido-escalation/internal/common/logger"
	"wisefido-escalation/internal/config"
	"wisefido-escalation/internal/service"

	"go.uber.org/zap"
)

func main() {
	// 1. 加载配置
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// 2. 初始化日志
	log, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "wisefido-escalation")
	if err != nil {
		panic(fmt.Sprintf("Failed to init logger: %v", err))
	}
	defer log.Sync()

	// 3. 创建服务
	escalationService, err := service.NewEscalationService(cfg, log)
	if err != nil {
		log.Fatal("Failed to create escalation service",
			zap.Error(err),
		)
	}
	defer escalationService.Stop()

	// 4. 创建上下文（支持优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 启动服务（在 goroutine 中）
	serviceErrChan := make(chan error, 1)
	serviceDone := make(chan struct{})
	go func() {
		defer close(serviceDone)
		if err := escalationService.Start(ctx); err != nil {
			serviceErrChan <- err
		}
	}()

	// 6. 等待信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("Received signal, shutting down",
			zap.String("signal", sig.String()),
		)
		cancel() // 取消上下文，等待执行中的任务结束
		<-serviceDone
	case err := <-serviceErrChan:
		log.Error("Service error",
			zap.Error(err),
		)
		escalationService.Stop()
		os.Exit(1)
	}

	log.Info("Escalation service stopped")
}
