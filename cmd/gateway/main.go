package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/apis"
	"github.com/bujia-iot/iot-fixture/internal/infrastructure/config"
	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/internal/infrastructure/redis"
	"github.com/bujia-iot/iot-fixture/pkg/device"
	"github.com/bujia-iot/iot-fixture/pkg/protocol"
)

var configFile = flag.String("config", "configs/gateway.yaml", "配置文件路径")

func main() {
	flag.Parse()

	if err := config.Load(*configFile); err != nil {
		fmt.Printf("加载配置文件失败: %v\n", err)
		os.Exit(1)
	}
	cfg := config.GetConfig()

	if err := logger.Init(&cfg.Logger); err != nil {
		fmt.Printf("初始化日志系统失败: %v\n", err)
		os.Exit(1)
	}

	logger.Info("治具通信网关启动中...")

	// Redis仅承载设备档案，连接失败不阻断网关基本功能
	if err := redis.InitClient(); err != nil {
		logger.Errorf("初始化Redis连接失败: %v", err)
	}

	var profiles device.ProfileStore = device.NopProfileStore{}
	if client := redis.GetClient(); client != nil {
		profiles = device.NewRedisProfileStore(client)
	}

	protoMgr := protocol.NewProtocolManager(protocol.FallbackConfig{
		MaxAttempts:  cfg.Negotiation.MaxAttempts,
		BaseTimeout:  cfg.Serial.CommandTimeout(),
		ProbeTimeout: cfg.Negotiation.ProbeTimeout(),
	})

	bus := device.GetEventBus()
	manager := device.NewManager(
		device.OptionsFromConfig(&cfg.DevicePool, &cfg.Serial),
		protoMgr, bus, profiles)

	ctx, cancel := context.WithCancel(context.Background())
	manager.Start(ctx)

	httpServer := apis.NewGinHTTPServer(config.FormatHTTPAddress(), manager)
	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Errorf("HTTP API服务器退出: %v", err)
		}
	}()

	logger.Info("治具通信网关启动完成，等待设备接入...")

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	logger.Info("收到退出信号，网关关闭中...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Errorf("关闭HTTP API服务器失败: %v", err)
	}
	shutdownCancel()

	manager.Stop()
	cancel()

	if err := redis.Close(); err != nil {
		logger.Errorf("关闭Redis连接失败: %v", err)
	}

	logger.Info("治具通信网关已安全关闭")
}
