package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/config"
	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/internal/simulator"
)

var (
	host        = flag.String("host", "0.0.0.0", "监听地址")
	port        = flag.Int("port", 7700, "监听端口")
	boardType   = flag.Int("board", 4, "模拟板卡类型码")
	relayCount  = flag.Int("relays", 32, "模拟继电器数量")
	dropRate    = flag.Float64("drop", 0, "故障注入：响应丢弃概率 [0,1)")
	corruptRate = flag.Float64("corrupt", 0, "故障注入：响应损坏概率 [0,1)")
	delayMs     = flag.Int("delay", 0, "故障注入：响应延迟(毫秒)")
	hexDump     = flag.Bool("hexdump", false, "记录原始字节十六进制")
)

func main() {
	flag.Parse()

	loggerCfg := config.LoggerConfig{
		Level:         "debug",
		Format:        "text",
		EnableConsole: true,
	}
	if err := logger.Init(&loggerCfg); err != nil {
		fmt.Printf("初始化日志系统失败: %v\n", err)
		os.Exit(1)
	}

	server := simulator.NewServer(simulator.ServerOptions{
		Host:       *host,
		TCPPort:    *port,
		BoardType:  byte(*boardType),
		RelayCount: byte(*relayCount),
		LogHexDump: *hexDump,
		Fault: simulator.FaultConfig{
			DropRate:      *dropRate,
			CorruptRate:   *corruptRate,
			ResponseDelay: time.Duration(*delayMs) * time.Millisecond,
		},
	})

	logger.Infof("治具模拟器监听 %s:%d，板卡类型%d，继电器%d路", *host, *port, *boardType, *relayCount)
	go server.Serve()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	<-c

	server.Stop()
	logger.Info("治具模拟器已退出")
}
