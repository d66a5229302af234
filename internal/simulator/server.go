package simulator

import (
	"github.com/aceld/zinx/zconf"
	"github.com/aceld/zinx/ziface"
	"github.com/aceld/zinx/znet"
	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/constants"
	"github.com/sirupsen/logrus"
)

// ServerOptions 模拟器服务器配置
type ServerOptions struct {
	Host       string
	TCPPort    int
	BoardType  byte
	RelayCount byte
	LogHexDump bool
	Fault      FaultConfig
}

// NewServer 配置并创建模拟治具的Zinx TCP服务器
func NewServer(opts ServerOptions) ziface.IServer {
	zconf.GlobalObject.Name = "fixture-simulator"
	zconf.GlobalObject.Host = opts.Host
	zconf.GlobalObject.TCPPort = opts.TCPPort
	zconf.GlobalObject.MaxPacketSize = uint32(constants.BinaryHeaderSize + constants.BinaryMaxPayloadSize + constants.BinaryTrailerSize)
	zconf.GlobalObject.WorkerPoolSize = 4
	zconf.GlobalObject.LogIsolationLevel = 1

	server := znet.NewServer()

	// 自定义封包/解包器，按治具二进制消息切分
	server.SetPacket(NewFixtureDataPack(opts.LogHexDump))

	state := NewFixtureState(opts.BoardType, opts.RelayCount, opts.Fault)

	server.SetOnConnStart(func(conn ziface.IConnection) {
		logger.WithFields(logrus.Fields{
			"connID":     conn.GetConnID(),
			"remoteAddr": conn.RemoteAddr().String(),
		}).Info("测试机已连接")
	})
	server.SetOnConnStop(func(conn ziface.IConnection) {
		state.StopStream(conn.GetConnID())
		logger.WithFields(logrus.Fields{
			"connID": conn.GetConnID(),
		}).Info("测试机已断开")
	})

	registerRouters(server, state)
	return server
}

// registerRouters 按消息类型码注册处理器
func registerRouters(server ziface.IServer, state *FixtureState) {
	server.AddRouter(uint32(constants.MsgTypePing), &PingHandler{state: state})
	server.AddRouter(uint32(constants.MsgTypeVersion), &VersionHandler{state: state})
	server.AddRouter(uint32(constants.MsgTypeStatus), &StatusHandler{state: state})
	server.AddRouter(uint32(constants.MsgTypeMeasure), &MeasureHandler{state: state})
	server.AddRouter(uint32(constants.MsgTypeMeasureGroup), &MeasureGroupHandler{state: state})
	server.AddRouter(uint32(constants.MsgTypeStreamStart), &StreamStartHandler{state: state})
	server.AddRouter(uint32(constants.MsgTypeStreamStop), &StreamStopHandler{state: state})
}
