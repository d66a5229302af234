package device

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/bujia-iot/iot-fixture/pkg/protocol"
	"github.com/bujia-iot/iot-fixture/pkg/transport"
	"github.com/sirupsen/logrus"
)

// Controller 统一设备控制器
// 将传输、协议协商、健康跟踪与事件发布收拢到单个设备句柄之后
// 上层只面对Execute/Connect/Disconnect三个动作，协议差异被完全屏蔽
type Controller struct {
	mu sync.Mutex

	deviceID   string
	deviceType string
	transport  transport.Transport
	manager    *protocol.ProtocolManager
	profile    *protocol.DeviceProfile

	proto       protocol.Protocol
	state       ConnectionState
	connectedAt time.Time

	health *DeviceHealth
	bus    *EventBus

	// 池调度用计数，由设备管理器读取
	usageCount uint64

	streamHandler protocol.StreamHandler
}

// NewController 创建设备控制器
func NewController(deviceID string, t transport.Transport, manager *protocol.ProtocolManager, bus *EventBus) *Controller {
	if bus == nil {
		bus = GetEventBus()
	}
	return &Controller{
		deviceID:  deviceID,
		transport: t,
		manager:   manager,
		profile:   &protocol.DeviceProfile{DeviceID: deviceID},
		state:     StateDisconnected,
		health:    NewDeviceHealth(),
		bus:       bus,
	}
}

// DeviceID 返回设备ID
func (c *Controller) DeviceID() string {
	return c.deviceID
}

// IncrementUsage 递增池调度用计数
func (c *Controller) IncrementUsage() uint64 {
	return atomic.AddUint64(&c.usageCount, 1)
}

// UsageCount 返回池调度用计数
func (c *Controller) UsageCount() uint64 {
	return atomic.LoadUint64(&c.usageCount)
}

// DeviceType 返回设备类别，未探测时为空串
func (c *Controller) DeviceType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceType
}

// State 返回连接状态
func (c *Controller) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Health 返回健康状况跟踪器
func (c *Controller) Health() *DeviceHealth {
	return c.health
}

// Profile 返回设备档案
func (c *Controller) Profile() *protocol.DeviceProfile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

// SetProfile 注入持久化档案，必须在Connect之前调用
func (c *Controller) SetProfile(profile *protocol.DeviceProfile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if profile != nil {
		c.profile = profile
		c.deviceType = profile.DeviceType
	}
}

// SetStreamHandler 设置流式上报回调
// 协议不支持流式时回调被静默保留，待降级重连到支持的协议后生效
func (c *Controller) SetStreamHandler(handler protocol.StreamHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streamHandler = handler
	c.wireStreamHandlerLocked()
}

// wireStreamHandlerLocked 将回调接到当前协议实例
func (c *Controller) wireStreamHandlerLocked() {
	if c.proto == nil || c.streamHandler == nil {
		return
	}
	type streamCapable interface {
		SetStreamHandler(protocol.StreamHandler)
	}
	if sc, ok := c.proto.(streamCapable); ok {
		handler := c.streamHandler
		deviceID := c.deviceID
		bus := c.bus
		sc.SetStreamHandler(func(samples []uint16) {
			bus.PublishStreamData(deviceID, samples)
			handler(samples)
		})
	}
}

// setStateLocked 迁移连接状态并发布事件
func (c *Controller) setStateLocked(newState ConnectionState) {
	if c.state == newState {
		return
	}
	oldState := c.state
	c.state = newState
	c.bus.PublishStateChange(c.deviceID, oldState, newState)
}

// Connect 连接设备：协商协议、探测设备类别
func (c *Controller) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Controller) connectLocked(ctx context.Context) error {
	if c.state == StateConnected {
		return nil
	}
	c.setStateLocked(StateConnecting)

	proto, err := c.manager.ConnectWithFallback(ctx, c.transport, c.profile)
	if err != nil {
		c.setStateLocked(StateFailed)
		return err
	}

	c.proto = proto
	c.connectedAt = time.Now()
	c.wireStreamHandlerLocked()
	c.setStateLocked(StateConnected)

	// 档案中已有类别时跳过探测，重连不改变设备类别
	if c.deviceType == "" {
		c.deviceType = c.detectDeviceTypeLocked(ctx)
		c.profile.DeviceType = c.deviceType
	}

	c.bus.PublishDeviceConnect(c.deviceID, c.transport.Endpoint(), proto.Version().String())
	logger.WithFields(logrus.Fields{
		"deviceId":   c.deviceID,
		"endpoint":   c.transport.Endpoint(),
		"protocol":   proto.Version().String(),
		"deviceType": c.deviceType,
	}).Info("设备连接完成")

	return nil
}

// detectDeviceTypeLocked 探测设备类别
// 先BOARDTYPE，老固件不认识时退回STATUS的板卡类型字段；都失败归为UNKNOWN
func (c *Controller) detectDeviceTypeLocked(ctx context.Context) string {
	req := protocol.NewCommandRequest(protocol.CmdBoardType, nil, 2*time.Second)
	resp, err := c.proto.Execute(ctx, req)
	if err == nil && resp.Success && len(resp.Data) > 0 {
		return resp.Data[0]
	}

	req = protocol.NewCommandRequest(protocol.CmdStatus, nil, 2*time.Second)
	resp, err = c.proto.Execute(ctx, req)
	if err == nil && resp.Success && len(resp.Data) > 0 {
		return "BOARD_" + resp.Data[0]
	}

	logger.WithField("deviceId", c.deviceID).Warn("设备类别探测无结果，归为UNKNOWN")
	return "UNKNOWN"
}

// Execute 执行一条命令
// 未连接时直接返回NOT_CONNECTED错误响应；每次执行更新健康统计并发布完成事件
func (c *Controller) Execute(ctx context.Context, req *protocol.CommandRequest) (*protocol.CommandResponse, error) {
	c.mu.Lock()
	proto := c.proto
	state := c.state
	c.mu.Unlock()

	if state != StateConnected || proto == nil {
		resp := protocol.NewErrorResponse(req, errors.ErrNotConnected,
			"设备未连接: "+c.deviceID, 0)
		return resp, errors.New(errors.ErrNotConnected, "设备未连接: "+c.deviceID)
	}

	wasHealthy := c.health.IsHealthy()
	resp, err := proto.Execute(ctx, req)

	if err != nil {
		c.health.RecordFailure(err.Error())
	} else if resp.Success {
		c.health.RecordSuccess(resp.ExecutionTime)
	} else {
		message := "命令失败"
		if resp.Error != nil {
			message = resp.Error.Message
		}
		c.health.RecordFailure(message)
	}

	if nowHealthy := c.health.IsHealthy(); nowHealthy != wasHealthy {
		snapshot := c.health.Snapshot()
		c.bus.PublishHealthChange(c.deviceID, nowHealthy, snapshot.LastError)
	}

	if resp != nil {
		c.bus.PublishCommandDone(c.deviceID, req.RequestID, req.Command, resp.Success, resp.ExecutionTime)
	}

	// 传输层故障触发断连，等待管理器的重连循环
	if err != nil && errors.CodeOf(err) != errors.ErrNotConnected {
		c.mu.Lock()
		if c.state == StateConnected {
			c.setStateLocked(StateFailed)
			_ = proto.Disconnect()
			c.proto = nil
		}
		c.mu.Unlock()
		c.bus.PublishDeviceDisconnect(c.deviceID, c.transport.Endpoint(), err.Error())
	}

	return resp, err
}

// Reconnect 断线重连，保留已探测的设备类别与协议偏好
func (c *Controller) Reconnect(ctx context.Context, attempt int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected {
		return nil
	}
	c.setStateLocked(StateReconnecting)

	if c.proto != nil {
		_ = c.proto.Disconnect()
		c.proto = nil
	}

	if err := c.connectLocked(ctx); err != nil {
		return err
	}
	c.bus.PublishDeviceReconnect(c.deviceID, c.transport.Endpoint(), attempt)
	return nil
}

// Disconnect 主动断开连接
func (c *Controller) Disconnect(reason string) error {
	c.mu.Lock()
	proto := c.proto
	c.proto = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	c.bus.PublishDeviceDisconnect(c.deviceID, c.transport.Endpoint(), reason)

	if proto != nil {
		return proto.Disconnect()
	}
	return c.transport.Disconnect()
}

// Info 导出设备信息快照
func (c *Controller) Info() DeviceInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	info := DeviceInfo{
		DeviceID:        c.deviceID,
		DeviceType:      c.deviceType,
		Endpoint:        c.transport.Endpoint(),
		FirmwareVersion: c.profile.FirmwareVersion,
		State:           c.state,
		ConnectedAt:     c.connectedAt,
	}
	if c.proto != nil {
		info.Protocol = c.proto.Version()
	}
	return info
}
