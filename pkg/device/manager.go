package device

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/config"
	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/bujia-iot/iot-fixture/pkg/protocol"
	"github.com/bujia-iot/iot-fixture/pkg/transport"
	"github.com/sirupsen/logrus"
)

// LoadBalancingStrategy 池内设备选择策略
type LoadBalancingStrategy string

const (
	// StrategyRoundRobin 轮询
	StrategyRoundRobin LoadBalancingStrategy = "round_robin"
	// StrategyLeastUsed 最少使用
	StrategyLeastUsed LoadBalancingStrategy = "least_used"
	// StrategyFastestResponse 最快响应
	StrategyFastestResponse LoadBalancingStrategy = "fastest_response"
	// StrategyLeastErrors 最少错误
	StrategyLeastErrors LoadBalancingStrategy = "least_errors"
)

// ParseStrategy 解析策略名称，未知名称回退到轮询
func ParseStrategy(name string) LoadBalancingStrategy {
	switch LoadBalancingStrategy(strings.ToLower(name)) {
	case StrategyLeastUsed:
		return StrategyLeastUsed
	case StrategyFastestResponse:
		return StrategyFastestResponse
	case StrategyLeastErrors:
		return StrategyLeastErrors
	default:
		return StrategyRoundRobin
	}
}

// devicePool 同类别设备池
type devicePool struct {
	deviceType string
	devices    []*Controller
	rrIndex    int
}

// ManagerOptions 设备管理器配置
type ManagerOptions struct {
	MaxDevicesPerType    int
	DiscoveryInterval    time.Duration
	HealthCheckInterval  time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	Strategy             LoadBalancingStrategy

	// ListPorts 枚举候选串口端点，测试中可替换
	ListPorts func() ([]string, error)
	// NewTransport 按端点构造传输
	NewTransport func(endpoint string) transport.Transport
}

// OptionsFromConfig 从全局配置构造管理器配置
func OptionsFromConfig(cfg *config.DevicePoolConfig, serialCfg *config.SerialConfig) ManagerOptions {
	baud := serialCfg.BaudRate
	return ManagerOptions{
		MaxDevicesPerType:    cfg.MaxDevicesPerType,
		DiscoveryInterval:    time.Duration(cfg.DiscoveryIntervalSeconds) * time.Second,
		HealthCheckInterval:  time.Duration(cfg.HealthCheckSeconds) * time.Second,
		ReconnectInterval:    time.Duration(cfg.ReconnectSeconds) * time.Second,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Strategy:             ParseStrategy(cfg.LoadBalancingStrategy),
		ListPorts:            transport.ListSerialPorts,
		NewTransport: func(endpoint string) transport.Transport {
			return transport.NewSerialTransport(transport.SerialConfig{
				Port:     endpoint,
				BaudRate: baud,
			})
		},
	}
}

// Manager 设备管理器
// 维护按类别分组的设备池，负责发现、健康巡检、断线重连与负载均衡选择
type Manager struct {
	mu sync.RWMutex

	opts     ManagerOptions
	protoMgr *protocol.ProtocolManager
	bus      *EventBus
	profiles ProfileStore

	pools      map[string]*devicePool
	endpoints  map[string]*Controller // 端点到控制器，发现循环用于去重
	discovered map[string]string      // 发现循环纳管的端口到设备ID，用于摘除消失的端口

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewManager 创建设备管理器
func NewManager(opts ManagerOptions, protoMgr *protocol.ProtocolManager, bus *EventBus, profiles ProfileStore) *Manager {
	if opts.MaxDevicesPerType <= 0 {
		opts.MaxDevicesPerType = 8
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyRoundRobin
	}
	if bus == nil {
		bus = GetEventBus()
	}
	if profiles == nil {
		profiles = NopProfileStore{}
	}
	return &Manager{
		opts:       opts,
		protoMgr:   protoMgr,
		bus:        bus,
		profiles:   profiles,
		pools:      make(map[string]*devicePool),
		endpoints:  make(map[string]*Controller),
		discovered: make(map[string]string),
	}
}

// Start 启动发现、健康巡检与重连后台循环
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	if m.opts.DiscoveryInterval > 0 && m.opts.ListPorts != nil {
		m.wg.Add(1)
		go m.discoveryLoop()
	}
	if m.opts.HealthCheckInterval > 0 {
		m.wg.Add(1)
		go m.healthCheckLoop()
	}
	if m.opts.ReconnectInterval > 0 {
		m.wg.Add(1)
		go m.reconnectLoop()
	}

	logger.WithFields(logrus.Fields{
		"strategy":          string(m.opts.Strategy),
		"maxDevicesPerType": m.opts.MaxDevicesPerType,
	}).Info("设备管理器已启动")
}

// Stop 停止后台循环并断开全部设备
// 未决命令通过各协议的Disconnect被取消，不会静默悬挂
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	m.mu.Lock()
	controllers := make([]*Controller, 0, len(m.endpoints))
	for _, c := range m.endpoints {
		controllers = append(controllers, c)
	}
	m.pools = make(map[string]*devicePool)
	m.endpoints = make(map[string]*Controller)
	m.mu.Unlock()

	for _, c := range controllers {
		m.saveProfile(c)
		_ = c.Disconnect("管理器停止")
	}
	logger.Info("设备管理器已停止")
}

// AddDevice 连接并纳管一个设备
// 同类别池满时新设备被断开拒收
func (m *Manager) AddDevice(ctx context.Context, deviceID string, t transport.Transport) (*Controller, error) {
	c := NewController(deviceID, t, m.protoMgr, m.bus)

	if profile, err := m.profiles.Load(ctx, deviceID); err == nil && profile != nil {
		c.SetProfile(profile)
	}

	if err := c.Connect(ctx); err != nil {
		_ = t.Disconnect()
		return nil, err
	}

	deviceType := c.DeviceType()

	m.mu.Lock()
	pool, ok := m.pools[deviceType]
	if !ok {
		pool = &devicePool{deviceType: deviceType}
		m.pools[deviceType] = pool
	}
	if len(pool.devices) >= m.opts.MaxDevicesPerType {
		m.mu.Unlock()
		_ = c.Disconnect("设备池已满")
		return nil, errors.Newf(errors.ErrNoDeviceAvailable,
			"设备池已满: 类别%s上限%d", deviceType, m.opts.MaxDevicesPerType)
	}
	pool.devices = append(pool.devices, c)
	m.endpoints[t.Endpoint()] = c
	m.mu.Unlock()

	m.saveProfile(c)

	logger.WithFields(logrus.Fields{
		"deviceId":   deviceID,
		"deviceType": deviceType,
		"endpoint":   t.Endpoint(),
		"poolSize":   len(pool.devices),
	}).Info("设备已纳管")

	return c, nil
}

// RemoveDevice 移除并断开一个设备
func (m *Manager) RemoveDevice(deviceID, reason string) bool {
	m.mu.Lock()
	var target *Controller
	for _, pool := range m.pools {
		for i, c := range pool.devices {
			if c.DeviceID() == deviceID {
				target = c
				pool.devices = append(pool.devices[:i], pool.devices[i+1:]...)
				break
			}
		}
		if target != nil {
			break
		}
	}
	if target != nil {
		delete(m.endpoints, target.transport.Endpoint())
	}
	m.mu.Unlock()

	if target == nil {
		return false
	}
	m.saveProfile(target)
	_ = target.Disconnect(reason)
	return true
}

// GetDevice 按设备ID查找控制器
func (m *Manager) GetDevice(deviceID string) (*Controller, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pool := range m.pools {
		for _, c := range pool.devices {
			if c.DeviceID() == deviceID {
				return c, true
			}
		}
	}
	return nil, false
}

// GetAvailableDevice 按负载均衡策略从指定类别池中选择一个已连接设备
// requireHealthy为true时跳过不健康设备；选中即计一次使用
func (m *Manager) GetAvailableDevice(deviceType string, requireHealthy bool) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pool, ok := m.pools[deviceType]
	if !ok || len(pool.devices) == 0 {
		return nil, errors.Newf(errors.ErrNoDeviceAvailable, "类别%s没有纳管设备", deviceType)
	}

	candidates := make([]*Controller, 0, len(pool.devices))
	for _, c := range pool.devices {
		if c.State() != StateConnected {
			continue
		}
		if requireHealthy && !c.Health().IsHealthy() {
			continue
		}
		candidates = append(candidates, c)
	}
	if len(candidates) == 0 {
		return nil, errors.Newf(errors.ErrNoDeviceAvailable, "类别%s没有可用的设备", deviceType)
	}

	selected := m.selectLocked(pool, candidates)
	selected.IncrementUsage()
	return selected, nil
}

// selectLocked 按策略选择设备
func (m *Manager) selectLocked(pool *devicePool, candidates []*Controller) *Controller {
	switch m.opts.Strategy {
	case StrategyLeastUsed:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.UsageCount() < best.UsageCount() {
				best = c
			}
		}
		return best

	case StrategyFastestResponse:
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Health().AvgResponseTime() < best.Health().AvgResponseTime() {
				best = c
			}
		}
		return best

	case StrategyLeastErrors:
		// 按失败占比而不是绝对失败次数，长期在线的设备不因累计量吃亏
		best := candidates[0]
		for _, c := range candidates[1:] {
			if c.Health().ErrorRate() < best.Health().ErrorRate() {
				best = c
			}
		}
		return best

	default: // 轮询
		pool.rrIndex++
		return candidates[pool.rrIndex%len(candidates)]
	}
}

// ExecuteOnAnyDevice 在指定类别的任一可用设备上执行命令
// 无可用设备时合成NO_DEVICE_AVAILABLE错误响应
func (m *Manager) ExecuteOnAnyDevice(ctx context.Context, deviceType string, req *protocol.CommandRequest) (*protocol.CommandResponse, error) {
	c, err := m.GetAvailableDevice(deviceType, true)
	if err != nil {
		return protocol.NewErrorResponse(req, errors.ErrNoDeviceAvailable, err.Error(), 0), err
	}
	return c.Execute(ctx, req)
}

// ListDevices 导出全部设备信息快照
func (m *Manager) ListDevices() []DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]DeviceInfo, 0, len(m.endpoints))
	for _, pool := range m.pools {
		for _, c := range pool.devices {
			infos = append(infos, c.Info())
		}
	}
	return infos
}

// PoolStats 单个设备池统计
type PoolStats struct {
	DeviceType string `json:"device_type"`
	Total      int    `json:"total"`
	Connected  int    `json:"connected"`
	Healthy    int    `json:"healthy"`
}

// Stats 导出各类别池统计
func (m *Manager) Stats() []PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]PoolStats, 0, len(m.pools))
	for _, pool := range m.pools {
		s := PoolStats{DeviceType: pool.deviceType, Total: len(pool.devices)}
		for _, c := range pool.devices {
			if c.State() == StateConnected {
				s.Connected++
			}
			if c.Health().IsHealthy() {
				s.Healthy++
			}
		}
		stats = append(stats, s)
	}
	return stats
}

// discoveryLoop 周期性枚举串口，发现新端点即尝试纳管
func (m *Manager) discoveryLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.DiscoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.discoverOnce()
		}
	}
}

// discoverOnce 执行一轮端口发现
// 当前端口列表与已纳管端口做差集：新端口尝试纳管，消失的端口摘除对应设备
func (m *Manager) discoverOnce() {
	ports, err := m.opts.ListPorts()
	if err != nil {
		logger.WithField("error", err.Error()).Warn("串口枚举失败")
		return
	}

	present := make(map[string]bool, len(ports))
	for _, port := range ports {
		present[port] = true
	}

	m.mu.Lock()
	vanished := make(map[string]string)
	for port, deviceID := range m.discovered {
		if !present[port] {
			vanished[port] = deviceID
			delete(m.discovered, port)
		}
	}
	m.mu.Unlock()

	for port, deviceID := range vanished {
		logger.WithFields(logrus.Fields{
			"port":     port,
			"deviceId": deviceID,
		}).Info("端口已消失，摘除设备")
		m.RemoveDevice(deviceID, "端口已消失")
	}

	for _, port := range ports {
		m.mu.RLock()
		_, known := m.endpoints[port]
		m.mu.RUnlock()
		if known {
			continue
		}

		t := m.opts.NewTransport(port)
		deviceID := "serial-" + strings.TrimPrefix(strings.TrimPrefix(port, "/dev/"), "tty")

		connectCtx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
		_, err := m.AddDevice(connectCtx, deviceID, t)
		cancel()
		if err != nil {
			logger.WithFields(logrus.Fields{
				"port":  port,
				"error": err.Error(),
			}).Debug("新端口纳管失败")
			continue
		}

		m.mu.Lock()
		m.discovered[port] = deviceID
		m.mu.Unlock()
	}
}

// healthCheckLoop 周期性对已连接设备发PING巡检
func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkAllOnce()
		}
	}
}

// checkAllOnce 执行一轮健康巡检
func (m *Manager) checkAllOnce() {
	m.mu.RLock()
	controllers := make([]*Controller, 0, len(m.endpoints))
	for _, c := range m.endpoints {
		if c.State() == StateConnected {
			controllers = append(controllers, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range controllers {
		req := protocol.NewCommandRequest(protocol.CmdPing, nil, 2*time.Second)
		checkCtx, cancel := context.WithTimeout(m.ctx, 3*time.Second)
		_, _ = c.Execute(checkCtx, req)
		cancel()
	}
}

// reconnectLoop 周期性重连失败状态的设备
func (m *Manager) reconnectLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.ReconnectInterval)
	defer ticker.Stop()

	attempts := make(map[string]int)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.RLock()
			controllers := make([]*Controller, 0, len(m.endpoints))
			for _, c := range m.endpoints {
				state := c.State()
				if state == StateFailed || state == StateDisconnected {
					controllers = append(controllers, c)
				}
			}
			m.mu.RUnlock()

			for _, c := range controllers {
				id := c.DeviceID()
				if m.opts.MaxReconnectAttempts > 0 && attempts[id] >= m.opts.MaxReconnectAttempts {
					m.RemoveDevice(id, "重连次数耗尽")
					delete(attempts, id)
					continue
				}
				attempts[id]++

				reconnectCtx, cancel := context.WithTimeout(m.ctx, 30*time.Second)
				err := c.Reconnect(reconnectCtx, attempts[id])
				cancel()
				if err == nil {
					delete(attempts, id)
					m.saveProfile(c)
				} else {
					logger.WithFields(logrus.Fields{
						"deviceId": id,
						"attempt":  attempts[id],
						"error":    err.Error(),
					}).Warn("设备重连失败")
				}
			}
		}
	}
}

// saveProfile 持久化设备档案，失败只记日志
func (m *Manager) saveProfile(c *Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := m.profiles.Save(ctx, c.Profile()); err != nil {
		logger.WithFields(logrus.Fields{
			"deviceId": c.DeviceID(),
			"error":    err.Error(),
		}).Warn("设备档案保存失败")
	}
}
