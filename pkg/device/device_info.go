package device

import (
	"sync"
	"time"

	"github.com/bujia-iot/iot-fixture/pkg/protocol"
)

// ConnectionState 设备连接状态
type ConnectionState int

const (
	// StateDisconnected 未连接
	StateDisconnected ConnectionState = iota
	// StateConnecting 连接协商中
	StateConnecting
	// StateConnected 已连接可用
	StateConnected
	// StateReconnecting 断线重连中
	StateReconnecting
	// StateFailed 连接失败，等待重连窗口
	StateFailed
)

// stateNames 连接状态名称
var stateNames = map[ConnectionState]string{
	StateDisconnected: "DISCONNECTED",
	StateConnecting:   "CONNECTING",
	StateConnected:    "CONNECTED",
	StateReconnecting: "RECONNECTING",
	StateFailed:       "FAILED",
}

// String 返回连接状态名称
func (s ConnectionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// DeviceInfo 设备静态信息快照
type DeviceInfo struct {
	DeviceID        string                   `json:"device_id"`
	DeviceType      string                   `json:"device_type"`
	Endpoint        string                   `json:"endpoint"`
	FirmwareVersion string                   `json:"firmware_version"`
	Protocol        protocol.ProtocolVersion `json:"protocol"`
	State           ConnectionState          `json:"state"`
	ConnectedAt     time.Time                `json:"connected_at"`
}

// 健康评估参数
const (
	// unhealthyFailureCount 连续失败达到该次数后判定为不健康
	unhealthyFailureCount = 3
	// responseTimeAlpha 响应时间指数滑动平均的权重系数
	responseTimeAlpha = 0.3
)

// DeviceHealth 设备健康状况
// 连续失败计数由任意一次成功清零；平均响应时间为指数滑动平均
type DeviceHealth struct {
	mu sync.Mutex

	healthy             bool
	consecutiveFailures int
	totalCommands       uint64
	totalErrors         uint64
	avgResponseTime     time.Duration
	lastCheckTime       time.Time
	lastError           string
}

// NewDeviceHealth 创建健康状况跟踪器，初始为健康
func NewDeviceHealth() *DeviceHealth {
	return &DeviceHealth{healthy: true}
}

// RecordSuccess 记录一次成功命令
func (h *DeviceHealth) RecordSuccess(elapsed time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalCommands++
	h.consecutiveFailures = 0
	h.healthy = true
	h.lastCheckTime = time.Now()
	h.updateResponseTimeLocked(elapsed)
}

// RecordFailure 记录一次失败命令
func (h *DeviceHealth) RecordFailure(errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.totalCommands++
	h.totalErrors++
	h.consecutiveFailures++
	h.lastError = errMsg
	h.lastCheckTime = time.Now()
	if h.consecutiveFailures >= unhealthyFailureCount {
		h.healthy = false
	}
}

// updateResponseTimeLocked 更新响应时间滑动平均
func (h *DeviceHealth) updateResponseTimeLocked(elapsed time.Duration) {
	if h.avgResponseTime == 0 {
		h.avgResponseTime = elapsed
		return
	}
	h.avgResponseTime = time.Duration(
		responseTimeAlpha*float64(elapsed) + (1-responseTimeAlpha)*float64(h.avgResponseTime))
}

// IsHealthy 返回健康判定
func (h *DeviceHealth) IsHealthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy
}

// AvgResponseTime 返回响应时间滑动平均
func (h *DeviceHealth) AvgResponseTime() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.avgResponseTime
}

// ErrorCount 返回累计失败次数
func (h *DeviceHealth) ErrorCount() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalErrors
}

// ErrorRate 返回失败占比
// 无任何命令记录时按1.0计，让有成功记录的设备在最少错误策略中优先
func (h *DeviceHealth) ErrorRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.totalCommands == 0 {
		return 1.0
	}
	return float64(h.totalErrors) / float64(h.totalCommands)
}

// HealthSnapshot 健康状况快照
type HealthSnapshot struct {
	Healthy             bool          `json:"healthy"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalCommands       uint64        `json:"total_commands"`
	TotalErrors         uint64        `json:"total_errors"`
	SuccessRate         float64       `json:"success_rate"`
	AvgResponseTime     time.Duration `json:"avg_response_time"`
	LastCheckTime       time.Time     `json:"last_check_time"`
	LastError           string        `json:"last_error,omitempty"`
}

// Snapshot 导出健康状况快照
func (h *DeviceHealth) Snapshot() HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	successRate := 1.0
	if h.totalCommands > 0 {
		successRate = float64(h.totalCommands-h.totalErrors) / float64(h.totalCommands)
	}
	return HealthSnapshot{
		Healthy:             h.healthy,
		ConsecutiveFailures: h.consecutiveFailures,
		TotalCommands:       h.totalCommands,
		TotalErrors:         h.totalErrors,
		SuccessRate:         successRate,
		AvgResponseTime:     h.avgResponseTime,
		LastCheckTime:       h.lastCheckTime,
		LastError:           h.lastError,
	}
}
