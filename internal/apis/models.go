package apis

import (
	"time"

	"github.com/bujia-iot/iot-fixture/pkg/device"
)

// StandardResponse 标准API响应格式
type StandardResponse struct {
	Code    int         `json:"code"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
	Success bool        `json:"success"`
	Time    int64       `json:"time"`
}

// ErrorResponse 错误响应格式
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Success bool   `json:"success"`
	Time    int64  `json:"time"`
}

// DeviceView 设备信息视图
type DeviceView struct {
	DeviceID        string `json:"device_id"`
	DeviceType      string `json:"device_type"`
	Endpoint        string `json:"endpoint"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	Protocol        string `json:"protocol"`
	State           string `json:"state"`
	ConnectedAt     int64  `json:"connected_at,omitempty"`
}

// DeviceDetailView 设备详情视图，附带健康统计
type DeviceDetailView struct {
	Device DeviceView            `json:"device"`
	Health device.HealthSnapshot `json:"health"`
}

// CommandRequestBody 命令下发请求体
type CommandRequestBody struct {
	DeviceID   string   `json:"device_id"`
	DeviceType string   `json:"device_type"`
	Command    string   `json:"command" binding:"required"`
	Params     []string `json:"params,omitempty"`
	TimeoutSec int      `json:"timeout,omitempty"`
}

// CommandResponseBody 命令下发响应体
type CommandResponseBody struct {
	RequestID     string      `json:"request_id"`
	Success       bool        `json:"success"`
	Data          []string    `json:"data,omitempty"`
	Error         interface{} `json:"error,omitempty"`
	ExecutionTime int64       `json:"execution_time_ms"`
}

// SystemStatusView 系统状态视图
type SystemStatusView struct {
	Name      string             `json:"name"`
	Version   string             `json:"version"`
	Timestamp int64              `json:"timestamp"`
	Uptime    int64              `json:"uptime"`
	Pools     []device.PoolStats `json:"pools"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Services  map[string]string `json:"services"`
}

// ConvertDeviceInfo 转换设备信息为API视图
func ConvertDeviceInfo(info device.DeviceInfo) DeviceView {
	view := DeviceView{
		DeviceID:        info.DeviceID,
		DeviceType:      info.DeviceType,
		Endpoint:        info.Endpoint,
		FirmwareVersion: info.FirmwareVersion,
		Protocol:        info.Protocol.String(),
		State:           info.State.String(),
	}
	if !info.ConnectedAt.IsZero() {
		view.ConnectedAt = info.ConnectedAt.Unix()
	}
	return view
}

// NewStandardResponse 创建标准响应
func NewStandardResponse(data interface{}, message string, code int) StandardResponse {
	return StandardResponse{
		Code:    code,
		Data:    data,
		Message: message,
		Success: code == 0,
		Time:    time.Now().Unix(),
	}
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(message string, code int) ErrorResponse {
	return ErrorResponse{
		Code:    code,
		Message: message,
		Success: false,
		Time:    time.Now().Unix(),
	}
}
