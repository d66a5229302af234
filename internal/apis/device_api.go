package apis

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bujia-iot/iot-fixture/pkg/device"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/bujia-iot/iot-fixture/pkg/protocol"
)

// DeviceAPI 设备API处理器
type DeviceAPI struct {
	manager   *device.Manager
	startTime time.Time
}

// NewDeviceAPI 创建设备API处理器
func NewDeviceAPI(manager *device.Manager) *DeviceAPI {
	return &DeviceAPI{
		manager:   manager,
		startTime: time.Now(),
	}
}

// GetDevicesGin 获取设备列表
// GET /api/v1/devices
func (api *DeviceAPI) GetDevicesGin(c *gin.Context) {
	infos := api.manager.ListDevices()
	views := make([]DeviceView, len(infos))
	for i, info := range infos {
		views[i] = ConvertDeviceInfo(info)
	}
	c.JSON(http.StatusOK, NewStandardResponse(gin.H{
		"devices": views,
		"total":   len(views),
	}, "success", 0))
}

// GetDeviceGin 获取单个设备详情
// GET /api/v1/device?device_id=xxx
func (api *DeviceAPI) GetDeviceGin(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse("缺少device_id参数", http.StatusBadRequest))
		return
	}

	controller, ok := api.manager.GetDevice(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, NewErrorResponse("设备不存在: "+deviceID, http.StatusNotFound))
		return
	}

	detail := DeviceDetailView{
		Device: ConvertDeviceInfo(controller.Info()),
		Health: controller.Health().Snapshot(),
	}
	c.JSON(http.StatusOK, NewStandardResponse(detail, "success", 0))
}

// SendDeviceCommandGin 下发设备命令
// POST /api/v1/device/command
// device_id指定目标设备；只给device_type时由负载均衡策略选择
func (api *DeviceAPI) SendDeviceCommandGin(c *gin.Context) {
	var body CommandRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, NewErrorResponse("请求体解析失败: "+err.Error(), http.StatusBadRequest))
		return
	}
	if body.DeviceID == "" && body.DeviceType == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse("device_id与device_type至少给一个", http.StatusBadRequest))
		return
	}

	timeout := 5 * time.Second
	if body.TimeoutSec > 0 {
		timeout = time.Duration(body.TimeoutSec) * time.Second
	}
	req := protocol.NewCommandRequest(body.Command, body.Params, timeout)

	var resp *protocol.CommandResponse
	if body.DeviceID != "" {
		controller, ok := api.manager.GetDevice(body.DeviceID)
		if !ok {
			c.JSON(http.StatusNotFound, NewErrorResponse("设备不存在: "+body.DeviceID, http.StatusNotFound))
			return
		}
		resp, _ = controller.Execute(c.Request.Context(), req)
	} else {
		resp, _ = api.manager.ExecuteOnAnyDevice(c.Request.Context(), body.DeviceType, req)
	}

	status := http.StatusOK
	if resp.Error != nil && resp.Error.Code == errors.ErrNoDeviceAvailable {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, NewStandardResponse(CommandResponseBody{
		RequestID:     resp.RequestID,
		Success:       resp.Success,
		Data:          resp.Data,
		Error:         resp.Error,
		ExecutionTime: resp.ExecutionTime.Milliseconds(),
	}, "success", 0))
}

// DisconnectDeviceGin 断开并移除设备
// DELETE /api/v1/device?device_id=xxx
func (api *DeviceAPI) DisconnectDeviceGin(c *gin.Context) {
	deviceID := c.Query("device_id")
	if deviceID == "" {
		c.JSON(http.StatusBadRequest, NewErrorResponse("缺少device_id参数", http.StatusBadRequest))
		return
	}
	if !api.manager.RemoveDevice(deviceID, "API请求断开") {
		c.JSON(http.StatusNotFound, NewErrorResponse("设备不存在: "+deviceID, http.StatusNotFound))
		return
	}
	c.JSON(http.StatusOK, NewStandardResponse(nil, "设备已断开", 0))
}

// GetDeviceStatisticsGin 获取设备池统计
// GET /api/v1/devices/statistics
func (api *DeviceAPI) GetDeviceStatisticsGin(c *gin.Context) {
	c.JSON(http.StatusOK, NewStandardResponse(api.manager.Stats(), "success", 0))
}

// GetSystemStatusGin 获取系统状态
// GET /api/v1/system/status
func (api *DeviceAPI) GetSystemStatusGin(c *gin.Context) {
	c.JSON(http.StatusOK, NewStandardResponse(SystemStatusView{
		Name:      "治具通信网关",
		Version:   "1.0.0",
		Timestamp: time.Now().Unix(),
		Uptime:    int64(time.Since(api.startTime).Seconds()),
		Pools:     api.manager.Stats(),
	}, "success", 0))
}

// GetHealthGin 健康检查
// GET /health
func (api *DeviceAPI) GetHealthGin(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().Unix(),
		Services: map[string]string{
			"device_manager": "running",
		},
	})
}

// PingGin 探活
// GET /ping
func (api *DeviceAPI) PingGin(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}
