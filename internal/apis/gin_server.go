package apis

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/device"
)

// GinHTTPServer 基于Gin的HTTP服务器
type GinHTTPServer struct {
	server    *http.Server
	router    *gin.Engine
	deviceAPI *DeviceAPI
}

// NewGinHTTPServer 创建基于Gin的HTTP服务器
func NewGinHTTPServer(addr string, manager *device.Manager) *GinHTTPServer {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	deviceAPI := NewDeviceAPI(manager)
	registerRoutes(router, deviceAPI)

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &GinHTTPServer{
		server:    server,
		router:    router,
		deviceAPI: deviceAPI,
	}
}

// registerRoutes 注册所有路由
func registerRoutes(router *gin.Engine, deviceAPI *DeviceAPI) {
	v1 := router.Group("/api/v1")
	{
		devices := v1.Group("/devices")
		{
			devices.GET("", deviceAPI.GetDevicesGin)                     // 设备列表
			devices.GET("/statistics", deviceAPI.GetDeviceStatisticsGin) // 设备池统计
		}

		deviceGroup := v1.Group("/device")
		{
			deviceGroup.GET("", deviceAPI.GetDeviceGin)                  // 单设备详情
			deviceGroup.POST("/command", deviceAPI.SendDeviceCommandGin) // 命令下发
			deviceGroup.DELETE("", deviceAPI.DisconnectDeviceGin)        // 断开设备
		}

		v1.GET("/system/status", deviceAPI.GetSystemStatusGin)
	}

	router.GET("/health", deviceAPI.GetHealthGin)
	router.GET("/ping", deviceAPI.PingGin)
}

// corsMiddleware CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Start 启动HTTP服务器
func (s *GinHTTPServer) Start() error {
	logger.WithField("address", s.server.Addr).Info("启动HTTP API服务器")
	return s.server.ListenAndServe()
}

// Stop 停止HTTP服务器
func (s *GinHTTPServer) Stop(ctx context.Context) error {
	logger.Info("停止HTTP API服务器")
	return s.server.Shutdown(ctx)
}

// GetRouter 获取Gin路由器，用于测试
func (s *GinHTTPServer) GetRouter() *gin.Engine {
	return s.router
}
