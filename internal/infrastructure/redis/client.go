package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/config"
	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/redis/go-redis/v9"
)

// 全局Redis客户端实例
var redisClient *redis.Client

// GetClient 获取Redis客户端实例，未初始化时返回nil
func GetClient() *redis.Client {
	return redisClient
}

// InitClient 初始化Redis连接
// Redis仅用于设备档案持久化，连接失败不阻断通信栈基本功能
func InitClient() error {
	redisConfig := config.GetConfig().Redis
	if !redisConfig.Enabled {
		logger.Info("Redis未启用，设备档案仅保留在内存中")
		return nil
	}

	redisClient = redis.NewClient(&redis.Options{
		Addr:         redisConfig.Address,
		Password:     redisConfig.Password,
		DB:           redisConfig.DB,
		PoolSize:     redisConfig.PoolSize,
		MinIdleConns: redisConfig.MinIdleConns,
		DialTimeout:  time.Duration(redisConfig.DialTimeout) * time.Second,
		ReadTimeout:  time.Duration(redisConfig.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(redisConfig.WriteTimeout) * time.Second,
	})

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		redisClient = nil
		return fmt.Errorf("Redis连接测试失败: %v", err)
	}

	logger.Info("Redis连接初始化成功")
	return nil
}

// Close 关闭Redis连接
func Close() error {
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			return fmt.Errorf("关闭Redis连接失败: %v", err)
		}
		logger.Info("Redis连接已关闭")
	}
	return nil
}
