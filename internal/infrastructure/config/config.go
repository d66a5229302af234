package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 是应用程序配置的结构体
type Config struct {
	Serial        SerialConfig        `mapstructure:"serial"`
	Negotiation   NegotiationConfig   `mapstructure:"negotiation"`
	DevicePool    DevicePoolConfig    `mapstructure:"devicePool"`
	HTTPAPIServer HTTPAPIServerConfig `mapstructure:"httpApiServer"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Logger        LoggerConfig        `mapstructure:"logger"`
}

// SerialConfig 串口传输默认参数
type SerialConfig struct {
	BaudRate              int  `mapstructure:"baudRate"`              // 默认115200
	ReadTimeoutMillis     int  `mapstructure:"readTimeoutMillis"`     // 单次读取超时
	CommandTimeoutSeconds int  `mapstructure:"commandTimeoutSeconds"` // 命令默认超时
	LogHexDump            bool `mapstructure:"logHexDump"`            // 记录原始字节十六进制
}

// NegotiationConfig 协议协商配置
type NegotiationConfig struct {
	ProbeTimeoutMillis int `mapstructure:"probeTimeoutMillis"` // 单个探测命令超时
	MaxAttempts        int `mapstructure:"maxAttempts"`        // 回退重试次数上限
}

// DevicePoolConfig 设备池配置
type DevicePoolConfig struct {
	MaxDevicesPerType        int    `mapstructure:"maxDevicesPerType"`
	DiscoveryIntervalSeconds int    `mapstructure:"discoveryIntervalSeconds"`
	HealthCheckSeconds       int    `mapstructure:"healthCheckSeconds"`
	ReconnectSeconds         int    `mapstructure:"reconnectSeconds"`
	MaxReconnectAttempts     int    `mapstructure:"maxReconnectAttempts"`
	LoadBalancingStrategy    string `mapstructure:"loadBalancingStrategy"` // round_robin/least_used/fastest_response/least_errors
}

// HTTPAPIServerConfig HTTP API服务器配置
type HTTPAPIServerConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// RedisConfig Redis配置，用于设备档案持久化
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Address      string `mapstructure:"address"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"poolSize"`
	MinIdleConns int    `mapstructure:"minIdleConns"`
	DialTimeout  int    `mapstructure:"dialTimeout"`
	ReadTimeout  int    `mapstructure:"readTimeout"`
	WriteTimeout int    `mapstructure:"writeTimeout"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level         string `mapstructure:"level"`
	Format        string `mapstructure:"format"`
	FilePath      string `mapstructure:"filePath"`
	MaxSizeMB     int    `mapstructure:"maxSizeMB"`
	MaxBackups    int    `mapstructure:"maxBackups"`
	MaxAgeDays    int    `mapstructure:"maxAgeDays"`
	EnableConsole bool   `mapstructure:"enableConsole"`
}

// 全局配置实例
var GlobalConfig Config

// Load 加载配置文件
func Load(configPath string) error {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := v.Unmarshal(&GlobalConfig); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

// setDefaults 设置缺省配置
func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.baudRate", 115200)
	v.SetDefault("serial.readTimeoutMillis", 200)
	v.SetDefault("serial.commandTimeoutSeconds", 5)
	v.SetDefault("negotiation.probeTimeoutMillis", 500)
	v.SetDefault("negotiation.maxAttempts", 3)
	v.SetDefault("devicePool.maxDevicesPerType", 8)
	v.SetDefault("devicePool.discoveryIntervalSeconds", 10)
	v.SetDefault("devicePool.healthCheckSeconds", 15)
	v.SetDefault("devicePool.reconnectSeconds", 20)
	v.SetDefault("devicePool.maxReconnectAttempts", 5)
	v.SetDefault("devicePool.loadBalancingStrategy", "round_robin")
	v.SetDefault("httpApiServer.host", "0.0.0.0")
	v.SetDefault("httpApiServer.port", 8090)
	v.SetDefault("httpApiServer.timeoutSeconds", 30)
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "text")
}

// GetConfig 获取全局配置
func GetConfig() *Config {
	return &GlobalConfig
}

// CommandTimeout 命令默认超时时间
func (c *SerialConfig) CommandTimeout() time.Duration {
	return time.Duration(c.CommandTimeoutSeconds) * time.Second
}

// ProbeTimeout 协商探测超时时间
func (c *NegotiationConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutMillis) * time.Millisecond
}

// FormatHTTPAddress 格式化HTTP服务器地址为host:port格式
func FormatHTTPAddress() string {
	cfg := GetConfig().HTTPAPIServer
	return fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
}
