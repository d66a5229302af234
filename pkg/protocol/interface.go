package protocol

import (
	"context"

	"github.com/bujia-iot/iot-fixture/pkg/transport"
)

// ProtocolVersion 协议变体版本
type ProtocolVersion int

const (
	// VersionUnknown 未协商
	VersionUnknown ProtocolVersion = iota
	// VersionTextBasic 纯文本行协议
	VersionTextBasic
	// VersionTextWithCRC 带校验和后缀的文本行协议
	VersionTextWithCRC
	// VersionBinaryFramed 字符帧协议（STX/ETX定界+CRC）
	VersionBinaryFramed
	// VersionBinaryAdvanced 二进制消息协议（序列号配对+流式上报）
	VersionBinaryAdvanced
)

// versionNames 协议版本名称
var versionNames = map[ProtocolVersion]string{
	VersionUnknown:        "UNKNOWN",
	VersionTextBasic:      "TEXT_BASIC",
	VersionTextWithCRC:    "TEXT_WITH_CRC",
	VersionBinaryFramed:   "BINARY_FRAMED",
	VersionBinaryAdvanced: "BINARY_ADVANCED",
}

// String 返回协议版本名称
func (v ProtocolVersion) String() string {
	if name, ok := versionNames[v]; ok {
		return name
	}
	return "UNKNOWN"
}

// FallbackOrder 返回协议降级尝试顺序，能力最丰富的在前
func FallbackOrder() []ProtocolVersion {
	return []ProtocolVersion{
		VersionBinaryAdvanced,
		VersionBinaryFramed,
		VersionTextWithCRC,
		VersionTextBasic,
	}
}

// ProtocolCapabilities 协商得到的设备能力
// 一次协商成功后在连接生命周期内不可变
type ProtocolCapabilities struct {
	Version           ProtocolVersion `json:"version"`
	SupportsCRC       bool            `json:"supports_crc"`
	SupportsFraming   bool            `json:"supports_framing"`
	SupportsStreaming bool            `json:"supports_streaming"`
	FirmwareVersion   string          `json:"firmware_version"`
}

// Protocol 协议变体统一契约
// 同一连接上的命令由上层串行化，实现内部不做跨命令并发
type Protocol interface {
	// Version 返回协议版本
	Version() ProtocolVersion
	// Capabilities 返回协商得到的能力
	Capabilities() ProtocolCapabilities
	// Transport 返回底层传输
	Transport() transport.Transport

	// Connect 建立连接并完成协议自身的初始化
	Connect(ctx context.Context) error
	// Disconnect 断开连接
	Disconnect() error
	// IsConnected 返回连接状态
	IsConnected() bool

	// Execute 执行一条命令并等待响应
	// 设备层面的失败以CommandResponse内的类型化错误表达；返回error仅表示传输层故障
	Execute(ctx context.Context, req *CommandRequest) (*CommandResponse, error)
}

// ProtocolFactory 协议实例构造函数，注册到协议管理器
type ProtocolFactory func(t transport.Transport, caps ProtocolCapabilities) Protocol
