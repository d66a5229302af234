package constants

import "fmt"

// 治具链路协议常量定义
// 覆盖字符帧协议与二进制消息协议两套编码

// ============================================================================
// 字符帧协议基础常量
// ============================================================================

const (
	// 帧定界与转义字节
	FrameSTX byte = 0x02 // 帧起始标记
	FrameETX byte = 0x03 // 帧结束标记
	FrameESC byte = 0x1B // 转义字节，负载中出现STX/ETX/ESC时前置

	// 帧结构长度定义（字节）
	FrameLengthDigits = 3 // 长度字段：3位ASCII十进制数字
	FrameTypeLength   = 3 // 类型标签：固定3个ASCII字符
	FrameCRCDigits    = 4 // 校验和字段：4位ASCII十六进制

	// MaxPayloadSize 单帧负载上限，长度字段3位数字的自然上界内取整
	MaxPayloadSize = 512

	// FrameFieldSeparator 长度、类型与负载之间的分隔符
	FrameFieldSeparator byte = ':'
)

// 常用帧类型标签
const (
	FrameTypeCommand  = "CMD" // 命令帧
	FrameTypeResponse = "RSP" // 响应帧
	FrameTypeEvent    = "EVT" // 事件帧
	FrameTypeData     = "DAT" // 数据帧
)

// ============================================================================
// 二进制消息协议基础常量
// ============================================================================

const (
	// 消息头
	BinaryMagic   uint16 = 0xAA55 // 魔数，大端序写入
	BinaryVersion byte   = 0x01   // 当前协议版本

	// 消息结构长度定义（字节）
	BinaryHeaderSize  = 8 // 魔数(2) + 版本(1) + 长度(2) + 类型(1) + 标志(1) + 序列号(1)
	BinaryTrailerSize = 6 // 校验和(2) + 结束标记(1) + 填充(3)

	// BinaryMaxPayloadSize 二进制消息负载上限
	BinaryMaxPayloadSize = 480

	// BinaryEndMarker 消息尾结束标记
	BinaryEndMarker byte = 0x03

	// 标志位定义
	BinaryFlagCompressed byte = 0x01 // 负载经过zlib压缩
	BinaryFlagError      byte = 0x02 // 设备侧异常响应

	// CompressionThreshold 负载超过该长度且压缩有收益时才启用压缩
	CompressionThreshold = 128
)

// 二进制消息类型码
const (
	MsgTypePing                 byte = 0x01 // 链路探测
	MsgTypePingResponse         byte = 0x02 // 链路探测响应
	MsgTypeMeasure              byte = 0x10 // 单点测量
	MsgTypeMeasureResponse      byte = 0x11 // 单点测量响应
	MsgTypeMeasureGroup         byte = 0x12 // 批量测量（继电器组）
	MsgTypeMeasureGroupResponse byte = 0x13 // 批量测量响应
	MsgTypeStatus               byte = 0x20 // 状态查询
	MsgTypeStatusResponse       byte = 0x21 // 状态查询响应
	MsgTypeVersion              byte = 0x30 // 固件版本查询
	MsgTypeVersionResponse      byte = 0x31 // 固件版本响应
	MsgTypeStreamStart          byte = 0x40 // 启动流式上报
	MsgTypeStreamStop           byte = 0x41 // 停止流式上报
	MsgTypeStreamData           byte = 0x42 // 流式上报数据
	MsgTypeError                byte = 0x7F // 错误响应
)

// msgTypeNames 消息类型码到名称的映射，用于日志输出
var msgTypeNames = map[byte]string{
	MsgTypePing:                 "PING",
	MsgTypePingResponse:         "PING_RESPONSE",
	MsgTypeMeasure:              "MEASURE",
	MsgTypeMeasureResponse:      "MEASURE_RESPONSE",
	MsgTypeMeasureGroup:         "MEASURE_GROUP",
	MsgTypeMeasureGroupResponse: "MEASURE_GROUP_RESPONSE",
	MsgTypeStatus:               "STATUS",
	MsgTypeStatusResponse:       "STATUS_RESPONSE",
	MsgTypeVersion:              "VERSION",
	MsgTypeVersionResponse:      "VERSION_RESPONSE",
	MsgTypeStreamStart:          "STREAM_START",
	MsgTypeStreamStop:           "STREAM_STOP",
	MsgTypeStreamData:           "STREAM_DATA",
	MsgTypeError:                "ERROR",
}

// GetMsgTypeName 获取消息类型名称
func GetMsgTypeName(msgType byte) string {
	if name, ok := msgTypeNames[msgType]; ok {
		return name
	}
	return fmt.Sprintf("未知消息类型(0x%02X)", msgType)
}

// ============================================================================
// 协商探测命令
// ============================================================================

const (
	// 文本探测命令，固件无响应视为能力缺失而非错误
	ProbeCmdVersion     = "VERSION"      // 固件版本查询
	ProbeCmdID          = "ID"           // 设备标识查询（VERSION的兼容别名）
	ProbeCmdFrameTest   = "FRAMETEST"    // 帧编码自检
	ProbeCmdCRCStatus   = "CRC?"         // 校验和能力查询
	ProbeCmdStreamStart = "START_STREAM" // 流式上报启动
	ProbeCmdStreamStop  = "STOP_STREAM"  // 流式上报停止

	// 设备类别探测命令
	ProbeCmdBoardType = "BOARDTYPE" // 板卡类型查询
	ProbeCmdStatus    = "STATUS"    // 状态查询
)

// ============================================================================
// 串口传输默认参数
// ============================================================================

const (
	// DefaultBaudRate 默认波特率，8数据位、无校验、1停止位
	DefaultBaudRate = 115200

	// DefaultCommandTimeoutSeconds 命令默认超时
	DefaultCommandTimeoutSeconds = 5

	// DefaultProbeTimeoutMillis 协商探测命令的短超时
	DefaultProbeTimeoutMillis = 500
)
