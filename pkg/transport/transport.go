package transport

import (
	"context"
	"time"
)

// Transport 设备传输层接口
// 提供字节级读写与行级问答两种访问方式；同一连接同一时刻只允许一个协议实例持有
type Transport interface {
	// Connect 建立连接
	Connect(ctx context.Context) error
	// Disconnect 断开连接
	Disconnect() error
	// IsConnected 返回连接状态
	IsConnected() bool

	// Write 写入原始字节
	Write(data []byte) error
	// Read 读取原始字节，超时返回已读到的字节数（可能为0）
	Read(buf []byte, timeout time.Duration) (int, error)
	// ReadLine 读取一行文本（CRLF或LF结尾，结尾符被剥除）
	ReadLine(timeout time.Duration) (string, error)
	// Query 发送一行命令并等待一行响应
	Query(cmd string, timeout time.Duration) (string, error)

	// SetChecksumMode 开启后行级收发自动追加/校验"*XXXX"后缀
	SetChecksumMode(enable bool)
	// ChecksumMode 返回校验和模式状态
	ChecksumMode() bool
	// SetFramingMode 标记链路已切换到帧模式（行级接口不再使用）
	SetFramingMode(enable bool)
	// FramingMode 返回帧模式状态
	FramingMode() bool

	// Endpoint 返回连接端点标识（串口名或网络地址）
	Endpoint() string
}
