package transport

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/checksum"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
)

// TCPTransport 基于TCP的传输实现
// 主要配合治具模拟器使用，使通信栈可以在无真实串口的环境下联调
type TCPTransport struct {
	mu       sync.Mutex
	address  string
	conn     net.Conn
	pending  bytes.Buffer
	checksum bool
	framing  bool
}

// NewTCPTransport 创建TCP传输
func NewTCPTransport(address string) *TCPTransport {
	return &TCPTransport{address: address}
}

// Connect 建立TCP连接
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: 5 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return errors.Wrap(errors.ErrConnectionFailed, "TCP连接失败: "+t.address, err)
	}

	t.conn = conn
	t.pending.Reset()
	logger.WithField("address", t.address).Info("TCP连接已建立")
	return nil
}

// Disconnect 断开TCP连接
func (t *TCPTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.conn = nil
	t.pending.Reset()

	if err != nil {
		return errors.Wrap(errors.ErrConnectionFailed, "关闭TCP连接失败", err)
	}
	return nil
}

// IsConnected 返回连接状态
func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Write 写入原始字节
func (t *TCPTransport) Write(data []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return errors.New(errors.ErrNotConnected, "TCP未连接: "+t.address)
	}
	if _, err := conn.Write(data); err != nil {
		return errors.Wrap(errors.ErrConnectionFailed, "TCP写入失败", err)
	}
	return nil
}

// Read 读取原始字节
func (t *TCPTransport) Read(buf []byte, timeout time.Duration) (int, error) {
	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return 0, errors.New(errors.ErrNotConnected, "TCP未连接: "+t.address)
	}
	if t.pending.Len() > 0 {
		n, _ := t.pending.Read(buf)
		t.mu.Unlock()
		return n, nil
	}
	t.mu.Unlock()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, errors.Wrap(errors.ErrConnectionFailed, "设置读超时失败", err)
	}
	n, err := conn.Read(buf)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return n, nil
		}
		return n, errors.Wrap(errors.ErrConnectionFailed, "TCP读取失败", err)
	}
	return n, nil
}

// ReadLine 读取一行文本
func (t *TCPTransport) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)

	for {
		t.mu.Lock()
		if line, ok := takeLine(&t.pending); ok {
			t.mu.Unlock()
			return t.postprocessLine(line)
		}
		conn := t.conn
		t.mu.Unlock()

		if conn == nil {
			return "", errors.New(errors.ErrNotConnected, "TCP未连接: "+t.address)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", errors.New(errors.ErrTimeout, "等待响应行超时")
		}

		if err := conn.SetReadDeadline(time.Now().Add(remaining)); err != nil {
			return "", errors.Wrap(errors.ErrConnectionFailed, "设置读超时失败", err)
		}
		n, err := conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return "", errors.New(errors.ErrTimeout, "等待响应行超时")
			}
			return "", errors.Wrap(errors.ErrConnectionFailed, "TCP读取失败", err)
		}

		t.mu.Lock()
		t.pending.Write(buf[:n])
		t.mu.Unlock()
	}
}

// Query 发送一行命令并等待一行响应
func (t *TCPTransport) Query(cmd string, timeout time.Duration) (string, error) {
	line := cmd
	if t.ChecksumMode() {
		line = checksum.Append(cmd)
	}
	if err := t.Write([]byte(line + "\r\n")); err != nil {
		return "", err
	}
	return t.ReadLine(timeout)
}

// postprocessLine 按校验和模式剥离并验证行尾校验和
func (t *TCPTransport) postprocessLine(line string) (string, error) {
	line = strings.TrimRight(line, "\r")
	if !t.ChecksumMode() {
		return line, nil
	}
	msg, ok := checksum.ExtractAndVerify(line)
	if !ok {
		return "", errors.Newf(errors.ErrCRCError, "响应行校验和验证失败: %q", line)
	}
	return msg, nil
}

// SetChecksumMode 开启行级校验和
func (t *TCPTransport) SetChecksumMode(enable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checksum = enable
}

// ChecksumMode 返回校验和模式状态
func (t *TCPTransport) ChecksumMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checksum
}

// SetFramingMode 标记链路进入帧模式
func (t *TCPTransport) SetFramingMode(enable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.framing = enable
}

// FramingMode 返回帧模式状态
func (t *TCPTransport) FramingMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framing
}

// Endpoint 返回网络地址
func (t *TCPTransport) Endpoint() string {
	return t.address
}
