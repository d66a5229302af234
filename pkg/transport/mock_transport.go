package transport

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bujia-iot/iot-fixture/pkg/errors"
)

// MockTransport 可编程的内存传输实现，用于协议层与设备层测试
// LineHandler处理行级问答，RawHandler处理原始字节写入后的模拟响应
type MockTransport struct {
	mu        sync.Mutex
	endpoint  string
	connected bool
	checksum  bool
	framing   bool
	readBuf   bytes.Buffer
	writes    [][]byte

	// ConnectErr 不为nil时Connect直接返回该错误
	ConnectErr error
	// LineHandler 行级问答处理函数；ok为false表示设备无响应（模拟超时）
	LineHandler func(cmd string) (string, bool)
	// RawHandler 原始写入处理函数，返回值会进入读缓冲区
	RawHandler func(written []byte) []byte
}

// NewMockTransport 创建模拟传输
func NewMockTransport(endpoint string) *MockTransport {
	return &MockTransport{endpoint: endpoint}
}

// Connect 模拟建立连接
func (t *MockTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConnectErr != nil {
		return t.ConnectErr
	}
	t.connected = true
	return nil
}

// Disconnect 模拟断开连接
func (t *MockTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = false
	t.readBuf.Reset()
	return nil
}

// IsConnected 返回连接状态
func (t *MockTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Write 记录写入并触发RawHandler
func (t *MockTransport) Write(data []byte) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return errors.New(errors.ErrNotConnected, "模拟传输未连接")
	}
	written := make([]byte, len(data))
	copy(written, data)
	t.writes = append(t.writes, written)
	handler := t.RawHandler
	t.mu.Unlock()

	if handler != nil {
		if response := handler(written); len(response) > 0 {
			t.PushBytes(response)
		}
	}
	return nil
}

// Read 从读缓冲区读取，缓冲区为空时轮询等待直到超时
func (t *MockTransport) Read(buf []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	for {
		t.mu.Lock()
		if !t.connected {
			t.mu.Unlock()
			return 0, errors.New(errors.ErrNotConnected, "模拟传输未连接")
		}
		if t.readBuf.Len() > 0 {
			n, _ := t.readBuf.Read(buf)
			t.mu.Unlock()
			return n, nil
		}
		t.mu.Unlock()

		if time.Now().After(deadline) {
			return 0, nil
		}
		time.Sleep(time.Millisecond)
	}
}

// ReadLine 从读缓冲区读取一行
func (t *MockTransport) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		t.mu.Lock()
		if !t.connected {
			t.mu.Unlock()
			return "", errors.New(errors.ErrNotConnected, "模拟传输未连接")
		}
		if line, ok := takeLine(&t.readBuf); ok {
			t.mu.Unlock()
			return strings.TrimRight(line, "\r"), nil
		}
		t.mu.Unlock()

		if time.Now().After(deadline) {
			return "", errors.New(errors.ErrTimeout, "等待响应行超时")
		}
		time.Sleep(time.Millisecond)
	}
}

// Query 通过LineHandler模拟行级问答
func (t *MockTransport) Query(cmd string, timeout time.Duration) (string, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return "", errors.New(errors.ErrNotConnected, "模拟传输未连接")
	}
	t.writes = append(t.writes, []byte(cmd))
	handler := t.LineHandler
	t.mu.Unlock()

	if handler == nil {
		return "", errors.New(errors.ErrTimeout, "等待响应行超时")
	}
	response, ok := handler(cmd)
	if !ok {
		return "", errors.New(errors.ErrTimeout, "等待响应行超时")
	}
	return response, nil
}

// PushBytes 向读缓冲区注入字节
func (t *MockTransport) PushBytes(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readBuf.Write(data)
}

// PushLine 向读缓冲区注入一行文本
func (t *MockTransport) PushLine(line string) {
	t.PushBytes([]byte(line + "\r\n"))
}

// Writes 返回全部写入记录
func (t *MockTransport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	writes := make([][]byte, len(t.writes))
	copy(writes, t.writes)
	return writes
}

// SetChecksumMode 记录校验和模式
func (t *MockTransport) SetChecksumMode(enable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checksum = enable
}

// ChecksumMode 返回校验和模式状态
func (t *MockTransport) ChecksumMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checksum
}

// SetFramingMode 记录帧模式
func (t *MockTransport) SetFramingMode(enable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.framing = enable
}

// FramingMode 返回帧模式状态
func (t *MockTransport) FramingMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framing
}

// Endpoint 返回端点标识
func (t *MockTransport) Endpoint() string {
	return t.endpoint
}
