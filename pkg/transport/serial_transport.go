package transport

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/checksum"
	"github.com/bujia-iot/iot-fixture/pkg/constants"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// SerialConfig 串口连接参数
// 数据位8、无校验、1停止位固定不变，只有端口与波特率可配
type SerialConfig struct {
	Port     string `json:"port"`
	BaudRate int    `json:"baud_rate"`
}

// SerialTransport 基于go.bug.st/serial的串口传输实现
type SerialTransport struct {
	mu       sync.Mutex
	cfg      SerialConfig
	port     serial.Port
	pending  bytes.Buffer // 已读取但尚未消费的字节
	checksum bool
	framing  bool
}

// NewSerialTransport 创建串口传输
func NewSerialTransport(cfg SerialConfig) *SerialTransport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = constants.DefaultBaudRate
	}
	return &SerialTransport{cfg: cfg}
}

// ListSerialPorts 枚举操作系统可见的串口列表
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, errors.Wrap(errors.ErrConnectionFailed, "枚举串口失败", err)
	}
	return ports, nil
}

// Connect 打开串口
func (t *SerialTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port != nil {
		return nil
	}

	mode := &serial.Mode{
		BaudRate: t.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(t.cfg.Port, mode)
	if err != nil {
		return errors.Wrap(errors.ErrConnectionFailed, "打开串口失败: "+t.cfg.Port, err)
	}

	t.port = port
	t.pending.Reset()

	logger.WithFields(logrus.Fields{
		"port":     t.cfg.Port,
		"baudRate": t.cfg.BaudRate,
	}).Info("串口已打开")
	return nil
}

// Disconnect 关闭串口
func (t *SerialTransport) Disconnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.port == nil {
		return nil
	}

	err := t.port.Close()
	t.port = nil
	t.pending.Reset()

	if err != nil {
		return errors.Wrap(errors.ErrConnectionFailed, "关闭串口失败", err)
	}
	logger.WithField("port", t.cfg.Port).Info("串口已关闭")
	return nil
}

// IsConnected 返回串口是否打开
func (t *SerialTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port != nil
}

// Write 写入原始字节
func (t *SerialTransport) Write(data []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()

	if port == nil {
		return errors.New(errors.ErrNotConnected, "串口未打开: "+t.cfg.Port)
	}

	if _, err := port.Write(data); err != nil {
		return errors.Wrap(errors.ErrConnectionFailed, "串口写入失败", err)
	}
	return nil
}

// Read 读取原始字节，先消费缓冲区再读串口
func (t *SerialTransport) Read(buf []byte, timeout time.Duration) (int, error) {
	t.mu.Lock()
	port := t.port
	if port == nil {
		t.mu.Unlock()
		return 0, errors.New(errors.ErrNotConnected, "串口未打开: "+t.cfg.Port)
	}
	if t.pending.Len() > 0 {
		n, _ := t.pending.Read(buf)
		t.mu.Unlock()
		return n, nil
	}
	t.mu.Unlock()

	if err := port.SetReadTimeout(timeout); err != nil {
		return 0, errors.Wrap(errors.ErrConnectionFailed, "设置串口读超时失败", err)
	}
	n, err := port.Read(buf)
	if err != nil {
		return n, errors.Wrap(errors.ErrConnectionFailed, "串口读取失败", err)
	}
	return n, nil
}

// ReadLine 读取一行文本，超时未凑满一行返回TIMEOUT错误
func (t *SerialTransport) ReadLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)

	for {
		// 先在缓冲区内找行结束符
		t.mu.Lock()
		if line, ok := takeLine(&t.pending); ok {
			t.mu.Unlock()
			return t.postprocessLine(line)
		}
		port := t.port
		t.mu.Unlock()

		if port == nil {
			return "", errors.New(errors.ErrNotConnected, "串口未打开: "+t.cfg.Port)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", errors.New(errors.ErrTimeout, "等待响应行超时")
		}

		if err := port.SetReadTimeout(remaining); err != nil {
			return "", errors.Wrap(errors.ErrConnectionFailed, "设置串口读超时失败", err)
		}
		n, err := port.Read(buf)
		if err != nil {
			return "", errors.Wrap(errors.ErrConnectionFailed, "串口读取失败", err)
		}
		if n == 0 {
			return "", errors.New(errors.ErrTimeout, "等待响应行超时")
		}

		t.mu.Lock()
		t.pending.Write(buf[:n])
		t.mu.Unlock()
	}
}

// Query 发送一行命令并等待一行响应
func (t *SerialTransport) Query(cmd string, timeout time.Duration) (string, error) {
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
func (t *SerialTransport) postprocessLine(line string) (string, error) {
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
func (t *SerialTransport) SetChecksumMode(enable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.checksum = enable
}

// ChecksumMode 返回校验和模式状态
func (t *SerialTransport) ChecksumMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.checksum
}

// SetFramingMode 标记链路进入帧模式
func (t *SerialTransport) SetFramingMode(enable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.framing = enable
}

// FramingMode 返回帧模式状态
func (t *SerialTransport) FramingMode() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.framing
}

// Endpoint 返回串口名
func (t *SerialTransport) Endpoint() string {
	return t.cfg.Port
}

// takeLine 从缓冲区中取出一行（以'\n'结尾），没有完整行时返回false
func takeLine(buf *bytes.Buffer) (string, bool) {
	data := buf.Bytes()
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return "", false
	}
	line := string(data[:idx])
	buf.Next(idx + 1)
	return line, true
}
