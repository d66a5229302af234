package protocol

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/constants"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/bujia-iot/iot-fixture/pkg/transport"
	"github.com/sirupsen/logrus"
)

// binaryFramedProtocol 字符帧协议实现
// 命令文本装入CMD帧发送，等待设备返回RSP帧；帧层提供定界、转义与CRC保护
type binaryFramedProtocol struct {
	mu        sync.Mutex
	t         transport.Transport
	caps      ProtocolCapabilities
	parser    *FrameParser
	connected bool
}

// NewBinaryFramedProtocol 创建字符帧协议
func NewBinaryFramedProtocol(t transport.Transport, caps ProtocolCapabilities) Protocol {
	caps.Version = VersionBinaryFramed
	caps.SupportsCRC = true
	caps.SupportsFraming = true
	return &binaryFramedProtocol{
		t:      t,
		caps:   caps,
		parser: NewFrameParser(),
	}
}

func (p *binaryFramedProtocol) Version() ProtocolVersion {
	return VersionBinaryFramed
}

func (p *binaryFramedProtocol) Capabilities() ProtocolCapabilities {
	return p.caps
}

func (p *binaryFramedProtocol) Transport() transport.Transport {
	return p.t
}

// Connect 建立连接并切换传输到帧模式
func (p *binaryFramedProtocol) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.t.Connect(ctx); err != nil {
		return err
	}
	p.t.SetChecksumMode(false)
	p.t.SetFramingMode(true)
	p.parser.Reset()
	p.connected = true
	return nil
}

// Disconnect 断开连接
func (p *binaryFramedProtocol) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return p.t.Disconnect()
}

// IsConnected 返回连接状态
func (p *binaryFramedProtocol) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected && p.t.IsConnected()
}

// Execute 执行一条命令
func (p *binaryFramedProtocol) Execute(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()

	if err := ctx.Err(); err != nil {
		return NewErrorResponse(req, errors.ErrCancelled, "命令已取消", time.Since(start)), nil
	}

	line := req.Command
	if len(req.Params) > 0 {
		line += " " + strings.Join(req.Params, " ")
	}

	encoded, err := EncodeFrame(constants.FrameTypeCommand, []byte(line))
	if err != nil {
		return NewErrorResponse(req, errors.ErrFramingError, err.Error(), time.Since(start)), nil
	}

	if err := p.t.Write(encoded); err != nil {
		resp := ResponseFromError(req, err, time.Since(start))
		return resp, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	frame, err := p.readResponseFrame(timeout)
	elapsed := time.Since(start)
	if err != nil {
		code := errors.CodeOf(err)
		resp := NewErrorResponse(req, code, err.Error(), elapsed)
		if code == errors.ErrTimeout || code == errors.ErrCRCError || code == errors.ErrFramingError {
			return resp, nil
		}
		return resp, err
	}

	logger.WithFields(logrus.Fields{
		"requestID": req.RequestID,
		"command":   req.Command,
		"frame":     frame.String(),
		"elapsed":   elapsed.String(),
	}).Debug("帧协议命令完成")

	resp := parseTextResponse(req, string(frame.Payload), elapsed)
	resp.Raw = frame.Payload
	return resp, nil
}

// readResponseFrame 读取并解析设备响应帧直到超时
// 事件帧在命令等待期间到达时仅记录日志后丢弃
func (p *binaryFramedProtocol) readResponseFrame(timeout time.Duration) (*Frame, error) {
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errors.New(errors.ErrTimeout, "等待响应帧超时")
		}

		n, err := p.t.Read(buf, remaining)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			continue
		}

		for _, frame := range p.parser.Feed(buf[:n]) {
			switch frame.Type {
			case constants.FrameTypeResponse:
				return frame, nil
			case constants.FrameTypeEvent, constants.FrameTypeData:
				logger.WithField("frame", frame.String()).Debug("命令等待期间收到非响应帧，忽略")
			default:
				logger.WithField("frame", frame.String()).Warn("收到未知类型帧，忽略")
			}
		}
	}
}
