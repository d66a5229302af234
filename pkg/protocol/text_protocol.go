package protocol

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/bujia-iot/iot-fixture/pkg/transport"
	"github.com/sirupsen/logrus"
)

// textProtocol 文本行协议实现
// 命令形如 "MEASURE 3 VOLTAGE"，响应形如 "OK 3.299" 或 "ERR UNSUPPORTED ..."
// TEXT_WITH_CRC变体在传输层开启行级校验和，收发自动追加/验证"*XXXX"后缀
type textProtocol struct {
	mu        sync.Mutex // 串行化同一连接上的命令
	t         transport.Transport
	caps      ProtocolCapabilities
	withCRC   bool
	connected bool
}

// NewTextBasicProtocol 创建纯文本行协议
func NewTextBasicProtocol(t transport.Transport, caps ProtocolCapabilities) Protocol {
	caps.Version = VersionTextBasic
	return &textProtocol{t: t, caps: caps}
}

// NewTextCRCProtocol 创建带校验和的文本行协议
func NewTextCRCProtocol(t transport.Transport, caps ProtocolCapabilities) Protocol {
	caps.Version = VersionTextWithCRC
	caps.SupportsCRC = true
	return &textProtocol{t: t, caps: caps, withCRC: true}
}

func (p *textProtocol) Version() ProtocolVersion {
	if p.withCRC {
		return VersionTextWithCRC
	}
	return VersionTextBasic
}

func (p *textProtocol) Capabilities() ProtocolCapabilities {
	return p.caps
}

func (p *textProtocol) Transport() transport.Transport {
	return p.t
}

// Connect 建立连接并按变体设置传输模式
func (p *textProtocol) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.t.Connect(ctx); err != nil {
		return err
	}
	p.t.SetChecksumMode(p.withCRC)
	p.t.SetFramingMode(false)
	p.connected = true
	return nil
}

// Disconnect 断开连接
func (p *textProtocol) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return p.t.Disconnect()
}

// IsConnected 返回连接状态
func (p *textProtocol) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected && p.t.IsConnected()
}

// Execute 执行一条命令
// 超时与校验错误被吸收为类型化错误响应，不作为error上抛
func (p *textProtocol) Execute(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
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

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	response, err := p.t.Query(line, timeout)
	elapsed := time.Since(start)
	if err != nil {
		code := errors.CodeOf(err)
		resp := NewErrorResponse(req, code, err.Error(), elapsed)
		// 超时与校验错误在本层吸收，连接保持可用
		if code == errors.ErrTimeout || code == errors.ErrCRCError {
			return resp, nil
		}
		return resp, err
	}

	logger.WithFields(logrus.Fields{
		"requestID": req.RequestID,
		"command":   req.Command,
		"response":  response,
		"elapsed":   elapsed.String(),
	}).Debug("文本协议命令完成")

	return parseTextResponse(req, response, elapsed), nil
}

// parseTextResponse 解析设备文本响应行
// "OK ..."为成功，"ERR <CODE> ..."为设备侧错误，其余按执行错误处理
func parseTextResponse(req *CommandRequest, line string, elapsed time.Duration) *CommandResponse {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return NewErrorResponse(req, errors.ErrExecutionError, "空响应行", elapsed)
	}

	switch fields[0] {
	case "OK":
		return NewSuccessResponse(req, fields[1:], elapsed)
	case "ERR":
		code := errors.ErrExecutionError
		message := line
		if len(fields) > 1 && fields[1] == "UNSUPPORTED" {
			code = errors.ErrUnsupportedCommand
		}
		return NewErrorResponse(req, code, message, elapsed)
	default:
		return NewErrorResponse(req, errors.ErrExecutionError, "无法解析的响应行: "+line, elapsed)
	}
}
