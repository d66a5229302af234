package protocol

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/bujia-iot/iot-fixture/pkg/transport"
	"github.com/sirupsen/logrus"
)

// StreamHandler 流式上报数据回调
type StreamHandler func(samples []uint16)

// binaryAdvancedProtocol 二进制消息协议实现
// 读取泵协程持续从传输层切分消息；响应通过序列号回显配对到等待中的请求，
// 流式上报数据绕过请求配对直接交给StreamHandler
type binaryAdvancedProtocol struct {
	cmdMu sync.Mutex // 串行化同一连接上的命令
	mu    sync.Mutex
	t     transport.Transport
	caps  ProtocolCapabilities

	seq       uint32 // 序列号计数器，取低8位
	waiter    *ResponseWaiter
	stopChan  chan struct{}
	connected bool

	streamHandler StreamHandler
}

// NewBinaryAdvancedProtocol 创建二进制消息协议
func NewBinaryAdvancedProtocol(t transport.Transport, caps ProtocolCapabilities) Protocol {
	caps.Version = VersionBinaryAdvanced
	caps.SupportsCRC = true
	caps.SupportsFraming = true
	return &binaryAdvancedProtocol{
		t:      t,
		caps:   caps,
		waiter: NewResponseWaiter(),
	}
}

func (p *binaryAdvancedProtocol) Version() ProtocolVersion {
	return VersionBinaryAdvanced
}

func (p *binaryAdvancedProtocol) Capabilities() ProtocolCapabilities {
	return p.caps
}

func (p *binaryAdvancedProtocol) Transport() transport.Transport {
	return p.t
}

// SetStreamHandler 设置流式上报回调
func (p *binaryAdvancedProtocol) SetStreamHandler(handler StreamHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streamHandler = handler
}

// Connect 建立连接并启动读取泵
func (p *binaryAdvancedProtocol) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.connected {
		return nil
	}

	if err := p.t.Connect(ctx); err != nil {
		return err
	}
	p.t.SetChecksumMode(false)
	p.t.SetFramingMode(true)

	p.stopChan = make(chan struct{})
	p.connected = true
	go p.readLoop(p.stopChan)
	return nil
}

// Disconnect 停止读取泵、取消未决等待并断开连接
func (p *binaryAdvancedProtocol) Disconnect() error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return nil
	}
	p.connected = false
	close(p.stopChan)
	p.mu.Unlock()

	p.waiter.CancelAll()
	return p.t.Disconnect()
}

// IsConnected 返回连接状态
func (p *binaryAdvancedProtocol) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected && p.t.IsConnected()
}

// nextSequence 分配下一个序列号
func (p *binaryAdvancedProtocol) nextSequence() byte {
	return byte(atomic.AddUint32(&p.seq, 1))
}

// readLoop 读取泵：切分、解码并分发设备消息
func (p *binaryAdvancedProtocol) readLoop(stopChan chan struct{}) {
	buf := make([]byte, 512)
	var pending []byte

	for {
		select {
		case <-stopChan:
			return
		default:
		}

		n, err := p.t.Read(buf, 200*time.Millisecond)
		if err != nil {
			// 传输层失效，读取泵退出；未决请求由Disconnect统一取消
			logger.WithFields(logrus.Fields{
				"endpoint": p.t.Endpoint(),
				"error":    err.Error(),
			}).Debug("读取泵因传输错误退出")
			return
		}
		if n == 0 {
			continue
		}

		pending = append(pending, buf[:n]...)
		var complete [][]byte
		complete, pending = ExtractBinaryMessages(pending)

		for _, raw := range complete {
			msg, typed, err := DecodeTypedMessage(raw)
			if err != nil {
				logger.WithFields(logrus.Fields{
					"endpoint": p.t.Endpoint(),
					"error":    err.Error(),
				}).Warn("设备消息解码失败，丢弃")
				continue
			}
			p.dispatch(msg, typed)
		}
	}
}

// dispatch 分发一条已解码的设备消息
func (p *binaryAdvancedProtocol) dispatch(msg *BinaryMessage, typed TypedPayload) {
	// 流式上报不参与请求配对
	if data, ok := typed.(*StreamDataPayload); ok {
		p.mu.Lock()
		handler := p.streamHandler
		p.mu.Unlock()
		if handler != nil {
			handler(data.Samples)
		}
		return
	}

	p.waiter.Deliver(msg.Sequence, msg, typed)
}

// Execute 执行一条命令
// 命令被翻译为类型化二进制消息；响应按序列号配对
func (p *binaryAdvancedProtocol) Execute(ctx context.Context, req *CommandRequest) (*CommandResponse, error) {
	p.cmdMu.Lock()
	defer p.cmdMu.Unlock()

	start := time.Now()

	if err := ctx.Err(); err != nil {
		return NewErrorResponse(req, errors.ErrCancelled, "命令已取消", time.Since(start)), nil
	}

	sequence := p.nextSequence()
	payload, err := buildRequestPayload(req, sequence)
	if err != nil {
		return ResponseFromError(req, err, time.Since(start)), nil
	}

	encoded, err := EncodeTypedMessage(payload, sequence)
	if err != nil {
		return NewErrorResponse(req, errors.ErrFramingError, err.Error(), time.Since(start)), nil
	}

	entry, err := p.waiter.Register(sequence)
	if err != nil {
		return ResponseFromError(req, err, time.Since(start)), nil
	}

	if err := p.t.Write(encoded); err != nil {
		p.waiter.remove(sequence)
		resp := ResponseFromError(req, err, time.Since(start))
		return resp, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	_, typed, err := p.waiter.Wait(ctx, entry, timeout)
	elapsed := time.Since(start)
	if err != nil {
		// 超时在本层吸收为类型化响应，连接保持可用
		return ResponseFromError(req, err, elapsed), nil
	}

	logger.WithFields(logrus.Fields{
		"requestID": req.RequestID,
		"command":   req.Command,
		"sequence":  sequence,
		"elapsed":   elapsed.String(),
	}).Debug("二进制协议命令完成")

	return responseFromTypedPayload(req, typed, elapsed), nil
}

// buildRequestPayload 将通用命令翻译为类型化请求负载
func buildRequestPayload(req *CommandRequest, sequence byte) (TypedPayload, error) {
	switch req.Command {
	case CmdPing:
		return &PingPayload{Token: sequence}, nil

	case CmdVersion:
		return &VersionPayload{}, nil

	case CmdStatus, CmdBoardType:
		return &StatusPayload{}, nil

	case CmdMeasure:
		if len(req.Params) < 2 {
			return nil, errors.New(errors.ErrInvalidParameter, "MEASURE需要继电器ID与测试类型参数")
		}
		relayID, err := strconv.ParseUint(req.Params[0], 10, 8)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalidParameter, "继电器ID非法: "+req.Params[0], err)
		}
		testType, err := parseTestType(req.Params[1])
		if err != nil {
			return nil, err
		}
		return &MeasurePayload{RelayID: byte(relayID), TestType: testType}, nil

	case CmdMeasureGroup:
		if len(req.Params) < 1 {
			return nil, errors.New(errors.ErrInvalidParameter, "MEASURE_GROUP需要测试类型参数")
		}
		testType, err := parseTestType(req.Params[0])
		if err != nil {
			return nil, err
		}
		relayIDs := make([]byte, 0, len(req.Params)-1)
		for _, param := range req.Params[1:] {
			relayID, err := strconv.ParseUint(param, 10, 8)
			if err != nil {
				return nil, errors.Wrap(errors.ErrInvalidParameter, "继电器ID非法: "+param, err)
			}
			relayIDs = append(relayIDs, byte(relayID))
		}
		return &MeasureGroupPayload{TestType: testType, RelayIDs: relayIDs}, nil

	case CmdStartStream:
		interval := uint16(100)
		if len(req.Params) > 0 {
			parsed, err := strconv.ParseUint(req.Params[0], 10, 16)
			if err != nil {
				return nil, errors.Wrap(errors.ErrInvalidParameter, "上报间隔非法: "+req.Params[0], err)
			}
			interval = uint16(parsed)
		}
		return &StreamStartPayload{IntervalMs: interval}, nil

	case CmdStopStream:
		return &StreamStopPayload{}, nil

	default:
		return nil, errors.Newf(errors.ErrUnsupportedCommand, "二进制协议不支持命令: %s", req.Command)
	}
}

// testTypeNames 测试类型名称与编码
var testTypeNames = map[string]byte{
	"VOLTAGE":    1,
	"CURRENT":    2,
	"RESISTANCE": 3,
	"CONTINUITY": 4,
}

// parseTestType 解析测试类型参数，接受名称或数字编码
func parseTestType(param string) (byte, error) {
	if code, ok := testTypeNames[strings.ToUpper(param)]; ok {
		return code, nil
	}
	code, err := strconv.ParseUint(param, 10, 8)
	if err != nil {
		return 0, errors.Wrap(errors.ErrInvalidParameter, "测试类型非法: "+param, err)
	}
	return byte(code), nil
}

// responseFromTypedPayload 将类型化响应负载转换为通用命令响应
func responseFromTypedPayload(req *CommandRequest, typed TypedPayload, elapsed time.Duration) *CommandResponse {
	switch r := typed.(type) {
	case *PingResponsePayload:
		return NewSuccessResponse(req, []string{"PONG"}, elapsed)

	case *VersionResponsePayload:
		version := fmt.Sprintf("%d.%d.%d", r.Major, r.Minor, r.Patch)
		data := []string{version}
		if r.Build != "" {
			data = append(data, r.Build)
		}
		return NewSuccessResponse(req, data, elapsed)

	case *StatusResponsePayload:
		return NewSuccessResponse(req, []string{
			strconv.Itoa(int(r.BoardType)),
			strconv.Itoa(int(r.RelayCount)),
			strconv.FormatUint(uint64(r.UptimeSec), 10),
			fmt.Sprintf("0x%04X", r.ErrorFlags),
		}, elapsed)

	case *MeasureResponsePayload:
		return NewSuccessResponse(req, []string{
			strconv.Itoa(int(r.RelayID)),
			strconv.Itoa(int(r.TestType)),
			strconv.FormatUint(uint64(r.Raw), 10),
		}, elapsed)

	case *MeasureGroupResponsePayload:
		data := make([]string, 0, len(r.Readings)+1)
		data = append(data, strconv.Itoa(int(r.TestType)))
		for _, reading := range r.Readings {
			data = append(data, fmt.Sprintf("%d:%d", reading.RelayID, reading.Raw))
		}
		return NewSuccessResponse(req, data, elapsed)

	case *ErrorPayload:
		code := errors.ErrExecutionError
		if r.Code == 0x01 {
			code = errors.ErrUnsupportedCommand
		}
		return NewErrorResponse(req, code, r.Detail, elapsed)

	default:
		return NewErrorResponse(req, errors.ErrExecutionError,
			fmt.Sprintf("收到不匹配的响应类型: 0x%02X", typed.MsgType()), elapsed)
	}
}
