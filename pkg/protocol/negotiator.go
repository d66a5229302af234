package protocol

import (
	"context"
	"strings"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/constants"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/bujia-iot/iot-fixture/pkg/transport"
	"github.com/sirupsen/logrus"
)

// Negotiator 协议能力协商器
// 在最低公共模式（纯文本行）下逐项探测固件能力，探测无响应记为能力缺失而非错误
// 协商结束后按能力选择最丰富的协议版本
type Negotiator struct {
	probeTimeout time.Duration
}

// NewNegotiator 创建协商器
func NewNegotiator(probeTimeout time.Duration) *Negotiator {
	if probeTimeout <= 0 {
		probeTimeout = constants.DefaultProbeTimeoutMillis * time.Millisecond
	}
	return &Negotiator{probeTimeout: probeTimeout}
}

// Probe 在已连接的传输上执行完整的能力探测
// 传输被临时切换到纯文本模式；设备对身份探测完全无响应时协商失败
func (n *Negotiator) Probe(ctx context.Context, t transport.Transport) (ProtocolCapabilities, error) {
	caps := ProtocolCapabilities{Version: VersionUnknown}

	if !t.IsConnected() {
		return caps, errors.New(errors.ErrNotConnected, "协商前传输未连接")
	}

	t.SetChecksumMode(false)
	t.SetFramingMode(false)

	// 身份探测：VERSION，失败再试兼容别名ID
	firmware, ok := n.probeIdentity(ctx, t)
	if !ok {
		return caps, errors.Newf(errors.ErrProtocolNegotiationFailed,
			"设备对身份探测无响应: %s", t.Endpoint())
	}
	caps.FirmwareVersion = firmware

	caps.SupportsCRC = n.probeCRC(ctx, t)
	caps.SupportsFraming = n.probeFraming(ctx, t)
	if caps.SupportsFraming {
		caps.SupportsStreaming = n.probeStreaming(ctx, t)
	}

	caps.Version = selectVersion(caps)

	logger.WithFields(logrus.Fields{
		"endpoint":  t.Endpoint(),
		"firmware":  caps.FirmwareVersion,
		"crc":       caps.SupportsCRC,
		"framing":   caps.SupportsFraming,
		"streaming": caps.SupportsStreaming,
		"version":   caps.Version.String(),
	}).Info("协议能力协商完成")

	return caps, nil
}

// probeIdentity 身份探测，返回固件版本字符串
func (n *Negotiator) probeIdentity(ctx context.Context, t transport.Transport) (string, bool) {
	for _, cmd := range []string{constants.ProbeCmdVersion, constants.ProbeCmdID} {
		if err := ctx.Err(); err != nil {
			return "", false
		}
		line, err := t.Query(cmd, n.probeTimeout)
		if err != nil {
			logger.WithFields(logrus.Fields{
				"probe": cmd,
				"error": err.Error(),
			}).Debug("身份探测无响应")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] == "ERR" {
			continue
		}
		if fields[0] == "OK" {
			if len(fields) >= 2 {
				return fields[1], true
			}
			return "", true
		}
		// 老固件直接回版本号，不带OK前缀
		return fields[0], true
	}
	return "", false
}

// probeCRC 校验和能力探测
func (n *Negotiator) probeCRC(ctx context.Context, t transport.Transport) bool {
	if ctx.Err() != nil {
		return false
	}
	line, err := t.Query(constants.ProbeCmdCRCStatus, n.probeTimeout)
	if err != nil {
		return false
	}
	return strings.HasPrefix(line, "OK")
}

// probeFraming 帧编码能力探测
// 支持帧模式的固件对FRAMETEST回一个合法帧，文本固件无响应或回错误行
func (n *Negotiator) probeFraming(ctx context.Context, t transport.Transport) bool {
	if ctx.Err() != nil {
		return false
	}
	if err := t.Write([]byte(constants.ProbeCmdFrameTest + "\n")); err != nil {
		return false
	}

	parser := NewFrameParser()
	deadline := time.Now().Add(n.probeTimeout)
	buf := make([]byte, 128)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		n, err := t.Read(buf, remaining)
		if err != nil {
			return false
		}
		if n == 0 {
			continue
		}
		if frames := parser.Feed(buf[:n]); len(frames) > 0 {
			return true
		}
	}
}

// probeStreaming 流式上报能力探测
// 启动成功后立即停止，避免把上报数据留在探测后的链路上
func (n *Negotiator) probeStreaming(ctx context.Context, t transport.Transport) bool {
	if ctx.Err() != nil {
		return false
	}
	line, err := t.Query(constants.ProbeCmdStreamStart, n.probeTimeout)
	if err != nil || !strings.HasPrefix(line, "OK") {
		return false
	}
	if _, err := t.Query(constants.ProbeCmdStreamStop, n.probeTimeout); err != nil {
		logger.WithField("endpoint", t.Endpoint()).Warn("流式探测停止命令无响应")
	}
	return true
}

// selectVersion 依据探测结果选择能力最丰富的协议版本
func selectVersion(caps ProtocolCapabilities) ProtocolVersion {
	switch {
	case caps.SupportsFraming && caps.SupportsStreaming:
		return VersionBinaryAdvanced
	case caps.SupportsFraming:
		return VersionBinaryFramed
	case caps.SupportsCRC:
		return VersionTextWithCRC
	default:
		return VersionTextBasic
	}
}
