package simulator

import (
	"time"

	"github.com/aceld/zinx/ziface"
	"github.com/aceld/zinx/znet"
	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/constants"
	"github.com/bujia-iot/iot-fixture/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// decodeRequest 重组并解码请求消息
func decodeRequest(request ziface.IRequest) (*protocol.BinaryMessage, protocol.TypedPayload, error) {
	fm, ok := IMessageToFixtureMessage(request.GetMessage())
	if !ok {
		// 框架默认消息类型，按原始字节解码
		return protocol.DecodeTypedMessage(request.GetData())
	}
	raw, err := RebuildRawMessage(fm)
	if err != nil {
		return nil, nil, err
	}
	return protocol.DecodeTypedMessage(raw)
}

// sendResponse 编码并下发响应，途经故障注入
func sendResponse(conn ziface.IConnection, state *FixtureState, sequence byte, payload protocol.TypedPayload) {
	if delay := state.ResponseDelay(); delay > 0 {
		time.Sleep(delay)
	}

	if state.ShouldDrop() {
		logger.WithFields(logrus.Fields{
			"connID":   conn.GetConnID(),
			"msgType":  constants.GetMsgTypeName(payload.MsgType()),
			"sequence": sequence,
		}).Debug("故障注入：丢弃响应")
		return
	}

	packet, err := protocol.EncodeTypedMessage(payload, sequence)
	if err != nil {
		logger.WithField("error", err.Error()).Error("响应编码失败")
		return
	}

	if state.ShouldCorrupt() {
		// 翻转校验和首字节，对端应以CRC_ERROR拒收
		pos := len(packet) - constants.BinaryTrailerSize
		packet[pos] ^= 0xFF
		logger.WithFields(logrus.Fields{
			"connID":   conn.GetConnID(),
			"sequence": sequence,
		}).Debug("故障注入：损坏响应校验和")
	}

	if err := conn.SendBuffMsg(0, packet); err != nil {
		logger.WithFields(logrus.Fields{
			"connID": conn.GetConnID(),
			"error":  err.Error(),
		}).Error("响应发送失败")
	}
}

// sendError 下发错误响应
func sendError(conn ziface.IConnection, state *FixtureState, sequence byte, code byte, detail string) {
	sendResponse(conn, state, sequence, &protocol.ErrorPayload{Code: code, Detail: detail})
}

// PingHandler 处理链路探测 (0x01)
type PingHandler struct {
	znet.BaseRouter
	state *FixtureState
}

// Handle 回显探测令牌
func (h *PingHandler) Handle(request ziface.IRequest) {
	msg, typed, err := decodeRequest(request)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("PING解码失败")
		return
	}
	ping := typed.(*protocol.PingPayload)
	sendResponse(request.GetConnection(), h.state, msg.Sequence,
		&protocol.PingResponsePayload{Token: ping.Token})
}

// VersionHandler 处理固件版本查询 (0x30)
type VersionHandler struct {
	znet.BaseRouter
	state *FixtureState
}

// Handle 返回模拟固件版本
func (h *VersionHandler) Handle(request ziface.IRequest) {
	msg, _, err := decodeRequest(request)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("VERSION解码失败")
		return
	}
	sendResponse(request.GetConnection(), h.state, msg.Sequence, &protocol.VersionResponsePayload{
		Major: h.state.Firmware[0],
		Minor: h.state.Firmware[1],
		Patch: h.state.Firmware[2],
		Build: h.state.Build,
	})
}

// StatusHandler 处理状态查询 (0x20)
type StatusHandler struct {
	znet.BaseRouter
	state *FixtureState
}

// Handle 返回板卡状态
func (h *StatusHandler) Handle(request ziface.IRequest) {
	msg, _, err := decodeRequest(request)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("STATUS解码失败")
		return
	}
	sendResponse(request.GetConnection(), h.state, msg.Sequence, &protocol.StatusResponsePayload{
		BoardType:  h.state.BoardType,
		RelayCount: h.state.RelayCount,
		UptimeSec:  h.state.UptimeSec(),
		ErrorFlags: h.state.ErrorFlags(),
	})
}

// MeasureHandler 处理单点测量 (0x10)
type MeasureHandler struct {
	znet.BaseRouter
	state *FixtureState
}

// Handle 执行模拟测量
func (h *MeasureHandler) Handle(request ziface.IRequest) {
	msg, typed, err := decodeRequest(request)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("MEASURE解码失败")
		return
	}
	m := typed.(*protocol.MeasurePayload)
	conn := request.GetConnection()

	if m.RelayID >= h.state.RelayCount {
		sendError(conn, h.state, msg.Sequence, 0x02, "继电器ID超出范围")
		return
	}

	sendResponse(conn, h.state, msg.Sequence, &protocol.MeasureResponsePayload{
		RelayID:  m.RelayID,
		TestType: m.TestType,
		Raw:      h.state.Measure(m.RelayID, m.TestType),
	})
}

// MeasureGroupHandler 处理批量测量 (0x12)
type MeasureGroupHandler struct {
	znet.BaseRouter
	state *FixtureState
}

// Handle 逐个继电器执行模拟测量
func (h *MeasureGroupHandler) Handle(request ziface.IRequest) {
	msg, typed, err := decodeRequest(request)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("MEASURE_GROUP解码失败")
		return
	}
	group := typed.(*protocol.MeasureGroupPayload)
	conn := request.GetConnection()

	readings := make([]protocol.MeasureReading, 0, len(group.RelayIDs))
	for _, relayID := range group.RelayIDs {
		if relayID >= h.state.RelayCount {
			sendError(conn, h.state, msg.Sequence, 0x02, "继电器ID超出范围")
			return
		}
		readings = append(readings, protocol.MeasureReading{
			RelayID: relayID,
			Raw:     h.state.Measure(relayID, group.TestType),
		})
	}

	sendResponse(conn, h.state, msg.Sequence, &protocol.MeasureGroupResponsePayload{
		TestType: group.TestType,
		Readings: readings,
	})
}

// StreamStartHandler 处理流式上报启动 (0x40)
type StreamStartHandler struct {
	znet.BaseRouter
	state *FixtureState
}

// Handle 启动上报协程，按请求间隔持续推送采样数据
func (h *StreamStartHandler) Handle(request ziface.IRequest) {
	msg, typed, err := decodeRequest(request)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("STREAM_START解码失败")
		return
	}
	start := typed.(*protocol.StreamStartPayload)
	conn := request.GetConnection()

	interval := time.Duration(start.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	stop := h.state.StartStream(conn.GetConnID())
	go h.streamLoop(conn, interval, stop)

	// 确认响应回显请求序列号；后续上报消息序列号为0
	sendResponse(conn, h.state, msg.Sequence, &protocol.PingResponsePayload{Token: 0})

	logger.WithFields(logrus.Fields{
		"connID":   conn.GetConnID(),
		"interval": interval.String(),
	}).Info("流式上报已启动")
}

// streamLoop 上报协程
func (h *StreamStartHandler) streamLoop(conn ziface.IConnection, interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			samples := make([]uint16, 8)
			for i := range samples {
				samples[i] = h.state.Sample()
			}
			packet, err := protocol.EncodeTypedMessage(&protocol.StreamDataPayload{Samples: samples}, 0)
			if err != nil {
				continue
			}
			if err := conn.SendBuffMsg(0, packet); err != nil {
				// 连接已关闭，协程退出
				return
			}
		}
	}
}

// StreamStopHandler 处理流式上报停止 (0x41)
type StreamStopHandler struct {
	znet.BaseRouter
	state *FixtureState
}

// Handle 停止上报协程
func (h *StreamStopHandler) Handle(request ziface.IRequest) {
	msg, _, err := decodeRequest(request)
	if err != nil {
		logger.WithField("error", err.Error()).Warn("STREAM_STOP解码失败")
		return
	}
	conn := request.GetConnection()
	stopped := h.state.StopStream(conn.GetConnID())

	sendResponse(conn, h.state, msg.Sequence, &protocol.PingResponsePayload{Token: 0})

	logger.WithFields(logrus.Fields{
		"connID":  conn.GetConnID(),
		"stopped": stopped,
	}).Info("流式上报已停止")
}
