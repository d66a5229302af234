package protocol

import (
	"bytes"
	"encoding/binary"

	"github.com/bujia-iot/iot-fixture/pkg/constants"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
)

// TypedPayload 二进制消息的类型化负载
// 每种消息类型码对应一种固定的负载布局
type TypedPayload interface {
	// MsgType 返回消息类型码
	MsgType() byte
	// MarshalPayload 编码负载字节
	MarshalPayload() ([]byte, error)
}

// payloadDecoder 负载解码函数
type payloadDecoder func(payload []byte) (TypedPayload, error)

// payloadDecoders 消息类型码到负载解码器的分发表
var payloadDecoders = map[byte]payloadDecoder{
	constants.MsgTypePing:                 decodePing,
	constants.MsgTypePingResponse:         decodePingResponse,
	constants.MsgTypeMeasure:              decodeMeasure,
	constants.MsgTypeMeasureResponse:      decodeMeasureResponse,
	constants.MsgTypeMeasureGroup:         decodeMeasureGroup,
	constants.MsgTypeMeasureGroupResponse: decodeMeasureGroupResponse,
	constants.MsgTypeStatus:               decodeStatus,
	constants.MsgTypeStatusResponse:       decodeStatusResponse,
	constants.MsgTypeVersion:              decodeVersion,
	constants.MsgTypeVersionResponse:      decodeVersionResponse,
	constants.MsgTypeStreamStart:          decodeStreamStart,
	constants.MsgTypeStreamStop:           decodeStreamStop,
	constants.MsgTypeStreamData:           decodeStreamData,
	constants.MsgTypeError:                decodeError,
}

// IsKnownMsgType 判断消息类型码是否已注册
func IsKnownMsgType(msgType byte) bool {
	_, ok := payloadDecoders[msgType]
	return ok
}

// UnmarshalPayload 按消息类型码分发解码负载
// 未注册的类型码为硬性解码错误
func UnmarshalPayload(msgType byte, payload []byte) (TypedPayload, error) {
	decoder, ok := payloadDecoders[msgType]
	if !ok {
		return nil, errors.Newf(errors.ErrFramingError, "未知消息类型码: 0x%02X", msgType)
	}
	return decoder(payload)
}

// EncodeTypedMessage 将类型化负载编码为完整的二进制消息
func EncodeTypedMessage(p TypedPayload, sequence byte) ([]byte, error) {
	payload, err := p.MarshalPayload()
	if err != nil {
		return nil, err
	}
	msg := &BinaryMessage{
		Type:     p.MsgType(),
		Sequence: sequence,
		Payload:  payload,
	}
	return msg.Encode()
}

// DecodeTypedMessage 解码完整的二进制消息并还原类型化负载
func DecodeTypedMessage(data []byte) (*BinaryMessage, TypedPayload, error) {
	msg, err := DecodeBinaryMessage(data)
	if err != nil {
		return nil, nil, err
	}
	typed, err := UnmarshalPayload(msg.Type, msg.Payload)
	if err != nil {
		return msg, nil, err
	}
	return msg, typed, nil
}

// ============================================================================
// 链路探测
// ============================================================================

// PingPayload 链路探测，负载为1字节令牌
type PingPayload struct {
	Token byte
}

func (p *PingPayload) MsgType() byte { return constants.MsgTypePing }

func (p *PingPayload) MarshalPayload() ([]byte, error) {
	return []byte{p.Token}, nil
}

func decodePing(payload []byte) (TypedPayload, error) {
	if len(payload) != 1 {
		return nil, errors.Newf(errors.ErrFramingError, "PING负载长度错误: %d", len(payload))
	}
	return &PingPayload{Token: payload[0]}, nil
}

// PingResponsePayload 链路探测响应，回显令牌
type PingResponsePayload struct {
	Token byte
}

func (p *PingResponsePayload) MsgType() byte { return constants.MsgTypePingResponse }

func (p *PingResponsePayload) MarshalPayload() ([]byte, error) {
	return []byte{p.Token}, nil
}

func decodePingResponse(payload []byte) (TypedPayload, error) {
	if len(payload) != 1 {
		return nil, errors.Newf(errors.ErrFramingError, "PING_RESPONSE负载长度错误: %d", len(payload))
	}
	return &PingResponsePayload{Token: payload[0]}, nil
}

// ============================================================================
// 测量
// ============================================================================

// MeasurePayload 单点测量请求: 继电器ID + 测试类型
type MeasurePayload struct {
	RelayID  byte
	TestType byte
}

func (p *MeasurePayload) MsgType() byte { return constants.MsgTypeMeasure }

func (p *MeasurePayload) MarshalPayload() ([]byte, error) {
	return []byte{p.RelayID, p.TestType}, nil
}

func decodeMeasure(payload []byte) (TypedPayload, error) {
	if len(payload) != 2 {
		return nil, errors.Newf(errors.ErrFramingError, "MEASURE负载长度错误: %d", len(payload))
	}
	return &MeasurePayload{RelayID: payload[0], TestType: payload[1]}, nil
}

// MeasureReading 单个测量读数，原始计数值不做量纲解释
type MeasureReading struct {
	RelayID byte
	Raw     uint32
}

// MeasureResponsePayload 单点测量响应
type MeasureResponsePayload struct {
	RelayID  byte
	TestType byte
	Raw      uint32
}

func (p *MeasureResponsePayload) MsgType() byte { return constants.MsgTypeMeasureResponse }

func (p *MeasureResponsePayload) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 6)
	buf[0] = p.RelayID
	buf[1] = p.TestType
	binary.BigEndian.PutUint32(buf[2:], p.Raw)
	return buf, nil
}

func decodeMeasureResponse(payload []byte) (TypedPayload, error) {
	if len(payload) != 6 {
		return nil, errors.Newf(errors.ErrFramingError, "MEASURE_RESPONSE负载长度错误: %d", len(payload))
	}
	return &MeasureResponsePayload{
		RelayID:  payload[0],
		TestType: payload[1],
		Raw:      binary.BigEndian.Uint32(payload[2:]),
	}, nil
}

// MeasureGroupPayload 批量测量请求
// 负载布局: 数量(1) + 测试类型(1) + N个继电器ID
type MeasureGroupPayload struct {
	TestType byte
	RelayIDs []byte
}

func (p *MeasureGroupPayload) MsgType() byte { return constants.MsgTypeMeasureGroup }

func (p *MeasureGroupPayload) MarshalPayload() ([]byte, error) {
	if len(p.RelayIDs) > 255 {
		return nil, errors.Newf(errors.ErrInvalidParameter, "继电器组数量超过上限: %d", len(p.RelayIDs))
	}
	buf := make([]byte, 0, 2+len(p.RelayIDs))
	buf = append(buf, byte(len(p.RelayIDs)), p.TestType)
	buf = append(buf, p.RelayIDs...)
	return buf, nil
}

func decodeMeasureGroup(payload []byte) (TypedPayload, error) {
	if len(payload) < 2 {
		return nil, errors.Newf(errors.ErrFramingError, "MEASURE_GROUP负载过短: %d", len(payload))
	}
	count := int(payload[0])
	if len(payload) != 2+count {
		return nil, errors.Newf(errors.ErrFramingError,
			"MEASURE_GROUP数量与负载不符: 声明%d, 负载%d字节", count, len(payload))
	}
	p := &MeasureGroupPayload{TestType: payload[1]}
	if count > 0 {
		p.RelayIDs = make([]byte, count)
		copy(p.RelayIDs, payload[2:])
	}
	return p, nil
}

// MeasureGroupResponsePayload 批量测量响应
// 负载布局: 数量(1) + 测试类型(1) + N个(继电器ID(1)+原始值(4))
type MeasureGroupResponsePayload struct {
	TestType byte
	Readings []MeasureReading
}

func (p *MeasureGroupResponsePayload) MsgType() byte { return constants.MsgTypeMeasureGroupResponse }

func (p *MeasureGroupResponsePayload) MarshalPayload() ([]byte, error) {
	if len(p.Readings) > 255 {
		return nil, errors.Newf(errors.ErrInvalidParameter, "读数数量超过上限: %d", len(p.Readings))
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(len(p.Readings)))
	buf.WriteByte(p.TestType)
	for _, r := range p.Readings {
		buf.WriteByte(r.RelayID)
		binary.Write(buf, binary.BigEndian, r.Raw)
	}
	return buf.Bytes(), nil
}

func decodeMeasureGroupResponse(payload []byte) (TypedPayload, error) {
	if len(payload) < 2 {
		return nil, errors.Newf(errors.ErrFramingError, "MEASURE_GROUP_RESPONSE负载过短: %d", len(payload))
	}
	count := int(payload[0])
	if len(payload) != 2+count*5 {
		return nil, errors.Newf(errors.ErrFramingError,
			"MEASURE_GROUP_RESPONSE数量与负载不符: 声明%d, 负载%d字节", count, len(payload))
	}
	p := &MeasureGroupResponsePayload{TestType: payload[1]}
	if count > 0 {
		p.Readings = make([]MeasureReading, count)
		for i := 0; i < count; i++ {
			off := 2 + i*5
			p.Readings[i] = MeasureReading{
				RelayID: payload[off],
				Raw:     binary.BigEndian.Uint32(payload[off+1 : off+5]),
			}
		}
	}
	return p, nil
}

// ============================================================================
// 状态与版本
// ============================================================================

// StatusPayload 状态查询请求，负载为空
type StatusPayload struct{}

func (p *StatusPayload) MsgType() byte { return constants.MsgTypeStatus }

func (p *StatusPayload) MarshalPayload() ([]byte, error) { return nil, nil }

func decodeStatus(payload []byte) (TypedPayload, error) {
	if len(payload) != 0 {
		return nil, errors.Newf(errors.ErrFramingError, "STATUS负载应为空: %d", len(payload))
	}
	return &StatusPayload{}, nil
}

// StatusResponsePayload 状态查询响应
// 负载布局: 板卡类型(1) + 继电器数量(1) + 运行秒数(4) + 错误标志(2)
type StatusResponsePayload struct {
	BoardType  byte
	RelayCount byte
	UptimeSec  uint32
	ErrorFlags uint16
}

func (p *StatusResponsePayload) MsgType() byte { return constants.MsgTypeStatusResponse }

func (p *StatusResponsePayload) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 8)
	buf[0] = p.BoardType
	buf[1] = p.RelayCount
	binary.BigEndian.PutUint32(buf[2:], p.UptimeSec)
	binary.BigEndian.PutUint16(buf[6:], p.ErrorFlags)
	return buf, nil
}

func decodeStatusResponse(payload []byte) (TypedPayload, error) {
	if len(payload) != 8 {
		return nil, errors.Newf(errors.ErrFramingError, "STATUS_RESPONSE负载长度错误: %d", len(payload))
	}
	return &StatusResponsePayload{
		BoardType:  payload[0],
		RelayCount: payload[1],
		UptimeSec:  binary.BigEndian.Uint32(payload[2:6]),
		ErrorFlags: binary.BigEndian.Uint16(payload[6:8]),
	}, nil
}

// VersionPayload 固件版本查询请求，负载为空
type VersionPayload struct{}

func (p *VersionPayload) MsgType() byte { return constants.MsgTypeVersion }

func (p *VersionPayload) MarshalPayload() ([]byte, error) { return nil, nil }

func decodeVersion(payload []byte) (TypedPayload, error) {
	if len(payload) != 0 {
		return nil, errors.Newf(errors.ErrFramingError, "VERSION负载应为空: %d", len(payload))
	}
	return &VersionPayload{}, nil
}

// VersionResponsePayload 固件版本响应
// 负载布局: 主(1) + 次(1) + 修订(1) + 构建标识(变长ASCII)
type VersionResponsePayload struct {
	Major byte
	Minor byte
	Patch byte
	Build string
}

func (p *VersionResponsePayload) MsgType() byte { return constants.MsgTypeVersionResponse }

func (p *VersionResponsePayload) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 0, 3+len(p.Build))
	buf = append(buf, p.Major, p.Minor, p.Patch)
	buf = append(buf, []byte(p.Build)...)
	return buf, nil
}

func decodeVersionResponse(payload []byte) (TypedPayload, error) {
	if len(payload) < 3 {
		return nil, errors.Newf(errors.ErrFramingError, "VERSION_RESPONSE负载过短: %d", len(payload))
	}
	return &VersionResponsePayload{
		Major: payload[0],
		Minor: payload[1],
		Patch: payload[2],
		Build: string(payload[3:]),
	}, nil
}

// ============================================================================
// 流式上报
// ============================================================================

// StreamStartPayload 启动流式上报，携带上报间隔
type StreamStartPayload struct {
	IntervalMs uint16
}

func (p *StreamStartPayload) MsgType() byte { return constants.MsgTypeStreamStart }

func (p *StreamStartPayload) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, p.IntervalMs)
	return buf, nil
}

func decodeStreamStart(payload []byte) (TypedPayload, error) {
	if len(payload) != 2 {
		return nil, errors.Newf(errors.ErrFramingError, "STREAM_START负载长度错误: %d", len(payload))
	}
	return &StreamStartPayload{IntervalMs: binary.BigEndian.Uint16(payload)}, nil
}

// StreamStopPayload 停止流式上报，负载为空
type StreamStopPayload struct{}

func (p *StreamStopPayload) MsgType() byte { return constants.MsgTypeStreamStop }

func (p *StreamStopPayload) MarshalPayload() ([]byte, error) { return nil, nil }

func decodeStreamStop(payload []byte) (TypedPayload, error) {
	if len(payload) != 0 {
		return nil, errors.Newf(errors.ErrFramingError, "STREAM_STOP负载应为空: %d", len(payload))
	}
	return &StreamStopPayload{}, nil
}

// StreamDataPayload 流式上报数据
// 负载布局: 数量(1) + N个采样值(2)
type StreamDataPayload struct {
	Samples []uint16
}

func (p *StreamDataPayload) MsgType() byte { return constants.MsgTypeStreamData }

func (p *StreamDataPayload) MarshalPayload() ([]byte, error) {
	if len(p.Samples) > 200 {
		return nil, errors.Newf(errors.ErrInvalidParameter, "采样数量超过上限: %d", len(p.Samples))
	}
	buf := new(bytes.Buffer)
	buf.WriteByte(byte(len(p.Samples)))
	for _, s := range p.Samples {
		binary.Write(buf, binary.BigEndian, s)
	}
	return buf.Bytes(), nil
}

func decodeStreamData(payload []byte) (TypedPayload, error) {
	if len(payload) < 1 {
		return nil, errors.Newf(errors.ErrFramingError, "STREAM_DATA负载过短: %d", len(payload))
	}
	count := int(payload[0])
	if len(payload) != 1+count*2 {
		return nil, errors.Newf(errors.ErrFramingError,
			"STREAM_DATA数量与负载不符: 声明%d, 负载%d字节", count, len(payload))
	}
	p := &StreamDataPayload{}
	if count > 0 {
		p.Samples = make([]uint16, count)
		for i := 0; i < count; i++ {
			p.Samples[i] = binary.BigEndian.Uint16(payload[1+i*2 : 3+i*2])
		}
	}
	return p, nil
}

// ============================================================================
// 错误响应
// ============================================================================

// ErrorPayload 设备侧错误响应
// 负载布局: 错误码(1) + 描述(变长ASCII)
type ErrorPayload struct {
	Code   byte
	Detail string
}

func (p *ErrorPayload) MsgType() byte { return constants.MsgTypeError }

func (p *ErrorPayload) MarshalPayload() ([]byte, error) {
	buf := make([]byte, 0, 1+len(p.Detail))
	buf = append(buf, p.Code)
	buf = append(buf, []byte(p.Detail)...)
	return buf, nil
}

func decodeError(payload []byte) (TypedPayload, error) {
	if len(payload) < 1 {
		return nil, errors.Newf(errors.ErrFramingError, "ERROR负载过短: %d", len(payload))
	}
	return &ErrorPayload{Code: payload[0], Detail: string(payload[1:])}, nil
}
