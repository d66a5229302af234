package simulator

import (
	"encoding/binary"

	"github.com/aceld/zinx/ziface"
	"github.com/bujia-iot/iot-fixture/pkg/constants"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
)

// FixtureMessage 实现Zinx的IMessage接口，承载治具二进制消息
// MsgId即二进制消息类型码，路由按类型码分发
type FixtureMessage struct {
	MsgId   uint32 // 消息类型码
	DataLen uint32 // 消息体长度（负载+消息尾）
	Data    []byte // 消息体内容
	RawData []byte // 原始数据

	// 二进制消息特有字段
	Flags    byte // 标志位
	Sequence byte // 序列号，响应时回显
}

// NewFixtureMessage 创建治具消息
func NewFixtureMessage(msgType byte, flags, sequence byte) *FixtureMessage {
	return &FixtureMessage{
		MsgId:    uint32(msgType),
		Flags:    flags,
		Sequence: sequence,
	}
}

// GetMsgID 实现IMessage接口，获取消息类型码
func (m *FixtureMessage) GetMsgID() uint32 {
	return m.MsgId
}

// GetDataLen 实现IMessage接口，获取消息体长度
func (m *FixtureMessage) GetDataLen() uint32 {
	return m.DataLen
}

// GetData 实现IMessage接口，获取消息体内容
func (m *FixtureMessage) GetData() []byte {
	return m.Data
}

// GetRawData 实现IMessage接口，获取原始数据
func (m *FixtureMessage) GetRawData() []byte {
	return m.RawData
}

// SetMsgID 实现IMessage接口，设置消息类型码
func (m *FixtureMessage) SetMsgID(msgId uint32) {
	m.MsgId = msgId
}

// SetDataLen 实现IMessage接口，设置消息体长度
func (m *FixtureMessage) SetDataLen(dataLen uint32) {
	m.DataLen = dataLen
}

// SetData 实现IMessage接口，设置消息体内容
func (m *FixtureMessage) SetData(data []byte) {
	m.Data = data
	m.DataLen = uint32(len(data))
}

// SetRawData 设置原始数据
func (m *FixtureMessage) SetRawData(rawData []byte) {
	m.RawData = rawData
}

// IMessageToFixtureMessage 将Zinx IMessage转换为FixtureMessage
func IMessageToFixtureMessage(msg ziface.IMessage) (*FixtureMessage, bool) {
	if fm, ok := msg.(*FixtureMessage); ok {
		return fm, true
	}
	return nil, false
}

// RebuildRawMessage 由消息头字段与消息体还原完整的线上字节
// Zinx按头、体两段读取，CRC校验需要重组后的完整消息
func RebuildRawMessage(m *FixtureMessage) ([]byte, error) {
	if m.DataLen < constants.BinaryTrailerSize {
		return nil, errors.Newf(errors.ErrFramingError, "消息体过短: %d", m.DataLen)
	}
	payloadLen := int(m.DataLen) - constants.BinaryTrailerSize

	raw := make([]byte, 0, constants.BinaryHeaderSize+int(m.DataLen))
	header := make([]byte, constants.BinaryHeaderSize)
	binary.BigEndian.PutUint16(header[0:2], constants.BinaryMagic)
	header[2] = constants.BinaryVersion
	binary.BigEndian.PutUint16(header[3:5], uint16(payloadLen))
	header[5] = byte(m.MsgId)
	header[6] = m.Flags
	header[7] = m.Sequence

	raw = append(raw, header...)
	raw = append(raw, m.Data...)
	return raw, nil
}
