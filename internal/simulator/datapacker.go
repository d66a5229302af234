package simulator

import (
	"encoding/binary"

	"github.com/aceld/zinx/ziface"
	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/constants"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/bujia-iot/iot-fixture/pkg/protocol"
)

// FixtureDataPack 实现Zinx框架的IDataPack接口，用于治具二进制消息的封包与解包
// Zinx按固定头长读取消息头，再按头中声明的长度读取消息体
type FixtureDataPack struct {
	logHexDump bool
}

// NewFixtureDataPack 创建治具消息封包/解包器
func NewFixtureDataPack(logHexDump bool) *FixtureDataPack {
	return &FixtureDataPack{
		logHexDump: logHexDump,
	}
}

// GetHeadLen 获取消息头长度
func (dp *FixtureDataPack) GetHeadLen() uint32 {
	return constants.BinaryHeaderSize
}

// Pack 封装治具二进制消息
// FixtureMessage走完整编码；其他消息类型按预编码字节透传，
// 对应连接钩子直接下发整包的场景
func (dp *FixtureDataPack) Pack(msg ziface.IMessage) ([]byte, error) {
	fm, ok := msg.(*FixtureMessage)
	if !ok {
		return msg.GetData(), nil
	}

	bm := &protocol.BinaryMessage{
		Type:     byte(fm.GetMsgID()),
		Flags:    fm.Flags,
		Sequence: fm.Sequence,
		Payload:  fm.Data,
	}
	packed, err := bm.Encode()
	if err != nil {
		return nil, errors.Wrap(errors.ErrFramingError, "治具消息编码失败", err)
	}

	logger.HexDump("治具消息发出", packed, dp.logHexDump)
	return packed, nil
}

// Unpack 解析治具消息头
// 只消费8字节头；消息体（负载+消息尾）由框架按DataLen继续读取
func (dp *FixtureDataPack) Unpack(binaryData []byte) (ziface.IMessage, error) {
	logger.HexDump("治具消息头收到", binaryData, dp.logHexDump)

	if len(binaryData) < constants.BinaryHeaderSize {
		return nil, errors.Newf(errors.ErrFramingError, "消息头过短: %d字节", len(binaryData))
	}

	magic := binary.BigEndian.Uint16(binaryData[0:2])
	if magic != constants.BinaryMagic {
		return nil, errors.Newf(errors.ErrFramingError, "魔数不匹配: 0x%04X", magic)
	}

	version := binaryData[2]
	if version != constants.BinaryVersion {
		return nil, errors.Newf(errors.ErrFramingError, "不支持的协议版本: %d", version)
	}

	payloadLen := binary.BigEndian.Uint16(binaryData[3:5])
	if int(payloadLen) > constants.BinaryMaxPayloadSize {
		return nil, errors.Newf(errors.ErrFramingError, "负载长度超过上限: %d", payloadLen)
	}

	msg := NewFixtureMessage(binaryData[5], binaryData[6], binaryData[7])
	msg.SetDataLen(uint32(payloadLen) + constants.BinaryTrailerSize)
	return msg, nil
}
