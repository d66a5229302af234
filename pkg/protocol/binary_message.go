package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/checksum"
	"github.com/bujia-iot/iot-fixture/pkg/constants"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BinaryMessage 二进制消息
// 消息结构: 8字节头(魔数2+版本1+长度2+类型1+标志1+序列号1) + 负载 + 6字节尾(校验和2+结束标记1+填充3)
// 多字节字段均为大端序；校验和覆盖 头+线上负载
// 头部最后一字节为序列号，响应消息原样回显请求的序列号，用于请求/响应配对
type BinaryMessage struct {
	Version  byte   // 协议版本
	Type     byte   // 消息类型码
	Flags    byte   // 标志位
	Sequence byte   // 序列号
	Payload  []byte // 未压缩的负载
}

// Encode 编码为线上字节
// 负载超过压缩阈值且压缩确有收益时自动置压缩标志
func (m *BinaryMessage) Encode() ([]byte, error) {
	wirePayload := m.Payload
	flags := m.Flags &^ constants.BinaryFlagCompressed

	if len(m.Payload) > constants.CompressionThreshold {
		compressed, err := zlibCompress(m.Payload)
		if err == nil && len(compressed) < len(m.Payload) {
			wirePayload = compressed
			flags |= constants.BinaryFlagCompressed
		}
	}

	if len(wirePayload) > constants.BinaryMaxPayloadSize {
		return nil, errors.Newf(errors.ErrInvalidParameter,
			"二进制消息负载超过上限: %d > %d", len(wirePayload), constants.BinaryMaxPayloadSize)
	}

	version := m.Version
	if version == 0 {
		version = constants.BinaryVersion
	}

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, constants.BinaryMagic)
	buf.WriteByte(version)
	binary.Write(buf, binary.BigEndian, uint16(len(wirePayload)))
	buf.WriteByte(m.Type)
	buf.WriteByte(flags)
	buf.WriteByte(m.Sequence)
	buf.Write(wirePayload)

	// 消息尾：校验和覆盖头+负载
	sum := checksum.Checksum(buf.Bytes())
	binary.Write(buf, binary.BigEndian, sum)
	buf.WriteByte(constants.BinaryEndMarker)
	buf.Write([]byte{0x00, 0x00, 0x00})

	return buf.Bytes(), nil
}

// DecodeBinaryMessage 从一段完整的消息字节中解码
// 魔数、版本、长度、校验和、结束标记任一不符均为硬性解码失败
func DecodeBinaryMessage(data []byte) (*BinaryMessage, error) {
	if len(data) < constants.BinaryHeaderSize+constants.BinaryTrailerSize {
		return nil, errors.Newf(errors.ErrFramingError, "二进制消息过短: %d字节", len(data))
	}

	magic := binary.BigEndian.Uint16(data[0:2])
	if magic != constants.BinaryMagic {
		return nil, errors.Newf(errors.ErrFramingError, "魔数不匹配: 0x%04X", magic)
	}

	version := data[2]
	if version != constants.BinaryVersion {
		return nil, errors.Newf(errors.ErrFramingError, "不支持的协议版本: %d", version)
	}

	payloadLen := int(binary.BigEndian.Uint16(data[3:5]))
	msgType := data[5]
	flags := data[6]
	sequence := data[7]

	expectedTotal := constants.BinaryHeaderSize + payloadLen + constants.BinaryTrailerSize
	if len(data) != expectedTotal {
		return nil, errors.Newf(errors.ErrFramingError,
			"消息长度不匹配: 声明负载%d字节, 总长应为%d, 实际%d", payloadLen, expectedTotal, len(data))
	}

	// 未知消息类型是硬性解码错误
	if !IsKnownMsgType(msgType) {
		return nil, errors.Newf(errors.ErrFramingError, "未知消息类型码: 0x%02X", msgType)
	}

	checksumPos := constants.BinaryHeaderSize + payloadLen
	expectedSum := binary.BigEndian.Uint16(data[checksumPos : checksumPos+2])
	actualSum := checksum.Checksum(data[:checksumPos])
	if actualSum != expectedSum {
		return nil, errors.Newf(errors.ErrCRCError,
			"二进制消息校验和不匹配: 期望0x%04X, 实际0x%04X", expectedSum, actualSum)
	}

	if data[checksumPos+2] != constants.BinaryEndMarker {
		return nil, errors.Newf(errors.ErrFramingError, "结束标记不匹配: 0x%02X", data[checksumPos+2])
	}

	wirePayload := data[constants.BinaryHeaderSize:checksumPos]
	payload := wirePayload

	// 解释负载前必须先检查压缩标志
	if flags&constants.BinaryFlagCompressed != 0 {
		decompressed, err := zlibDecompress(wirePayload)
		if err != nil {
			return nil, errors.Wrap(errors.ErrFramingError, "负载解压失败", err)
		}
		payload = decompressed
		flags &^= constants.BinaryFlagCompressed
	}

	return &BinaryMessage{
		Version:  version,
		Type:     msgType,
		Flags:    flags,
		Sequence: sequence,
		Payload:  payload,
	}, nil
}

// ExtractBinaryMessages 从接收缓冲区中切分出完整的二进制消息
// 返回完整消息字节段列表与剩余未完成数据；无法识别的字节逐个跳过以重新同步
func ExtractBinaryMessages(buffer []byte) ([][]byte, []byte) {
	var messages [][]byte
	offset := 0
	bufferLen := len(buffer)

	for offset < bufferLen {
		remaining := bufferLen - offset

		// 未凑够魔数的两个字节，保留等待
		if remaining < 2 {
			break
		}

		if binary.BigEndian.Uint16(buffer[offset:offset+2]) != constants.BinaryMagic {
			// 魔数不匹配，跳过一个字节继续扫描
			offset++
			continue
		}

		if remaining < constants.BinaryHeaderSize {
			break
		}

		payloadLen := int(binary.BigEndian.Uint16(buffer[offset+3 : offset+5]))
		totalLen := constants.BinaryHeaderSize + payloadLen + constants.BinaryTrailerSize

		if payloadLen > constants.BinaryMaxPayloadSize {
			// 长度字段损坏，当作噪声跳过魔数重新同步
			logger.WithFields(logrus.Fields{
				"payloadLen": payloadLen,
				"offset":     offset,
			}).Warn("二进制消息长度字段异常，跳过重新同步")
			offset += 2
			continue
		}

		if remaining < totalLen {
			// 消息不完整，保留剩余数据等待后续字节
			break
		}

		messages = append(messages, buffer[offset:offset+totalLen])
		offset += totalLen
	}

	var remainingData []byte
	if offset < bufferLen {
		remainingData = buffer[offset:]
	}
	return messages, remainingData
}

// zlibCompress 压缩负载
func zlibCompress(data []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	w := zlib.NewWriter(buf)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// zlibDecompress 解压负载
func zlibDecompress(data []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, constants.BinaryMaxPayloadSize*16))
	if err != nil {
		return nil, err
	}
	return out, nil
}
