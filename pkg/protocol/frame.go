package protocol

import (
	"bytes"
	"fmt"
	"time"

	"github.com/bujia-iot/iot-fixture/pkg/checksum"
	"github.com/bujia-iot/iot-fixture/pkg/constants"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
)

// Frame 表示一个完整的字符帧
// 线上格式: STX + 长度(3位数字) + ':' + 类型(3字符) + ':' + 转义负载 + ETX + CRC(4位十六进制)
// 校验和覆盖未转义的 "长度:类型:负载" 内容字节
type Frame struct {
	Type      string    // 帧类型标签，固定3字符
	Payload   []byte    // 未转义的负载
	Checksum  uint16    // 线上携带的CRC16校验和
	Timestamp time.Time // 帧完成解析的时间
}

// String 格式化帧信息用于日志输出
func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type: %s, PayloadLen: %d, Checksum: %04X}", f.Type, len(f.Payload), f.Checksum)
}

// isReservedByte 判断字节是否为需要转义的保留字节
func isReservedByte(b byte) bool {
	return b == constants.FrameSTX || b == constants.FrameETX || b == constants.FrameESC
}

// validFrameType 校验帧类型标签：3个ASCII可见字符，不含保留字节与分隔符
func validFrameType(frameType string) bool {
	if len(frameType) != constants.FrameTypeLength {
		return false
	}
	for i := 0; i < len(frameType); i++ {
		b := frameType[i]
		if b < 0x20 || b > 0x7E || isReservedByte(b) || b == constants.FrameFieldSeparator {
			return false
		}
	}
	return true
}

// escapePayload 对负载中的保留字节进行ESC转义
func escapePayload(payload []byte) []byte {
	escaped := make([]byte, 0, len(payload))
	for _, b := range payload {
		if isReservedByte(b) {
			escaped = append(escaped, constants.FrameESC)
		}
		escaped = append(escaped, b)
	}
	return escaped
}

// EncodeFrame 将类型与负载编码为一个完整的字符帧
// 类型必须为3字符，负载长度不得超过MaxPayloadSize
func EncodeFrame(frameType string, payload []byte) ([]byte, error) {
	if !validFrameType(frameType) {
		return nil, errors.Newf(errors.ErrInvalidParameter, "帧类型必须为3个ASCII字符: %q", frameType)
	}
	if len(payload) > constants.MaxPayloadSize {
		return nil, errors.Newf(errors.ErrInvalidParameter, "负载超过上限: %d > %d", len(payload), constants.MaxPayloadSize)
	}

	// 校验和覆盖未转义内容: LEN:TYPE:payload
	content := new(bytes.Buffer)
	fmt.Fprintf(content, "%03d", len(payload))
	content.WriteByte(constants.FrameFieldSeparator)
	content.WriteString(frameType)
	content.WriteByte(constants.FrameFieldSeparator)
	content.Write(payload)
	crcHex := checksum.Hex(content.Bytes())

	frame := new(bytes.Buffer)
	frame.WriteByte(constants.FrameSTX)
	fmt.Fprintf(frame, "%03d", len(payload))
	frame.WriteByte(constants.FrameFieldSeparator)
	frame.WriteString(frameType)
	frame.WriteByte(constants.FrameFieldSeparator)
	frame.Write(escapePayload(payload))
	frame.WriteByte(constants.FrameETX)
	frame.WriteString(crcHex)

	return frame.Bytes(), nil
}
