package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/bujia-iot/iot-fixture/pkg/constants"
)

func TestBinaryMessageRoundTrip(t *testing.T) {
	msg := &BinaryMessage{
		Type:     constants.MsgTypeMeasure,
		Sequence: 42,
		Payload:  []byte{3, 1},
	}

	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	if len(encoded) != constants.BinaryHeaderSize+2+constants.BinaryTrailerSize {
		t.Fatalf("编码长度不符: %d", len(encoded))
	}

	decoded, err := DecodeBinaryMessage(encoded)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if decoded.Type != msg.Type || decoded.Sequence != msg.Sequence {
		t.Errorf("头字段不匹配: type=0x%02X seq=%d", decoded.Type, decoded.Sequence)
	}
	if !bytes.Equal(decoded.Payload, msg.Payload) {
		t.Errorf("负载不匹配: %v", decoded.Payload)
	}
}

func TestBinaryMessageChecksumRejection(t *testing.T) {
	msg := &BinaryMessage{Type: constants.MsgTypePing, Sequence: 1, Payload: []byte{0x55}}
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}

	// 翻转负载的一个字节，校验和必须拒收
	corrupted := make([]byte, len(encoded))
	copy(corrupted, encoded)
	corrupted[constants.BinaryHeaderSize] ^= 0xFF

	if _, err := DecodeBinaryMessage(corrupted); err == nil {
		t.Fatal("损坏消息应该被拒收")
	}
}

func TestBinaryMessageHeaderValidation(t *testing.T) {
	msg := &BinaryMessage{Type: constants.MsgTypeStatus, Sequence: 7}
	encoded, _ := msg.Encode()

	tests := []struct {
		name   string
		mutate func([]byte)
	}{
		{"魔数损坏", func(b []byte) { b[0] = 0x00 }},
		{"版本不支持", func(b []byte) { b[2] = 0x09 }},
		{"未知类型码", func(b []byte) { b[5] = 0xEE }},
		{"结束标记损坏", func(b []byte) { b[len(b)-4] = 0x00 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			corrupted := make([]byte, len(encoded))
			copy(corrupted, encoded)
			tt.mutate(corrupted)
			if _, err := DecodeBinaryMessage(corrupted); err == nil {
				t.Error("非法消息应该被拒收")
			}
		})
	}
}

func TestBinaryMessageCompression(t *testing.T) {
	// 高度可压缩的大负载必须自动启用压缩
	payload := bytes.Repeat([]byte("ABCD"), 100)
	msg := &BinaryMessage{Type: constants.MsgTypeStreamData, Sequence: 9, Payload: payload}

	// StreamData负载有自己的布局，这里直接走底层编码验证压缩路径
	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}

	wireLen := int(binary.BigEndian.Uint16(encoded[3:5]))
	if wireLen >= len(payload) {
		t.Errorf("可压缩负载未被压缩: 线上%d, 原始%d", wireLen, len(payload))
	}
	if encoded[6]&constants.BinaryFlagCompressed == 0 {
		t.Error("压缩标志未置位")
	}

	decoded, err := DecodeBinaryMessage(encoded)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Error("解压后负载不匹配")
	}
	if decoded.Flags&constants.BinaryFlagCompressed != 0 {
		t.Error("解码后不应保留压缩标志")
	}
}

func TestBinaryMessageIncompressiblePayloadStaysRaw(t *testing.T) {
	// 不可压缩负载超过阈值时保持原样
	payload := make([]byte, 200)
	for i := range payload {
		payload[i] = byte(i*131 + 17)
	}
	msg := &BinaryMessage{Type: constants.MsgTypeVersionResponse, Payload: payload}

	encoded, err := msg.Encode()
	if err != nil {
		t.Fatalf("编码失败: %v", err)
	}
	decoded, err := DecodeBinaryMessage(encoded)
	if err != nil {
		t.Fatalf("解码失败: %v", err)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Error("负载不匹配")
	}
}

func TestExtractBinaryMessages(t *testing.T) {
	msg1, _ := (&BinaryMessage{Type: constants.MsgTypePing, Sequence: 1, Payload: []byte{1}}).Encode()
	msg2, _ := (&BinaryMessage{Type: constants.MsgTypeStatus, Sequence: 2}).Encode()

	// 噪声 + 完整消息 + 噪声 + 完整消息 + 半截消息
	var stream []byte
	stream = append(stream, 0x00, 0x11)
	stream = append(stream, msg1...)
	stream = append(stream, 0xAB)
	stream = append(stream, msg2...)
	stream = append(stream, msg1[:5]...)

	complete, remaining := ExtractBinaryMessages(stream)
	if len(complete) != 2 {
		t.Fatalf("期望切分出2条消息, 实际%d", len(complete))
	}
	if !bytes.Equal(complete[0], msg1) || !bytes.Equal(complete[1], msg2) {
		t.Error("切分出的消息字节不匹配")
	}
	if !bytes.Equal(remaining, msg1[:5]) {
		t.Errorf("剩余数据不匹配: %v", remaining)
	}
}

func TestExtractBinaryMessagesEmptyAndNoise(t *testing.T) {
	complete, remaining := ExtractBinaryMessages(nil)
	if len(complete) != 0 || remaining != nil {
		t.Error("空输入应无产出")
	}

	complete, remaining = ExtractBinaryMessages([]byte{0x01, 0x02, 0x03, 0x04})
	if len(complete) != 0 {
		t.Error("纯噪声不应切分出消息")
	}
	_ = remaining
}

func TestTypedMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		payload TypedPayload
	}{
		{"链路探测", &PingPayload{Token: 0x5A}},
		{"单点测量", &MeasurePayload{RelayID: 3, TestType: 1}},
		{"单点测量响应", &MeasureResponsePayload{RelayID: 3, TestType: 1, Raw: 3299}},
		{"批量测量", &MeasureGroupPayload{TestType: 2, RelayIDs: []byte{1, 2, 3}}},
		{"空批量测量", &MeasureGroupPayload{TestType: 2}},
		{"批量测量响应", &MeasureGroupResponsePayload{
			TestType: 2,
			Readings: []MeasureReading{{RelayID: 1, Raw: 100}, {RelayID: 2, Raw: 200}},
		}},
		{"状态响应", &StatusResponsePayload{BoardType: 4, RelayCount: 32, UptimeSec: 3600, ErrorFlags: 0x0003}},
		{"版本响应", &VersionResponsePayload{Major: 2, Minor: 4, Patch: 1, Build: "rc1"}},
		{"流式启动", &StreamStartPayload{IntervalMs: 250}},
		{"流式数据", &StreamDataPayload{Samples: []uint16{1024, 2048, 4095}}},
		{"错误响应", &ErrorPayload{Code: 0x02, Detail: "继电器ID超出范围"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeTypedMessage(tt.payload, 77)
			if err != nil {
				t.Fatalf("编码失败: %v", err)
			}
			msg, typed, err := DecodeTypedMessage(encoded)
			if err != nil {
				t.Fatalf("解码失败: %v", err)
			}
			if msg.Sequence != 77 {
				t.Errorf("序列号未回传: %d", msg.Sequence)
			}
			if typed.MsgType() != tt.payload.MsgType() {
				t.Errorf("类型码不匹配: 0x%02X", typed.MsgType())
			}
			// 重新编排负载字节验证双向一致
			reencoded, err := typed.MarshalPayload()
			if err != nil {
				t.Fatalf("负载重编码失败: %v", err)
			}
			original, _ := tt.payload.MarshalPayload()
			if !bytes.Equal(reencoded, original) {
				t.Errorf("负载双向不一致: %v vs %v", reencoded, original)
			}
		})
	}
}

func TestMeasureGroupCountMismatch(t *testing.T) {
	// 声明数量与实际负载不符必须拒收
	if _, err := UnmarshalPayload(constants.MsgTypeMeasureGroup, []byte{5, 1, 1, 2}); err == nil {
		t.Error("数量不符的批量测量负载应该被拒收")
	}
	if _, err := UnmarshalPayload(constants.MsgTypeMeasureGroupResponse, []byte{2, 1, 1, 0, 0, 0, 100}); err == nil {
		t.Error("数量不符的批量测量响应应该被拒收")
	}
}
