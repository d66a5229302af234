package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/bujia-iot/iot-fixture/pkg/constants"
)

// feedAll 将数据整体喂入解析器并收集产出的帧
func feedAll(t *testing.T, parser *FrameParser, data []byte) []*Frame {
	t.Helper()
	return parser.Feed(data)
}

func TestEncodeFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		frameType string
		payload   []byte
	}{
		{"空负载", constants.FrameTypeCommand, nil},
		{"普通文本", constants.FrameTypeCommand, []byte("MEASURE 3 VOLTAGE")},
		{"响应帧", constants.FrameTypeResponse, []byte("OK 3.299")},
		{"含STX字节", constants.FrameTypeData, []byte{0x01, constants.FrameSTX, 0x7F}},
		{"含ETX字节", constants.FrameTypeData, []byte{constants.FrameETX, 'A', 'B'}},
		{"含ESC字节", constants.FrameTypeData, []byte{constants.FrameESC, constants.FrameESC}},
		{"全部保留字节", constants.FrameTypeData, []byte{constants.FrameSTX, constants.FrameETX, constants.FrameESC}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, err := EncodeFrame(tt.frameType, tt.payload)
			if err != nil {
				t.Fatalf("封帧失败: %v", err)
			}

			parser := NewFrameParser()
			frames := feedAll(t, parser, encoded)
			if len(frames) != 1 {
				t.Fatalf("期望解析出1帧, 实际%d帧", len(frames))
			}
			frame := frames[0]
			if frame.Type != tt.frameType {
				t.Errorf("帧类型不匹配: 期望%s, 实际%s", tt.frameType, frame.Type)
			}
			if !bytes.Equal(frame.Payload, tt.payload) {
				t.Errorf("负载不匹配: 期望%v, 实际%v", tt.payload, frame.Payload)
			}
		})
	}
}

func TestEncodeFrameRejectsInvalidInput(t *testing.T) {
	if _, err := EncodeFrame("TOOLONG", []byte("x")); err == nil {
		t.Error("超长帧类型应该被拒绝")
	}
	if _, err := EncodeFrame("AB", []byte("x")); err == nil {
		t.Error("过短帧类型应该被拒绝")
	}
	if _, err := EncodeFrame("A:B", []byte("x")); err == nil {
		t.Error("含分隔符的帧类型应该被拒绝")
	}
	if _, err := EncodeFrame("CMD", make([]byte, constants.MaxPayloadSize+1)); err == nil {
		t.Error("超过上限的负载应该被拒绝")
	}
}

func TestParserChunkedInput(t *testing.T) {
	encoded, err := EncodeFrame(constants.FrameTypeCommand, []byte("STATUS"))
	if err != nil {
		t.Fatalf("封帧失败: %v", err)
	}

	// 逐字节喂入，帧必须在最后一个字节完成
	parser := NewFrameParser()
	var frames []*Frame
	for i, b := range encoded {
		got := parser.Feed([]byte{b})
		if len(got) > 0 && i != len(encoded)-1 {
			t.Fatalf("帧在第%d字节提前完成", i)
		}
		frames = append(frames, got...)
	}
	if len(frames) != 1 {
		t.Fatalf("期望解析出1帧, 实际%d帧", len(frames))
	}
	if string(frames[0].Payload) != "STATUS" {
		t.Errorf("负载不匹配: %q", frames[0].Payload)
	}
}

func TestParserMultipleFramesWithNoise(t *testing.T) {
	frame1, _ := EncodeFrame(constants.FrameTypeCommand, []byte("PING"))
	frame2, _ := EncodeFrame(constants.FrameTypeResponse, []byte("OK PONG"))

	var stream []byte
	stream = append(stream, []byte("garbage")...)
	stream = append(stream, frame1...)
	stream = append(stream, 0xFF, 0x00)
	stream = append(stream, frame2...)

	parser := NewFrameParser()
	frames := feedAll(t, parser, stream)
	if len(frames) != 2 {
		t.Fatalf("期望解析出2帧, 实际%d帧", len(frames))
	}
	if string(frames[0].Payload) != "PING" || string(frames[1].Payload) != "OK PONG" {
		t.Errorf("负载不匹配: %q, %q", frames[0].Payload, frames[1].Payload)
	}
}

func TestParserChecksumCorruption(t *testing.T) {
	encoded, err := EncodeFrame(constants.FrameTypeCommand, []byte("MEASURE 1 CURRENT"))
	if err != nil {
		t.Fatalf("封帧失败: %v", err)
	}

	// 翻转校验和字段的一个字符
	corrupted := make([]byte, len(encoded))
	copy(corrupted, encoded)
	pos := len(corrupted) - 1
	if corrupted[pos] == '0' {
		corrupted[pos] = '1'
	} else {
		corrupted[pos] = '0'
	}

	parser := NewFrameParser()
	frames := feedAll(t, parser, corrupted)
	if len(frames) != 0 {
		t.Fatalf("损坏帧不应产出: %d帧", len(frames))
	}
	stats := parser.Stats()
	if stats.CRCErrors != 1 {
		t.Errorf("期望1次校验和错误, 实际%d", stats.CRCErrors)
	}

	// 随后的完整帧必须正常解析
	frames = feedAll(t, parser, encoded)
	if len(frames) != 1 {
		t.Fatalf("损坏帧后解析器应恢复, 实际%d帧", len(frames))
	}
}

func TestParserBareSTXRestartsFrame(t *testing.T) {
	good, _ := EncodeFrame(constants.FrameTypeCommand, []byte("VERSION"))

	// 半截帧后紧跟裸STX开启的完整帧
	var stream []byte
	stream = append(stream, good[:8]...)
	stream = append(stream, good...)

	parser := NewFrameParser()
	frames := feedAll(t, parser, stream)
	if len(frames) != 1 {
		t.Fatalf("期望裸STX后恢复出1帧, 实际%d帧", len(frames))
	}
	stats := parser.Stats()
	if stats.FormatErrors != 1 {
		t.Errorf("旧半帧应计为格式错误, 实际%d", stats.FormatErrors)
	}
}

func TestParserEscapedSTXInPayloadDoesNotResync(t *testing.T) {
	payload := []byte{'A', constants.FrameSTX, 'B'}
	encoded, err := EncodeFrame(constants.FrameTypeData, payload)
	if err != nil {
		t.Fatalf("封帧失败: %v", err)
	}

	parser := NewFrameParser()
	frames := feedAll(t, parser, encoded)
	if len(frames) != 1 {
		t.Fatalf("转义STX不应触发重新同步, 实际%d帧", len(frames))
	}
	if !bytes.Equal(frames[0].Payload, payload) {
		t.Errorf("负载不匹配: %v", frames[0].Payload)
	}
}

func TestParserStallTimeoutRecovery(t *testing.T) {
	good, _ := EncodeFrame(constants.FrameTypeCommand, []byte("PING"))

	parser := NewFrameParser()
	parser.SetTimeout(10 * time.Millisecond)

	// 喂入半截帧后滞留
	parser.Feed(good[:6])
	time.Sleep(30 * time.Millisecond)

	// 超时检查在下一次Feed触发，旧半帧被丢弃
	frames := parser.Feed(good)
	if len(frames) != 1 {
		t.Fatalf("超时丢弃后应恢复解析, 实际%d帧", len(frames))
	}
	stats := parser.Stats()
	if stats.TimeoutErrors != 1 {
		t.Errorf("期望1次超时丢弃, 实际%d", stats.TimeoutErrors)
	}
}

func TestParserLengthFieldValidation(t *testing.T) {
	parser := NewFrameParser()

	// 长度字段出现非数字
	frames := parser.Feed([]byte{constants.FrameSTX, '0', 'X', '1'})
	if len(frames) != 0 {
		t.Fatal("非法长度字段不应产出帧")
	}
	if parser.Stats().FormatErrors != 1 {
		t.Errorf("期望1次格式错误, 实际%d", parser.Stats().FormatErrors)
	}

	// 长度超过上限
	parser = NewFrameParser()
	parser.Feed([]byte{constants.FrameSTX, '9', '9', '9', ':'})
	if parser.Stats().FormatErrors != 1 {
		t.Errorf("超上限长度应计格式错误, 实际%d", parser.Stats().FormatErrors)
	}
}

func TestParserPrematureETX(t *testing.T) {
	// 声明5字节负载但3字节后出现ETX
	content := []byte{constants.FrameSTX, '0', '0', '5', ':', 'C', 'M', 'D', ':', 'A', 'B', 'C', constants.FrameETX}
	parser := NewFrameParser()
	frames := parser.Feed(content)
	if len(frames) != 0 {
		t.Fatal("负载未达声明长度的帧不应产出")
	}
	if parser.Stats().FormatErrors != 1 {
		t.Errorf("期望1次格式错误, 实际%d", parser.Stats().FormatErrors)
	}
}
