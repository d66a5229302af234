package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/bujia-iot/iot-fixture/pkg/constants"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/bujia-iot/iot-fixture/pkg/transport"
)

// framedEchoDevice 构造一个以帧应答的模拟设备
func framedEchoDevice(t *testing.T, respond func(cmd string) string) *transport.MockTransport {
	t.Helper()
	mock := transport.NewMockTransport("mock://framed")
	parser := NewFrameParser()
	mock.RawHandler = func(written []byte) []byte {
		var out []byte
		for _, frame := range parser.Feed(written) {
			if frame.Type != constants.FrameTypeCommand {
				continue
			}
			line := respond(string(frame.Payload))
			if line == "" {
				continue
			}
			encoded, err := EncodeFrame(constants.FrameTypeResponse, []byte(line))
			if err != nil {
				t.Errorf("模拟设备封帧失败: %v", err)
				continue
			}
			out = append(out, encoded...)
		}
		return out
	}
	return mock
}

func TestBinaryFramedProtocolExecute(t *testing.T) {
	mock := framedEchoDevice(t, func(cmd string) string {
		if cmd == "MEASURE 5 CURRENT" {
			return "OK 1250"
		}
		return "ERR UNSUPPORTED"
	})

	proto := NewBinaryFramedProtocol(mock, ProtocolCapabilities{})
	if err := proto.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	if !mock.FramingMode() {
		t.Error("帧协议应开启帧模式")
	}

	req := NewCommandRequest(CmdMeasure, []string{"5", "CURRENT"}, time.Second)
	resp, err := proto.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if !resp.Success || len(resp.Data) != 1 || resp.Data[0] != "1250" {
		t.Fatalf("响应不匹配: %+v", resp)
	}
}

func TestBinaryFramedProtocolIgnoresEventFrames(t *testing.T) {
	mock := transport.NewMockTransport("mock://framed-evt")
	parser := NewFrameParser()
	mock.RawHandler = func(written []byte) []byte {
		var out []byte
		for range parser.Feed(written) {
			// 先推一个事件帧，再推响应帧
			evt, _ := EncodeFrame(constants.FrameTypeEvent, []byte("TEMP 42"))
			rsp, _ := EncodeFrame(constants.FrameTypeResponse, []byte("OK PONG"))
			out = append(out, evt...)
			out = append(out, rsp...)
		}
		return out
	}

	proto := NewBinaryFramedProtocol(mock, ProtocolCapabilities{})
	_ = proto.Connect(context.Background())

	req := NewCommandRequest(CmdPing, nil, time.Second)
	resp, err := proto.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("执行失败: %v", err)
	}
	if !resp.Success || resp.Data[0] != "PONG" {
		t.Fatalf("事件帧应被跳过, 响应: %+v", resp)
	}
}

func TestBinaryFramedProtocolTimeout(t *testing.T) {
	mock := transport.NewMockTransport("mock://framed-silent")

	proto := NewBinaryFramedProtocol(mock, ProtocolCapabilities{})
	_ = proto.Connect(context.Background())

	req := NewCommandRequest(CmdPing, nil, 50*time.Millisecond)
	resp, err := proto.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("超时应被吸收: %v", err)
	}
	if resp.Success || resp.Error.Code != errors.ErrTimeout {
		t.Fatalf("期望TIMEOUT响应: %+v", resp)
	}
	if !proto.IsConnected() {
		t.Error("超时后连接应保持可用")
	}
}
