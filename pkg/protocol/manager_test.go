package protocol

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bujia-iot/iot-fixture/pkg/constants"
	"github.com/bujia-iot/iot-fixture/pkg/transport"
)

// probedBinaryFixture 模拟同时支持文本探测与二进制消息的全能力治具
// 能力探测走行级问答与帧自检，协议连上后走二进制消息应答
func probedBinaryFixture(t *testing.T) *transport.MockTransport {
	t.Helper()
	mock := transport.NewMockTransport("mock://probed")
	echo := binaryEchoResponder(t)

	mock.LineHandler = func(cmd string) (string, bool) {
		switch cmd {
		case constants.ProbeCmdVersion:
			return "OK 2.4.1", true
		case constants.ProbeCmdCRCStatus:
			return "OK CRC16", true
		case constants.ProbeCmdStreamStart, constants.ProbeCmdStreamStop:
			return "OK", true
		}
		return "ERR UNKNOWN", true
	}
	mock.RawHandler = func(written []byte) []byte {
		if strings.HasPrefix(string(written), constants.ProbeCmdFrameTest) {
			frame, err := EncodeFrame(constants.FrameTypeResponse, []byte("OK FRAME"))
			if err != nil {
				t.Errorf("封帧失败: %v", err)
				return nil
			}
			return frame
		}
		return echo(written)
	}
	return mock
}

func TestConnectWithFallbackPicksRichestProtocol(t *testing.T) {
	mock := binaryEchoDevice(t)

	m := NewProtocolManager(FallbackConfig{MaxAttempts: 3, BaseTimeout: time.Second})
	profile := &DeviceProfile{DeviceID: "serial-USB0"}

	proto, err := m.ConnectWithFallback(context.Background(), mock, profile)
	if err != nil {
		t.Fatalf("回退连接失败: %v", err)
	}
	defer proto.Disconnect()

	if proto.Version() != VersionBinaryAdvanced {
		t.Errorf("全能力设备应连上BINARY_ADVANCED, 实际%s", proto.Version())
	}
	if profile.PreferredProtocol != VersionBinaryAdvanced {
		t.Errorf("成功协商应更新档案偏好: %s", profile.PreferredProtocol)
	}
	if len(profile.History) != 1 || !profile.History[0].Success {
		t.Errorf("档案历史不匹配: %+v", profile.History)
	}
}

func TestConnectWithFallbackProbesCapabilities(t *testing.T) {
	// 无档案偏好时先做能力探测，探测结果带着固件版本与能力进入协议实例
	mock := probedBinaryFixture(t)

	m := NewProtocolManager(FallbackConfig{
		MaxAttempts:  3,
		BaseTimeout:  time.Second,
		ProbeTimeout: 200 * time.Millisecond,
	})
	profile := &DeviceProfile{DeviceID: "serial-USB9"}

	proto, err := m.ConnectWithFallback(context.Background(), mock, profile)
	if err != nil {
		t.Fatalf("回退连接失败: %v", err)
	}
	defer proto.Disconnect()

	if proto.Version() != VersionBinaryAdvanced {
		t.Errorf("探测应选出BINARY_ADVANCED, 实际%s", proto.Version())
	}
	caps := proto.Capabilities()
	if caps.FirmwareVersion != "2.4.1" {
		t.Errorf("探测出的固件版本未带入协议实例: %q", caps.FirmwareVersion)
	}
	if !caps.SupportsStreaming || !caps.SupportsCRC {
		t.Errorf("探测出的能力未带入协议实例: %+v", caps)
	}
	if profile.FirmwareVersion != "2.4.1" {
		t.Errorf("固件版本未写入档案: %q", profile.FirmwareVersion)
	}
}

func TestConnectWithFallbackDegradesToText(t *testing.T) {
	// 设备只会行级问答，二进制尝试全部超时后降级
	mock := transport.NewMockTransport("mock://text-only")
	mock.LineHandler = func(cmd string) (string, bool) {
		if strings.HasPrefix(cmd, CmdPing) {
			return "OK PONG", true
		}
		return "ERR UNKNOWN", true
	}

	m := NewProtocolManager(FallbackConfig{MaxAttempts: 3, BaseTimeout: 100 * time.Millisecond})
	profile := &DeviceProfile{DeviceID: "serial-USB1"}

	proto, err := m.ConnectWithFallback(context.Background(), mock, profile)
	if err != nil {
		t.Fatalf("回退连接失败: %v", err)
	}
	defer proto.Disconnect()

	if proto.Version() != VersionTextWithCRC {
		t.Errorf("期望降级到TEXT_WITH_CRC, 实际%s", proto.Version())
	}
	// 前两次二进制尝试失败的记录必须留在历史中
	if len(profile.History) != 3 {
		t.Fatalf("档案历史条数不匹配: %d", len(profile.History))
	}
	if profile.History[0].Success || profile.History[1].Success || !profile.History[2].Success {
		t.Errorf("档案历史成败顺序不匹配: %+v", profile.History)
	}
}

func TestConnectWithFallbackPreferredFirst(t *testing.T) {
	mock := transport.NewMockTransport("mock://preferred")
	mock.LineHandler = func(cmd string) (string, bool) {
		return "OK PONG", true
	}

	m := NewProtocolManager(FallbackConfig{MaxAttempts: 3, BaseTimeout: time.Second})
	profile := &DeviceProfile{
		DeviceID:          "serial-USB2",
		PreferredProtocol: VersionTextBasic,
	}

	proto, err := m.ConnectWithFallback(context.Background(), mock, profile)
	if err != nil {
		t.Fatalf("回退连接失败: %v", err)
	}
	defer proto.Disconnect()

	// 档案偏好必须第一个尝试，首次即成功
	if proto.Version() != VersionTextBasic {
		t.Errorf("期望偏好协议TEXT_BASIC优先, 实际%s", proto.Version())
	}
	if len(profile.History) != 1 {
		t.Errorf("偏好命中时不应有额外尝试: %+v", profile.History)
	}
}

func TestConnectWithFallbackExhaustion(t *testing.T) {
	// 完全无响应的设备：每次尝试都超时，直到尝试上限
	mock := transport.NewMockTransport("mock://dead")

	m := NewProtocolManager(FallbackConfig{MaxAttempts: 2, BaseTimeout: 50 * time.Millisecond})
	profile := &DeviceProfile{DeviceID: "serial-USB3"}

	proto, err := m.ConnectWithFallback(context.Background(), mock, profile)
	if err == nil {
		t.Fatal("全部失败应返回错误")
	}
	if proto != nil {
		t.Fatal("失败时不应返回协议实例")
	}
	if len(profile.History) != 2 {
		t.Errorf("尝试次数应受上限约束: %d", len(profile.History))
	}
}

func TestProfileHistoryCap(t *testing.T) {
	profile := &DeviceProfile{DeviceID: "serial-USB4"}
	for i := 0; i < 15; i++ {
		profile.RecordNegotiation(VersionTextBasic, false, fmt.Sprintf("attempt-%d", i))
	}
	if len(profile.History) != profileHistoryCap {
		t.Fatalf("历史应截断到%d条, 实际%d", profileHistoryCap, len(profile.History))
	}
	// 保留的是最新的记录
	if profile.History[len(profile.History)-1].Error != "attempt-14" {
		t.Errorf("最新记录丢失: %+v", profile.History[len(profile.History)-1])
	}
	if profile.History[0].Error != "attempt-5" {
		t.Errorf("淘汰顺序不匹配: %+v", profile.History[0])
	}
}

func TestAttemptTimeoutMultiplier(t *testing.T) {
	m := NewProtocolManager(FallbackConfig{BaseTimeout: time.Second})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 1500 * time.Millisecond},
		{2, 2 * time.Second},
		{4, 3 * time.Second},
		{10, 3 * time.Second}, // 倍率封顶
	}
	for _, tt := range tests {
		if got := m.attemptTimeout(tt.attempt); got != tt.want {
			t.Errorf("attempt=%d: 期望%v, 实际%v", tt.attempt, tt.want, got)
		}
	}
}

func TestManagerRegisteredOrder(t *testing.T) {
	m := NewProtocolManager(DefaultFallbackConfig())
	versions := m.Registered()
	if len(versions) != 4 {
		t.Fatalf("内置协议变体数量不匹配: %d", len(versions))
	}
	if versions[0] != VersionBinaryAdvanced || versions[3] != VersionTextBasic {
		t.Errorf("回退顺序不匹配: %v", versions)
	}
}

func TestNegotiateInstantiatesMatchingProtocol(t *testing.T) {
	mock := fullCapsFirmware(t)
	_ = mock.Connect(context.Background())

	m := NewProtocolManager(FallbackConfig{ProbeTimeout: 200 * time.Millisecond})
	proto, err := m.Negotiate(context.Background(), mock)
	if err != nil {
		t.Fatalf("协商失败: %v", err)
	}
	if proto.Version() != VersionBinaryAdvanced {
		t.Errorf("协商结果不匹配: %s", proto.Version())
	}
	if proto.Capabilities().FirmwareVersion != "2.4.1" {
		t.Errorf("能力未带入协议实例: %+v", proto.Capabilities())
	}
}
