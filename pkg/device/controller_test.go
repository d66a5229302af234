package device

import (
	"context"
	"testing"
	"time"

	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/bujia-iot/iot-fixture/pkg/protocol"
	"github.com/bujia-iot/iot-fixture/pkg/transport"
)

// newTextFixture 构造只会行级问答的模拟治具传输
func newTextFixture(endpoint, boardType string) *transport.MockTransport {
	mock := transport.NewMockTransport(endpoint)
	mock.LineHandler = func(cmd string) (string, bool) {
		switch cmd {
		case protocol.CmdPing:
			return "OK PONG", true
		case protocol.CmdBoardType:
			if boardType == "" {
				return "ERR UNSUPPORTED", true
			}
			return "OK " + boardType, true
		case protocol.CmdStatus:
			return "OK 4 32 3600", true
		}
		return "ERR UNKNOWN", true
	}
	return mock
}

// newTestController 构造偏好文本协议的控制器，避免无谓的二进制尝试
func newTestController(deviceID string, mock *transport.MockTransport, bus *EventBus) *Controller {
	m := protocol.NewProtocolManager(protocol.FallbackConfig{
		MaxAttempts: 4,
		BaseTimeout: 200 * time.Millisecond,
	})
	if bus == nil {
		bus = NewEventBus()
	}
	c := NewController(deviceID, mock, m, bus)
	c.SetProfile(&protocol.DeviceProfile{
		DeviceID:          deviceID,
		PreferredProtocol: protocol.VersionTextBasic,
	})
	return c
}

func TestControllerConnectDetectsDeviceType(t *testing.T) {
	mock := newTextFixture("mock://fixture", "BOARD_A")
	c := newTestController("dev-1", mock, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer c.Disconnect("测试结束")

	if c.State() != StateConnected {
		t.Errorf("状态应为CONNECTED: %s", c.State())
	}
	if c.DeviceType() != "BOARD_A" {
		t.Errorf("设备类别探测不匹配: %s", c.DeviceType())
	}

	info := c.Info()
	if info.Protocol != protocol.VersionTextBasic {
		t.Errorf("协议版本不匹配: %s", info.Protocol)
	}
	if info.DeviceID != "dev-1" {
		t.Errorf("设备ID不匹配: %s", info.DeviceID)
	}
}

func TestControllerDeviceTypeFallbackToStatus(t *testing.T) {
	// 老固件不认识BOARDTYPE，退回STATUS的板卡类型字段
	mock := newTextFixture("mock://fixture", "")
	c := newTestController("dev-2", mock, nil)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer c.Disconnect("测试结束")

	if c.DeviceType() != "BOARD_4" {
		t.Errorf("类别探测未退回STATUS: %s", c.DeviceType())
	}
}

func TestControllerProfilePreservesDeviceType(t *testing.T) {
	mock := newTextFixture("mock://fixture", "BOARD_A")
	c := newTestController("dev-3", mock, nil)
	c.SetProfile(&protocol.DeviceProfile{
		DeviceID:          "dev-3",
		DeviceType:        "BOARD_X",
		PreferredProtocol: protocol.VersionTextBasic,
	})

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer c.Disconnect("测试结束")

	// 档案中的类别优先，重连不重新探测
	if c.DeviceType() != "BOARD_X" {
		t.Errorf("档案类别应被保留: %s", c.DeviceType())
	}
}

func TestControllerExecuteNotConnected(t *testing.T) {
	mock := newTextFixture("mock://fixture", "BOARD_A")
	c := newTestController("dev-4", mock, nil)

	req := protocol.NewCommandRequest(protocol.CmdPing, nil, time.Second)
	resp, err := c.Execute(context.Background(), req)
	if err == nil {
		t.Fatal("未连接执行应返回错误")
	}
	if !errors.IsErrCode(err, errors.ErrNotConnected) {
		t.Errorf("期望NOT_CONNECTED错误: %v", err)
	}
	if resp == nil || resp.Success || resp.Error.Code != errors.ErrNotConnected {
		t.Errorf("应同时返回类型化错误响应: %+v", resp)
	}
}

func TestControllerExecuteRecordsHealth(t *testing.T) {
	mock := newTextFixture("mock://fixture", "BOARD_A")
	c := newTestController("dev-5", mock, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer c.Disconnect("测试结束")

	req := protocol.NewCommandRequest(protocol.CmdPing, nil, time.Second)
	resp, err := c.Execute(context.Background(), req)
	if err != nil || !resp.Success {
		t.Fatalf("执行失败: %v %+v", err, resp)
	}

	snapshot := c.Health().Snapshot()
	if snapshot.TotalCommands == 0 {
		t.Error("健康统计未记录命令")
	}
	if !snapshot.Healthy {
		t.Error("成功执行后应保持健康")
	}
}

func TestControllerConnectPublishesEvent(t *testing.T) {
	bus := NewEventBus()
	received := make(chan *DeviceEvent, 4)
	bus.Subscribe(EventTypeConnect, func(event *DeviceEvent) {
		received <- event
	}, nil)

	mock := newTextFixture("mock://fixture", "BOARD_A")
	c := newTestController("dev-6", mock, bus)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	defer c.Disconnect("测试结束")

	select {
	case event := <-received:
		if event.DeviceID != "dev-6" {
			t.Errorf("事件设备ID不匹配: %s", event.DeviceID)
		}
		if event.Data["protocol"] != protocol.VersionTextBasic.String() {
			t.Errorf("事件协议字段不匹配: %v", event.Data["protocol"])
		}
	case <-time.After(time.Second):
		t.Fatal("连接事件未发布")
	}
}

func TestControllerDisconnect(t *testing.T) {
	mock := newTextFixture("mock://fixture", "BOARD_A")
	c := newTestController("dev-7", mock, nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("连接失败: %v", err)
	}

	if err := c.Disconnect("手动断开"); err != nil {
		t.Fatalf("断开失败: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("断开后状态应为DISCONNECTED: %s", c.State())
	}

	req := protocol.NewCommandRequest(protocol.CmdPing, nil, time.Second)
	if _, err := c.Execute(context.Background(), req); err == nil {
		t.Error("断开后执行应失败")
	}
}

func TestControllerUsageCount(t *testing.T) {
	mock := newTextFixture("mock://fixture", "BOARD_A")
	c := newTestController("dev-8", mock, nil)

	if c.UsageCount() != 0 {
		t.Fatal("初始使用计数应为0")
	}
	c.IncrementUsage()
	c.IncrementUsage()
	if c.UsageCount() != 2 {
		t.Errorf("使用计数不匹配: %d", c.UsageCount())
	}
}
