package device

import (
	"testing"
	"time"
)

func TestEventBusSubscribeAndPublish(t *testing.T) {
	bus := NewEventBus()
	received := make(chan *DeviceEvent, 1)

	bus.Subscribe(EventTypeConnect, func(event *DeviceEvent) {
		received <- event
	}, nil)

	bus.PublishDeviceConnect("dev-1", "/dev/ttyUSB0", "BINARY_ADVANCED")

	select {
	case event := <-received:
		if event.Type != EventTypeConnect || event.DeviceID != "dev-1" {
			t.Errorf("事件内容不匹配: %+v", event)
		}
		if event.Data["endpoint"] != "/dev/ttyUSB0" {
			t.Errorf("事件数据不匹配: %v", event.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("事件未送达订阅方")
	}
}

func TestEventBusWildcardSubscription(t *testing.T) {
	bus := NewEventBus()
	received := make(chan string, 8)

	bus.Subscribe("*", func(event *DeviceEvent) {
		received <- event.Type
	}, nil)

	bus.PublishDeviceConnect("dev-1", "ep", "p")
	bus.PublishDeviceDisconnect("dev-1", "ep", "reason")
	bus.PublishHealthChange("dev-1", false, "超时")

	types := make(map[string]bool)
	for i := 0; i < 3; i++ {
		select {
		case eventType := <-received:
			types[eventType] = true
		case <-time.After(time.Second):
			t.Fatalf("通配订阅只收到%d个事件", i)
		}
	}
	if !types[EventTypeConnect] || !types[EventTypeDisconnect] || !types[EventTypeHealthChange] {
		t.Errorf("通配订阅事件类型不全: %v", types)
	}
}

func TestEventBusDeviceFilter(t *testing.T) {
	bus := NewEventBus()
	received := make(chan string, 4)

	bus.Subscribe(EventTypeConnect, func(event *DeviceEvent) {
		received <- event.DeviceID
	}, []string{"dev-2"})

	bus.PublishDeviceConnect("dev-1", "ep", "p")
	bus.PublishDeviceConnect("dev-2", "ep", "p")

	select {
	case deviceID := <-received:
		if deviceID != "dev-2" {
			t.Errorf("过滤器放行了错误的设备: %s", deviceID)
		}
	case <-time.After(time.Second):
		t.Fatal("过滤命中的事件未送达")
	}

	select {
	case deviceID := <-received:
		t.Errorf("过滤器应拦截dev-1, 实际收到%s", deviceID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventBusUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	received := make(chan struct{}, 4)

	id := bus.Subscribe(EventTypeConnect, func(event *DeviceEvent) {
		received <- struct{}{}
	}, nil)

	if !bus.Unsubscribe(id) {
		t.Fatal("取消订阅应成功")
	}
	if bus.Unsubscribe(id) {
		t.Error("重复取消应返回false")
	}

	bus.PublishDeviceConnect("dev-1", "ep", "p")
	select {
	case <-received:
		t.Error("取消订阅后不应再收到事件")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventBusHandlerPanicIsolation(t *testing.T) {
	bus := NewEventBus()
	received := make(chan struct{}, 1)

	bus.Subscribe(EventTypeConnect, func(event *DeviceEvent) {
		panic("处理器故障")
	}, nil)
	bus.Subscribe(EventTypeConnect, func(event *DeviceEvent) {
		received <- struct{}{}
	}, nil)

	bus.PublishDeviceConnect("dev-1", "ep", "p")

	// 一个处理器panic不影响其他订阅方
	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("panic隔离失效，正常处理器未收到事件")
	}
}
