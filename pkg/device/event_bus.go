package device

import (
	"sync"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// 设备事件类型
const (
	// EventTypeStateChange 设备连接状态变更事件
	EventTypeStateChange = "state_change"
	// EventTypeConnect 设备连接事件
	EventTypeConnect = "connect"
	// EventTypeDisconnect 设备断开连接事件
	EventTypeDisconnect = "disconnect"
	// EventTypeReconnect 设备重连事件
	EventTypeReconnect = "reconnect"
	// EventTypeCommandDone 命令完成事件
	EventTypeCommandDone = "command_done"
	// EventTypeStreamData 流式上报数据事件
	EventTypeStreamData = "stream_data"
	// EventTypeHealthChange 健康状况变更事件
	EventTypeHealthChange = "health_change"
)

// DeviceEvent 设备事件
type DeviceEvent struct {
	// 事件类型
	Type string
	// 设备ID
	DeviceID string
	// 事件数据
	Data map[string]interface{}
	// 事件时间
	Timestamp time.Time
}

// EventHandler 事件处理函数类型
type EventHandler func(event *DeviceEvent)

// EventSubscription 事件订阅
type EventSubscription struct {
	// 订阅ID
	ID string
	// 事件类型，"*"匹配全部
	EventType string
	// 事件处理函数
	Handler EventHandler
	// 设备ID过滤器，为空表示订阅所有设备
	DeviceFilter []string
}

// EventBus 设备事件总线
// 事件处理器在独立协程中运行，panic被隔离不影响发布方
type EventBus struct {
	subscriptions     map[string]*EventSubscription
	subscriptionMutex sync.RWMutex

	// 正在发布的事件计数，用于安全取消订阅
	activePublish sync.WaitGroup
}

// 全局事件总线实例
var (
	globalEventBusOnce sync.Once
	globalEventBus     *EventBus
)

// GetEventBus 获取全局事件总线实例
func GetEventBus() *EventBus {
	globalEventBusOnce.Do(func() {
		globalEventBus = NewEventBus()
		logger.Info("设备事件总线已初始化")
	})
	return globalEventBus
}

// NewEventBus 创建独立的事件总线
func NewEventBus() *EventBus {
	return &EventBus{
		subscriptions: make(map[string]*EventSubscription),
	}
}

// Subscribe 订阅设备事件，返回订阅ID
func (b *EventBus) Subscribe(eventType string, handler EventHandler, deviceFilter []string) string {
	b.subscriptionMutex.Lock()
	defer b.subscriptionMutex.Unlock()

	id := uuid.NewString()
	b.subscriptions[id] = &EventSubscription{
		ID:           id,
		EventType:    eventType,
		Handler:      handler,
		DeviceFilter: deviceFilter,
	}

	logger.WithFields(logrus.Fields{
		"subscriptionID": id,
		"eventType":      eventType,
		"deviceFilter":   deviceFilter,
	}).Debug("添加事件订阅")

	return id
}

// Unsubscribe 取消订阅
func (b *EventBus) Unsubscribe(subscriptionID string) bool {
	// 等待所有正在进行的发布完成
	b.activePublish.Wait()

	b.subscriptionMutex.Lock()
	defer b.subscriptionMutex.Unlock()

	if _, exists := b.subscriptions[subscriptionID]; !exists {
		return false
	}
	delete(b.subscriptions, subscriptionID)

	logger.WithFields(logrus.Fields{
		"subscriptionID": subscriptionID,
	}).Debug("取消事件订阅")

	return true
}

// Publish 发布设备事件
func (b *EventBus) Publish(event *DeviceEvent) {
	b.activePublish.Add(1)
	defer b.activePublish.Done()

	b.subscriptionMutex.RLock()
	defer b.subscriptionMutex.RUnlock()

	for _, subscription := range b.subscriptions {
		if subscription.EventType != event.Type && subscription.EventType != "*" {
			continue
		}

		if len(subscription.DeviceFilter) > 0 {
			matched := false
			for _, deviceID := range subscription.DeviceFilter {
				if deviceID == event.DeviceID || deviceID == "*" {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}

		// 异步处理事件，panic隔离
		go func(handler EventHandler, e *DeviceEvent) {
			defer func() {
				if r := recover(); r != nil {
					logger.WithFields(logrus.Fields{
						"eventType": e.Type,
						"deviceId":  e.DeviceID,
						"panic":     r,
					}).Error("事件处理器发生panic")
				}
			}()
			handler(e)
		}(subscription.Handler, event)
	}
}

// PublishStateChange 发布连接状态变更事件
func (b *EventBus) PublishStateChange(deviceID string, oldState, newState ConnectionState) {
	b.Publish(&DeviceEvent{
		Type:      EventTypeStateChange,
		DeviceID:  deviceID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"old_state": oldState.String(),
			"new_state": newState.String(),
		},
	})

	logger.WithFields(logrus.Fields{
		"deviceId": deviceID,
		"oldState": oldState.String(),
		"newState": newState.String(),
	}).Debug("发布连接状态变更事件")
}

// PublishDeviceConnect 发布设备连接事件
func (b *EventBus) PublishDeviceConnect(deviceID, endpoint, protocolName string) {
	b.Publish(&DeviceEvent{
		Type:      EventTypeConnect,
		DeviceID:  deviceID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"endpoint": endpoint,
			"protocol": protocolName,
		},
	})
}

// PublishDeviceDisconnect 发布设备断开连接事件
func (b *EventBus) PublishDeviceDisconnect(deviceID, endpoint, reason string) {
	b.Publish(&DeviceEvent{
		Type:      EventTypeDisconnect,
		DeviceID:  deviceID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"endpoint": endpoint,
			"reason":   reason,
		},
	})
}

// PublishDeviceReconnect 发布设备重连事件
func (b *EventBus) PublishDeviceReconnect(deviceID, endpoint string, attempt int) {
	b.Publish(&DeviceEvent{
		Type:      EventTypeReconnect,
		DeviceID:  deviceID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"endpoint": endpoint,
			"attempt":  attempt,
		},
	})
}

// PublishCommandDone 发布命令完成事件
func (b *EventBus) PublishCommandDone(deviceID, requestID, command string, success bool, elapsed time.Duration) {
	b.Publish(&DeviceEvent{
		Type:      EventTypeCommandDone,
		DeviceID:  deviceID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"request_id": requestID,
			"command":    command,
			"success":    success,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})
}

// PublishStreamData 发布流式上报数据事件
func (b *EventBus) PublishStreamData(deviceID string, samples []uint16) {
	b.Publish(&DeviceEvent{
		Type:      EventTypeStreamData,
		DeviceID:  deviceID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"sample_count": len(samples),
			"samples":      samples,
		},
	})
}

// PublishHealthChange 发布健康状况变更事件
func (b *EventBus) PublishHealthChange(deviceID string, healthy bool, lastError string) {
	b.Publish(&DeviceEvent{
		Type:      EventTypeHealthChange,
		DeviceID:  deviceID,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"healthy":    healthy,
			"last_error": lastError,
		},
	})
}
