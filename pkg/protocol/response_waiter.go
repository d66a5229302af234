package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/sirupsen/logrus"
)

// deliveredResponse 配对完成的响应
type deliveredResponse struct {
	msg   *BinaryMessage
	typed TypedPayload
}

// ResponseEntry 响应等待条目
type ResponseEntry struct {
	sequence   byte
	response   chan *deliveredResponse
	createTime time.Time
}

// ResponseWaiter 响应等待器
// 按序列号将设备响应配对到等待中的请求，实现同步等待语义
// 响应配对只依赖序列号回显，不依赖"最旧未决请求"的到达顺序假设
type ResponseWaiter struct {
	mu      sync.Mutex
	waiters map[byte]*ResponseEntry
}

// NewResponseWaiter 创建响应等待器
func NewResponseWaiter() *ResponseWaiter {
	return &ResponseWaiter{
		waiters: make(map[byte]*ResponseEntry),
	}
}

// Register 登记一个等待条目，必须在发送请求前调用
// 同一序列号重复登记视为编程错误
func (w *ResponseWaiter) Register(sequence byte) (*ResponseEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, exists := w.waiters[sequence]; exists {
		return nil, errors.Newf(errors.ErrInvalidParameter, "序列号%d已有等待中的请求", sequence)
	}

	entry := &ResponseEntry{
		sequence:   sequence,
		response:   make(chan *deliveredResponse, 1),
		createTime: time.Now(),
	}
	w.waiters[sequence] = entry
	return entry, nil
}

// Wait 等待指定条目的响应直到超时或取消
func (w *ResponseWaiter) Wait(ctx context.Context, entry *ResponseEntry, timeout time.Duration) (*BinaryMessage, TypedPayload, error) {
	defer w.remove(entry.sequence)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-entry.response:
		if resp == nil {
			return nil, nil, errors.New(errors.ErrCancelled, "等待被取消")
		}
		return resp.msg, resp.typed, nil
	case <-timer.C:
		return nil, nil, errors.Newf(errors.ErrTimeout, "等待设备响应超时: %v", timeout)
	case <-ctx.Done():
		return nil, nil, errors.Wrap(errors.ErrCancelled, "等待被取消", ctx.Err())
	}
}

// Deliver 按序列号交付设备响应
// 没有对应等待条目时返回false（迟到响应或设备主动上报）
func (w *ResponseWaiter) Deliver(sequence byte, msg *BinaryMessage, typed TypedPayload) bool {
	w.mu.Lock()
	entry, exists := w.waiters[sequence]
	if exists {
		delete(w.waiters, sequence)
	}
	w.mu.Unlock()

	if !exists {
		logger.WithFields(logrus.Fields{
			"sequence": sequence,
			"msgType":  msg.Type,
		}).Debug("收到无等待方的响应，丢弃")
		return false
	}

	entry.response <- &deliveredResponse{msg: msg, typed: typed}
	return true
}

// CancelAll 取消全部等待中的请求
// 连接关闭时调用，等待方收到取消信号而不是被静默丢弃
func (w *ResponseWaiter) CancelAll() {
	w.mu.Lock()
	entries := make([]*ResponseEntry, 0, len(w.waiters))
	for _, entry := range w.waiters {
		entries = append(entries, entry)
	}
	w.waiters = make(map[byte]*ResponseEntry)
	w.mu.Unlock()

	for _, entry := range entries {
		close(entry.response)
	}
}

// Pending 返回等待中的请求数
func (w *ResponseWaiter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.waiters)
}

func (w *ResponseWaiter) remove(sequence byte) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.waiters, sequence)
}
