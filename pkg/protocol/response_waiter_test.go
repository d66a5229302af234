package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/bujia-iot/iot-fixture/pkg/errors"
)

func TestResponseWaiterDeliverBySequence(t *testing.T) {
	w := NewResponseWaiter()

	entry5, err := w.Register(5)
	if err != nil {
		t.Fatalf("登记失败: %v", err)
	}
	entry9, err := w.Register(9)
	if err != nil {
		t.Fatalf("登记失败: %v", err)
	}

	// 乱序交付：后登记的先到达，必须各自配对
	go func() {
		w.Deliver(9, &BinaryMessage{Sequence: 9}, &PingResponsePayload{Token: 9})
		w.Deliver(5, &BinaryMessage{Sequence: 5}, &PingResponsePayload{Token: 5})
	}()

	msg, typed, err := w.Wait(context.Background(), entry5, time.Second)
	if err != nil {
		t.Fatalf("等待失败: %v", err)
	}
	if msg.Sequence != 5 || typed.(*PingResponsePayload).Token != 5 {
		t.Errorf("序列号5配对错误: seq=%d", msg.Sequence)
	}

	msg, _, err = w.Wait(context.Background(), entry9, time.Second)
	if err != nil {
		t.Fatalf("等待失败: %v", err)
	}
	if msg.Sequence != 9 {
		t.Errorf("序列号9配对错误: seq=%d", msg.Sequence)
	}
}

func TestResponseWaiterTimeout(t *testing.T) {
	w := NewResponseWaiter()
	entry, _ := w.Register(1)

	_, _, err := w.Wait(context.Background(), entry, 20*time.Millisecond)
	if !errors.IsErrCode(err, errors.ErrTimeout) {
		t.Fatalf("期望超时错误, 实际: %v", err)
	}
	if w.Pending() != 0 {
		t.Errorf("超时后等待条目应被清理, 剩余%d", w.Pending())
	}
}

func TestResponseWaiterDuplicateSequence(t *testing.T) {
	w := NewResponseWaiter()
	if _, err := w.Register(3); err != nil {
		t.Fatalf("登记失败: %v", err)
	}
	if _, err := w.Register(3); err == nil {
		t.Fatal("重复序列号登记应该失败")
	}
}

func TestResponseWaiterLateDelivery(t *testing.T) {
	w := NewResponseWaiter()
	if w.Deliver(200, &BinaryMessage{Sequence: 200}, &PingResponsePayload{}) {
		t.Error("无等待方的交付应返回false")
	}
}

func TestResponseWaiterCancelAll(t *testing.T) {
	w := NewResponseWaiter()
	entry, _ := w.Register(7)

	done := make(chan error, 1)
	go func() {
		_, _, err := w.Wait(context.Background(), entry, 5*time.Second)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	w.CancelAll()

	select {
	case err := <-done:
		if !errors.IsErrCode(err, errors.ErrCancelled) {
			t.Fatalf("期望取消错误, 实际: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CancelAll后等待方未被唤醒")
	}
}

func TestResponseWaiterContextCancel(t *testing.T) {
	w := NewResponseWaiter()
	entry, _ := w.Register(11)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, _, err := w.Wait(ctx, entry, 5*time.Second)
	if !errors.IsErrCode(err, errors.ErrCancelled) {
		t.Fatalf("期望取消错误, 实际: %v", err)
	}
}
