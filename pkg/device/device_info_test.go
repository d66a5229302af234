package device

import (
	"testing"
	"time"
)

func TestDeviceHealthUnhealthyAfterConsecutiveFailures(t *testing.T) {
	h := NewDeviceHealth()
	if !h.IsHealthy() {
		t.Fatal("初始状态应为健康")
	}

	h.RecordFailure("超时")
	h.RecordFailure("超时")
	if !h.IsHealthy() {
		t.Fatal("连续2次失败不应判定为不健康")
	}

	h.RecordFailure("超时")
	if h.IsHealthy() {
		t.Fatal("连续3次失败应判定为不健康")
	}
}

func TestDeviceHealthSuccessResetsFailures(t *testing.T) {
	h := NewDeviceHealth()
	h.RecordFailure("超时")
	h.RecordFailure("超时")
	h.RecordSuccess(10 * time.Millisecond)

	snapshot := h.Snapshot()
	if snapshot.ConsecutiveFailures != 0 {
		t.Errorf("成功应清零连续失败计数: %d", snapshot.ConsecutiveFailures)
	}

	// 清零后重新累计，仍需3次连续失败才判定不健康
	h.RecordFailure("超时")
	h.RecordFailure("超时")
	if !h.IsHealthy() {
		t.Error("清零后2次失败不应判定为不健康")
	}

	// 不健康后任意一次成功立即恢复
	h.RecordFailure("超时")
	if h.IsHealthy() {
		t.Fatal("应已判定为不健康")
	}
	h.RecordSuccess(10 * time.Millisecond)
	if !h.IsHealthy() {
		t.Error("成功应立即恢复健康判定")
	}
}

func TestDeviceHealthResponseTimeAverage(t *testing.T) {
	h := NewDeviceHealth()

	h.RecordSuccess(100 * time.Millisecond)
	if h.AvgResponseTime() != 100*time.Millisecond {
		t.Fatalf("首次采样应直接采用: %v", h.AvgResponseTime())
	}

	// 指数滑动平均: 0.3*200 + 0.7*100 = 130ms
	h.RecordSuccess(200 * time.Millisecond)
	if h.AvgResponseTime() != 130*time.Millisecond {
		t.Errorf("滑动平均不匹配: %v", h.AvgResponseTime())
	}
}

func TestDeviceHealthSnapshot(t *testing.T) {
	h := NewDeviceHealth()
	h.RecordSuccess(10 * time.Millisecond)
	h.RecordSuccess(10 * time.Millisecond)
	h.RecordSuccess(10 * time.Millisecond)
	h.RecordFailure("CRC校验失败")

	snapshot := h.Snapshot()
	if snapshot.TotalCommands != 4 || snapshot.TotalErrors != 1 {
		t.Errorf("命令计数不匹配: %+v", snapshot)
	}
	if snapshot.SuccessRate != 0.75 {
		t.Errorf("成功率不匹配: %f", snapshot.SuccessRate)
	}
	if snapshot.LastError != "CRC校验失败" {
		t.Errorf("最近错误不匹配: %s", snapshot.LastError)
	}
}

func TestConnectionStateString(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "DISCONNECTED"},
		{StateConnecting, "CONNECTING"},
		{StateConnected, "CONNECTED"},
		{StateReconnecting, "RECONNECTING"},
		{StateFailed, "FAILED"},
		{ConnectionState(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("状态名称不匹配: %d -> %s", tt.state, got)
		}
	}
}
