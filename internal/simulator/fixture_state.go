package simulator

import (
	"math/rand"
	"sync"
	"time"
)

// FaultConfig 故障注入配置
// 用于在联调中复现丢包、误码与慢响应
type FaultConfig struct {
	DropRate      float64 // 丢弃响应的概率 [0,1)
	CorruptRate   float64 // 损坏响应校验和的概率 [0,1)
	ResponseDelay time.Duration
}

// FixtureState 模拟治具板卡状态
type FixtureState struct {
	mu sync.Mutex

	BoardType  byte
	RelayCount byte
	Firmware   [3]byte
	Build      string

	startTime  time.Time
	errorFlags uint16
	rng        *rand.Rand

	fault FaultConfig

	// 每个连接一个流式上报协程，键为连接ID
	streams map[uint64]chan struct{}
}

// NewFixtureState 创建模拟板卡状态
func NewFixtureState(boardType, relayCount byte, fault FaultConfig) *FixtureState {
	return &FixtureState{
		BoardType:  boardType,
		RelayCount: relayCount,
		Firmware:   [3]byte{2, 4, 1},
		Build:      "sim",
		startTime:  time.Now(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		fault:      fault,
		streams:    make(map[uint64]chan struct{}),
	}
}

// UptimeSec 返回模拟运行秒数
func (s *FixtureState) UptimeSec() uint32 {
	return uint32(time.Since(s.startTime).Seconds())
}

// ErrorFlags 返回板卡错误标志
func (s *FixtureState) ErrorFlags() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorFlags
}

// Measure 生成一次模拟测量读数
// 读数围绕继电器与测试类型确定的基准值抖动，保证联调结果可复现比对
func (s *FixtureState) Measure(relayID, testType byte) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := uint32(relayID)*1000 + uint32(testType)*100
	jitter := uint32(s.rng.Intn(50))
	return base + jitter
}

// Sample 生成一个流式采样值
func (s *FixtureState) Sample() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint16(2048 + s.rng.Intn(256) - 128)
}

// ShouldDrop 判定本次响应是否被故障注入丢弃
func (s *FixtureState) ShouldDrop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault.DropRate > 0 && s.rng.Float64() < s.fault.DropRate
}

// ShouldCorrupt 判定本次响应是否被故障注入损坏
func (s *FixtureState) ShouldCorrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault.CorruptRate > 0 && s.rng.Float64() < s.fault.CorruptRate
}

// ResponseDelay 返回注入的响应延迟
func (s *FixtureState) ResponseDelay() time.Duration {
	return s.fault.ResponseDelay
}

// StartStream 为连接登记流式上报，返回停止通道
// 已有上报时先停止旧的
func (s *FixtureState) StartStream(connID uint64) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.streams[connID]; ok {
		close(old)
	}
	stop := make(chan struct{})
	s.streams[connID] = stop
	return stop
}

// StopStream 停止连接的流式上报
func (s *FixtureState) StopStream(connID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	stop, ok := s.streams[connID]
	if !ok {
		return false
	}
	close(stop)
	delete(s.streams, connID)
	return true
}
