package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/bujia-iot/iot-fixture/pkg/transport"
	"github.com/sirupsen/logrus"
)

// NegotiationRecord 一次协商的结果记录
type NegotiationRecord struct {
	Version   ProtocolVersion `json:"version"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// profileHistoryCap 档案保留的协商历史条数上限
const profileHistoryCap = 10

// DeviceProfile 设备档案
// 记录某个端点上历次协商的偏好与历史，用于下次连接时优先尝试已知可用的协议
type DeviceProfile struct {
	DeviceID          string              `json:"device_id"`
	DeviceType        string              `json:"device_type"`
	FirmwareVersion   string              `json:"firmware_version"`
	PreferredProtocol ProtocolVersion     `json:"preferred_protocol"`
	History           []NegotiationRecord `json:"history"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// RecordNegotiation 追加一条协商记录，历史超出上限时淘汰最旧的
func (p *DeviceProfile) RecordNegotiation(version ProtocolVersion, success bool, errMsg string) {
	p.History = append(p.History, NegotiationRecord{
		Version:   version,
		Success:   success,
		Error:     errMsg,
		Timestamp: time.Now(),
	})
	if len(p.History) > profileHistoryCap {
		p.History = p.History[len(p.History)-profileHistoryCap:]
	}
	if success {
		p.PreferredProtocol = version
	}
	p.UpdatedAt = time.Now()
}

// FallbackConfig 协议回退参数
type FallbackConfig struct {
	MaxAttempts  int           // 回退尝试上限
	BaseTimeout  time.Duration // 首次尝试的协商超时
	ProbeTimeout time.Duration // 单个探测命令超时
}

// DefaultFallbackConfig 缺省回退参数
func DefaultFallbackConfig() FallbackConfig {
	return FallbackConfig{
		MaxAttempts:  3,
		BaseTimeout:  5 * time.Second,
		ProbeTimeout: 500 * time.Millisecond,
	}
}

// ProtocolManager 协议管理器
// 维护协议版本到构造函数的注册表，负责带回退的协商连接流程
type ProtocolManager struct {
	mu        sync.RWMutex
	factories map[ProtocolVersion]ProtocolFactory
	cfg       FallbackConfig
}

// NewProtocolManager 创建协议管理器并注册全部内置协议变体
func NewProtocolManager(cfg FallbackConfig) *ProtocolManager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 5 * time.Second
	}
	m := &ProtocolManager{
		factories: make(map[ProtocolVersion]ProtocolFactory),
		cfg:       cfg,
	}
	m.Register(VersionTextBasic, NewTextBasicProtocol)
	m.Register(VersionTextWithCRC, NewTextCRCProtocol)
	m.Register(VersionBinaryFramed, NewBinaryFramedProtocol)
	m.Register(VersionBinaryAdvanced, NewBinaryAdvancedProtocol)
	return m
}

// Register 注册协议构造函数，同版本重复注册以后者为准
func (m *ProtocolManager) Register(version ProtocolVersion, factory ProtocolFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[version] = factory
}

// Registered 返回已注册的协议版本列表，按回退顺序排列
func (m *ProtocolManager) Registered() []ProtocolVersion {
	m.mu.RLock()
	defer m.mu.RUnlock()
	versions := make([]ProtocolVersion, 0, len(m.factories))
	for _, v := range FallbackOrder() {
		if _, ok := m.factories[v]; ok {
			versions = append(versions, v)
		}
	}
	return versions
}

// factory 获取协议构造函数
func (m *ProtocolManager) factory(version ProtocolVersion) (ProtocolFactory, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.factories[version]
	return f, ok
}

// attemptTimeout 按尝试次数放大超时，倍率封顶3.0
func (m *ProtocolManager) attemptTimeout(attempt int) time.Duration {
	multiplier := 1.0 + 0.5*float64(attempt)
	if multiplier > 3.0 {
		multiplier = 3.0
	}
	return time.Duration(float64(m.cfg.BaseTimeout) * multiplier)
}

// Negotiate 在传输上执行能力协商并实例化对应的协议
func (m *ProtocolManager) Negotiate(ctx context.Context, t transport.Transport) (Protocol, error) {
	negotiator := NewNegotiator(m.cfg.ProbeTimeout)
	caps, err := negotiator.Probe(ctx, t)
	if err != nil {
		return nil, err
	}

	factory, ok := m.factory(caps.Version)
	if !ok {
		return nil, errors.Newf(errors.ErrProtocolNegotiationFailed,
			"协商出的协议版本未注册: %s", caps.Version)
	}
	return factory(t, caps), nil
}

// ConnectWithFallback 带回退的协商连接
// 档案中的偏好协议优先验证；没有偏好时先做一轮能力探测，探测出的版本
// 带着完整能力优先尝试。失败后沿回退顺序逐级降级，只对可重试错误继续，
// 同一版本不重复尝试；全部失败时返回nil协议与协商失败错误
func (m *ProtocolManager) ConnectWithFallback(ctx context.Context, t transport.Transport, profile *DeviceProfile) (Protocol, error) {
	candidates := m.fallbackCandidates(profile)

	// 能力探测不计入连接尝试次数，失败只是退回盲试回退顺序
	probedCaps := ProtocolCapabilities{Version: VersionUnknown}
	if profile == nil || profile.PreferredProtocol == VersionUnknown {
		if caps, err := m.probeCapabilities(ctx, t); err == nil {
			probedCaps = caps
			candidates = append([]ProtocolVersion{caps.Version}, candidates...)
		} else {
			logger.WithFields(logrus.Fields{
				"endpoint": t.Endpoint(),
				"error":    err.Error(),
			}).Debug("能力探测失败，按回退顺序盲试")
		}
	}

	tried := make(map[ProtocolVersion]bool)
	attempt := 0

	var lastErr error
	for _, version := range candidates {
		if attempt >= m.cfg.MaxAttempts {
			break
		}
		if tried[version] {
			continue
		}
		tried[version] = true

		timeout := m.attemptTimeout(attempt)
		attempt++

		caps := ProtocolCapabilities{}
		if version == probedCaps.Version {
			caps = probedCaps
		}
		proto, err := m.tryVersion(ctx, t, version, timeout, caps)
		if err == nil {
			if profile != nil {
				profile.RecordNegotiation(version, true, "")
				profile.FirmwareVersion = proto.Capabilities().FirmwareVersion
			}
			logger.WithFields(logrus.Fields{
				"endpoint": t.Endpoint(),
				"version":  version.String(),
				"attempt":  attempt,
			}).Info("协议连接成功")
			return proto, nil
		}

		lastErr = err
		if profile != nil {
			profile.RecordNegotiation(version, false, err.Error())
		}
		logger.WithFields(logrus.Fields{
			"endpoint": t.Endpoint(),
			"version":  version.String(),
			"attempt":  attempt,
			"timeout":  timeout.String(),
			"error":    err.Error(),
		}).Warn("协议连接失败，继续降级")

		code := errors.CodeOf(err)
		if !code.IsRetryable() && code != errors.ErrTimeout {
			break
		}
	}

	if lastErr == nil {
		lastErr = errors.New(errors.ErrProtocolNegotiationFailed, "无可尝试的协议版本")
	}
	return nil, errors.Wrap(errors.ErrProtocolNegotiationFailed,
		"全部协议版本协商失败: "+t.Endpoint(), lastErr)
}

// fallbackCandidates 构造本次连接的版本尝试顺序
// 档案偏好排在最前，其余按能力从丰富到贫乏
func (m *ProtocolManager) fallbackCandidates(profile *DeviceProfile) []ProtocolVersion {
	order := FallbackOrder()
	if profile == nil || profile.PreferredProtocol == VersionUnknown {
		return order
	}

	candidates := make([]ProtocolVersion, 0, len(order)+1)
	candidates = append(candidates, profile.PreferredProtocol)
	for _, v := range order {
		if v != profile.PreferredProtocol {
			candidates = append(candidates, v)
		}
	}
	return candidates
}

// probeCapabilities 连接传输并执行一轮能力探测
func (m *ProtocolManager) probeCapabilities(ctx context.Context, t transport.Transport) (ProtocolCapabilities, error) {
	if err := t.Connect(ctx); err != nil {
		return ProtocolCapabilities{Version: VersionUnknown},
			errors.Wrap(errors.ErrConnectionFailed, "探测前传输连接失败", err)
	}
	return NewNegotiator(m.cfg.ProbeTimeout).Probe(ctx, t)
}

// tryVersion 尝试以指定版本连接并用PING验证链路
func (m *ProtocolManager) tryVersion(ctx context.Context, t transport.Transport, version ProtocolVersion, timeout time.Duration, caps ProtocolCapabilities) (Protocol, error) {
	factory, ok := m.factory(version)
	if !ok {
		return nil, errors.Newf(errors.ErrProtocolNegotiationFailed, "协议版本未注册: %s", version)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	proto := factory(t, caps)
	if err := proto.Connect(attemptCtx); err != nil {
		return nil, errors.Wrap(errors.ErrConnectionFailed, "传输连接失败", err)
	}

	req := NewCommandRequest(CmdPing, nil, timeout)
	resp, err := proto.Execute(attemptCtx, req)
	if err != nil {
		_ = proto.Disconnect()
		return nil, errors.Wrap(errors.ErrProtocolNegotiationFailed, "链路验证失败", err)
	}
	if !resp.Success {
		_ = proto.Disconnect()
		code := errors.ErrProtocolNegotiationFailed
		if resp.Error != nil && (resp.Error.Code == errors.ErrTimeout || resp.Error.Code.IsRetryable()) {
			code = resp.Error.Code
		}
		message := "链路验证响应失败"
		if resp.Error != nil {
			message = resp.Error.Message
		}
		return nil, errors.New(code, message)
	}
	return proto, nil
}
