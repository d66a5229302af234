package device

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/bujia-iot/iot-fixture/pkg/protocol"
	"github.com/redis/go-redis/v9"
)

// ProfileStore 设备档案存储
// 档案记录端点上历次协商的协议偏好，重启后免去完整的降级探测
type ProfileStore interface {
	// Load 读取设备档案，不存在时返回(nil, nil)
	Load(ctx context.Context, deviceID string) (*protocol.DeviceProfile, error)
	// Save 保存设备档案
	Save(ctx context.Context, profile *protocol.DeviceProfile) error
	// Delete 删除设备档案
	Delete(ctx context.Context, deviceID string) error
}

// NopProfileStore 空实现，Redis未启用时档案仅保留在内存中
type NopProfileStore struct{}

func (NopProfileStore) Load(ctx context.Context, deviceID string) (*protocol.DeviceProfile, error) {
	return nil, nil
}

func (NopProfileStore) Save(ctx context.Context, profile *protocol.DeviceProfile) error {
	return nil
}

func (NopProfileStore) Delete(ctx context.Context, deviceID string) error {
	return nil
}

const (
	// profileKeyPrefix 档案在Redis中的键前缀
	profileKeyPrefix = "fixture:profile:"
	// profileTTL 档案过期时间，长期离线的设备档案自动清理
	profileTTL = 30 * 24 * time.Hour
)

// RedisProfileStore 基于Redis的设备档案存储
type RedisProfileStore struct {
	client *redis.Client
}

// NewRedisProfileStore 创建Redis档案存储
func NewRedisProfileStore(client *redis.Client) *RedisProfileStore {
	return &RedisProfileStore{client: client}
}

// Load 读取设备档案
func (s *RedisProfileStore) Load(ctx context.Context, deviceID string) (*protocol.DeviceProfile, error) {
	data, err := s.client.Get(ctx, profileKeyPrefix+deviceID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrUnknown, "读取设备档案失败: "+deviceID, err)
	}

	var profile protocol.DeviceProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, errors.Wrap(errors.ErrUnknown, "设备档案反序列化失败: "+deviceID, err)
	}
	return &profile, nil
}

// Save 保存设备档案
func (s *RedisProfileStore) Save(ctx context.Context, profile *protocol.DeviceProfile) error {
	if profile == nil || profile.DeviceID == "" {
		return errors.New(errors.ErrInvalidParameter, "档案缺少设备ID")
	}

	data, err := json.Marshal(profile)
	if err != nil {
		return errors.Wrap(errors.ErrUnknown, "设备档案序列化失败: "+profile.DeviceID, err)
	}

	if err := s.client.Set(ctx, profileKeyPrefix+profile.DeviceID, data, profileTTL).Err(); err != nil {
		return errors.Wrap(errors.ErrUnknown, "保存设备档案失败: "+profile.DeviceID, err)
	}
	return nil
}

// Delete 删除设备档案
func (s *RedisProfileStore) Delete(ctx context.Context, deviceID string) error {
	if err := s.client.Del(ctx, profileKeyPrefix+deviceID).Err(); err != nil {
		return errors.Wrap(errors.ErrUnknown, "删除设备档案失败: "+deviceID, err)
	}
	return nil
}
