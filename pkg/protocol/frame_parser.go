package protocol

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/bujia-iot/iot-fixture/internal/infrastructure/logger"
	"github.com/bujia-iot/iot-fixture/pkg/checksum"
	"github.com/bujia-iot/iot-fixture/pkg/constants"
	"github.com/sirupsen/logrus"
)

// parserState 帧解析器状态
type parserState int

const (
	stateIdle     parserState = iota // 等待STX
	stateLength                      // 读取3位长度数字与分隔符
	stateType                        // 读取3字符类型与分隔符
	statePayload                     // 读取负载（按未转义字节计数）
	stateETX                         // 等待ETX
	stateChecksum                    // 读取4位十六进制校验和
)

// DefaultFrameTimeout 半帧滞留的默认超时时间
// 超时后丢弃未完成帧并回到IDLE，避免后续完整帧被阻塞
const DefaultFrameTimeout = 2 * time.Second

// ParserStats 帧解析统计
type ParserStats struct {
	TotalFrames   uint64 `json:"total_frames"`   // 观察到的帧起始总数
	ValidFrames   uint64 `json:"valid_frames"`   // 校验通过并已上报的帧数
	CRCErrors     uint64 `json:"crc_errors"`     // 校验和错误帧数
	FormatErrors  uint64 `json:"format_errors"`  // 格式错误帧数
	TimeoutErrors uint64 `json:"timeout_errors"` // 半帧超时丢弃数
}

// FrameParser 流式字符帧解析器
// 接受任意大小的数据块输入，每次调用产出零个或多个完整帧
type FrameParser struct {
	mu      sync.Mutex
	state   parserState
	timeout time.Duration

	// 当前帧的解析上下文
	lengthBuf   []byte        // 长度字段数字
	typeBuf     []byte        // 类型字段字符
	payloadBuf  []byte        // 已还原的负载字节
	checksumBuf []byte        // 校验和字段字符
	contentBuf  *bytes.Buffer // 参与校验的未转义内容
	declaredLen int           // 长度字段声明的负载长度
	escaped     bool          // 上一个字节是否为ESC
	frameStart  time.Time     // 当前帧起始时间

	stats      ParserStats
	logHexDump bool
}

// NewFrameParser 创建帧解析器
func NewFrameParser() *FrameParser {
	return &FrameParser{
		state:      stateIdle,
		timeout:    DefaultFrameTimeout,
		contentBuf: new(bytes.Buffer),
	}
}

// SetTimeout 设置半帧滞留超时
func (p *FrameParser) SetTimeout(timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = timeout
}

// SetLogHexDump 开启原始字节的十六进制日志
func (p *FrameParser) SetLogHexDump(enable bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.logHexDump = enable
}

// Stats 返回解析统计快照
func (p *FrameParser) Stats() ParserStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Reset 丢弃当前半帧并回到IDLE
func (p *FrameParser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *FrameParser) resetLocked() {
	p.state = stateIdle
	p.lengthBuf = p.lengthBuf[:0]
	p.typeBuf = p.typeBuf[:0]
	p.payloadBuf = nil
	p.checksumBuf = p.checksumBuf[:0]
	p.contentBuf.Reset()
	p.declaredLen = 0
	p.escaped = false
}

// beginFrameLocked 在收到STX后初始化新帧上下文
func (p *FrameParser) beginFrameLocked(now time.Time) {
	p.resetLocked()
	p.state = stateLength
	p.frameStart = now
	p.stats.TotalFrames++
}

// Feed 输入一段字节流，返回本次完成解析的帧
// 输入允许被切分为任意小的数据块；半帧状态在多次调用间保持
func (p *FrameParser) Feed(data []byte) []*Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()

	// 半帧滞留超时检查：先于新数据处理，防止陈旧半帧劫持本次输入
	if p.state != stateIdle && p.timeout > 0 && now.Sub(p.frameStart) > p.timeout {
		logger.WithFields(logrus.Fields{
			"state":    int(p.state),
			"stalled":  now.Sub(p.frameStart).String(),
			"buffered": p.contentBuf.Len(),
		}).Warn("半帧滞留超时，丢弃并重新同步")
		p.stats.TimeoutErrors++
		p.resetLocked()
	}

	if p.logHexDump && len(data) > 0 {
		logger.WithFields(logrus.Fields{
			"dataLen": len(data),
			"dataHex": hex.EncodeToString(data),
		}).Debug("帧解析器收到数据")
	}

	var frames []*Frame
	for _, b := range data {
		if frame := p.handleByteLocked(b, now); frame != nil {
			frames = append(frames, frame)
		}
	}
	return frames
}

// handleByteLocked 状态机单字节推进，解析出完整帧时返回该帧
func (p *FrameParser) handleByteLocked(b byte, now time.Time) *Frame {
	// 负载内ESC转义的字节不参与STX重新同步
	inEscapedPayload := p.state == statePayload && p.escaped

	// 帧中途出现裸STX：旧帧按格式错误丢弃，从该STX重新开始
	if b == constants.FrameSTX && !inEscapedPayload {
		if p.state != stateIdle {
			p.stats.FormatErrors++
		}
		p.beginFrameLocked(now)
		return nil
	}

	switch p.state {
	case stateIdle:
		// 帧外字节全部忽略，等待STX重新同步
		return nil

	case stateLength:
		if len(p.lengthBuf) < constants.FrameLengthDigits {
			if b < '0' || b > '9' {
				p.formatErrorLocked("长度字段非数字", b)
				return nil
			}
			p.lengthBuf = append(p.lengthBuf, b)
			p.contentBuf.WriteByte(b)
			return nil
		}
		if b != constants.FrameFieldSeparator {
			p.formatErrorLocked("长度字段后缺少分隔符", b)
			return nil
		}
		length, err := strconv.Atoi(string(p.lengthBuf))
		if err != nil || length > constants.MaxPayloadSize {
			p.formatErrorLocked("长度字段超出上限", b)
			return nil
		}
		p.declaredLen = length
		p.contentBuf.WriteByte(b)
		p.state = stateType
		return nil

	case stateType:
		if len(p.typeBuf) < constants.FrameTypeLength {
			if b < 0x20 || b > 0x7E || b == constants.FrameFieldSeparator {
				p.formatErrorLocked("类型字段非法字符", b)
				return nil
			}
			p.typeBuf = append(p.typeBuf, b)
			p.contentBuf.WriteByte(b)
			return nil
		}
		if b != constants.FrameFieldSeparator {
			p.formatErrorLocked("类型字段后缺少分隔符", b)
			return nil
		}
		p.contentBuf.WriteByte(b)
		if p.declaredLen == 0 {
			p.state = stateETX
		} else {
			p.state = statePayload
		}
		return nil

	case statePayload:
		if p.escaped {
			p.escaped = false
		} else if b == constants.FrameESC {
			p.escaped = true
			return nil
		} else if b == constants.FrameETX {
			p.formatErrorLocked("负载未达声明长度即出现ETX", b)
			return nil
		}
		p.payloadBuf = append(p.payloadBuf, b)
		p.contentBuf.WriteByte(b)
		if len(p.payloadBuf) == p.declaredLen {
			p.state = stateETX
		}
		return nil

	case stateETX:
		if b != constants.FrameETX {
			p.formatErrorLocked("负载结束后缺少ETX", b)
			return nil
		}
		p.state = stateChecksum
		return nil

	case stateChecksum:
		if !isHexChar(b) {
			p.formatErrorLocked("校验和字段非十六进制字符", b)
			return nil
		}
		p.checksumBuf = append(p.checksumBuf, b)
		if len(p.checksumBuf) < constants.FrameCRCDigits {
			return nil
		}
		return p.completeFrameLocked(now)
	}

	return nil
}

// completeFrameLocked 校验并产出当前帧
func (p *FrameParser) completeFrameLocked(now time.Time) *Frame {
	expected, err := strconv.ParseUint(string(p.checksumBuf), 16, 16)
	if err != nil {
		// 十六进制字符已逐字节校验，这里只可能是防御性失败
		p.stats.FormatErrors++
		p.resetLocked()
		return nil
	}

	actual := checksum.Checksum(p.contentBuf.Bytes())
	if actual != uint16(expected) {
		logger.WithFields(logrus.Fields{
			"frameType": string(p.typeBuf),
			"expected":  uint16(expected),
			"actual":    actual,
		}).Warn("帧校验和不匹配，丢弃该帧")
		p.stats.CRCErrors++
		p.resetLocked()
		return nil
	}

	frame := &Frame{
		Type:      string(p.typeBuf),
		Payload:   p.payloadBuf,
		Checksum:  actual,
		Timestamp: now,
	}
	p.stats.ValidFrames++
	p.resetLocked()
	return frame
}

// formatErrorLocked 记录格式错误并重新同步
func (p *FrameParser) formatErrorLocked(reason string, b byte) {
	logger.WithFields(logrus.Fields{
		"reason": reason,
		"byte":   b,
		"state":  int(p.state),
	}).Debug("帧格式错误，丢弃当前帧")
	p.stats.FormatErrors++
	p.resetLocked()
}

// isHexChar 判断字节是否为十六进制字符
func isHexChar(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'A' && b <= 'F') || (b >= 'a' && b <= 'f')
}
