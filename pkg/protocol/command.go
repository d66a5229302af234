package protocol

import (
	"time"

	"github.com/bujia-iot/iot-fixture/pkg/errors"
	"github.com/google/uuid"
)

// 通用命令名，协议变体负责翻译为各自的线上形式
const (
	CmdPing         = "PING"
	CmdVersion      = "VERSION"
	CmdStatus       = "STATUS"
	CmdBoardType    = "BOARDTYPE"
	CmdMeasure      = "MEASURE"
	CmdMeasureGroup = "MEASURE_GROUP"
	CmdStartStream  = "START_STREAM"
	CmdStopStream   = "STOP_STREAM"
	CmdStartTest    = "START_TEST"
	CmdStopTest     = "STOP_TEST"
)

// CommandRequest 命令请求
// 发出后不可变；RequestID用于日志追踪与回调关联
type CommandRequest struct {
	RequestID string        `json:"request_id"`
	Command   string        `json:"command"`
	Params    []string      `json:"params,omitempty"`
	Timeout   time.Duration `json:"timeout"`
}

// NewCommandRequest 创建命令请求，自动分配RequestID
func NewCommandRequest(command string, params []string, timeout time.Duration) *CommandRequest {
	return &CommandRequest{
		RequestID: uuid.NewString(),
		Command:   command,
		Params:    params,
		Timeout:   timeout,
	}
}

// CommandError 类型化的命令错误，作为数据随响应返回
type CommandError struct {
	Code        errors.ErrorCode `json:"code"`
	CodeName    string           `json:"code_name"`
	Message     string           `json:"message"`
	Recoverable bool             `json:"recoverable"`
}

// CommandResponse 命令响应
// 每个请求恰好产生一个响应；超时或失败时由本地合成
type CommandResponse struct {
	RequestID     string        `json:"request_id"`
	Success       bool          `json:"success"`
	Data          []string      `json:"data,omitempty"`
	Raw           []byte        `json:"-"`
	Error         *CommandError `json:"error,omitempty"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// NewSuccessResponse 构造成功响应
func NewSuccessResponse(req *CommandRequest, data []string, elapsed time.Duration) *CommandResponse {
	var requestID string
	if req != nil {
		requestID = req.RequestID
	}
	return &CommandResponse{
		RequestID:     requestID,
		Success:       true,
		Data:          data,
		ExecutionTime: elapsed,
	}
}

// NewErrorResponse 构造类型化错误响应
func NewErrorResponse(req *CommandRequest, code errors.ErrorCode, message string, elapsed time.Duration) *CommandResponse {
	var requestID string
	if req != nil {
		requestID = req.RequestID
	}
	return &CommandResponse{
		RequestID: requestID,
		Success:   false,
		Error: &CommandError{
			Code:        code,
			CodeName:    code.String(),
			Message:     message,
			Recoverable: code.IsRetryable() || code == errors.ErrTimeout,
		},
		ExecutionTime: elapsed,
	}
}

// ResponseFromError 将error转换为类型化错误响应
func ResponseFromError(req *CommandRequest, err error, elapsed time.Duration) *CommandResponse {
	if err == nil {
		return NewSuccessResponse(req, nil, elapsed)
	}
	return NewErrorResponse(req, errors.CodeOf(err), err.Error(), elapsed)
}
