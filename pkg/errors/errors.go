package errors

import (
	"fmt"
)

// ErrorCode 表示错误码类型
type ErrorCode int

// 定义设备通信栈的错误码
const (
	// 通用错误
	ErrUnknown ErrorCode = iota + 1000
	ErrInvalidParameter
	ErrNotImplemented

	// 连接相关错误
	ErrConnectionFailed
	ErrNotConnected
	ErrNoDeviceAvailable

	// 协议相关错误
	ErrProtocolNegotiationFailed
	ErrUnsupportedCommand
	ErrCRCError
	ErrFramingError

	// 命令执行相关错误
	ErrTimeout
	ErrExecutionError
	ErrCancelled
)

// codeNames 错误码与对外错误标识的映射
// 上层回调与HTTP接口只依赖这些字符串标识，不依赖数值
var codeNames = map[ErrorCode]string{
	ErrUnknown:                   "UNKNOWN",
	ErrInvalidParameter:          "INVALID_PARAMETER",
	ErrNotImplemented:            "NOT_IMPLEMENTED",
	ErrConnectionFailed:          "CONNECTION_FAILED",
	ErrNotConnected:              "NOT_CONNECTED",
	ErrNoDeviceAvailable:         "NO_DEVICE_AVAILABLE",
	ErrProtocolNegotiationFailed: "PROTOCOL_NEGOTIATION_FAILED",
	ErrUnsupportedCommand:        "UNSUPPORTED_COMMAND",
	ErrCRCError:                  "CRC_ERROR",
	ErrFramingError:              "FRAMING_ERROR",
	ErrTimeout:                   "TIMEOUT",
	ErrExecutionError:            "EXECUTION_ERROR",
	ErrCancelled:                 "CANCELLED",
}

// String 返回错误码的字符串标识
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_%d", int(c))
}

// IsRetryable 判断错误码是否属于可重试类别
// 协议管理器只对这些类别继续降级重试：连接失败、协商失败、帧/校验错误、不支持的命令
func (c ErrorCode) IsRetryable() bool {
	switch c {
	case ErrConnectionFailed, ErrProtocolNegotiationFailed, ErrCRCError, ErrFramingError, ErrUnsupportedCommand:
		return true
	default:
		return false
	}
}

// AppError 应用程序自定义错误类型
type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error 实现error接口
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 支持Go 1.13+的错误包装
func (e *AppError) Unwrap() error {
	return e.Cause
}

// New 创建一个新的AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf 创建一个带格式化消息的AppError
func Newf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap 包装一个已有的错误
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// IsErrCode 检查错误是否为指定的错误码
func IsErrCode(err error, code ErrorCode) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	return ok && appErr.Code == code
}

// CodeOf 提取错误对应的错误码，非AppError统一归为执行错误
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrUnknown
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code
	}
	return ErrExecutionError
}
