package transport

import (
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
)

// 协议中有特殊含义的错误码
const (
	CodeAuthRequired    = 10001
	CodeAccountNotFound = 14000
)

var (
	ErrConnectionClosed = errors.New("transport: connection closed")
	ErrNotConnected     = errors.New("transport: not connected")
	ErrRequestTimeout   = errors.New("transport: request timed out")
	ErrConnectTimeout   = errors.New("transport: connect timed out")
	ErrManagerClosed    = errors.New("transport: manager closed")
)

// RPCError 交易所返回的 {code, message}
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsRPCCode 判断 err 链中是否包含指定错误码的 RPCError
func IsRPCCode(err error, code int) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

// CloseError 连接关闭导致请求失败；Code 为 websocket 关闭码
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("transport: connection closed (code=%d)", e.Code)
	}
	return fmt.Sprintf("transport: connection closed (code=%d): %s", e.Code, e.Reason)
}

func (e *CloseError) Unwrap() error { return ErrConnectionClosed }

// ConnectError 建连失败（超时或 socket 错误）
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// IsConnectionError 连接类错误（超时、关闭、未连接、建连失败），上层可重试
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var ce *ConnectError
	return errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrRequestTimeout) ||
		errors.Is(err, ErrConnectTimeout) ||
		errors.As(err, &ce)
}
