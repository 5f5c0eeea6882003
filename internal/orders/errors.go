package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/betbot/derivbot/internal/auth"
	"github.com/betbot/derivbot/internal/exchange"
	"github.com/betbot/derivbot/internal/signing"
	"github.com/betbot/derivbot/internal/transport"
)

var (
	ErrSubmissionInFlight = errors.New("orders: another submission is in flight")
	ErrUnparsedUpdate     = errors.New("orders: unrecognised update payload")
	ErrUnknownOrder       = errors.New("orders: order not found in local history")
	ErrNotCancellable     = errors.New("orders: order is not in a cancellable status")
	ErrMissingOrderID     = errors.New("orders: submission response has no order id")
)

type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindNotAuthenticated    ErrorKind = "not_authenticated"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindNetwork             ErrorKind = "network"
	KindOrderRejected       ErrorKind = "order_rejected"
	KindBusy                ErrorKind = "busy"
	KindUnknown             ErrorKind = "unknown"
)

// OrderError 分类后的错误
type OrderError struct {
	Kind        ErrorKind
	Message     string
	Field       string
	Recoverable bool
	Retryable   bool
	Attempts    int
	Cause       error
}

func (e *OrderError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *OrderError) Unwrap() error { return e.Cause }

// RecoveryAction 调用方可选择执行的补救动作
type RecoveryAction struct {
	Name  string
	Label string
	Run   func(ctx context.Context) error
}

const (
	ActionRetry          = "retry"
	ActionReconnect      = "reconnect"
	ActionReauthenticate = "reauthenticate"
	ActionCheckBalance   = "check_balance"
)

// 交易所拒单信息里代表暂时性原因的片段
var transientRejections = []string{
	"rate limit",
	"too many requests",
	"timeout",
	"timed out",
	"try again",
	"temporarily",
	"unavailable",
	"busy",
}

// 只认明确表示余额或保证金不足的措辞，单独出现 "margin" 不算
var balanceRejections = []string{
	"insufficient",
	"not enough",
}

func containsAny(s string, subs []string) bool {
	s = strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Classify 把任意阶段的错误归入固定类别
func Classify(err error) *OrderError {
	if err == nil {
		return nil
	}
	var oe *OrderError
	if errors.As(err, &oe) {
		// 调用方会改写 Attempts/Cause，返回副本
		cp := *oe
		return &cp
	}

	var ve *signing.ValidationError
	if errors.As(err, &ve) {
		return &OrderError{Kind: KindValidation, Message: ve.Message, Field: ve.Field, Cause: err}
	}
	if errors.Is(err, signing.ErrSignerMissing) || errors.Is(err, signing.ErrSignerMismatch) {
		return &OrderError{Kind: KindValidation, Message: "钱包未连接或签名账户不匹配", Field: "wallet", Cause: err}
	}
	if errors.Is(err, exchange.ErrInsufficientBalance) {
		return &OrderError{Kind: KindInsufficientBalance, Message: "可用保证金不足", Recoverable: true, Cause: err}
	}
	if errors.Is(err, auth.ErrMalformedLoginResponse) || errors.Is(err, auth.ErrAccountUnavailable) {
		return &OrderError{Kind: KindNotAuthenticated, Message: err.Error(), Recoverable: true, Cause: err}
	}
	if errors.Is(err, auth.ErrNotAuthenticated) || transport.IsRPCCode(err, transport.CodeAuthRequired) {
		return &OrderError{Kind: KindNotAuthenticated, Message: "会话无效，需要重新认证", Recoverable: true, Retryable: true, Cause: err}
	}
	if transport.IsConnectionError(err) || errors.Is(err, context.DeadlineExceeded) {
		return &OrderError{Kind: KindNetwork, Message: err.Error(), Recoverable: true, Retryable: true, Cause: err}
	}

	var rpc *transport.RPCError
	if errors.As(err, &rpc) {
		switch {
		case containsAny(rpc.Message, balanceRejections):
			return &OrderError{Kind: KindInsufficientBalance, Message: rpc.Message, Recoverable: true, Cause: err}
		case containsAny(rpc.Message, transientRejections):
			return &OrderError{Kind: KindOrderRejected, Message: rpc.Message, Recoverable: true, Retryable: true, Cause: err}
		default:
			return &OrderError{Kind: KindOrderRejected, Message: rpc.Message, Cause: err}
		}
	}
	return &OrderError{Kind: KindUnknown, Message: err.Error(), Cause: err}
}
