package orders

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/derivbot/internal/signing"
)

// Status 订单状态（交易所语义，外加本地的 pending / cancelling）
type Status string

const (
	StatusPending         Status = "pending"
	StatusOpen            Status = "open"
	StatusPartiallyFilled Status = "partially_filled"
	StatusCancelling      Status = "cancelling"
	StatusFilled          Status = "filled"
	StatusCompleted       Status = "completed"
	StatusCancelled       Status = "cancelled"
	StatusRejected        Status = "rejected"
	StatusExpired         Status = "expired"
)

// NormalizeStatus 统一大小写与常见拼写变体
func NormalizeStatus(raw string) Status {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "canceled":
		return StatusCancelled
	case "partial_filled", "partiallyfilled", "partially-filled", "partial":
		return StatusPartiallyFilled
	case "new", "untriggered", "active":
		return StatusOpen
	case "canceling":
		return StatusCancelling
	}
	return Status(s)
}

func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCompleted, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Cancellable 本地状态允许发起撤单
func (s Status) Cancellable() bool {
	switch s {
	case StatusPending, StatusOpen, StatusPartiallyFilled:
		return true
	}
	return false
}

// rank 用于防止乱序推送把状态往回改
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusOpen:
		return 1
	case StatusPartiallyFilled:
		return 2
	case StatusCancelling:
		return 3
	}
	if s.Terminal() {
		return 4
	}
	return 1
}

// HistoryItem 本地订单记录，按 OrderID 唯一
type HistoryItem struct {
	OrderID      string
	Instrument   string
	Direction    signing.Direction
	Amount       decimal.Decimal
	Price        decimal.Decimal
	OrderType    signing.OrderType
	Status       Status
	FilledAmount decimal.Decimal
	AveragePrice decimal.Decimal
	Fee          decimal.Decimal
	SubaccountID int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FormData 下单表单输入，数值字段保持原始字符串以便逐字段报错
type FormData struct {
	Instrument  string
	Direction   signing.Direction
	OrderType   signing.OrderType
	TimeInForce signing.TimeInForce
	Amount      string
	Price       string
	MaxFee      string
	ReduceOnly  bool
	MMP         bool
	Label       string
}

// Stage 单次提交的生命周期
type Stage string

const (
	StageCreated         Stage = "created"
	StageValidating      Stage = "validating"
	StageRejectedLocally Stage = "rejected_locally"
	StageAuthenticating  Stage = "authenticating"
	StageSigning         Stage = "signing"
	StageSubmitting      Stage = "submitting"
	StagePending         Stage = "pending"
	StagePartiallyFilled Stage = "partially_filled"
	StageFilled          Stage = "filled"
	StageCancelled       Stage = "cancelled"
	StageRejected        Stage = "rejected"
	StageExpired         Stage = "expired"
	StageFailed          Stage = "failed"
)

func stageForStatus(s Status) (Stage, bool) {
	switch s {
	case StatusPartiallyFilled:
		return StagePartiallyFilled, true
	case StatusFilled, StatusCompleted:
		return StageFilled, true
	case StatusCancelled:
		return StageCancelled, true
	case StatusRejected:
		return StageRejected, true
	case StatusExpired:
		return StageExpired, true
	}
	return "", false
}

// StateEvent 订单状态事件。提交阶段 SubmissionID 有值，推送阶段 OrderID 有值
type StateEvent struct {
	SubmissionID string
	OrderID      string
	Stage        Stage
	Attempt      int
}

// SubmitResult 提交结果。校验失败时 Errors 按字段给出原因
type SubmitResult struct {
	Success        bool
	SubmissionID   string
	OrderID        string
	Errors         map[string]string
	Warnings       []string
	Err            *OrderError
	RetryScheduled bool
}

type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notification 面向用户的通知
type Notification struct {
	Level   Level
	Title   string
	Message string
	OrderID string
	Err     *OrderError
	Actions []RecoveryAction
}

// CancelResult 批量撤单的单项结果
type CancelResult struct {
	OrderID string
	Err     error
}
