// Package orders 编排下单流程：校验、认证、签名、提交、推送跟踪、失败分类与自动重试。
package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"

	"github.com/betbot/derivbot/internal/auth"
	"github.com/betbot/derivbot/internal/exchange"
	"github.com/betbot/derivbot/internal/signing"
	"github.com/betbot/derivbot/internal/transport"
	"github.com/betbot/derivbot/pkg/observer"
	"github.com/betbot/derivbot/pkg/retry"
)

var log = logrus.WithField("component", "orders")

// Transport 由 transport.Manager 实现
type Transport interface {
	State() transport.State
	EnsureConnection(ctx context.Context) error
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	Subscribe(ctx context.Context, channel string, cb transport.Callback) error
	Unsubscribe(ctx context.Context, channel string) error
}

// Authenticator 由 auth.Manager 实现
type Authenticator interface {
	EnsureAuthenticated() error
	Login(ctx context.Context, id auth.Identity) (*auth.Session, error)
	OnReauthenticated(fn func()) func()
}

type InstrumentProvider interface {
	Lookup(ctx context.Context, name string) (*exchange.Instrument, error)
}

type PriceProvider interface {
	GetTicker(ctx context.Context, name string) (*exchange.Ticker, error)
}

type PortfolioRefresher interface {
	RefreshPositions(ctx context.Context, subaccountID int64) error
	RefreshBalances(ctx context.Context, subaccountID int64) error
}

type BalanceChecker interface {
	CheckBalance(ctx context.Context, subaccountID int64, required decimal.Decimal) error
}

type OrderQuerier interface {
	GetOpenOrders(ctx context.Context, subaccountID int64) ([]exchange.Order, error)
	GetOrderState(ctx context.Context, subaccountID int64, orderID string) (*exchange.Order, error)
	GetOrderHistory(ctx context.Context, subaccountID int64, page, pageSize int) ([]exchange.Order, error)
}

// Deps Transport、Auth、Engine、Instruments 必填，其余可为 nil
type Deps struct {
	Transport   Transport
	Auth        Authenticator
	Engine      *signing.Engine
	Instruments InstrumentProvider
	Prices      PriceProvider
	Portfolio   PortfolioRefresher
	Balance     BalanceChecker
	Orders      OrderQuerier
}

type Config struct {
	SignatureExpiry time.Duration
	MaxFee          decimal.Decimal
	MarketSlippage  decimal.Decimal
	Retry           retry.Policy
	// OrderChannel / TradeChannel 已替换子账户占位符的频道名
	OrderChannel      string
	TradeChannel      string
	RefreshTimeout    time.Duration
	CancelConcurrency int
	HistoryPageSize   int
	HistoryMaxPages   int
}

func DefaultConfig() Config {
	return Config{
		SignatureExpiry:   10 * time.Minute,
		MaxFee:            decimal.NewFromInt(100),
		MarketSlippage:    decimal.RequireFromString("0.05"),
		Retry:             retry.Default(),
		RefreshTimeout:    30 * time.Second,
		CancelConcurrency: 4,
		HistoryPageSize:   100,
		HistoryMaxPages:   5,
	}
}

const (
	methodCancel = "private/cancel"
)

type submission struct {
	id           string
	form         FormData
	identity     auth.Identity
	subaccountID int64
	attempt      int
	errs         []error
}

// Orchestrator 同一时刻只允许一笔提交（含其自动重试）
type Orchestrator struct {
	deps Deps
	cfg  Config

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	busy   atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	bg     conc.WaitGroup

	mu           sync.Mutex
	items        map[string]*HistoryItem
	seq          []string
	fills        map[string]*fillState
	started      bool
	removeReauth func()
	stopRetry    func() bool

	historyListeners observer.Registry[[]HistoryItem]
	stateListeners   observer.Registry[StateEvent]
	notifyListeners  observer.Registry[Notification]
}

// New 不做任何网络请求，订阅在 Start 中完成
func New(deps Deps, cfg Config) *Orchestrator {
	def := DefaultConfig()
	if cfg.SignatureExpiry <= 0 {
		cfg.SignatureExpiry = def.SignatureExpiry
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = def.Retry
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = def.RefreshTimeout
	}
	if cfg.CancelConcurrency <= 0 {
		cfg.CancelConcurrency = def.CancelConcurrency
	}
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = def.HistoryPageSize
	}
	if cfg.HistoryMaxPages <= 0 {
		cfg.HistoryMaxPages = def.HistoryMaxPages
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		items:  make(map[string]*HistoryItem),
		fills:  make(map[string]*fillState),
	}
}

func (o *Orchestrator) OnHistoryChange(fn func([]HistoryItem)) func() {
	return o.historyListeners.Add(fn)
}

func (o *Orchestrator) OnOrderState(fn func(StateEvent)) func() {
	return o.stateListeners.Add(fn)
}

func (o *Orchestrator) OnNotification(fn func(Notification)) func() {
	return o.notifyListeners.Add(fn)
}

// Start 订阅订单/成交频道，并在重连后重新认证成功时重新订阅。重复调用无效果
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.mu.Unlock()
		return nil
	}
	o.started = true
	o.mu.Unlock()

	if err := o.subscribe(ctx); err != nil {
		o.mu.Lock()
		o.started = false
		o.mu.Unlock()
		return err
	}
	remove := o.deps.Auth.OnReauthenticated(func() {
		o.bg.Go(func() {
			ctx, cancel := context.WithTimeout(o.ctx, o.cfg.RefreshTimeout)
			defer cancel()
			if err := o.subscribe(ctx); err != nil {
				log.Errorf("重连后重新订阅失败: %v", err)
				return
			}
			log.Info("重连后已重新订阅订单/成交频道")
		})
	})
	o.mu.Lock()
	o.removeReauth = remove
	o.mu.Unlock()
	return nil
}

func (o *Orchestrator) subscribe(ctx context.Context) error {
	if ch := o.cfg.OrderChannel; ch != "" {
		if err := o.deps.Transport.Subscribe(ctx, ch, o.onOrderPush); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	if ch := o.cfg.TradeChannel; ch != "" {
		if err := o.deps.Transport.Subscribe(ctx, ch, o.onTradePush); err != nil {
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}
	return nil
}

// Close 取消待执行的重试并等待后台刷新结束
func (o *Orchestrator) Close() {
	o.cancel()
	o.mu.Lock()
	if o.stopRetry != nil {
		if o.stopRetry() {
			o.busy.Store(false)
		}
		o.stopRetry = nil
	}
	remove := o.removeReauth
	o.removeReauth = nil
	o.mu.Unlock()
	if remove != nil {
		remove()
	}
	o.bg.Wait()
}

// Busy 是否有提交（含待执行的自动重试）占用提交槽
func (o *Orchestrator) Busy() bool {
	return o.busy.Load()
}

func (o *Orchestrator) emitStage(s *submission, stage Stage, orderID string) {
	o.stateListeners.Emit(StateEvent{SubmissionID: s.id, OrderID: orderID, Stage: stage, Attempt: s.attempt})
}

func (o *Orchestrator) notify(n Notification) {
	switch n.Level {
	case LevelError:
		log.Errorf("%s: %s", n.Title, n.Message)
	case LevelWarning:
		log.Warnf("%s: %s", n.Title, n.Message)
	default:
		log.Infof("%s: %s", n.Title, n.Message)
	}
	o.notifyListeners.Emit(n)
}

// SubmitOrder 提交一笔订单。校验失败通过 Errors 返回；可重试的失败会在退避后自动重提，
// 此时 RetryScheduled 为 true，最终结果通过通知送达
func (o *Orchestrator) SubmitOrder(ctx context.Context, form FormData, identity auth.Identity, subaccountID int64) SubmitResult {
	if !o.busy.CompareAndSwap(false, true) {
		return SubmitResult{Err: &OrderError{Kind: KindBusy, Message: "已有订单正在提交", Cause: ErrSubmissionInFlight}}
	}
	s := &submission{
		id:           uuid.NewString(),
		form:         form,
		identity:     identity,
		subaccountID: subaccountID,
		attempt:      1,
	}
	o.emitStage(s, StageCreated, "")
	res := o.run(ctx, s)
	if !res.RetryScheduled {
		o.busy.Store(false)
	}
	return res
}

type validated struct {
	inst         *exchange.Instrument
	direction    signing.Direction
	orderType    signing.OrderType
	tif          signing.TimeInForce
	amount       decimal.Decimal
	price        decimal.Decimal
	maxFee       decimal.Decimal
	subaccountID int64
	mmp          bool
	reduceOnly   bool
	label        string
}

func (o *Orchestrator) run(ctx context.Context, s *submission) SubmitResult {
	res := SubmitResult{SubmissionID: s.id}

	o.emitStage(s, StageValidating, "")
	v, fieldErrs, warnings, err := o.validate(ctx, s)
	res.Warnings = warnings
	if err != nil {
		return o.fail(s, res, err)
	}
	if len(fieldErrs) > 0 {
		res.Errors = fieldErrs
		res.Err = &OrderError{Kind: KindValidation, Field: firstField(fieldErrs), Message: joinFieldErrors(fieldErrs), Attempts: s.attempt}
		o.emitStage(s, StageRejectedLocally, "")
		o.notify(Notification{Level: LevelError, Title: "订单校验失败", Message: res.Err.Message, Err: res.Err})
		return res
	}
	for _, w := range warnings {
		o.notify(Notification{Level: LevelWarning, Title: "下单提醒", Message: w})
	}

	o.emitStage(s, StageAuthenticating, "")
	if err := o.ensureAuth(ctx, s.identity); err != nil {
		return o.fail(s, res, err)
	}

	o.emitStage(s, StageSigning, "")
	signed, err := o.sign(v, s.identity)
	if err != nil {
		return o.fail(s, res, err)
	}

	o.emitStage(s, StageSubmitting, "")
	raw, err := o.deps.Transport.SendRequest(ctx, signed.Method(), signed.RequestParams())
	if err != nil {
		return o.fail(s, res, err)
	}
	ups, trades, err := decodeOrderUpdates(raw)
	if err != nil {
		return o.fail(s, res, fmt.Errorf("%w: %v", ErrMissingOrderID, err))
	}
	if len(ups) == 0 {
		return o.fail(s, res, fmt.Errorf("%w: empty order list", ErrMissingOrderID))
	}

	// 先发出“已提交”，响应里若已带终态，成交/拒绝通知排在其后
	orderID := ups[0].OrderID
	o.emitStage(s, StagePending, orderID)
	log.Infof("订单已提交 id=%s %s %s %s@%s 第 %d 次尝试", orderID, v.inst.InstrumentName, v.direction, v.amount, v.price, s.attempt)
	o.notify(Notification{
		Level:   LevelInfo,
		Title:   "订单已提交",
		Message: fmt.Sprintf("%s %s %s @ %s", v.inst.InstrumentName, v.direction, v.amount, v.price),
		OrderID: orderID,
	})
	o.record(v, ups[0], trades)

	res.Success = true
	res.OrderID = orderID
	return res
}

// validate 先做本地检查，本地检查失败时不发起任何网络请求
func (o *Orchestrator) validate(ctx context.Context, s *submission) (*validated, map[string]string, []string, error) {
	form := s.form
	errs := map[string]string{}
	v := &validated{
		direction:  signing.Direction(strings.ToLower(string(form.Direction))),
		orderType:  signing.OrderType(strings.ToLower(string(form.OrderType))),
		tif:        form.TimeInForce,
		mmp:        form.MMP,
		reduceOnly: form.ReduceOnly,
		label:      strings.TrimSpace(form.Label),
	}
	if v.orderType == "" {
		v.orderType = signing.Limit
	}
	if v.tif == "" {
		v.tif = signing.GTC
		if v.orderType == signing.Market {
			v.tif = signing.IOC
		}
	}

	name := strings.TrimSpace(form.Instrument)
	if name == "" {
		errs["instrument"] = "请选择合约"
	}
	if v.direction != signing.Buy && v.direction != signing.Sell {
		errs["direction"] = "方向必须是 buy 或 sell"
	}
	if v.orderType != signing.Limit && v.orderType != signing.Market {
		errs["orderType"] = "订单类型必须是 limit 或 market"
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(form.Amount))
	if err != nil {
		errs["size"] = "数量格式错误"
	} else if err := o.deps.Engine.ValidateSize(amount); err != nil {
		errs["size"] = fieldMessage(err)
	}
	v.amount = amount

	if raw := strings.TrimSpace(form.Price); raw != "" {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			errs["price"] = "价格格式错误"
		} else if err := o.deps.Engine.ValidatePrice(price); err != nil {
			errs["price"] = fieldMessage(err)
		}
		v.price = price
	} else if v.orderType == signing.Limit {
		errs["price"] = "限价单必须填写价格"
	}

	v.maxFee = o.cfg.MaxFee
	if raw := strings.TrimSpace(form.MaxFee); raw != "" {
		fee, err := decimal.NewFromString(raw)
		if err != nil || fee.IsNegative() {
			errs["maxFee"] = "最大手续费必须是非负数"
		}
		v.maxFee = fee
	}

	v.subaccountID = s.subaccountID
	if v.subaccountID == 0 {
		v.subaccountID = s.identity.SubaccountID
	}
	if v.subaccountID <= 0 {
		errs["subaccount"] = "未选择子账户"
	}
	if s.identity.Signer == nil {
		errs["wallet"] = "钱包未连接"
	}
	if len(errs) > 0 {
		return nil, errs, nil, nil
	}

	if o.deps.Transport.State() != transport.Ready {
		if err := o.deps.Transport.EnsureConnection(ctx); err != nil {
			return nil, nil, nil, err
		}
	}

	inst, err := o.deps.Instruments.Lookup(ctx, name)
	if err != nil {
		if transport.IsConnectionError(err) {
			return nil, nil, nil, err
		}
		errs["instrument"] = fmt.Sprintf("合约不可用: %v", err)
		return nil, errs, nil, nil
	}
	v.inst = inst

	if inst.MinimumAmount.IsPositive() && v.amount.LessThan(inst.MinimumAmount) {
		errs["size"] = fmt.Sprintf("数量低于合约最小下单量 %s", inst.MinimumAmount)
	} else if inst.MaximumAmount.IsPositive() && v.amount.GreaterThan(inst.MaximumAmount) {
		errs["size"] = fmt.Sprintf("数量高于合约最大下单量 %s", inst.MaximumAmount)
	} else if inst.AmountStep.IsPositive() && !v.amount.Mod(inst.AmountStep).IsZero() {
		errs["size"] = fmt.Sprintf("数量必须是 %s 的整数倍", inst.AmountStep)
	}

	if v.price.IsZero() {
		price, err := o.marketPrice(ctx, inst, v.direction)
		if err != nil {
			if transport.IsConnectionError(err) {
				return nil, nil, nil, err
			}
			errs["price"] = fmt.Sprintf("无法获取参考价格: %v", err)
		}
		v.price = price
	} else if inst.TickSize.IsPositive() && !v.price.Mod(inst.TickSize).IsZero() {
		errs["price"] = fmt.Sprintf("价格必须是 %s 的整数倍", inst.TickSize)
	}
	if len(errs) > 0 {
		return nil, errs, nil, nil
	}

	var warnings []string
	if o.deps.Balance != nil {
		required := v.amount.Mul(v.price)
		if err := o.deps.Balance.CheckBalance(ctx, v.subaccountID, required); err != nil {
			if errors.Is(err, exchange.ErrInsufficientBalance) {
				warnings = append(warnings, fmt.Sprintf("可用保证金可能不足: %v", err))
			} else {
				warnings = append(warnings, fmt.Sprintf("余额检查失败: %v", err))
			}
		}
	}
	return v, nil, warnings, nil
}

// marketPrice 市价单的保护价：标记价按滑点上浮（买）或下调（卖），并对齐 tick
func (o *Orchestrator) marketPrice(ctx context.Context, inst *exchange.Instrument, dir signing.Direction) (decimal.Decimal, error) {
	if o.deps.Prices == nil {
		return decimal.Zero, errors.New("no price source for market orders")
	}
	t, err := o.deps.Prices.GetTicker(ctx, inst.InstrumentName)
	if err != nil {
		return decimal.Zero, err
	}
	ref := t.MarkPrice
	if !ref.IsPositive() {
		return decimal.Zero, errors.New("ticker has no mark price")
	}
	one := decimal.NewFromInt(1)
	var price decimal.Decimal
	if dir == signing.Buy {
		price = ref.Mul(one.Add(o.cfg.MarketSlippage))
	} else {
		price = ref.Mul(one.Sub(o.cfg.MarketSlippage))
	}
	if tick := inst.TickSize; tick.IsPositive() {
		steps := price.Div(tick)
		if dir == signing.Buy {
			steps = steps.Ceil()
		} else {
			steps = steps.Floor()
		}
		price = steps.Mul(tick)
	}
	if !price.IsPositive() {
		return decimal.Zero, errors.New("computed market price is not positive")
	}
	return price, nil
}

func (o *Orchestrator) ensureAuth(ctx context.Context, id auth.Identity) error {
	if err := o.deps.Auth.EnsureAuthenticated(); err == nil {
		return nil
	}
	_, err := o.deps.Auth.Login(ctx, id)
	return err
}

func (o *Orchestrator) sign(v *validated, id auth.Identity) (*signing.SignedOrder, error) {
	asset, err := v.inst.AssetAddress()
	if err != nil {
		return nil, err
	}
	subID, err := v.inst.SubID()
	if err != nil {
		return nil, err
	}
	now := o.now()
	p := signing.OrderParams{
		InstrumentName:     v.inst.InstrumentName,
		AssetAddress:       asset,
		SubID:              subID,
		SubaccountID:       v.subaccountID,
		Direction:          v.direction,
		OrderType:          v.orderType,
		TimeInForce:        v.tif,
		LimitPrice:         v.price,
		Amount:             v.amount,
		MaxFee:             v.maxFee,
		SignatureExpirySec: now.Add(o.cfg.SignatureExpiry).Unix(),
		Nonce:              signing.NewNonce(now),
		Owner:              id.Wallet,
		MMP:                v.mmp,
		ReduceOnly:         v.reduceOnly,
		Label:              v.label,
	}
	return o.deps.Engine.Sign(p, id.Signer)
}
