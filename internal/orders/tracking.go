package orders

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/betbot/derivbot/internal/signing"
)

func (o *Orchestrator) onOrderPush(data json.RawMessage) {
	ups, trades, err := decodeOrderUpdates(data)
	if err != nil {
		log.Warnf("忽略订单推送: %v", err)
		return
	}
	for _, u := range ups {
		o.applyOrder(u)
	}
	for _, t := range trades {
		o.applyTrade(t)
	}
}

func (o *Orchestrator) onTradePush(data json.RawMessage) {
	trades, err := decodeTradeUpdates(data)
	if err != nil {
		log.Warnf("忽略成交推送: %v", err)
		return
	}
	for _, t := range trades {
		o.applyTrade(t)
	}
}

// record 提交成功后以 pending 建档，再合并响应中携带的订单状态与成交
func (o *Orchestrator) record(v *validated, resp orderUpdate, trades []tradeUpdate) {
	o.applyOrder(orderUpdate{
		OrderID:      resp.OrderID,
		Instrument:   v.inst.InstrumentName,
		Direction:    string(v.direction),
		OrderType:    string(v.orderType),
		Status:       StatusPending,
		SubaccountID: v.subaccountID,
		Amount:       decimal.NewNullDecimal(v.amount),
		Price:        decimal.NewNullDecimal(v.price),
		CreatedAt:    o.now(),
	})
	resp.Instrument, resp.Direction, resp.OrderType = "", "", ""
	if resp.Status != "" || resp.Filled.Valid || resp.AvgPrice.Valid || resp.Fee.Valid {
		o.applyOrder(resp)
	}
	for _, t := range trades {
		o.applyTrade(t)
	}
}

// itemLocked 取出或新建订单记录
func (o *Orchestrator) itemLocked(id string) (*HistoryItem, bool) {
	if item, ok := o.items[id]; ok {
		return item, true
	}
	now := o.now()
	item := &HistoryItem{OrderID: id, CreatedAt: now, UpdatedAt: now}
	o.items[id] = item
	o.seq = append(o.seq, id)
	return item, false
}

// fillState 一个订单的两路成交来源：订单推送里的累计值，以及按 trade id 去重后的成交明细合计。
// 两者描述同一批成交，取较大者而不是相加
type fillState struct {
	seen map[string]struct{}

	reported    decimal.Decimal
	reportedAvg decimal.NullDecimal
	reportedFee decimal.Decimal

	traded   decimal.Decimal
	notional decimal.Decimal
	tradeFee decimal.Decimal
}

func (o *Orchestrator) fillLocked(orderID string) *fillState {
	f := o.fills[orderID]
	if f == nil {
		f = &fillState{seen: make(map[string]struct{})}
		o.fills[orderID] = f
	}
	return f
}

// report 记录订单推送里的累计成交；乱序到达的较小累计值不会覆盖较大值
func (f *fillState) report(u orderUpdate) {
	if u.Filled.Valid && u.Filled.Decimal.GreaterThanOrEqual(f.reported) {
		f.reported = u.Filled.Decimal
		if u.AvgPrice.Valid {
			f.reportedAvg = u.AvgPrice
		}
	} else if u.AvgPrice.Valid && !u.Filled.Valid {
		f.reportedAvg = u.AvgPrice
	}
	if u.Fee.Valid && u.Fee.Decimal.GreaterThan(f.reportedFee) {
		f.reportedFee = u.Fee.Decimal
	}
}

// trade 累计一笔成交明细，重复的 trade id 返回 false
func (f *fillState) trade(t tradeUpdate) bool {
	if t.TradeID != "" {
		if _, dup := f.seen[t.TradeID]; dup {
			return false
		}
		f.seen[t.TradeID] = struct{}{}
	}
	f.traded = f.traded.Add(t.Amount)
	f.notional = f.notional.Add(t.Price.Mul(t.Amount))
	f.tradeFee = f.tradeFee.Add(t.Fee)
	return true
}

// apply 以覆盖面更大的一路为准写回成交量、均价与手续费，成交量不超过下单量
func (f *fillState) apply(item *HistoryItem) {
	filled := f.reported
	avg := item.AveragePrice
	if f.reportedAvg.Valid {
		avg = f.reportedAvg.Decimal
	}
	if f.traded.GreaterThan(filled) {
		filled = f.traded
		avg = f.notional.Div(f.traded)
	} else if !f.reportedAvg.Valid && f.traded.IsPositive() {
		avg = f.notional.Div(f.traded)
	}
	if item.Amount.IsPositive() && filled.GreaterThan(item.Amount) {
		filled = item.Amount
	}
	item.FilledAmount = filled
	item.AveragePrice = avg
	item.Fee = decimal.Max(f.reportedFee, f.tradeFee)
}

func mergeOrder(item *HistoryItem, u orderUpdate) {
	if u.Instrument != "" {
		item.Instrument = u.Instrument
	}
	if u.Direction != "" {
		item.Direction = signing.Direction(strings.ToLower(u.Direction))
	}
	if u.OrderType != "" {
		item.OrderType = signing.OrderType(strings.ToLower(u.OrderType))
	}
	if u.SubaccountID != 0 {
		item.SubaccountID = u.SubaccountID
	}
	if u.Amount.Valid {
		item.Amount = u.Amount.Decimal
	}
	if u.Price.Valid {
		item.Price = u.Price.Decimal
	}
	if !u.CreatedAt.IsZero() {
		item.CreatedAt = u.CreatedAt
	}
	if u.Status != "" {
		advance(item, u.Status)
	}
}

// advance 终态不可改；非终态只允许前进
func advance(item *HistoryItem, next Status) {
	cur := item.Status
	if cur == "" {
		item.Status = next
		return
	}
	if cur.Terminal() {
		if next != cur {
			log.Debugf("订单 %s 已是终态 %s，忽略 %s", item.OrderID, cur, next)
		}
		return
	}
	if next.rank() < cur.rank() {
		log.Debugf("订单 %s 忽略回退状态 %s -> %s", item.OrderID, cur, next)
		return
	}
	item.Status = next
}

// settleFillStatus 按成交量推导 open / partially_filled / filled
func settleFillStatus(item *HistoryItem) {
	if item.Status.Terminal() || item.Status == StatusCancelling || !item.FilledAmount.IsPositive() {
		return
	}
	if item.Amount.IsPositive() && item.FilledAmount.GreaterThanOrEqual(item.Amount) {
		advance(item, StatusFilled)
		return
	}
	advance(item, StatusPartiallyFilled)
}

func (o *Orchestrator) applyOrder(u orderUpdate) {
	o.mergeUpdate(u, true)
}

// seedOrder 用于同步/历史加载：新建的记录不触发状态通知
func (o *Orchestrator) seedOrder(u orderUpdate) {
	o.mergeUpdate(u, false)
}

func (o *Orchestrator) mergeUpdate(u orderUpdate, announce bool) {
	o.mu.Lock()
	item, _ := o.itemLocked(u.OrderID)
	prev := item.Status
	mergeOrder(item, u)
	fill := o.fillLocked(u.OrderID)
	fill.report(u)
	fill.apply(item)
	if item.Status == "" {
		item.Status = StatusOpen
	}
	if u.Status == "" || u.Status == StatusOpen {
		settleFillStatus(item)
	}
	item.UpdatedAt = o.now()
	if !u.UpdatedAt.IsZero() {
		item.UpdatedAt = u.UpdatedAt
	}
	snapshot, current := o.historyLocked(), *item
	o.mu.Unlock()

	o.historyListeners.Emit(snapshot)
	if current.Status != prev && (announce || prev != "") {
		o.statusChanged(current, prev)
	}
}

// applyTrade 按 trade id 去重后并入成交明细，再与订单推送的累计值对账
func (o *Orchestrator) applyTrade(t tradeUpdate) {
	o.mu.Lock()
	if !o.fillLocked(t.OrderID).trade(t) {
		o.mu.Unlock()
		return
	}

	item, _ := o.itemLocked(t.OrderID)
	prev := item.Status
	if item.Instrument == "" {
		item.Instrument = t.Instrument
	}
	if item.Direction == "" && t.Direction != "" {
		item.Direction = signing.Direction(strings.ToLower(t.Direction))
	}
	if item.Status == "" {
		item.Status = StatusOpen
	}
	o.fills[t.OrderID].apply(item)
	settleFillStatus(item)
	item.UpdatedAt = o.now()
	if !t.At.IsZero() {
		item.UpdatedAt = t.At
	}
	snapshot, current := o.historyLocked(), *item
	o.mu.Unlock()

	o.historyListeners.Emit(snapshot)
	if current.Status != prev {
		o.statusChanged(current, prev)
	}
}

func (o *Orchestrator) statusChanged(item HistoryItem, prev Status) {
	log.Infof("订单 %s 状态 %s -> %s", item.OrderID, displayStatus(prev), item.Status)
	if stage, ok := stageForStatus(item.Status); ok {
		o.stateListeners.Emit(StateEvent{OrderID: item.OrderID, Stage: stage})
	}
	if !item.Status.Terminal() {
		return
	}
	o.refreshPortfolio(item.SubaccountID)
	o.notify(terminalNotification(item))
}

func displayStatus(s Status) string {
	if s == "" {
		return "-"
	}
	return string(s)
}

func terminalNotification(item HistoryItem) Notification {
	desc := fmt.Sprintf("%s %s %s", item.Instrument, item.Direction, item.Amount)
	n := Notification{OrderID: item.OrderID}
	switch item.Status {
	case StatusFilled, StatusCompleted:
		n.Level, n.Title = LevelSuccess, "订单已成交"
		n.Message = fmt.Sprintf("%s 成交 %s，均价 %s", desc, item.FilledAmount, item.AveragePrice)
	case StatusCancelled:
		n.Level, n.Title = LevelInfo, "订单已撤销"
		n.Message = fmt.Sprintf("%s 已成交 %s", desc, item.FilledAmount)
	case StatusRejected:
		n.Level, n.Title = LevelError, "订单被拒绝"
		n.Message = desc
	default:
		n.Level, n.Title = LevelWarning, "订单已过期"
		n.Message = desc
	}
	return n
}

// refreshPortfolio 终态后尽力刷新持仓与余额，失败只记日志
func (o *Orchestrator) refreshPortfolio(subaccountID int64) {
	if o.deps.Portfolio == nil || subaccountID <= 0 || o.ctx.Err() != nil {
		return
	}
	o.bg.Go(func() {
		ctx, cancel := context.WithTimeout(o.ctx, o.cfg.RefreshTimeout)
		defer cancel()
		if err := o.deps.Portfolio.RefreshPositions(ctx, subaccountID); err != nil {
			log.Warnf("刷新持仓失败 subaccount=%d: %v", subaccountID, err)
		}
		if err := o.deps.Portfolio.RefreshBalances(ctx, subaccountID); err != nil {
			log.Warnf("刷新余额失败 subaccount=%d: %v", subaccountID, err)
		}
	})
}

// historyLocked 最新的订单在前
func (o *Orchestrator) historyLocked() []HistoryItem {
	out := make([]HistoryItem, 0, len(o.seq))
	for i := len(o.seq) - 1; i >= 0; i-- {
		out = append(out, *o.items[o.seq[i]])
	}
	return out
}

func (o *Orchestrator) History() []HistoryItem {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.historyLocked()
}

func (o *Orchestrator) Order(orderID string) (HistoryItem, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	item, ok := o.items[orderID]
	if !ok {
		return HistoryItem{}, false
	}
	return *item, true
}

// ClearHistory 清空本地订单记录
func (o *Orchestrator) ClearHistory() {
	o.mu.Lock()
	o.items = make(map[string]*HistoryItem)
	o.fills = make(map[string]*fillState)
	o.seq = nil
	o.mu.Unlock()
	o.historyListeners.Emit([]HistoryItem{})
}
