package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/betbot/derivbot/internal/exchange"
)

var errNoQuerier = errors.New("orders: order query API not configured")

func fromExchange(e exchange.Order) orderUpdate {
	return orderUpdate{
		OrderID:      e.OrderID,
		Instrument:   e.InstrumentName,
		Direction:    e.Direction,
		OrderType:    e.OrderType,
		Status:       NormalizeStatus(e.OrderStatus),
		SubaccountID: e.SubaccountID,
		Amount:       decimal.NewNullDecimal(e.Amount),
		Price:        decimal.NewNullDecimal(e.LimitPrice),
		Filled:       decimal.NewNullDecimal(e.FilledAmount),
		AvgPrice:     decimal.NewNullDecimal(e.AveragePrice),
		Fee:          decimal.NewNullDecimal(e.OrderFee),
		CreatedAt:    millis(e.CreationTimestamp),
		UpdatedAt:    millis(e.LastUpdateTimestamp),
	}
}

// SyncOpenOrders 把交易所当前挂单合并进本地记录，返回合并条数
func (o *Orchestrator) SyncOpenOrders(ctx context.Context, subaccountID int64) (int, error) {
	if o.deps.Orders == nil {
		return 0, errNoQuerier
	}
	list, err := o.deps.Orders.GetOpenOrders(ctx, subaccountID)
	if err != nil {
		return 0, fmt.Errorf("sync open orders: %w", err)
	}
	for _, e := range list {
		if e.OrderID == "" {
			continue
		}
		o.seedOrder(fromExchange(e))
	}
	return len(list), nil
}

// RefreshOrder 主动查询单个本地订单的最新状态
func (o *Orchestrator) RefreshOrder(ctx context.Context, orderID string) (HistoryItem, error) {
	if o.deps.Orders == nil {
		return HistoryItem{}, errNoQuerier
	}
	item, ok := o.Order(orderID)
	if !ok {
		return HistoryItem{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	e, err := o.deps.Orders.GetOrderState(ctx, item.SubaccountID, orderID)
	if err != nil {
		return item, fmt.Errorf("refresh order %s: %w", orderID, err)
	}
	if e.OrderID == "" {
		e.OrderID = orderID
	}
	o.applyOrder(fromExchange(*e))
	item, _ = o.Order(orderID)
	return item, nil
}

// LoadHistory 分页拉取历史订单合并进本地记录，最多 HistoryMaxPages 页
func (o *Orchestrator) LoadHistory(ctx context.Context, subaccountID int64) (int, error) {
	if o.deps.Orders == nil {
		return 0, errNoQuerier
	}
	total := 0
	for page := 1; page <= o.cfg.HistoryMaxPages; page++ {
		list, err := o.deps.Orders.GetOrderHistory(ctx, subaccountID, page, o.cfg.HistoryPageSize)
		if err != nil {
			return total, fmt.Errorf("load order history page %d: %w", page, err)
		}
		for _, e := range list {
			if e.OrderID == "" {
				continue
			}
			o.seedOrder(fromExchange(e))
			total++
		}
		if len(list) < o.cfg.HistoryPageSize {
			break
		}
	}
	log.Infof("已加载 %d 条历史订单 subaccount=%d", total, subaccountID)
	return total, nil
}
