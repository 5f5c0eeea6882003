// Package exchange 封装本客户端用到的交易所请求方法。
package exchange

import (
	"context"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// Requester 请求/响应通道
type Requester interface {
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
}

var ErrEmptyResult = errors.New("exchange: empty result")

type API struct {
	conn Requester
}

func NewAPI(conn Requester) *API {
	return &API{conn: conn}
}

func (a *API) call(ctx context.Context, method string, params any, out any) error {
	raw, err := a.conn.SendRequest(ctx, method, params)
	if err != nil {
		return errors.Wrapf(err, "%s", method)
	}
	if len(raw) == 0 || string(raw) == "null" {
		return errors.Wrapf(ErrEmptyResult, "%s", method)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrapf(err, "decode %s", method)
	}
	return nil
}

// GetInstruments public/get_instruments
func (a *API) GetInstruments(ctx context.Context, currency, kind string, expired bool) ([]Instrument, error) {
	var out []Instrument
	err := a.call(ctx, "public/get_instruments", map[string]any{
		"currency":        currency,
		"instrument_type": kind,
		"expired":         expired,
	}, &out)
	return out, err
}

// GetInstrument public/get_instrument
func (a *API) GetInstrument(ctx context.Context, name string) (*Instrument, error) {
	var out Instrument
	if err := a.call(ctx, "public/get_instrument", map[string]any{"instrument_name": name}, &out); err != nil {
		return nil, err
	}
	if out.InstrumentName == "" {
		return nil, errors.Wrapf(ErrEmptyResult, "instrument %s", name)
	}
	return &out, nil
}

// GetTicker public/get_ticker
func (a *API) GetTicker(ctx context.Context, name string) (*Ticker, error) {
	var out Ticker
	if err := a.call(ctx, "public/get_ticker", map[string]any{"instrument_name": name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetStatistics public/statistics
func (a *API) GetStatistics(ctx context.Context, name string) (*Statistics, error) {
	var out Statistics
	if err := a.call(ctx, "public/statistics", map[string]any{"instrument_name": name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSubaccounts private/get_subaccounts，返回钱包下的子账户 id
func (a *API) GetSubaccounts(ctx context.Context, wallet string) ([]int64, error) {
	var out struct {
		SubaccountIDs []int64 `json:"subaccount_ids"`
	}
	if err := a.call(ctx, "private/get_subaccounts", map[string]any{"wallet": wallet}, &out); err != nil {
		return nil, err
	}
	return out.SubaccountIDs, nil
}

// GetAccountSummary private/get_account_summary
func (a *API) GetAccountSummary(ctx context.Context, subaccountID int64) (*AccountSummary, error) {
	var out AccountSummary
	if err := a.call(ctx, "private/get_account_summary", map[string]any{"subaccount_id": subaccountID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPositions private/get_positions
func (a *API) GetPositions(ctx context.Context, subaccountID int64) ([]Position, error) {
	var out struct {
		Positions []Position `json:"positions"`
	}
	if err := a.call(ctx, "private/get_positions", map[string]any{"subaccount_id": subaccountID}, &out); err != nil {
		return nil, err
	}
	return out.Positions, nil
}

// GetOpenOrders private/get_open_orders
func (a *API) GetOpenOrders(ctx context.Context, subaccountID int64) ([]Order, error) {
	var out struct {
		Orders []Order `json:"orders"`
	}
	if err := a.call(ctx, "private/get_open_orders", map[string]any{"subaccount_id": subaccountID}, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// GetOrderState private/get_order_state，兼容 {order: {...}} 与平铺两种结果
func (a *API) GetOrderState(ctx context.Context, subaccountID int64, orderID string) (*Order, error) {
	var raw json.RawMessage
	if err := a.call(ctx, "private/get_order_state", map[string]any{
		"subaccount_id": subaccountID,
		"order_id":      orderID,
	}, &raw); err != nil {
		return nil, err
	}

	var wrapped struct {
		Order *Order `json:"order"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Order != nil {
		return wrapped.Order, nil
	}
	var o Order
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, errors.Wrap(err, "decode private/get_order_state")
	}
	if o.OrderID == "" {
		return nil, errors.Wrapf(ErrEmptyResult, "order %s", orderID)
	}
	return &o, nil
}

// GetOrderHistory private/get_order_history
func (a *API) GetOrderHistory(ctx context.Context, subaccountID int64, page, pageSize int) ([]Order, error) {
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	var out struct {
		Orders []Order `json:"orders"`
	}
	if err := a.call(ctx, "private/get_order_history", map[string]any{
		"subaccount_id": subaccountID,
		"page":          page,
		"page_size":     pageSize,
	}, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}
