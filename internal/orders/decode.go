package orders

import (
	"bytes"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// 订单频道接受的 data 形态：
//
//	A. 单个订单对象，含 order_id 或 orderId
//	B. A 的数组
//	C. {"orders": [A, ...]}
//	D. {"order": A}，可同时带 "trades": [T, ...]（下单响应）
//
// 成交频道接受的 data 形态：
//
//	T. 单个成交对象，含 trade_id/tradeId 与 order_id/orderId
//	U. T 的数组
//	V. {"trades": [T, ...]}
//
// 其余形态（包括缺少 id 的对象）一律返回 ErrUnparsedUpdate。

// orderUpdate 解码后的订单更新，未出现的字段保持零值且 has* 为 false
type orderUpdate struct {
	OrderID      string
	Instrument   string
	Direction    string
	OrderType    string
	Status       Status
	SubaccountID int64
	Amount       decimal.NullDecimal
	Price        decimal.NullDecimal
	Filled       decimal.NullDecimal
	AvgPrice     decimal.NullDecimal
	Fee          decimal.NullDecimal
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type tradeUpdate struct {
	TradeID    string
	OrderID    string
	Instrument string
	Direction  string
	Amount     decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	At         time.Time
}

// rawOrder 同时接受 snake_case 与 camelCase 字段名
type rawOrder struct {
	OrderID        string              `json:"order_id"`
	OrderIDCamel   string              `json:"orderId"`
	Instrument     string              `json:"instrument_name"`
	InstrumentAlt  string              `json:"instrument"`
	Direction      string              `json:"direction"`
	Side           string              `json:"side"`
	OrderType      string              `json:"order_type"`
	OrderTypeCamel string              `json:"orderType"`
	OrderStatus    string              `json:"order_status"`
	Status         string              `json:"status"`
	SubaccountID   int64               `json:"subaccount_id"`
	SubaccountAlt  int64               `json:"subaccountId"`
	Amount         decimal.NullDecimal `json:"amount"`
	LimitPrice     decimal.NullDecimal `json:"limit_price"`
	Price          decimal.NullDecimal `json:"price"`
	Filled         decimal.NullDecimal `json:"filled_amount"`
	FilledCamel    decimal.NullDecimal `json:"filledAmount"`
	AvgPrice       decimal.NullDecimal `json:"average_price"`
	AvgPriceCamel  decimal.NullDecimal `json:"averagePrice"`
	Fee            decimal.NullDecimal `json:"order_fee"`
	FeeAlt         decimal.NullDecimal `json:"fee"`
	Created        int64               `json:"creation_timestamp"`
	CreatedCamel   int64               `json:"createdAt"`
	Updated        int64               `json:"last_update_timestamp"`
	UpdatedCamel   int64               `json:"updatedAt"`
}

type rawTrade struct {
	TradeID       string          `json:"trade_id"`
	TradeIDCamel  string          `json:"tradeId"`
	OrderID       string          `json:"order_id"`
	OrderIDCamel  string          `json:"orderId"`
	Instrument    string          `json:"instrument_name"`
	InstrumentAlt string          `json:"instrument"`
	Direction     string          `json:"direction"`
	Side          string          `json:"side"`
	TradeAmount   decimal.Decimal `json:"trade_amount"`
	Amount        decimal.Decimal `json:"amount"`
	TradePrice    decimal.Decimal `json:"trade_price"`
	Price         decimal.Decimal `json:"price"`
	TradeFee      decimal.Decimal `json:"trade_fee"`
	Fee           decimal.Decimal `json:"fee"`
	Timestamp     int64           `json:"timestamp"`
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNull(vals ...decimal.NullDecimal) decimal.NullDecimal {
	for _, v := range vals {
		if v.Valid {
			return v
		}
	}
	return decimal.NullDecimal{}
}

func firstNonZero(vals ...decimal.Decimal) decimal.Decimal {
	for _, v := range vals {
		if !v.IsZero() {
			return v
		}
	}
	return decimal.Zero
}

func firstInt(vals ...int64) int64 {
	for _, v := range vals {
		if v != 0 {
			return v
		}
	}
	return 0
}

// millis 毫秒时间戳；秒级时间戳按秒处理
func millis(v int64) time.Time {
	switch {
	case v <= 0:
		return time.Time{}
	case v < 1e12:
		return time.Unix(v, 0)
	default:
		return time.UnixMilli(v)
	}
}

func (r rawOrder) update() (orderUpdate, bool) {
	id := firstString(r.OrderID, r.OrderIDCamel)
	if id == "" {
		return orderUpdate{}, false
	}
	u := orderUpdate{
		OrderID:      id,
		Instrument:   firstString(r.Instrument, r.InstrumentAlt),
		Direction:    firstString(r.Direction, r.Side),
		OrderType:    firstString(r.OrderType, r.OrderTypeCamel),
		SubaccountID: firstInt(r.SubaccountID, r.SubaccountAlt),
		Amount:       r.Amount,
		Price:        firstNull(r.LimitPrice, r.Price),
		Filled:       firstNull(r.Filled, r.FilledCamel),
		AvgPrice:     firstNull(r.AvgPrice, r.AvgPriceCamel),
		Fee:          firstNull(r.Fee, r.FeeAlt),
		CreatedAt:    millis(firstInt(r.Created, r.CreatedCamel)),
		UpdatedAt:    millis(firstInt(r.Updated, r.UpdatedCamel)),
	}
	if st := firstString(r.OrderStatus, r.Status); st != "" {
		u.Status = NormalizeStatus(st)
	}
	return u, true
}

func (r rawTrade) update() (tradeUpdate, bool) {
	t := tradeUpdate{
		TradeID:    firstString(r.TradeID, r.TradeIDCamel),
		OrderID:    firstString(r.OrderID, r.OrderIDCamel),
		Instrument: firstString(r.Instrument, r.InstrumentAlt),
		Direction:  firstString(r.Direction, r.Side),
		Amount:     firstNonZero(r.TradeAmount, r.Amount),
		Price:      firstNonZero(r.TradePrice, r.Price),
		Fee:        firstNonZero(r.TradeFee, r.Fee),
		At:         millis(r.Timestamp),
	}
	if t.TradeID == "" || t.OrderID == "" {
		return tradeUpdate{}, false
	}
	return t, true
}

func unparsed(data []byte, reason string) error {
	const limit = 120
	s := string(data)
	if len(s) > limit {
		s = s[:limit] + "..."
	}
	return fmt.Errorf("%w: %s: %s", ErrUnparsedUpdate, reason, s)
}

// decodeOrderUpdates 解析订单频道数据；同时返回 D 形态中附带的成交
func decodeOrderUpdates(data json.RawMessage) ([]orderUpdate, []tradeUpdate, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil, unparsed(data, "empty payload")
	}
	switch data[0] {
	case '[':
		var items []rawOrder
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, nil, unparsed(data, err.Error())
		}
		ups, err := orderList(data, items)
		return ups, nil, err
	case '{':
	default:
		return nil, nil, unparsed(data, "not an object or array")
	}

	var env struct {
		Orders []rawOrder       `json:"orders"`
		Order  *rawOrder        `json:"order"`
		Trades *json.RawMessage `json:"trades"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, unparsed(data, err.Error())
	}
	switch {
	case env.Orders != nil:
		ups, err := orderList(data, env.Orders)
		return ups, nil, err
	case env.Order != nil:
		u, ok := env.Order.update()
		if !ok {
			return nil, nil, unparsed(data, "order without id")
		}
		var trades []tradeUpdate
		if env.Trades != nil {
			ts, err := decodeTradeUpdates(*env.Trades)
			if err == nil {
				trades = ts
			}
		}
		return []orderUpdate{u}, trades, nil
	}

	var r rawOrder
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, nil, unparsed(data, err.Error())
	}
	u, ok := r.update()
	if !ok {
		return nil, nil, unparsed(data, "no order id")
	}
	return []orderUpdate{u}, nil, nil
}

func orderList(data []byte, items []rawOrder) ([]orderUpdate, error) {
	ups := make([]orderUpdate, 0, len(items))
	for _, item := range items {
		u, ok := item.update()
		if !ok {
			return nil, unparsed(data, "order without id")
		}
		ups = append(ups, u)
	}
	return ups, nil
}

// decodeTradeUpdates 解析成交频道数据
func decodeTradeUpdates(data json.RawMessage) ([]tradeUpdate, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, unparsed(data, "empty payload")
	}
	var items []rawTrade
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, unparsed(data, err.Error())
		}
	case '{':
		var env struct {
			Trades []rawTrade `json:"trades"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			return nil, unparsed(data, err.Error())
		}
		if env.Trades != nil {
			items = env.Trades
			break
		}
		var r rawTrade
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, unparsed(data, err.Error())
		}
		items = []rawTrade{r}
	default:
		return nil, unparsed(data, "not an object or array")
	}

	out := make([]tradeUpdate, 0, len(items))
	for _, item := range items {
		t, ok := item.update()
		if !ok {
			return nil, unparsed(data, "trade without trade/order id")
		}
		out = append(out, t)
	}
	return out, nil
}
