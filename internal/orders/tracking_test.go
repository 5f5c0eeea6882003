package orders

import (
	"context"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/derivbot/internal/exchange"
	"github.com/betbot/derivbot/internal/transport"
)

func TestTradesAccumulateWithDedupe(t *testing.T) {
	h := newHarness(t)
	h.tr.push(t, orderChannel, `{"order_id":"o2","instrument_name":"X","direction":"buy","amount":"2","limit_price":"110","order_status":"open","subaccount_id":42}`)

	trade := func(id, amount, price, fee string) string {
		return `{"trade_id":"` + id + `","order_id":"o2","trade_amount":"` + amount + `","trade_price":"` + price + `","trade_fee":"` + fee + `"}`
	}
	h.tr.push(t, tradeChannel, trade("t1", "1", "100", "0.1"))
	h.tr.push(t, tradeChannel, trade("t1", "1", "100", "0.1"))

	item, ok := h.o.Order("o2")
	require.True(t, ok)
	assert.Equal(t, "1", item.FilledAmount.String(), "重复成交不应累加")
	assert.Equal(t, StatusPartiallyFilled, item.Status)
	assert.Empty(t, h.notificationsAt(LevelSuccess))

	h.tr.push(t, tradeChannel, "["+trade("t2", "1", "110", "0.1")+"]")
	item, _ = h.o.Order("o2")
	assert.Equal(t, "2", item.FilledAmount.String())
	assert.True(t, decimal.NewFromInt(105).Equal(item.AveragePrice))
	assert.Equal(t, "0.2", item.Fee.String())
	assert.Equal(t, StatusFilled, item.Status)
	assert.Len(t, h.notificationsAt(LevelSuccess), 1)
}

func TestOrderUpdateAndTradeForSameFillCountOnce(t *testing.T) {
	h := newHarness(t)
	h.tr.push(t, orderChannel, `{"order_id":"o4","instrument_name":"X","direction":"buy","amount":"1","order_status":"open","filled_amount":"0.5","average_price":"100"}`)
	h.tr.push(t, tradeChannel, `{"trade_id":"t1","order_id":"o4","trade_amount":"0.5","trade_price":"100","trade_fee":"0.05"}`)

	item, ok := h.o.Order("o4")
	require.True(t, ok)
	assert.Equal(t, "0.5", item.FilledAmount.String(), "累计值与成交明细是同一笔成交")
	assert.Equal(t, StatusPartiallyFilled, item.Status)
	assert.True(t, decimal.NewFromInt(100).Equal(item.AveragePrice))
	assert.Equal(t, "0.05", item.Fee.String())
	assert.Empty(t, h.notificationsAt(LevelSuccess))

	h.tr.push(t, tradeChannel, `{"trade_id":"t2","order_id":"o4","trade_amount":"0.5","trade_price":"110","trade_fee":"0.05"}`)
	h.tr.push(t, orderChannel, `{"order_id":"o4","order_status":"filled","filled_amount":"1","average_price":"105"}`)

	item, _ = h.o.Order("o4")
	assert.Equal(t, "1", item.FilledAmount.String())
	assert.True(t, decimal.NewFromInt(105).Equal(item.AveragePrice))
	assert.Equal(t, "0.1", item.Fee.String())
	assert.Equal(t, StatusFilled, item.Status)
	assert.Len(t, h.notificationsAt(LevelSuccess), 1)
}

func TestTradeBeforeCumulativeOrderUpdate(t *testing.T) {
	h := newHarness(t)
	h.tr.push(t, orderChannel, `{"order_id":"o5","amount":"2","order_status":"open"}`)
	h.tr.push(t, tradeChannel, `{"trade_id":"t1","order_id":"o5","trade_amount":"0.5","trade_price":"100"}`)
	h.tr.push(t, orderChannel, `{"order_id":"o5","order_status":"open","filled_amount":"0.5"}`)

	item, _ := h.o.Order("o5")
	assert.Equal(t, "0.5", item.FilledAmount.String())
	assert.Equal(t, StatusPartiallyFilled, item.Status)

	// 乱序到达的旧累计值不回退
	h.tr.push(t, orderChannel, `{"order_id":"o5","filled_amount":"0.2"}`)
	item, _ = h.o.Order("o5")
	assert.Equal(t, "0.5", item.FilledAmount.String())
}

func TestPushCreatesUnknownOrder(t *testing.T) {
	h := newHarness(t)
	var snapshots [][]HistoryItem
	h.o.OnHistoryChange(func(items []HistoryItem) { snapshots = append(snapshots, items) })

	h.tr.push(t, orderChannel, `[{"orderId":"ext","status":"open","instrument":"X","side":"sell","amount":"3"}]`)
	item, ok := h.o.Order("ext")
	require.True(t, ok)
	assert.Equal(t, StatusOpen, item.Status)
	assert.Equal(t, "sell", string(item.Direction))
	require.Len(t, snapshots, 1)
	assert.Equal(t, "ext", snapshots[0][0].OrderID)
}

func TestTerminalStatusDoesNotRegress(t *testing.T) {
	h := newHarness(t)
	h.tr.push(t, orderChannel, `{"order_id":"o3","order_status":"filled"}`)
	h.tr.push(t, orderChannel, `{"order_id":"o3","order_status":"open"}`)
	h.tr.push(t, orderChannel, `{"order_id":"o3","order_status":"filled"}`)

	item, _ := h.o.Order("o3")
	assert.Equal(t, StatusFilled, item.Status)
	assert.Len(t, h.notificationsAt(LevelSuccess), 1, "终态通知只发一次")
}

func TestUnparsedPushIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.tr.push(t, orderChannel, `{"unexpected":true}`)
	h.tr.push(t, tradeChannel, `"noise"`)
	assert.Empty(t, h.o.History())
	assert.Empty(t, h.notificationsAt(LevelSuccess))
}

func TestHistoryNewestFirstAndClear(t *testing.T) {
	h := newHarness(t)
	h.tr.push(t, orderChannel, `{"order_id":"a","order_status":"open"}`)
	h.tr.push(t, orderChannel, `{"order_id":"b","order_status":"open"}`)

	hist := h.o.History()
	require.Len(t, hist, 2)
	assert.Equal(t, "b", hist[0].OrderID)

	h.o.ClearHistory()
	assert.Empty(t, h.o.History())
	_, ok := h.o.Order("a")
	assert.False(t, ok)
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.o.CancelOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownOrder)

	h.tr.push(t, orderChannel, `{"order_id":"done","order_status":"filled"}`)
	err = h.o.CancelOrder(ctx, "done")
	assert.ErrorIs(t, err, ErrNotCancellable)
	assert.Empty(t, h.tr.requests(methodCancel))

	h.tr.push(t, orderChannel, `{"order_id":"live","order_status":"open","instrument_name":"X","subaccount_id":42}`)
	require.NoError(t, h.o.CancelOrder(ctx, "live"))
	reqs := h.tr.requests(methodCancel)
	require.Len(t, reqs, 1)
	assert.Equal(t, "live", reqs[0].params["order_id"])
	assert.Equal(t, "X", reqs[0].params["instrument_name"])

	item, _ := h.o.Order("live")
	assert.Equal(t, StatusCancelling, item.Status)

	err = h.o.CancelOrder(ctx, "live")
	assert.ErrorIs(t, err, ErrNotCancellable, "撤单中不可重复撤单")

	h.tr.push(t, orderChannel, `{"order_id":"live","order_status":"cancelled"}`)
	item, _ = h.o.Order("live")
	assert.Equal(t, StatusCancelled, item.Status)
	assert.Len(t, h.notificationsAt(LevelInfo), 1)
}

func TestCancelOrdersReportsPerItem(t *testing.T) {
	h := newHarness(t)
	for _, id := range []string{"a", "b", "c"} {
		h.tr.push(t, orderChannel, `{"order_id":"`+id+`","order_status":"open"}`)
	}
	h.tr.setHandler(func(method string, params map[string]any) (json.RawMessage, error) {
		if params["order_id"] == "b" {
			return nil, &transport.RPCError{Code: 11005, Message: "Order not found"}
		}
		return json.RawMessage(`{}`), nil
	})

	results := h.o.CancelOrders(context.Background(), []string{"a", "b", "c", "zz"})
	require.Len(t, results, 4)
	assert.Equal(t, "a", results[0].OrderID)
	assert.NoError(t, results[0].Err)
	var oe *OrderError
	require.True(t, errors.As(results[1].Err, &oe))
	assert.Equal(t, KindOrderRejected, oe.Kind)
	assert.NoError(t, results[2].Err)
	assert.ErrorIs(t, results[3].Err, ErrUnknownOrder)

	a, _ := h.o.Order("a")
	b, _ := h.o.Order("b")
	assert.Equal(t, StatusCancelling, a.Status)
	assert.Equal(t, StatusOpen, b.Status)
}

type fakeQuerier struct {
	open    []exchange.Order
	state   *exchange.Order
	history [][]exchange.Order
	pages   []int
}

func (q *fakeQuerier) GetOpenOrders(ctx context.Context, subaccountID int64) ([]exchange.Order, error) {
	return q.open, nil
}

func (q *fakeQuerier) GetOrderState(ctx context.Context, subaccountID int64, orderID string) (*exchange.Order, error) {
	if q.state == nil {
		return nil, errors.New("not found")
	}
	return q.state, nil
}

func (q *fakeQuerier) GetOrderHistory(ctx context.Context, subaccountID int64, page, pageSize int) ([]exchange.Order, error) {
	q.pages = append(q.pages, page)
	if page > len(q.history) {
		return nil, nil
	}
	return q.history[page-1], nil
}

func TestSyncAndHistorySeedingIsQuiet(t *testing.T) {
	h := newHarness(t)
	q := &fakeQuerier{
		open: []exchange.Order{{OrderID: "o1", OrderStatus: "open", InstrumentName: "X", SubaccountID: 42, Amount: decimal.NewFromInt(1)}},
		history: [][]exchange.Order{
			{{OrderID: "h1", OrderStatus: "filled"}, {OrderID: "h2", OrderStatus: "cancelled"}},
			{{OrderID: "h3", OrderStatus: "expired"}},
		},
	}
	h.o.deps.Orders = q
	h.o.cfg.HistoryPageSize = 2

	n, err := h.o.SyncOpenOrders(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = h.o.LoadHistory(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{1, 2}, q.pages, "不满一页即停止")
	assert.Len(t, h.o.History(), 4)
	assert.Empty(t, h.notificationsAt(LevelSuccess), "历史加载不触发通知")

	q.state = &exchange.Order{OrderID: "o1", OrderStatus: "filled", FilledAmount: decimal.NewFromInt(1), AveragePrice: decimal.NewFromInt(99)}
	item, err := h.o.RefreshOrder(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, StatusFilled, item.Status)
	assert.Len(t, h.notificationsAt(LevelSuccess), 1)

	_, err = h.o.RefreshOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownOrder)
}

func TestSyncWithoutQuerier(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.SyncOpenOrders(context.Background(), 42)
	assert.Error(t, err)
}
