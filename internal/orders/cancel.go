package orders

import (
	"context"
	"fmt"

	"github.com/sourcegraph/conc/pool"
)

// CancelOrder 仅对本地已知且处于可撤状态的订单发起撤单；成功后先标记 cancelling，等待推送确认
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID string) error {
	o.mu.Lock()
	item, ok := o.items[orderID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if !item.Status.Cancellable() {
		status := item.Status
		o.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrNotCancellable, orderID, status)
	}
	params := map[string]any{
		"order_id":        orderID,
		"subaccount_id":   item.SubaccountID,
		"instrument_name": item.Instrument,
	}
	o.mu.Unlock()

	if _, err := o.deps.Transport.SendRequest(ctx, methodCancel, params); err != nil {
		oe := Classify(err)
		log.Warnf("撤单失败 id=%s: %v", orderID, err)
		return oe
	}
	log.Infof("撤单请求已接受 id=%s", orderID)
	o.markCancelling(orderID)
	return nil
}

func (o *Orchestrator) markCancelling(orderID string) {
	o.mu.Lock()
	item, ok := o.items[orderID]
	if !ok || !item.Status.Cancellable() {
		o.mu.Unlock()
		return
	}
	prev := item.Status
	item.Status = StatusCancelling
	item.UpdatedAt = o.now()
	snapshot, current := o.historyLocked(), *item
	o.mu.Unlock()

	o.historyListeners.Emit(snapshot)
	o.statusChanged(current, prev)
}

// CancelOrders 并发撤单，结果与 ids 一一对应，单项失败不影响其他
func (o *Orchestrator) CancelOrders(ctx context.Context, ids []string) []CancelResult {
	results := make([]CancelResult, len(ids))
	p := pool.New().WithMaxGoroutines(o.cfg.CancelConcurrency)
	for i, id := range ids {
		p.Go(func() {
			results[i] = CancelResult{OrderID: id, Err: o.CancelOrder(ctx, id)}
		})
	}
	p.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	if failed > 0 {
		log.Warnf("批量撤单 %d 个，失败 %d 个", len(ids), failed)
	}
	return results
}
