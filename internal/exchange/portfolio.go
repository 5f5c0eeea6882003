package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var ErrInsufficientBalance = errors.New("exchange: insufficient balance")

// Portfolio 保存最近一次持仓与资金快照
type Portfolio struct {
	api *API

	mu        sync.RWMutex
	positions map[int64][]Position
	summaries map[int64]*AccountSummary
	updatedAt map[int64]time.Time
}

func NewPortfolio(api *API) *Portfolio {
	return &Portfolio{
		api:       api,
		positions: make(map[int64][]Position),
		summaries: make(map[int64]*AccountSummary),
		updatedAt: make(map[int64]time.Time),
	}
}

func (p *Portfolio) RefreshPositions(ctx context.Context, subaccountID int64) error {
	positions, err := p.api.GetPositions(ctx, subaccountID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.positions[subaccountID] = positions
	p.updatedAt[subaccountID] = time.Now()
	p.mu.Unlock()
	log.Debugf("持仓已刷新: subaccount=%d count=%d", subaccountID, len(positions))
	return nil
}

func (p *Portfolio) RefreshBalances(ctx context.Context, subaccountID int64) error {
	summary, err := p.api.GetAccountSummary(ctx, subaccountID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.summaries[subaccountID] = summary
	p.updatedAt[subaccountID] = time.Now()
	p.mu.Unlock()
	log.Debugf("资金已刷新: subaccount=%d value=%s", subaccountID, summary.SubaccountValue)
	return nil
}

func (p *Portfolio) Positions(subaccountID int64) []Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Position, len(p.positions[subaccountID]))
	copy(out, p.positions[subaccountID])
	return out
}

func (p *Portfolio) Summary(subaccountID int64) (AccountSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.summaries[subaccountID]
	if !ok {
		return AccountSummary{}, false
	}
	return *s, true
}

// CheckBalance 刷新资金后比较可用保证金与 required
func (p *Portfolio) CheckBalance(ctx context.Context, subaccountID int64, required decimal.Decimal) error {
	if err := p.RefreshBalances(ctx, subaccountID); err != nil {
		return errors.Wrap(err, "check balance")
	}
	s, _ := p.Summary(subaccountID)
	if avail := s.Available(); avail.LessThan(required) {
		return errors.Wrapf(ErrInsufficientBalance, "available %s < required %s", avail, required)
	}
	return nil
}
