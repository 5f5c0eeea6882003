package exchange

import (
	"github.com/shopspring/decimal"
)

// Instrument 合约元数据（签名需要 BaseAssetAddress / BaseAssetSubID）
type Instrument struct {
	InstrumentName   string          `json:"instrument_name"`
	InstrumentType   string          `json:"instrument_type"`
	IsActive         bool            `json:"is_active"`
	BaseCurrency     string          `json:"base_currency"`
	QuoteCurrency    string          `json:"quote_currency"`
	BaseAssetAddress string          `json:"base_asset_address"`
	BaseAssetSubID   string          `json:"base_asset_sub_id"`
	TickSize         decimal.Decimal `json:"tick_size"`
	MinimumAmount    decimal.Decimal `json:"minimum_amount"`
	MaximumAmount    decimal.Decimal `json:"maximum_amount"`
	AmountStep       decimal.Decimal `json:"amount_step"`
	MakerFeeRate     decimal.Decimal `json:"maker_fee_rate"`
	TakerFeeRate     decimal.Decimal `json:"taker_fee_rate"`
	BaseFee          decimal.Decimal `json:"base_fee"`
}

type Ticker struct {
	InstrumentName string          `json:"instrument_name"`
	BestBidPrice   decimal.Decimal `json:"best_bid_price"`
	BestAskPrice   decimal.Decimal `json:"best_ask_price"`
	MarkPrice      decimal.Decimal `json:"mark_price"`
	IndexPrice     decimal.Decimal `json:"index_price"`
	MinPrice       decimal.Decimal `json:"min_price"`
	MaxPrice       decimal.Decimal `json:"max_price"`
	Timestamp      int64           `json:"timestamp"`
}

type Statistics struct {
	DailyVolume  decimal.Decimal `json:"daily_notional_volume"`
	DailyFees    decimal.Decimal `json:"daily_fees"`
	DailyTrades  int64           `json:"daily_trades"`
	OpenInterest decimal.Decimal `json:"open_interest"`
	TotalVolume  decimal.Decimal `json:"total_notional_volume"`
	TotalFees    decimal.Decimal `json:"total_fees"`
	TotalTrades  int64           `json:"total_trades"`
}

type Collateral struct {
	AssetName string          `json:"asset_name"`
	Amount    decimal.Decimal `json:"amount"`
	MarkValue decimal.Decimal `json:"mark_value"`
}

// AccountSummary 子账户资金概况
type AccountSummary struct {
	SubaccountID      int64           `json:"subaccount_id"`
	Currency          string          `json:"currency"`
	SubaccountValue   decimal.Decimal `json:"subaccount_value"`
	CollateralsValue  decimal.Decimal `json:"collaterals_value"`
	PositionsValue    decimal.Decimal `json:"positions_value"`
	InitialMargin     decimal.Decimal `json:"initial_margin"`
	MaintenanceMargin decimal.Decimal `json:"maintenance_margin"`
	OpenOrdersMargin  decimal.Decimal `json:"open_orders_margin"`
	Collaterals       []Collateral    `json:"collaterals"`
}

// Available 可用于新订单的保证金
func (s AccountSummary) Available() decimal.Decimal {
	return s.SubaccountValue.Sub(s.InitialMargin.Abs()).Sub(s.OpenOrdersMargin.Abs())
}

type Position struct {
	InstrumentName string          `json:"instrument_name"`
	InstrumentType string          `json:"instrument_type"`
	Amount         decimal.Decimal `json:"amount"`
	AveragePrice   decimal.Decimal `json:"average_price"`
	MarkPrice      decimal.Decimal `json:"mark_price"`
	UnrealizedPnl  decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnl    decimal.Decimal `json:"realized_pnl"`
	Leverage       decimal.Decimal `json:"leverage"`
}

// Order 交易所返回的订单
type Order struct {
	OrderID             string          `json:"order_id"`
	SubaccountID        int64           `json:"subaccount_id"`
	InstrumentName      string          `json:"instrument_name"`
	Direction           string          `json:"direction"`
	OrderType           string          `json:"order_type"`
	TimeInForce         string          `json:"time_in_force"`
	OrderStatus         string          `json:"order_status"`
	Amount              decimal.Decimal `json:"amount"`
	FilledAmount        decimal.Decimal `json:"filled_amount"`
	LimitPrice          decimal.Decimal `json:"limit_price"`
	AveragePrice        decimal.Decimal `json:"average_price"`
	OrderFee            decimal.Decimal `json:"order_fee"`
	Label               string          `json:"label"`
	Nonce               uint64          `json:"nonce"`
	CreationTimestamp   int64           `json:"creation_timestamp"`
	LastUpdateTimestamp int64           `json:"last_update_timestamp"`
	CancelReason        string          `json:"cancel_reason"`
}
