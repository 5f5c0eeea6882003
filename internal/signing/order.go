package signing

import (
	"crypto/rand"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

type TimeInForce string

const (
	GTC      TimeInForce = "gtc"
	PostOnly TimeInForce = "post_only"
	FOK      TimeInForce = "fok"
	IOC      TimeInForce = "ioc"
)

// OrderParams 下单字段，构造后不再修改
type OrderParams struct {
	InstrumentName     string
	AssetAddress       common.Address // 合约资产地址，来自合约元数据
	SubID              *big.Int       // 合约子 id，来自合约元数据
	SubaccountID       int64
	Direction          Direction
	OrderType          OrderType
	TimeInForce        TimeInForce
	LimitPrice         decimal.Decimal
	Amount             decimal.Decimal
	MaxFee             decimal.Decimal
	SignatureExpirySec int64
	Nonce              uint64
	Owner              common.Address
	Signer             common.Address
	MMP                bool
	ReduceOnly         bool
	Label              string
}

func (p OrderParams) IsBid() bool { return p.Direction == Buy }

// NewNonce 秒级时间戳 * 10^6 + 6 位随机数
func NewNonce(now time.Time) uint64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	suffix := uint64(0)
	if err == nil {
		suffix = n.Uint64()
	} else {
		suffix = uint64(now.Nanosecond()/1000) % 1_000_000
	}
	return uint64(now.Unix())*1_000_000 + suffix
}

// SignedOrder 带签名的订单
type SignedOrder struct {
	OrderParams
	Digest    common.Hash
	Signature string // 0x 开头的十六进制
}

// Method 对应的下单请求方法
func (o *SignedOrder) Method() string {
	if o.Direction == Sell {
		return "private/sell"
	}
	return "private/buy"
}

// RequestParams 下单请求参数
func (o *SignedOrder) RequestParams() map[string]any {
	params := map[string]any{
		"instrument_name":      o.InstrumentName,
		"subaccount_id":        o.SubaccountID,
		"direction":            string(o.Direction),
		"order_type":           string(o.OrderType),
		"time_in_force":        string(o.TimeInForce),
		"limit_price":          o.LimitPrice.String(),
		"amount":               o.Amount.String(),
		"max_fee":              o.MaxFee.String(),
		"signature_expiry_sec": o.SignatureExpirySec,
		"nonce":                o.Nonce,
		"signer":               o.Signer.Hex(),
		"signature":            o.Signature,
		"mmp":                  o.MMP,
		"reduce_only":          o.ReduceOnly,
	}
	if strings.TrimSpace(o.Label) != "" {
		params["label"] = o.Label
	}
	return params
}
