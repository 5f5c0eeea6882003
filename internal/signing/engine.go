// Package signing 把订单编码为交易承诺哈希、动作哈希和签名摘要，并用钱包签名。
// 字段顺序、编码宽度和域分隔符都是协议常量，任何改动都会导致服务端验签失败。
package signing

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// Protocol 签名协议常量
type Protocol struct {
	DomainSeparator common.Hash
	ActionTypehash  common.Hash
	TradeModule     common.Address
}

// ParseProtocol 从十六进制字符串解析
func ParseProtocol(domainSeparator, actionTypehash, tradeModule string) (Protocol, error) {
	if !isHash(domainSeparator) {
		return Protocol{}, fmt.Errorf("domain separator must be 32-byte hex: %q", domainSeparator)
	}
	if !isHash(actionTypehash) {
		return Protocol{}, fmt.Errorf("action typehash must be 32-byte hex: %q", actionTypehash)
	}
	if !common.IsHexAddress(tradeModule) {
		return Protocol{}, fmt.Errorf("invalid trade module address: %q", tradeModule)
	}
	return Protocol{
		DomainSeparator: common.HexToHash(domainSeparator),
		ActionTypehash:  common.HexToHash(actionTypehash),
		TradeModule:     common.HexToAddress(tradeModule),
	}, nil
}

func isHash(s string) bool {
	b, err := hexBytes(s)
	return err == nil && len(b) == common.HashLength
}

func hexBytes(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X"))
}

// Limits 静态下单限制
type Limits struct {
	MinSize  decimal.Decimal
	MaxSize  decimal.Decimal
	MinPrice decimal.Decimal
	MaxPrice decimal.Decimal
}

// DefaultLimits 最小数量 0.01
func DefaultLimits() Limits {
	return Limits{
		MinSize:  decimal.RequireFromString("0.01"),
		MaxSize:  decimal.NewFromInt(10000),
		MinPrice: decimal.RequireFromString("0.01"),
		MaxPrice: decimal.NewFromInt(1_000_000),
	}
}

// Engine 纯函数签名引擎，不依赖网络
type Engine struct {
	protocol Protocol
	limits   Limits
	now      func() time.Time
}

func NewEngine(protocol Protocol, limits Limits) *Engine {
	return &Engine{protocol: protocol, limits: limits, now: time.Now}
}

func (e *Engine) Limits() Limits { return e.limits }

var (
	abiAddress = mustType("address")
	abiUint    = mustType("uint256")
	abiInt     = mustType("int256")
	abiBool    = mustType("bool")
	abiBytes32 = mustType("bytes32")

	// (address asset, uint subId, int limitPrice, int amount, uint maxFee, uint subaccountId, bool isBid)
	tradeDataArgs = abi.Arguments{
		{Type: abiAddress}, {Type: abiUint}, {Type: abiInt}, {Type: abiInt},
		{Type: abiUint}, {Type: abiUint}, {Type: abiBool},
	}
	// (bytes32 typehash, uint subaccountId, uint nonce, address module, bytes32 dataHash, uint expiry, address owner, address signer)
	actionArgs = abi.Arguments{
		{Type: abiBytes32}, {Type: abiUint}, {Type: abiUint}, {Type: abiAddress},
		{Type: abiBytes32}, {Type: abiUint}, {Type: abiAddress}, {Type: abiAddress},
	}
)

func mustType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(err)
	}
	return typ
}

// toFixed18 十进制数按 18 位小数转为整数（截断）
func toFixed18(d decimal.Decimal) *big.Int {
	return d.Shift(18).BigInt()
}

// Validate 按静态限制校验字段，返回第一个 *ValidationError
func (e *Engine) Validate(p OrderParams) error {
	if p.InstrumentName == "" {
		return invalid("instrument", CodeInstrumentRequired, "instrument is required")
	}
	if p.AssetAddress == (common.Address{}) || p.SubID == nil {
		return invalid("instrument", CodeAssetRequired, "instrument metadata (asset address, sub id) is required")
	}
	if p.SubaccountID <= 0 {
		return invalid("subaccount", CodeSubaccountRequired, "subaccount id is required")
	}
	if p.Direction != Buy && p.Direction != Sell {
		return invalid("direction", CodeDirectionInvalid, "direction must be buy or sell, got %q", p.Direction)
	}
	if err := e.ValidateSize(p.Amount); err != nil {
		return err
	}
	if p.OrderType == Limit {
		if err := e.ValidatePrice(p.LimitPrice); err != nil {
			return err
		}
	} else if !p.LimitPrice.IsPositive() {
		// 市价单也要带保护价
		return invalid("price", CodePriceRequired, "market orders need a protective limit price")
	}
	if p.MaxFee.IsNegative() {
		return invalid("maxFee", CodeMaxFeeInvalid, "max fee must not be negative")
	}
	if p.SignatureExpirySec <= e.now().Unix() {
		return invalid("expiry", CodeExpiryInPast, "signature expiry %d is in the past", p.SignatureExpirySec)
	}
	if p.Nonce == 0 {
		return invalid("nonce", CodeNonceRequired, "nonce is required")
	}
	return nil
}

// ValidateSize minSize <= s <= maxSize
func (e *Engine) ValidateSize(size decimal.Decimal) error {
	if size.LessThan(e.limits.MinSize) {
		return invalid("size", CodeSizeTooSmall, "size %s is below minimum %s", size, e.limits.MinSize)
	}
	if size.GreaterThan(e.limits.MaxSize) {
		return invalid("size", CodeSizeTooLarge, "size %s is above maximum %s", size, e.limits.MaxSize)
	}
	return nil
}

// ValidatePrice 限价单价格范围
func (e *Engine) ValidatePrice(price decimal.Decimal) error {
	if price.IsZero() {
		return invalid("price", CodePriceRequired, "limit price is required")
	}
	if price.LessThan(e.limits.MinPrice) {
		return invalid("price", CodePriceTooLow, "price %s is below minimum %s", price, e.limits.MinPrice)
	}
	if price.GreaterThan(e.limits.MaxPrice) {
		return invalid("price", CodePriceTooHigh, "price %s is above maximum %s", price, e.limits.MaxPrice)
	}
	return nil
}

// EncodeTradeData 交易经济字段的定长 ABI 编码
func (e *Engine) EncodeTradeData(p OrderParams) ([]byte, error) {
	subID := p.SubID
	if subID == nil {
		subID = new(big.Int)
	}
	b, err := tradeDataArgs.Pack(
		p.AssetAddress,
		subID,
		toFixed18(p.LimitPrice),
		toFixed18(p.Amount),
		toFixed18(p.MaxFee),
		big.NewInt(p.SubaccountID),
		p.IsBid(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: trade data: %v", ErrEncoding, err)
	}
	return b, nil
}

// TradeCommitmentHash keccak256(tradeData)
func (e *Engine) TradeCommitmentHash(p OrderParams) (common.Hash, error) {
	data, err := e.EncodeTradeData(p)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(data), nil
}

// ActionHash 在类型标识下组合承诺哈希与管理字段
func (e *Engine) ActionHash(p OrderParams) (common.Hash, error) {
	tradeHash, err := e.TradeCommitmentHash(p)
	if err != nil {
		return common.Hash{}, err
	}
	b, err := actionArgs.Pack(
		[32]byte(e.protocol.ActionTypehash),
		big.NewInt(p.SubaccountID),
		new(big.Int).SetUint64(p.Nonce),
		e.protocol.TradeModule,
		[32]byte(tradeHash),
		big.NewInt(p.SignatureExpirySec),
		p.Owner,
		p.Signer,
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: action: %v", ErrEncoding, err)
	}
	return crypto.Keccak256Hash(b), nil
}

// SigningDigest keccak256(0x1901 || domainSeparator || actionHash)
func (e *Engine) SigningDigest(p OrderParams) (common.Hash, error) {
	actionHash, err := e.ActionHash(p)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash([]byte{0x19, 0x01}, e.protocol.DomainSeparator.Bytes(), actionHash.Bytes()), nil
}

// Sign 校验、计算摘要并签名
func (e *Engine) Sign(p OrderParams, signer Signer) (*SignedOrder, error) {
	if signer == nil {
		return nil, ErrSignerMissing
	}
	if p.Signer == (common.Address{}) {
		p.Signer = signer.Address()
	}
	if p.Owner == (common.Address{}) {
		p.Owner = signer.Address()
	}
	if p.Signer != signer.Address() {
		return nil, fmt.Errorf("%w: order signer %s, key %s", ErrSignerMismatch, p.Signer.Hex(), signer.Address().Hex())
	}
	if err := e.Validate(p); err != nil {
		return nil, err
	}

	digest, err := e.SigningDigest(p)
	if err != nil {
		return nil, err
	}
	sig, err := signer.SignHash(digest)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return &SignedOrder{
		OrderParams: p,
		Digest:      digest,
		Signature:   "0x" + common.Bytes2Hex(sig),
	}, nil
}
