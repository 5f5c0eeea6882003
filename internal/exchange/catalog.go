package exchange

import (
	"context"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/derivbot/pkg/cache"
)

var log = logrus.WithField("component", "exchange")

var ErrInstrumentInactive = errors.New("exchange: instrument is not active")

// AssetAddress 合约资产地址
func (i *Instrument) AssetAddress() (common.Address, error) {
	if !common.IsHexAddress(i.BaseAssetAddress) {
		return common.Address{}, errors.Errorf("instrument %s: invalid base_asset_address %q", i.InstrumentName, i.BaseAssetAddress)
	}
	return common.HexToAddress(i.BaseAssetAddress), nil
}

// SubID 合约子 id（十进制字符串，可能超过 int64）
func (i *Instrument) SubID() (*big.Int, error) {
	raw := strings.TrimSpace(i.BaseAssetSubID)
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.Errorf("instrument %s: invalid base_asset_sub_id %q", i.InstrumentName, raw)
	}
	return v, nil
}

// InstrumentCatalog 带 TTL 的合约元数据缓存
type InstrumentCatalog struct {
	api   *API
	cache *cache.InMemoryCache[string, *Instrument]
	ttl   time.Duration
}

func NewInstrumentCatalog(api *API, ttl time.Duration) *InstrumentCatalog {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &InstrumentCatalog{
		api:   api,
		cache: cache.NewInMemoryCache[string, *Instrument](ttl),
		ttl:   ttl,
	}
}

// Lookup 先查缓存，未命中时请求 public/get_instrument
func (c *InstrumentCatalog) Lookup(ctx context.Context, name string) (*Instrument, error) {
	if inst, ok := c.cache.Get(name); ok {
		return inst, nil
	}
	inst, err := c.api.GetInstrument(ctx, name)
	if err != nil {
		return nil, err
	}
	if !inst.IsActive {
		return nil, errors.Wrapf(ErrInstrumentInactive, "%s", name)
	}
	c.cache.Set(name, inst, c.ttl)
	return inst, nil
}

// Preload 批量加载某币种的合约
func (c *InstrumentCatalog) Preload(ctx context.Context, currency, kind string) (int, error) {
	list, err := c.api.GetInstruments(ctx, currency, kind, false)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range list {
		inst := list[i]
		if !inst.IsActive || inst.InstrumentName == "" {
			continue
		}
		c.cache.Set(inst.InstrumentName, &inst, c.ttl)
		n++
	}
	log.Infof("已缓存合约元数据: currency=%s kind=%s count=%d", currency, kind, n)
	return n, nil
}

func (c *InstrumentCatalog) Close() {
	c.cache.Close()
}
