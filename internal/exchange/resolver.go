package exchange

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	sdkhttp "github.com/betbot/derivbot/pkg/sdk/http"
)

var ErrNoSubaccount = errors.New("exchange: no subaccount for wallet")

// SubaccountResolver 登录返回"账户不存在"时的子账户发现与开户
type SubaccountResolver struct {
	api  *API
	http *sdkhttp.Client
}

func NewSubaccountResolver(api *API, httpClient *sdkhttp.Client) *SubaccountResolver {
	return &SubaccountResolver{api: api, http: httpClient}
}

// DiscoverSubaccount 返回钱包下第一个子账户
func (r *SubaccountResolver) DiscoverSubaccount(ctx context.Context, wallet common.Address) (int64, error) {
	ids, err := r.api.GetSubaccounts(ctx, wallet.Hex())
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, errors.Wrapf(ErrNoSubaccount, "%s", wallet.Hex())
	}
	log.Infof("发现子账户: wallet=%s subaccount=%d (共 %d 个)", wallet.Hex(), ids[0], len(ids))
	return ids[0], nil
}

type createAccountResponse struct {
	Result struct {
		Status       string `json:"status"`
		Wallet       string `json:"wallet"`
		SubaccountID int64  `json:"subaccount_id"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ProvisionAccount 通过 HTTP 为钱包开户；返回的子账户 id 可能为 0（由交易所异步创建）
func (r *SubaccountResolver) ProvisionAccount(ctx context.Context, wallet common.Address) (int64, error) {
	if r.http == nil {
		return 0, errors.New("exchange: provisioning endpoint not configured")
	}
	var out createAccountResponse
	_, err := r.http.DoRequest(ctx, http.MethodPost, "/public/create_account",
		&sdkhttp.RequestOptions{Data: map[string]string{"wallet": wallet.Hex()}}, &out)
	if err != nil {
		return 0, errors.Wrap(err, "create account")
	}
	if out.Error != nil {
		return 0, errors.Errorf("create account: %d %s", out.Error.Code, out.Error.Message)
	}
	log.Infof("开户完成: wallet=%s status=%s subaccount=%d", wallet.Hex(), out.Result.Status, out.Result.SubaccountID)
	return out.Result.SubaccountID, nil
}
