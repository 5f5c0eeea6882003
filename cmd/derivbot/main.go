package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"

	"github.com/betbot/derivbot/internal/auth"
	"github.com/betbot/derivbot/internal/exchange"
	"github.com/betbot/derivbot/internal/orders"
	"github.com/betbot/derivbot/internal/signing"
	"github.com/betbot/derivbot/internal/transport"
	"github.com/betbot/derivbot/pkg/config"
	"github.com/betbot/derivbot/pkg/logger"
	"github.com/betbot/derivbot/pkg/retry"
	sdkhttp "github.com/betbot/derivbot/pkg/sdk/http"
	"github.com/betbot/derivbot/pkg/secretstore"
	"github.com/betbot/derivbot/pkg/shutdown"
)

type options struct {
	configPath string
	secretsDB  string
	secretKey  string
	instrument string
	side       string
	orderType  string
	tif        string
	amount     string
	price      string
	maxFee     string
	reduceOnly bool
	label      string
	cancel     string
	history    bool
	watch      bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.configPath, "config", "", "配置文件路径（YAML，可选）")
	flag.StringVar(&o.secretsDB, "secrets", os.Getenv("DERIVBOT_SECRET_DB"), "env2badger 导入的加密密钥库路径（可选）")
	flag.StringVar(&o.secretKey, "secret-key", os.Getenv("DERIVBOT_SECRET_KEY"), "密钥库加密 key（32 字节 base64/hex）")
	flag.StringVar(&o.instrument, "instrument", "", "下单合约，例如 ETH-PERP；为空则不下单")
	flag.StringVar(&o.side, "side", "buy", "方向：buy / sell")
	flag.StringVar(&o.orderType, "type", "limit", "订单类型：limit / market")
	flag.StringVar(&o.tif, "tif", "", "有效期：gtc / post_only / fok / ioc（默认按订单类型）")
	flag.StringVar(&o.amount, "amount", "", "数量")
	flag.StringVar(&o.price, "price", "", "限价（市价单忽略）")
	flag.StringVar(&o.maxFee, "max-fee", "", "最大手续费（默认取配置）")
	flag.BoolVar(&o.reduceOnly, "reduce-only", false, "只减仓")
	flag.StringVar(&o.label, "label", "", "订单标签")
	flag.StringVar(&o.cancel, "cancel", "", "要撤销的订单 id，逗号分隔")
	flag.BoolVar(&o.history, "history", false, "启动后加载历史订单并打印")
	flag.BoolVar(&o.watch, "watch", false, "保持运行并打印订单推送，直到收到退出信号")
	flag.Parse()
	return o
}

func main() {
	_ = godotenv.Load()
	opts := parseFlags()

	if err := loadSecretEnv(opts.secretsDB, opts.secretKey); err != nil {
		fmt.Fprintf(os.Stderr, "读取密钥库失败: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.LoadFromFile(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, opts); err != nil {
		logger.Errorf("derivbot 退出: %v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, opts options) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sm := shutdown.NewManager()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer scancel()
		if err := sm.Shutdown(sctx); err != nil {
			logger.Warnf("关闭过程中出现错误: %v", err)
		}
	}()

	signer, err := newSigner(cfg.Wallet)
	if err != nil {
		return err
	}
	wallet := signer.Address()
	if cfg.Wallet.Address != "" {
		if !common.IsHexAddress(cfg.Wallet.Address) {
			return fmt.Errorf("钱包地址不合法: %s", cfg.Wallet.Address)
		}
		wallet = common.HexToAddress(cfg.Wallet.Address)
	}
	logger.Infof("环境=%s 钱包=%s 签名地址=%s", cfg.Exchange.Environment, wallet.Hex(), signer.Address().Hex())

	proto, err := signing.ParseProtocol(cfg.Protocol.DomainSeparator, cfg.Protocol.ActionTypehash, cfg.Protocol.TradeModule)
	if err != nil {
		return err
	}
	engine := signing.NewEngine(proto, signing.Limits{
		MinSize:  cfg.Orders.MinSize,
		MaxSize:  cfg.Orders.MaxSize,
		MinPrice: cfg.Orders.MinPrice,
		MaxPrice: cfg.Orders.MaxPrice,
	})

	cache, err := openSessionCache(cfg.Auth, sm)
	if err != nil {
		return err
	}

	tcfg := transport.DefaultConfig(cfg.Exchange.WSURL)
	tcfg.RequestTimeout = cfg.Transport.RequestTimeout
	tcfg.ConnectTimeout = cfg.Transport.ConnectTimeout
	tcfg.Reconnect = retry.Policy{
		MaxAttempts: cfg.Transport.MaxReconnectAttempts,
		Base:        cfg.Transport.ReconnectBase,
		Cap:         cfg.Transport.ReconnectCap,
	}
	tcfg.RateLimit = cfg.Transport.RateLimit
	tcfg.RateBurst = cfg.Transport.RateBurst
	conn := transport.NewManager(tcfg)
	sm.OnShutdown("transport", func(context.Context) error { return conn.Close() })
	conn.OnStateChange(func(s transport.State) { logger.Infof("连接状态: %s", s) })

	api := exchange.NewAPI(conn)
	catalog := exchange.NewInstrumentCatalog(api, 10*time.Minute)
	sm.OnShutdown("instruments", func(context.Context) error { catalog.Close(); return nil })
	portfolio := exchange.NewPortfolio(api)
	var httpClient *sdkhttp.Client
	if cfg.Exchange.HTTPURL != "" {
		httpClient = sdkhttp.NewClient(cfg.Exchange.HTTPURL, sdkhttp.Options{RetryCount: 2})
	}
	resolver := exchange.NewSubaccountResolver(api, httpClient)

	am := auth.NewManager(conn, cache, resolver, auth.Config{
		RefreshLead:     cfg.Auth.RefreshLead,
		MinRefreshDelay: cfg.Auth.MinRefreshDelay,
		ConnectionWait:  cfg.Auth.ConnectionWait,
		RequestTimeout:  cfg.Transport.RequestTimeout,
	})
	sm.OnShutdown("auth", func(context.Context) error { am.Close(); return nil })
	am.OnStateChange(func(s auth.State) { logger.Infof("会话状态: %s", s) })

	identity := auth.Identity{Wallet: wallet, Signer: signer, SubaccountID: cfg.Wallet.SubaccountID}
	session, err := authenticate(ctx, am, identity)
	if err != nil {
		return err
	}
	if identity.SubaccountID == 0 {
		identity.SubaccountID = session.SubaccountID
	}
	if identity.SubaccountID == 0 {
		return fmt.Errorf("钱包 %s 没有可用的子账户", wallet.Hex())
	}
	logger.Infof("已登录: subaccount=%d token=%s 过期=%s", identity.SubaccountID,
		logger.MaskToken(session.AccessToken), session.ExpiresAt.Format(time.RFC3339))

	ocfg := orders.DefaultConfig()
	ocfg.SignatureExpiry = cfg.Orders.SignatureExpiry
	ocfg.MaxFee = cfg.Orders.MaxFee
	ocfg.MarketSlippage = cfg.Orders.MarketSlippage
	ocfg.Retry = retry.Policy{
		MaxAttempts: cfg.Orders.RetryMaxAttempts,
		Base:        cfg.Orders.RetryBase,
		Cap:         cfg.Orders.RetryCap,
	}
	ocfg.OrderChannel = config.ChannelFor(cfg.Orders.OrderChannel, identity.SubaccountID)
	ocfg.TradeChannel = config.ChannelFor(cfg.Orders.TradeChannel, identity.SubaccountID)

	orch := orders.New(orders.Deps{
		Transport:   conn,
		Auth:        am,
		Engine:      engine,
		Instruments: catalog,
		Prices:      api,
		Portfolio:   portfolio,
		Balance:     portfolio,
		Orders:      api,
	}, ocfg)
	sm.OnShutdown("orders", func(context.Context) error { orch.Close(); return nil })

	orch.OnNotification(printNotification)
	orch.OnOrderState(func(ev orders.StateEvent) {
		logger.Debugf("提交 %s 阶段=%s 订单=%s 尝试=%d", ev.SubmissionID, ev.Stage, ev.OrderID, ev.Attempt)
	})

	if err := orch.Start(ctx); err != nil {
		return err
	}
	if n, err := orch.SyncOpenOrders(ctx, identity.SubaccountID); err != nil {
		logger.Warnf("同步挂单失败: %v", err)
	} else {
		logger.Infof("当前挂单 %d 个", n)
	}
	if opts.history {
		if _, err := orch.LoadHistory(ctx, identity.SubaccountID); err != nil {
			logger.Warnf("加载历史订单失败: %v", err)
		}
		printHistory(orch.History())
	}

	if ids := splitIDs(opts.cancel); len(ids) > 0 {
		for _, r := range orch.CancelOrders(ctx, ids) {
			if r.Err != nil {
				logger.Warnf("撤单 %s 失败: %v", r.OrderID, r.Err)
				continue
			}
			logger.Infof("已请求撤单 %s", r.OrderID)
		}
	}

	if opts.instrument != "" {
		res := orch.SubmitOrder(ctx, formFromOptions(opts, cfg), identity, identity.SubaccountID)
		switch {
		case res.Success:
			logger.Infof("下单成功: order_id=%s", res.OrderID)
		case res.RetryScheduled:
			logger.Infof("下单暂时失败，已安排自动重试")
		case len(res.Errors) > 0:
			for field, msg := range res.Errors {
				logger.Warnf("参数错误 %s: %s", field, msg)
			}
		case res.Err != nil:
			logger.Warnf("下单失败: %v", res.Err)
		}
	}

	if !opts.watch && !orch.Busy() {
		return nil
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(sigCh)
	logger.Infof("运行中，按 Ctrl+C 退出")
	sig := <-sigCh
	logger.Infof("收到信号 %v，开始退出", sig)
	cancel()
	return nil
}

// authenticate 优先复用缓存的会话，失败或过期时用签名登录
func authenticate(ctx context.Context, am *auth.Manager, id auth.Identity) (*auth.Session, error) {
	lctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	restored, err := am.Restore(lctx)
	if err != nil {
		logger.Warnf("恢复缓存会话失败，重新登录: %v", err)
	}
	if restored {
		if s := am.Session(); s != nil && (id.SubaccountID == 0 || s.SubaccountID == id.SubaccountID) {
			return s, nil
		}
	}
	return am.Login(lctx, id)
}

func openSessionCache(cfg config.AuthConfig, sm *shutdown.Manager) (auth.SessionCache, error) {
	key, err := secretstore.ParseKey(cfg.SessionCacheEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("会话缓存加密 key: %w", err)
	}
	opts := secretstore.OpenOptions{Path: cfg.SessionCachePath, EncryptionKey: key}
	if cfg.SessionCachePath == "" {
		opts.InMemory = true
	}
	store, err := secretstore.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("打开会话缓存: %w", err)
	}
	sm.OnShutdown("session-cache", func(context.Context) error { return store.Close() })
	return auth.NewStoreCache(store, cfg.SessionCacheKey), nil
}

func newSigner(w config.WalletConfig) (signing.Signer, error) {
	if w.SignerPrivateKey != "" {
		return signing.NewKeySignerFromHex(w.SignerPrivateKey)
	}
	return signing.NewKeySignerFromMnemonic(w.Mnemonic, w.DerivationPath)
}

// loadSecretEnv 把 env2badger 导入的条目写进进程环境，已存在的环境变量优先
func loadSecretEnv(path, rawKey string) error {
	if path == "" {
		return nil
	}
	key, err := secretstore.ParseKey(rawKey)
	if err != nil {
		return err
	}
	store, err := secretstore.Open(secretstore.OpenOptions{Path: path, EncryptionKey: key, ReadOnly: true})
	if err != nil {
		return err
	}
	defer store.Close()

	kv, err := store.Scan("env/")
	if err != nil {
		return err
	}
	for k, v := range kv {
		if _, ok := os.LookupEnv(k); ok {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return err
		}
	}
	return nil
}

func formFromOptions(o options, cfg *config.Config) orders.FormData {
	maxFee := o.maxFee
	if maxFee == "" {
		maxFee = cfg.Orders.MaxFee.String()
	}
	return orders.FormData{
		Instrument:  o.instrument,
		Direction:   signing.Direction(strings.ToLower(o.side)),
		OrderType:   signing.OrderType(strings.ToLower(o.orderType)),
		TimeInForce: signing.TimeInForce(strings.ToLower(o.tif)),
		Amount:      o.amount,
		Price:       o.price,
		MaxFee:      maxFee,
		ReduceOnly:  o.reduceOnly,
		Label:       o.label,
	}
}

func splitIDs(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printNotification(n orders.Notification) {
	line := fmt.Sprintf("[%s] %s: %s", n.Level, n.Title, n.Message)
	if n.OrderID != "" {
		line += " (order " + n.OrderID + ")"
	}
	if len(n.Actions) > 0 {
		labels := make([]string, 0, len(n.Actions))
		for _, a := range n.Actions {
			labels = append(labels, a.Label)
		}
		line += " 可选操作: " + strings.Join(labels, " / ")
	}
	switch n.Level {
	case orders.LevelError:
		logger.Errorf("%s", line)
	case orders.LevelWarning:
		logger.Warnf("%s", line)
	default:
		logger.Infof("%s", line)
	}
}

func printHistory(items []orders.HistoryItem) {
	if len(items) == 0 {
		logger.Infof("没有历史订单")
		return
	}
	for _, it := range items {
		logger.Infof("%s %-14s %-4s %s@%s 成交=%s 均价=%s 状态=%s",
			it.CreatedAt.Format("01-02 15:04:05"), it.Instrument, it.Direction,
			it.Amount, it.Price, it.FilledAmount, it.AveragePrice, it.Status)
	}
}
