package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// 协议常量（按环境区分），签名时必须与交易所一致
const (
	EnvMainnet = "mainnet"
	EnvTestnet = "testnet"

	DefaultActionTypehash = "0x4d7a9f27c403ff9c0f19bce61d76d82f9aa29f8d6d4b0c5474607d9770d1af17"

	MainnetDomainSeparator = "0xd96e5f90797da7ec8dc4e276260c7f3f87fedf68775fbe1ef116e996fc60441b"
	MainnetTradeModule     = "0xB8D20c2B7a1Ad2EE33Bc50eF10876eD3035b5e7b"
	MainnetWSURL           = "wss://api.lyra.finance/ws"
	MainnetHTTPURL         = "https://api.lyra.finance"

	TestnetDomainSeparator = "0x9bcf4dc06df5d8bf23af818d5716491b995020f377d3b7b64c29ed14e3dd1105"
	TestnetTradeModule     = "0x87F2863866D85E3192a35A73b388BD625D83f2be"
	TestnetWSURL           = "wss://api-demo.lyra.finance/ws"
	TestnetHTTPURL         = "https://api-demo.lyra.finance"
)

// ExchangeConfig 交易所连接地址
type ExchangeConfig struct {
	Environment string
	WSURL       string
	HTTPURL     string
}

// ProtocolConfig 签名协议常量
type ProtocolConfig struct {
	DomainSeparator string
	ActionTypehash  string
	TradeModule     string
}

// WalletConfig 钱包配置：Address 是账户 owner，签名 key 可以是 owner 本身或授权的 session key
type WalletConfig struct {
	Address          string
	SignerPrivateKey string
	Mnemonic         string
	DerivationPath   string
	SubaccountID     int64
}

// TransportConfig 连接管理参数
type TransportConfig struct {
	RequestTimeout       time.Duration
	ConnectTimeout       time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int
	RateLimit            float64 // 每秒请求数，0 表示不限
	RateBurst            int
}

// AuthConfig 会话管理参数
type AuthConfig struct {
	RefreshLead               time.Duration // 过期前多久刷新
	MinRefreshDelay           time.Duration // 刷新定时器最短延迟
	ConnectionWait            time.Duration // 开户后等待连接就绪的上限
	SessionCachePath          string
	SessionCacheKey           string
	SessionCacheEncryptionKey string
}

// OrdersConfig 下单限制与重试
type OrdersConfig struct {
	MinSize          decimal.Decimal
	MaxSize          decimal.Decimal
	MinPrice         decimal.Decimal
	MaxPrice         decimal.Decimal
	MaxFee           decimal.Decimal
	MarketSlippage   decimal.Decimal // 市价单保护价相对 mark price 的偏移比例
	SignatureExpiry  time.Duration
	RetryMaxAttempts int
	RetryBase        time.Duration
	RetryCap         time.Duration
	OrderChannel     string // 支持 {subaccount_id} 占位符
	TradeChannel     string
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

// Config 应用配置
type Config struct {
	Exchange  ExchangeConfig
	Protocol  ProtocolConfig
	Wallet    WalletConfig
	Transport TransportConfig
	Auth      AuthConfig
	Orders    OrdersConfig
	Log       LogConfig
}

// ConfigFile 配置文件结构（YAML 解析用，时长与金额都以字符串书写）
type ConfigFile struct {
	Exchange struct {
		Environment string `yaml:"environment"`
		WSURL       string `yaml:"ws_url"`
		HTTPURL     string `yaml:"http_url"`
	} `yaml:"exchange"`
	Protocol struct {
		DomainSeparator string `yaml:"domain_separator"`
		ActionTypehash  string `yaml:"action_typehash"`
		TradeModule     string `yaml:"trade_module_address"`
	} `yaml:"protocol"`
	Wallet struct {
		Address          string `yaml:"address"`
		SignerPrivateKey string `yaml:"signer_private_key"`
		Mnemonic         string `yaml:"mnemonic"`
		DerivationPath   string `yaml:"derivation_path"`
		SubaccountID     int64  `yaml:"subaccount_id"`
	} `yaml:"wallet"`
	Transport struct {
		RequestTimeout       string  `yaml:"request_timeout"`
		ConnectTimeout       string  `yaml:"connect_timeout"`
		ReconnectBase        string  `yaml:"reconnect_base"`
		ReconnectCap         string  `yaml:"reconnect_cap"`
		MaxReconnectAttempts int     `yaml:"max_reconnect_attempts"`
		RateLimit            float64 `yaml:"rate_limit_per_sec"`
		RateBurst            int     `yaml:"rate_limit_burst"`
	} `yaml:"transport"`
	Auth struct {
		RefreshLead               string `yaml:"refresh_lead"`
		MinRefreshDelay           string `yaml:"min_refresh_delay"`
		ConnectionWait            string `yaml:"connection_wait"`
		SessionCachePath          string `yaml:"session_cache_path"`
		SessionCacheKey           string `yaml:"session_cache_key"`
		SessionCacheEncryptionKey string `yaml:"session_cache_encryption_key"`
	} `yaml:"auth"`
	Orders struct {
		MinSize          string `yaml:"min_size"`
		MaxSize          string `yaml:"max_size"`
		MinPrice         string `yaml:"min_price"`
		MaxPrice         string `yaml:"max_price"`
		MaxFee           string `yaml:"max_fee"`
		MarketSlippage   string `yaml:"market_slippage"`
		SignatureExpiry  string `yaml:"signature_expiry"`
		RetryMaxAttempts int    `yaml:"retry_max_attempts"`
		RetryBase        string `yaml:"retry_base"`
		RetryCap         string `yaml:"retry_cap"`
		OrderChannel     string `yaml:"order_channel"`
		TradeChannel     string `yaml:"trade_channel"`
	} `yaml:"orders"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"log"`
}

// LoadFromFile 加载配置（优先级：环境变量 > 配置文件 > 默认值）；filePath 为空时只使用环境变量和默认值
func LoadFromFile(filePath string) (*Config, error) {
	cf := &ConfigFile{}
	if filePath != "" {
		var err error
		cf, err = loadConfigFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
		}
	}

	c, err := build(cf)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	var cf ConfigFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("解析 YAML 失败: %w", err)
	}
	return &cf, nil
}

func build(cf *ConfigFile) (*Config, error) {
	var errs []string
	dur := func(name, fileVal string, def time.Duration) time.Duration {
		d, err := parseDurationEnv(name, fileVal, def)
		if err != nil {
			errs = append(errs, err.Error())
		}
		return d
	}
	dec := func(name, fileVal, def string) decimal.Decimal {
		d, err := decimal.NewFromString(getEnv(name, firstNonEmpty(fileVal, def)))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s 不是合法数字: %v", name, err))
		}
		return d
	}

	env := strings.ToLower(getEnv("DERIVBOT_ENVIRONMENT", firstNonEmpty(cf.Exchange.Environment, EnvMainnet)))
	wsURL, httpURL := MainnetWSURL, MainnetHTTPURL
	domainSep, module := MainnetDomainSeparator, MainnetTradeModule
	if env == EnvTestnet {
		wsURL, httpURL = TestnetWSURL, TestnetHTTPURL
		domainSep, module = TestnetDomainSeparator, TestnetTradeModule
	}

	c := &Config{
		Exchange: ExchangeConfig{
			Environment: env,
			WSURL:       getEnv("DERIVBOT_WS_URL", firstNonEmpty(cf.Exchange.WSURL, wsURL)),
			HTTPURL:     getEnv("DERIVBOT_HTTP_URL", firstNonEmpty(cf.Exchange.HTTPURL, httpURL)),
		},
		Protocol: ProtocolConfig{
			DomainSeparator: getEnv("DERIVBOT_DOMAIN_SEPARATOR", firstNonEmpty(cf.Protocol.DomainSeparator, domainSep)),
			ActionTypehash:  getEnv("DERIVBOT_ACTION_TYPEHASH", firstNonEmpty(cf.Protocol.ActionTypehash, DefaultActionTypehash)),
			TradeModule:     getEnv("DERIVBOT_TRADE_MODULE", firstNonEmpty(cf.Protocol.TradeModule, module)),
		},
		Wallet: WalletConfig{
			Address:          getEnv("DERIVBOT_WALLET_ADDRESS", cf.Wallet.Address),
			SignerPrivateKey: getEnv("DERIVBOT_SIGNER_PRIVATE_KEY", cf.Wallet.SignerPrivateKey),
			Mnemonic:         getEnv("DERIVBOT_MNEMONIC", cf.Wallet.Mnemonic),
			DerivationPath:   getEnv("DERIVBOT_DERIVATION_PATH", firstNonEmpty(cf.Wallet.DerivationPath, "m/44'/60'/0'/0/0")),
			SubaccountID:     parseInt64Env("DERIVBOT_SUBACCOUNT_ID", cf.Wallet.SubaccountID),
		},
		Transport: TransportConfig{
			RequestTimeout:       dur("DERIVBOT_REQUEST_TIMEOUT", cf.Transport.RequestTimeout, 30*time.Second),
			ConnectTimeout:       dur("DERIVBOT_CONNECT_TIMEOUT", cf.Transport.ConnectTimeout, 30*time.Second),
			ReconnectBase:        dur("DERIVBOT_RECONNECT_BASE", cf.Transport.ReconnectBase, time.Second),
			ReconnectCap:         dur("DERIVBOT_RECONNECT_CAP", cf.Transport.ReconnectCap, 10*time.Second),
			MaxReconnectAttempts: parseIntEnv("DERIVBOT_MAX_RECONNECT_ATTEMPTS", orInt(cf.Transport.MaxReconnectAttempts, 5)),
			RateLimit:            parseFloatEnv("DERIVBOT_RATE_LIMIT", cf.Transport.RateLimit),
			RateBurst:            parseIntEnv("DERIVBOT_RATE_BURST", orInt(cf.Transport.RateBurst, 10)),
		},
		Auth: AuthConfig{
			RefreshLead:               dur("DERIVBOT_REFRESH_LEAD", cf.Auth.RefreshLead, 5*time.Minute),
			MinRefreshDelay:           dur("DERIVBOT_MIN_REFRESH_DELAY", cf.Auth.MinRefreshDelay, 60*time.Second),
			ConnectionWait:            dur("DERIVBOT_CONNECTION_WAIT", cf.Auth.ConnectionWait, 60*time.Second),
			SessionCachePath:          getEnv("DERIVBOT_SESSION_CACHE_PATH", firstNonEmpty(cf.Auth.SessionCachePath, "data/session")),
			SessionCacheKey:           getEnv("DERIVBOT_SESSION_CACHE_KEY", firstNonEmpty(cf.Auth.SessionCacheKey, "derivbot.auth.session")),
			SessionCacheEncryptionKey: getEnv("DERIVBOT_SESSION_CACHE_ENCRYPTION_KEY", cf.Auth.SessionCacheEncryptionKey),
		},
		Orders: OrdersConfig{
			MinSize:          dec("DERIVBOT_MIN_SIZE", cf.Orders.MinSize, "0.01"),
			MaxSize:          dec("DERIVBOT_MAX_SIZE", cf.Orders.MaxSize, "10000"),
			MinPrice:         dec("DERIVBOT_MIN_PRICE", cf.Orders.MinPrice, "0.01"),
			MaxPrice:         dec("DERIVBOT_MAX_PRICE", cf.Orders.MaxPrice, "1000000"),
			MaxFee:           dec("DERIVBOT_MAX_FEE", cf.Orders.MaxFee, "100"),
			MarketSlippage:   dec("DERIVBOT_MARKET_SLIPPAGE", cf.Orders.MarketSlippage, "0.05"),
			SignatureExpiry:  dur("DERIVBOT_SIGNATURE_EXPIRY", cf.Orders.SignatureExpiry, 10*time.Minute),
			RetryMaxAttempts: parseIntEnv("DERIVBOT_RETRY_MAX_ATTEMPTS", orInt(cf.Orders.RetryMaxAttempts, 3)),
			RetryBase:        dur("DERIVBOT_RETRY_BASE", cf.Orders.RetryBase, time.Second),
			RetryCap:         dur("DERIVBOT_RETRY_CAP", cf.Orders.RetryCap, 10*time.Second),
			OrderChannel:     getEnv("DERIVBOT_ORDER_CHANNEL", firstNonEmpty(cf.Orders.OrderChannel, "{subaccount_id}.orders")),
			TradeChannel:     getEnv("DERIVBOT_TRADE_CHANNEL", firstNonEmpty(cf.Orders.TradeChannel, "{subaccount_id}.trades")),
		},
		Log: LogConfig{
			Level:      getEnv("LOG_LEVEL", firstNonEmpty(cf.Log.Level, "info")),
			File:       getEnv("LOG_FILE", cf.Log.File),
			MaxSize:    orInt(cf.Log.MaxSize, 100),
			MaxBackups: orInt(cf.Log.MaxBackups, 3),
			MaxAge:     orInt(cf.Log.MaxAge, 7),
			Compress:   parseBoolEnv("LOG_COMPRESS", cf.Log.Compress),
		},
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("配置解析失败: %s", strings.Join(errs, "; "))
	}
	return c, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Exchange.Environment != EnvMainnet && c.Exchange.Environment != EnvTestnet {
		return fmt.Errorf("exchange.environment 只能是 %s 或 %s", EnvMainnet, EnvTestnet)
	}
	if c.Exchange.WSURL == "" {
		return fmt.Errorf("exchange.ws_url 未配置")
	}
	if c.Wallet.SignerPrivateKey == "" && c.Wallet.Mnemonic == "" {
		return fmt.Errorf("DERIVBOT_SIGNER_PRIVATE_KEY 或 DERIVBOT_MNEMONIC 至少配置一个")
	}
	if c.Transport.MaxReconnectAttempts < 0 {
		return fmt.Errorf("max_reconnect_attempts 不能为负数")
	}
	if c.Transport.ReconnectBase <= 0 || c.Transport.ReconnectCap < c.Transport.ReconnectBase {
		return fmt.Errorf("reconnect_base 必须大于 0 且不大于 reconnect_cap")
	}
	if !c.Orders.MinSize.IsPositive() || c.Orders.MaxSize.LessThan(c.Orders.MinSize) {
		return fmt.Errorf("min_size 必须大于 0 且不大于 max_size")
	}
	if !c.Orders.MinPrice.IsPositive() || c.Orders.MaxPrice.LessThan(c.Orders.MinPrice) {
		return fmt.Errorf("min_price 必须大于 0 且不大于 max_price")
	}
	if c.Orders.MaxFee.IsNegative() {
		return fmt.Errorf("max_fee 不能为负数")
	}
	if c.Orders.RetryMaxAttempts < 0 {
		return fmt.Errorf("retry_max_attempts 不能为负数")
	}
	if c.Auth.MinRefreshDelay <= 0 {
		return fmt.Errorf("min_refresh_delay 必须大于 0")
	}
	return nil
}

// ChannelFor 用子账户 id 替换频道模板中的占位符
func ChannelFor(template string, subaccountID int64) string {
	return strings.ReplaceAll(template, "{subaccount_id}", strconv.FormatInt(subaccountID, 10))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseIntEnv(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseInt64Env(key string, defaultValue int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloatEnv(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// parseDurationEnv 环境变量优先，其次配置文件值，最后默认值
func parseDurationEnv(key, fileValue string, defaultValue time.Duration) (time.Duration, error) {
	raw := getEnv(key, fileValue)
	if strings.TrimSpace(raw) == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return defaultValue, fmt.Errorf("%s 时长格式错误 %q: %w", key, raw, err)
	}
	return d, nil
}
