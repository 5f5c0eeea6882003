package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betbot/derivbot/internal/signing"
	"github.com/betbot/derivbot/pkg/secretstore"
)

var (
	ErrNotAuthenticated       = errors.New("auth: not authenticated")
	ErrSessionExpired         = fmt.Errorf("%w: session expired", ErrNotAuthenticated)
	ErrValidating             = fmt.Errorf("%w: session is being validated", ErrNotAuthenticated)
	ErrMalformedLoginResponse = errors.New("auth: login response missing session fields")
	ErrAccountUnavailable     = errors.New("auth: account not found and could not be provisioned")
)

// State 认证状态
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	ExpiringSoon
	Refreshing
	Expired
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case ExpiringSoon:
		return "expiring_soon"
	case Refreshing:
		return "refreshing"
	case Expired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session 交易所会话，只由 Manager 创建和修改
type Session struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	ExpiresAt     time.Time `json:"expires_at"`
	WalletAddress string    `json:"wallet_address"`
	SessionID     string    `json:"session_id"`
	SubaccountID  int64     `json:"subaccount_id,omitempty"`
}

// Valid now < ExpiresAt
func (s *Session) Valid(now time.Time) bool {
	return s != nil && now.Before(s.ExpiresAt)
}

// Identity 登录所用的钱包身份
type Identity struct {
	Wallet       common.Address
	Signer       signing.Signer
	SubaccountID int64
}

func (id Identity) wallet() common.Address {
	if id.Wallet == (common.Address{}) && id.Signer != nil {
		return id.Signer.Address()
	}
	return id.Wallet
}

// SessionCache 会话持久化
type SessionCache interface {
	// Load 无缓存时返回 nil, nil
	Load() (*Session, error)
	Save(s *Session) error
	Clear() error
}

// StoreCache 基于 secretstore 的会话缓存，固定 key
type StoreCache struct {
	store *secretstore.Store
	key   string
}

func NewStoreCache(store *secretstore.Store, key string) *StoreCache {
	return &StoreCache{store: store, key: key}
}

func (c *StoreCache) Load() (*Session, error) {
	var s Session
	if err := c.store.GetJSON(c.key, &s); err != nil {
		if errors.Is(err, secretstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func (c *StoreCache) Save(s *Session) error {
	ttl := time.Until(s.ExpiresAt)
	if ttl <= 0 {
		return c.Clear()
	}
	return c.store.SetJSON(c.key, s, ttl)
}

func (c *StoreCache) Clear() error {
	return c.store.Delete(c.key)
}
