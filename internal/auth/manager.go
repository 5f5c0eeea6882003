// Package auth 管理交易所会话：登录、会话缓存、到期前刷新、重连后重新认证。
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/betbot/derivbot/internal/signing"
	"github.com/betbot/derivbot/internal/transport"
	"github.com/betbot/derivbot/pkg/logger"
	"github.com/betbot/derivbot/pkg/observer"
)

var log = logrus.WithField("component", "auth")

const (
	methodLogin = "public/login"
	methodAuth  = "private/auth"
)

// Conn 认证所需的连接能力，由 transport.Manager 实现
type Conn interface {
	EnsureConnection(ctx context.Context) error
	SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error)
	WaitForReady(ctx context.Context, timeout time.Duration) error
	OnReconnect(fn func()) func()
}

// AccountResolver 账户不存在（14000）时的发现与开户
type AccountResolver interface {
	DiscoverSubaccount(ctx context.Context, wallet common.Address) (int64, error)
	ProvisionAccount(ctx context.Context, wallet common.Address) (int64, error)
}

type Config struct {
	RefreshLead     time.Duration
	MinRefreshDelay time.Duration
	// ConnectionWait 开户后等待连接就绪的上限
	ConnectionWait time.Duration
	RequestTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		RefreshLead:     5 * time.Minute,
		MinRefreshDelay: 60 * time.Second,
		ConnectionWait:  60 * time.Second,
		RequestTimeout:  30 * time.Second,
	}
}

type loginCall struct {
	done    chan struct{}
	session *Session
	err     error
}

// Manager 会话的唯一持有者
type Manager struct {
	conn     Conn
	cache    SessionCache
	resolver AccountResolver
	cfg      Config

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	mu          sync.Mutex
	state       State
	session     *Session
	inflight    *loginCall
	validating  bool
	stopRefresh func() bool
	// replayPending 重连后尚未在新连接上重新认证
	replayPending bool

	stateListeners  observer.Registry[State]
	reauthListeners observer.Registry[*Session]
	removeReconnect func()
}

// NewManager cache、resolver 可为 nil
func NewManager(conn Conn, cache SessionCache, resolver AccountResolver, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.RefreshLead <= 0 {
		cfg.RefreshLead = def.RefreshLead
	}
	if cfg.MinRefreshDelay <= 0 {
		cfg.MinRefreshDelay = def.MinRefreshDelay
	}
	if cfg.ConnectionWait <= 0 {
		cfg.ConnectionWait = def.ConnectionWait
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	m := &Manager{
		conn:     conn,
		cache:    cache,
		resolver: resolver,
		cfg:      cfg,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	m.removeReconnect = conn.OnReconnect(func() {
		m.mu.Lock()
		m.replayPending = true
		m.mu.Unlock()
		go m.reauthenticate()
	})
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session 返回当前会话的副本，无会话时为 nil
func (m *Manager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

func (m *Manager) OnStateChange(fn func(State)) func() {
	return m.stateListeners.Add(fn)
}

// OnReauthenticated 重连后会话重新在新连接上生效时回调
func (m *Manager) OnReauthenticated(fn func()) func() {
	return m.reauthListeners.Add(func(*Session) { fn() })
}

func (m *Manager) transition(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if changed {
		m.stateListeners.Emit(s)
	}
}

// Restore 从缓存恢复未过期的会话并在当前连接上完成握手；过期缓存直接清除
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	if m.cache == nil {
		return false, nil
	}
	s, err := m.cache.Load()
	if err != nil {
		return false, errors.Wrap(err, "load cached session")
	}
	if s == nil {
		return false, nil
	}
	if !s.Valid(m.now()) {
		log.Info("缓存会话已过期，清除")
		m.clearCache()
		return false, nil
	}
	if err := m.conn.EnsureConnection(ctx); err != nil {
		return false, err
	}
	if err := m.handshake(ctx, s); err != nil {
		log.Warnf("缓存会话握手失败: %v", err)
		m.clearCache()
		return false, nil
	}
	m.adopt(s)
	log.Infof("已恢复会话 wallet=%s token=%s", s.WalletAddress, logger.MaskToken(s.AccessToken))
	return true, nil
}

// Login 并发调用只会产生一次登录请求，所有调用方得到同一结果
func (m *Manager) Login(ctx context.Context, id Identity) (*Session, error) {
	m.mu.Lock()
	if c := m.inflight; c != nil {
		m.mu.Unlock()
		select {
		case <-c.done:
			return c.session, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c := &loginCall{done: make(chan struct{})}
	m.inflight = c
	m.mu.Unlock()
	m.transition(Authenticating)

	c.session, c.err = m.login(ctx, id)
	if c.err != nil {
		log.Errorf("登录失败: %v", c.err)
		m.transition(Unauthenticated)
	}

	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()
	close(c.done)
	return c.session, c.err
}

func (m *Manager) login(ctx context.Context, id Identity) (*Session, error) {
	if id.Signer == nil {
		return nil, signing.ErrSignerMissing
	}
	wallet := id.wallet()
	if err := m.conn.EnsureConnection(ctx); err != nil {
		return nil, err
	}

	s, err := m.exchange(ctx, wallet, id)
	if transport.IsRPCCode(err, transport.CodeAccountNotFound) && m.resolver != nil {
		log.Warnf("钱包 %s 在交易所无账户，尝试发现/开户", wallet.Hex())
		sub, rerr := m.resolveAccount(ctx, wallet)
		if rerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrAccountUnavailable, rerr)
		}
		id.SubaccountID = sub
		s, err = m.exchange(ctx, wallet, id)
	}
	if err != nil {
		return nil, err
	}
	if err := m.handshake(ctx, s); err != nil {
		return nil, err
	}
	m.adopt(s)
	log.Infof("登录成功 wallet=%s subaccount=%d 到期=%s", s.WalletAddress, s.SubaccountID, s.ExpiresAt.Format(time.RFC3339))
	return s, nil
}

type loginResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
	// ExpiresIn 秒；ExpiresAt 为 unix 毫秒，两者给出其一
	ExpiresIn int64 `json:"expires_in"`
	ExpiresAt int64 `json:"expires_at"`
}

func (m *Manager) exchange(ctx context.Context, wallet common.Address, id Identity) (*Session, error) {
	ts := m.now().UnixMilli()
	sig, err := signing.SignLoginTimestamp(id.Signer, ts)
	if err != nil {
		return nil, err
	}
	params := map[string]any{
		"wallet":    wallet.Hex(),
		"timestamp": fmt.Sprintf("%d", ts),
		"signature": sig,
	}
	if id.SubaccountID > 0 {
		params["subaccount_id"] = id.SubaccountID
	}
	raw, err := m.conn.SendRequest(ctx, methodLogin, params)
	if err != nil {
		return nil, err
	}
	s, err := m.parseLogin(raw)
	if err != nil {
		return nil, err
	}
	s.WalletAddress = wallet.Hex()
	s.SubaccountID = id.SubaccountID
	return s, nil
}

func (m *Manager) parseLogin(raw json.RawMessage) (*Session, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ErrMalformedLoginResponse
	}
	var r loginResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, errors.Wrap(ErrMalformedLoginResponse, err.Error())
	}
	if r.AccessToken == "" || r.SessionID == "" {
		return nil, ErrMalformedLoginResponse
	}
	s := &Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		SessionID:    r.SessionID,
	}
	switch {
	case r.ExpiresAt > 0:
		s.ExpiresAt = time.UnixMilli(r.ExpiresAt)
	case r.ExpiresIn > 0:
		s.ExpiresAt = m.now().Add(time.Duration(r.ExpiresIn) * time.Second)
	default:
		return nil, ErrMalformedLoginResponse
	}
	return s, nil
}

func (m *Manager) handshake(ctx context.Context, s *Session) error {
	_, err := m.conn.SendRequest(ctx, methodAuth, map[string]any{
		"access_token": s.AccessToken,
		"session_id":   s.SessionID,
	})
	return errors.Wrap(err, "session handshake")
}

func (m *Manager) resolveAccount(ctx context.Context, wallet common.Address) (int64, error) {
	sub, err := m.resolver.DiscoverSubaccount(ctx, wallet)
	if err == nil && sub > 0 {
		log.Infof("发现已有子账户 %d", sub)
		return sub, nil
	}
	log.Infof("未发现子账户（%v），开始开户", err)
	sub, err = m.resolver.ProvisionAccount(ctx, wallet)
	if err != nil {
		return 0, err
	}
	if err := m.conn.WaitForReady(ctx, m.cfg.ConnectionWait); err != nil {
		return 0, errors.Wrap(err, "wait for connection after provisioning")
	}
	if sub == 0 {
		if sub, err = m.resolver.DiscoverSubaccount(ctx, wallet); err != nil {
			return 0, err
		}
	}
	return sub, nil
}

// adopt 设置会话、持久化并安排刷新
// 重连后若握手重放未能完成（无会话、已过期或登录进行中），由这里补发重新认证事件
func (m *Manager) adopt(s *Session) {
	m.mu.Lock()
	m.session = s
	m.scheduleRefreshLocked(s)
	replay := m.replayPending
	m.replayPending = false
	m.mu.Unlock()
	m.transition(Authenticated)

	if m.cache != nil {
		if err := m.cache.Save(s); err != nil {
			log.Warnf("会话缓存写入失败: %v", err)
		}
	}
	if replay {
		log.Info("重连后会话已通过登录重新建立")
		m.reauthListeners.Emit(s)
	}
}

// refreshDelay max(ExpiresAt - RefreshLead - now, MinRefreshDelay)
func (m *Manager) refreshDelay(s *Session) time.Duration {
	d := s.ExpiresAt.Sub(m.now()) - m.cfg.RefreshLead
	if d < m.cfg.MinRefreshDelay {
		d = m.cfg.MinRefreshDelay
	}
	return d
}

func (m *Manager) scheduleRefreshLocked(s *Session) {
	if m.stopRefresh != nil {
		m.stopRefresh()
	}
	d := m.refreshDelay(s)
	log.Debugf("%s 后刷新会话", d)
	m.stopRefresh = m.afterFunc(d, m.onRefreshTimer)
}

func (m *Manager) onRefreshTimer() {
	m.mu.Lock()
	m.stopRefresh = nil
	has := m.session != nil
	m.mu.Unlock()
	if !has {
		return
	}
	m.transition(ExpiringSoon)

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()
	if err := m.Refresh(ctx); err != nil {
		log.Warnf("定时刷新失败，需要重新登录: %v", err)
	}
}

// Refresh 用 refresh token 换新会话；失败时清除会话
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	cur := m.session
	m.mu.Unlock()
	if cur == nil {
		return ErrNotAuthenticated
	}
	m.transition(Refreshing)

	next, err := m.refresh(ctx, cur)
	if err != nil {
		m.teardown(Unauthenticated)
		return err
	}
	m.adopt(next)
	log.Infof("会话已刷新，新到期时间 %s", next.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (m *Manager) refresh(ctx context.Context, cur *Session) (*Session, error) {
	if cur.RefreshToken == "" {
		return nil, errors.New("auth: session has no refresh token")
	}
	raw, err := m.conn.SendRequest(ctx, methodLogin, map[string]any{
		"grant_type":    "refresh_token",
		"refresh_token": cur.RefreshToken,
		"wallet":        cur.WalletAddress,
	})
	if err != nil {
		return nil, errors.Wrap(err, "refresh session")
	}
	next, err := m.parseLogin(raw)
	if err != nil {
		return nil, err
	}
	next.WalletAddress = cur.WalletAddress
	next.SubaccountID = cur.SubaccountID
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}
	if err := m.handshake(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// EnsureAuthenticated 不发起网络请求；校验期间一律视为未认证
func (m *Manager) EnsureAuthenticated() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.validating:
		return ErrValidating
	case m.session == nil:
		return ErrNotAuthenticated
	case !m.session.Valid(m.now()):
		return ErrSessionExpired
	}
	return nil
}

// ValidateSession 会话有效返回 true；已过期则先彻底清除，再在提供身份时重新登录
func (m *Manager) ValidateSession(ctx context.Context, id *Identity) (bool, error) {
	m.mu.Lock()
	if m.session.Valid(m.now()) {
		m.mu.Unlock()
		return true, nil
	}
	hadSession := m.session != nil
	m.validating = true
	m.mu.Unlock()

	if hadSession {
		log.Warn("会话已过期，清除后重新认证")
		m.teardown(Expired)
	}
	m.transition(Unauthenticated)

	m.mu.Lock()
	m.validating = false
	m.mu.Unlock()

	if id == nil {
		return false, nil
	}
	if _, err := m.Login(ctx, *id); err != nil {
		return false, err
	}
	return true, nil
}

// teardown 清除内存会话、缓存与刷新定时器
func (m *Manager) teardown(to State) {
	m.mu.Lock()
	m.session = nil
	if m.stopRefresh != nil {
		m.stopRefresh()
		m.stopRefresh = nil
	}
	m.mu.Unlock()
	m.clearCache()
	m.transition(to)
}

func (m *Manager) clearCache() {
	if m.cache == nil {
		return
	}
	if err := m.cache.Clear(); err != nil {
		log.Warnf("会话缓存清除失败: %v", err)
	}
}

// reauthenticate 重连后在新连接上重放握手
func (m *Manager) reauthenticate() {
	m.mu.Lock()
	s := m.session
	busy := m.inflight != nil
	m.mu.Unlock()
	if s == nil || busy {
		return
	}
	if !s.Valid(m.now()) {
		m.teardown(Expired)
		m.transition(Unauthenticated)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RequestTimeout)
	defer cancel()
	if err := m.handshake(ctx, s); err != nil {
		log.Errorf("重连后重新认证失败: %v", err)
		m.teardown(Unauthenticated)
		return
	}
	m.mu.Lock()
	replay := m.replayPending
	m.replayPending = false
	m.mu.Unlock()
	if !replay {
		return
	}
	log.Info("重连后会话已重新生效")
	m.reauthListeners.Emit(s)
}

// Logout 清除会话，不通知交易所
func (m *Manager) Logout() {
	m.teardown(Unauthenticated)
}

// Close 停止刷新定时器并注销重连监听，会话与缓存保留
func (m *Manager) Close() {
	m.mu.Lock()
	if m.stopRefresh != nil {
		m.stopRefresh()
		m.stopRefresh = nil
	}
	m.mu.Unlock()
	if m.removeReconnect != nil {
		m.removeReconnect()
	}
}
