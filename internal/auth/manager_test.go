package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betbot/derivbot/internal/signing"
	"github.com/betbot/derivbot/internal/transport"
	"github.com/betbot/derivbot/pkg/secretstore"
)

const testKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type call struct {
	method string
	params map[string]any
}

// fakeConn 按方法名路由到 handler，记录所有请求
type fakeConn struct {
	mu        sync.Mutex
	calls     []call
	handlers  map[string]func(params map[string]any) (json.RawMessage, error)
	reconnect func()
	waits     int
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: map[string]func(map[string]any) (json.RawMessage, error){}}
}

func (f *fakeConn) EnsureConnection(ctx context.Context) error { return nil }

func (f *fakeConn) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	p, _ := params.(map[string]any)
	f.mu.Lock()
	f.calls = append(f.calls, call{method: method, params: p})
	h := f.handlers[method]
	f.mu.Unlock()
	if h == nil {
		return json.RawMessage(`{}`), nil
	}
	return h(p)
}

func (f *fakeConn) WaitForReady(ctx context.Context, timeout time.Duration) error {
	f.mu.Lock()
	f.waits++
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) OnReconnect(fn func()) func() {
	f.reconnect = fn
	return func() {}
}

func (f *fakeConn) handle(method string, h func(map[string]any) (json.RawMessage, error)) {
	f.mu.Lock()
	f.handlers[method] = h
	f.mu.Unlock()
}

func (f *fakeConn) count(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.method == method {
			n++
		}
	}
	return n
}

func (f *fakeConn) lastParams(method string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.calls) - 1; i >= 0; i-- {
		if f.calls[i].method == method {
			return f.calls[i].params
		}
	}
	return nil
}

func loginOK(token string, expiresIn int) func(map[string]any) (json.RawMessage, error) {
	return func(map[string]any) (json.RawMessage, error) {
		return json.Marshal(map[string]any{
			"access_token":  token,
			"refresh_token": "refresh-" + token,
			"session_id":    "sess-" + token,
			"expires_in":    expiresIn,
		})
	}
}

type fakeResolver struct {
	discovered  int64
	discoverErr error
	provisioned int64
	provisions  int
}

func (r *fakeResolver) DiscoverSubaccount(ctx context.Context, wallet common.Address) (int64, error) {
	return r.discovered, r.discoverErr
}

func (r *fakeResolver) ProvisionAccount(ctx context.Context, wallet common.Address) (int64, error) {
	r.provisions++
	return r.provisioned, nil
}

type timerCapture struct {
	mu     sync.Mutex
	delays []time.Duration
	fns    []func()
}

func (c *timerCapture) afterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	c.fns = append(c.fns, f)
	return func() bool { return true }
}

func (c *timerCapture) last() (time.Duration, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.fns) == 0 {
		return 0, nil
	}
	return c.delays[len(c.delays)-1], c.fns[len(c.fns)-1]
}

var testNow = time.Unix(1_700_000_000, 0)

func newTestManager(t *testing.T, conn *fakeConn, cache SessionCache, resolver AccountResolver) (*Manager, *timerCapture) {
	t.Helper()
	m := NewManager(conn, cache, resolver, DefaultConfig())
	m.now = func() time.Time { return testNow }
	tc := &timerCapture{}
	m.afterFunc = tc.afterFunc
	return m, tc
}

func testIdentity(t *testing.T) Identity {
	t.Helper()
	s, err := signing.NewKeySignerFromHex(testKey)
	require.NoError(t, err)
	return Identity{Signer: s}
}

func newMemCache(t *testing.T) *StoreCache {
	t.Helper()
	store, err := secretstore.Open(secretstore.OpenOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewStoreCache(store, "session")
}

func TestLoginEstablishesSession(t *testing.T) {
	conn := newFakeConn()
	conn.handle(methodLogin, loginOK("tok1", 3600))
	cache := newMemCache(t)
	m, tc := newTestManager(t, conn, cache, nil)

	var states []State
	m.OnStateChange(func(s State) { states = append(states, s) })

	s, err := m.Login(context.Background(), testIdentity(t))
	require.NoError(t, err)
	assert.Equal(t, "tok1", s.AccessToken)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", s.WalletAddress)
	assert.Equal(t, testNow.Add(time.Hour), s.ExpiresAt)
	assert.Equal(t, Authenticated, m.State())
	assert.Equal(t, []State{Authenticating, Authenticated}, states)
	assert.NoError(t, m.EnsureAuthenticated())

	params := conn.lastParams(methodLogin)
	assert.Equal(t, s.WalletAddress, params["wallet"])
	assert.Equal(t, "1700000000000", params["timestamp"])
	assert.NotEmpty(t, params["signature"])

	auth := conn.lastParams(methodAuth)
	assert.Equal(t, "tok1", auth["access_token"])
	assert.Equal(t, "sess-tok1", auth["session_id"])

	cached, err := cache.Load()
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "tok1", cached.AccessToken)

	// 1h 过期，提前 5 分钟刷新
	d, _ := tc.last()
	assert.Equal(t, 55*time.Minute, d)
}

func TestConcurrentLoginSingleFlight(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	var entered atomic.Int32
	conn.handle(methodLogin, func(p map[string]any) (json.RawMessage, error) {
		entered.Add(1)
		<-release
		return loginOK("shared", 3600)(p)
	})
	m, _ := newTestManager(t, conn, nil, nil)
	id := testIdentity(t)

	const n = 5
	results := make([]*Session, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Login(context.Background(), id)
		}(i)
	}
	require.Eventually(t, func() bool { return entered.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, conn.count(methodLogin), "只应发出一次登录请求")
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, results[0], results[i])
	}
}

func TestLoginMalformedResponse(t *testing.T) {
	conn := newFakeConn()
	conn.handle(methodLogin, func(map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`null`), nil
	})
	m, _ := newTestManager(t, conn, nil, nil)

	_, err := m.Login(context.Background(), testIdentity(t))
	assert.ErrorIs(t, err, ErrMalformedLoginResponse)
	assert.Equal(t, Unauthenticated, m.State())
	assert.Nil(t, m.Session())
	assert.Equal(t, 0, conn.count(methodAuth))

	conn.handle(methodLogin, func(map[string]any) (json.RawMessage, error) {
		return json.RawMessage(`{"access_token":"x"}`), nil
	})
	_, err = m.Login(context.Background(), testIdentity(t))
	assert.ErrorIs(t, err, ErrMalformedLoginResponse)
}

func TestLoginRequiresSigner(t *testing.T) {
	m, _ := newTestManager(t, newFakeConn(), nil, nil)
	_, err := m.Login(context.Background(), Identity{})
	assert.ErrorIs(t, err, signing.ErrSignerMissing)
}

func TestLoginProvisionsMissingAccount(t *testing.T) {
	conn := newFakeConn()
	var attempts int
	conn.handle(methodLogin, func(p map[string]any) (json.RawMessage, error) {
		attempts++
		if attempts == 1 {
			return nil, &transport.RPCError{Code: transport.CodeAccountNotFound, Message: "Account not found"}
		}
		return loginOK("fresh", 3600)(p)
	})
	resolver := &fakeResolver{discoverErr: errors.New("no subaccount"), provisioned: 77}
	m, _ := newTestManager(t, conn, nil, resolver)

	s, err := m.Login(context.Background(), testIdentity(t))
	require.NoError(t, err)
	assert.Equal(t, int64(77), s.SubaccountID)
	assert.Equal(t, 1, resolver.provisions)
	assert.Equal(t, 1, conn.waits, "开户后应等待连接就绪")
	assert.Equal(t, 2, conn.count(methodLogin))
	assert.Equal(t, int64(77), conn.lastParams(methodLogin)["subaccount_id"])
}

func TestLoginDiscoversExistingSubaccount(t *testing.T) {
	conn := newFakeConn()
	var attempts int
	conn.handle(methodLogin, func(p map[string]any) (json.RawMessage, error) {
		attempts++
		if attempts == 1 {
			return nil, &transport.RPCError{Code: transport.CodeAccountNotFound}
		}
		return loginOK("found", 3600)(p)
	})
	resolver := &fakeResolver{discovered: 12}
	m, _ := newTestManager(t, conn, nil, resolver)

	s, err := m.Login(context.Background(), testIdentity(t))
	require.NoError(t, err)
	assert.Equal(t, int64(12), s.SubaccountID)
	assert.Equal(t, 0, resolver.provisions)
	assert.Equal(t, 0, conn.waits)
}

func TestLoginPropagatesOtherRPCErrors(t *testing.T) {
	conn := newFakeConn()
	conn.handle(methodLogin, func(map[string]any) (json.RawMessage, error) {
		return nil, &transport.RPCError{Code: 10002, Message: "invalid signature"}
	})
	resolver := &fakeResolver{provisioned: 1}
	m, _ := newTestManager(t, conn, nil, resolver)

	_, err := m.Login(context.Background(), testIdentity(t))
	assert.True(t, transport.IsRPCCode(err, 10002))
	assert.Equal(t, 0, resolver.provisions)
}

func TestRefreshDelayFloor(t *testing.T) {
	m, _ := newTestManager(t, newFakeConn(), nil, nil)
	assert.Equal(t, 60*time.Second, m.refreshDelay(&Session{ExpiresAt: testNow.Add(2 * time.Minute)}))
	assert.Equal(t, 60*time.Second, m.refreshDelay(&Session{ExpiresAt: testNow.Add(-time.Minute)}))
	assert.Equal(t, 25*time.Minute, m.refreshDelay(&Session{ExpiresAt: testNow.Add(30 * time.Minute)}))
}

func TestScheduledRefreshReplacesSession(t *testing.T) {
	conn := newFakeConn()
	conn.handle(methodLogin, loginOK("tok1", 3600))
	m, tc := newTestManager(t, conn, nil, nil)
	_, err := m.Login(context.Background(), testIdentity(t))
	require.NoError(t, err)

	var states []State
	m.OnStateChange(func(s State) { states = append(states, s) })

	conn.handle(methodLogin, func(p map[string]any) (json.RawMessage, error) {
		assert.Equal(t, "refresh_token", p["grant_type"])
		assert.Equal(t, "refresh-tok1", p["refresh_token"])
		return loginOK("tok2", 7200)(p)
	})
	_, fire := tc.last()
	fire()

	s := m.Session()
	require.NotNil(t, s)
	assert.Equal(t, "tok2", s.AccessToken)
	assert.Equal(t, []State{ExpiringSoon, Refreshing, Authenticated}, states)
	d, _ := tc.last()
	assert.Equal(t, 115*time.Minute, d)
}

func TestRefreshFailureClearsSession(t *testing.T) {
	conn := newFakeConn()
	conn.handle(methodLogin, loginOK("tok1", 3600))
	cache := newMemCache(t)
	m, tc := newTestManager(t, conn, cache, nil)
	_, err := m.Login(context.Background(), testIdentity(t))
	require.NoError(t, err)

	conn.handle(methodLogin, func(map[string]any) (json.RawMessage, error) {
		return nil, transport.ErrNotConnected
	})
	_, fire := tc.last()
	assert.NotPanics(t, fire)

	assert.Nil(t, m.Session())
	assert.Equal(t, Unauthenticated, m.State())
	assert.ErrorIs(t, m.EnsureAuthenticated(), ErrNotAuthenticated)
	cached, err := cache.Load()
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestValidateSessionExpired(t *testing.T) {
	conn := newFakeConn()
	conn.handle(methodLogin, loginOK("tok1", 3600))
	cache := newMemCache(t)
	m, _ := newTestManager(t, conn, cache, nil)
	_, err := m.Login(context.Background(), testIdentity(t))
	require.NoError(t, err)

	valid, err := m.ValidateSession(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, valid)

	// 时间跳到过期之后
	m.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	assert.ErrorIs(t, m.EnsureAuthenticated(), ErrSessionExpired)

	var states []State
	m.OnStateChange(func(s State) { states = append(states, s) })
	valid, err = m.ValidateSession(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Nil(t, m.Session())
	assert.Equal(t, []State{Expired, Unauthenticated}, states)

	cached, err := cache.Load()
	require.NoError(t, err)
	assert.Nil(t, cached, "过期会话必须从缓存中清除")
}

func TestValidateSessionRelogsWithIdentity(t *testing.T) {
	conn := newFakeConn()
	conn.handle(methodLogin, loginOK("tok1", 3600))
	m, _ := newTestManager(t, conn, nil, nil)
	_, err := m.Login(context.Background(), testIdentity(t))
	require.NoError(t, err)

	m.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	conn.handle(methodLogin, loginOK("tok2", 3600))
	id := testIdentity(t)
	valid, err := m.ValidateSession(context.Background(), &id)
	require.NoError(t, err)
	assert.True(t, valid)
	assert.Equal(t, "tok2", m.Session().AccessToken)
}

func TestEnsureAuthenticatedWhileValidating(t *testing.T) {
	m, _ := newTestManager(t, newFakeConn(), nil, nil)
	m.session = &Session{AccessToken: "t", ExpiresAt: testNow.Add(time.Hour)}
	m.validating = true
	assert.ErrorIs(t, m.EnsureAuthenticated(), ErrValidating)
	assert.ErrorIs(t, m.EnsureAuthenticated(), ErrNotAuthenticated)
}

func TestRestoreFromCache(t *testing.T) {
	cache := newMemCache(t)
	require.NoError(t, cache.Save(&Session{
		AccessToken:   "cached",
		RefreshToken:  "r",
		SessionID:     "s",
		WalletAddress: "0xabc",
		ExpiresAt:     time.Now().Add(time.Hour),
	}))

	conn := newFakeConn()
	m, _ := newTestManager(t, conn, cache, nil)
	m.now = time.Now

	ok, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "cached", m.Session().AccessToken)
	assert.Equal(t, Authenticated, m.State())
	assert.Equal(t, 1, conn.count(methodAuth))
	assert.Equal(t, 0, conn.count(methodLogin))
}

func TestRestoreDropsExpiredCache(t *testing.T) {
	cache := newMemCache(t)
	require.NoError(t, cache.Save(&Session{AccessToken: "old", ExpiresAt: time.Now().Add(time.Hour)}))

	conn := newFakeConn()
	m, _ := newTestManager(t, conn, cache, nil)
	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	ok, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, conn.count(methodAuth))
	cached, err := cache.Load()
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestReconnectReplaysHandshake(t *testing.T) {
	conn := newFakeConn()
	conn.handle(methodLogin, loginOK("tok1", 3600))
	m, _ := newTestManager(t, conn, nil, nil)
	_, err := m.Login(context.Background(), testIdentity(t))
	require.NoError(t, err)

	reauthed := make(chan struct{}, 1)
	m.OnReauthenticated(func() { reauthed <- struct{}{} })

	require.NotNil(t, conn.reconnect)
	conn.reconnect()
	select {
	case <-reauthed:
	case <-time.After(time.Second):
		t.Fatal("重连后未重新认证")
	}
	assert.Equal(t, 2, conn.count(methodAuth))
	assert.Equal(t, 1, conn.count(methodLogin), "重连只重放握手，不重新登录")
	assert.Equal(t, Authenticated, m.State())
}

func TestReconnectWithExpiredSessionReauthenticatesOnLogin(t *testing.T) {
	conn := newFakeConn()
	conn.handle(methodLogin, loginOK("tok1", 3600))
	m, _ := newTestManager(t, conn, nil, nil)
	id := testIdentity(t)
	_, err := m.Login(context.Background(), id)
	require.NoError(t, err)

	var reauths atomic.Int32
	m.OnReauthenticated(func() { reauths.Add(1) })

	later := testNow.Add(2 * time.Hour)
	m.now = func() time.Time { return later }
	conn.reconnect()
	require.Eventually(t, func() bool { return m.State() == Unauthenticated }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), reauths.Load(), "会话过期时握手不应重放")

	conn.handle(methodLogin, loginOK("tok2", 3600))
	_, err = m.Login(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), reauths.Load(), "重连后的首次登录应补发重新认证事件")

	_, err = m.Login(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, int32(1), reauths.Load(), "之后的登录不再触发")
}

func TestLoginWithoutReconnectDoesNotEmitReauth(t *testing.T) {
	conn := newFakeConn()
	conn.handle(methodLogin, loginOK("tok1", 3600))
	m, _ := newTestManager(t, conn, nil, nil)

	var reauths atomic.Int32
	m.OnReauthenticated(func() { reauths.Add(1) })
	_, err := m.Login(context.Background(), testIdentity(t))
	require.NoError(t, err)
	assert.Equal(t, int32(0), reauths.Load())
}

func TestReconnectHandshakeFailureClearsSession(t *testing.T) {
	conn := newFakeConn()
	conn.handle(methodLogin, loginOK("tok1", 3600))
	m, _ := newTestManager(t, conn, nil, nil)
	_, err := m.Login(context.Background(), testIdentity(t))
	require.NoError(t, err)

	conn.handle(methodAuth, func(map[string]any) (json.RawMessage, error) {
		return nil, &transport.RPCError{Code: transport.CodeAuthRequired, Message: "auth required"}
	})
	conn.reconnect()
	require.Eventually(t, func() bool { return m.Session() == nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Unauthenticated, m.State())
}

func TestLogout(t *testing.T) {
	conn := newFakeConn()
	conn.handle(methodLogin, loginOK("tok1", 3600))
	cache := newMemCache(t)
	m, _ := newTestManager(t, conn, cache, nil)
	_, err := m.Login(context.Background(), testIdentity(t))
	require.NoError(t, err)

	m.Logout()
	assert.Nil(t, m.Session())
	assert.Equal(t, Unauthenticated, m.State())
	cached, err := cache.Load()
	require.NoError(t, err)
	assert.Nil(t, cached)
}
