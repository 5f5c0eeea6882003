// Package transport 管理与交易所之间唯一的 websocket 连接：
// 请求/响应按 correlation id 匹配，推送按频道分发，异常断开后按指数退避重连。
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/betbot/derivbot/pkg/observer"
	"github.com/betbot/derivbot/pkg/retry"
)

var log = logrus.WithField("component", "transport")

// State 连接状态
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Callback 推送回调，在读循环 goroutine 上同步调用
type Callback func(data json.RawMessage)

// Config 连接参数
type Config struct {
	URL            string
	Header         http.Header
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	PingInterval   time.Duration // 0 表示不发送心跳
	Reconnect      retry.Policy
	RateLimit      float64 // 每秒请求数，<=0 不限流
	RateBurst      int
}

// DefaultConfig 30s 请求超时、30s 建连超时、重连 1s 起步 10s 封顶最多 5 次
func DefaultConfig(url string) Config {
	return Config{
		URL:            url,
		RequestTimeout: 30 * time.Second,
		ConnectTimeout: 30 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   15 * time.Second,
		Reconnect:      retry.Policy{MaxAttempts: 5, Base: time.Second, Cap: 10 * time.Second},
	}
}

type result struct {
	raw json.RawMessage
	err error
}

type pendingRequest struct {
	method string
	sentAt time.Time
	done   chan result // 缓冲 1，只写一次
	timer  *time.Timer
}

// SubscriptionMeta 订阅元信息
type SubscriptionMeta struct {
	Channel      string
	SubscribedAt time.Time
}

type subscription struct {
	callback Callback
	meta     SubscriptionMeta
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// Manager 单连接管理器。pending 表与订阅表只在本类型内修改。
type Manager struct {
	cfg     Config
	dialer  *websocket.Dialer
	limiter *rate.Limiter

	// afterFunc 调度重连，测试中替换以捕获延迟
	afterFunc func(d time.Duration, f func()) (stop func() bool)

	mu            sync.Mutex
	state         State
	conn          *websocket.Conn
	generation    uint64
	attempt       *connectAttempt
	pending       map[string]*pendingRequest
	subs          map[string]*subscription
	reconnectSeq  *retry.Sequence
	stopReconnect func() bool
	closed        bool

	writeMu sync.Mutex

	stateListeners     observer.Registry[State]
	reconnectListeners observer.Registry[struct{}]
}

func NewManager(cfg Config) *Manager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Reconnect.Base <= 0 {
		cfg.Reconnect = DefaultConfig(cfg.URL).Reconnect
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Manager{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		limiter: limiter,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		pending:      make(map[string]*pendingRequest),
		subs:         make(map[string]*subscription),
		reconnectSeq: cfg.Reconnect.Sequence(),
	}
}

// State 当前连接状态
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange 注册状态监听，返回移除函数
func (m *Manager) OnStateChange(fn func(State)) func() {
	return m.stateListeners.Add(fn)
}

// OnReconnect 重连成功后回调（首次连接不触发），返回移除函数
func (m *Manager) OnReconnect(fn func()) func() {
	if fn == nil {
		return func() {}
	}
	return m.reconnectListeners.Add(func(struct{}) { fn() })
}

func (m *Manager) setStateLocked(s State) (changed bool) {
	if m.state == s {
		return false
	}
	m.state = s
	return true
}

// EnsureConnection 连接就绪后返回；已有进行中的建连时复用同一次尝试
func (m *Manager) EnsureConnection(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.state == Ready {
		m.mu.Unlock()
		return nil
	}
	a := m.attempt
	if a == nil {
		a = &connectAttempt{done: make(chan struct{})}
		m.attempt = a
		changed := m.setStateLocked(Connecting)
		m.mu.Unlock()
		if changed {
			m.stateListeners.Emit(Connecting)
		}
		go m.dial(a)
	} else {
		m.mu.Unlock()
	}

	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) dial(a *connectAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	conn, _, err := m.dialer.DialContext(ctx, m.cfg.URL, m.cfg.Header)
	timedOut := ctx.Err() == context.DeadlineExceeded
	cancel()

	m.mu.Lock()
	m.attempt = nil
	if err == nil && m.closed {
		_ = conn.Close()
		err = ErrManagerClosed
	}
	if err != nil {
		if timedOut {
			err = ErrConnectTimeout
		}
		if !errors.Is(err, ErrManagerClosed) {
			err = &ConnectError{URL: m.cfg.URL, Err: err}
		}
		a.err = err
		changed := false
		if !m.closed {
			changed = m.setStateLocked(Disconnected)
		}
		m.mu.Unlock()
		if changed {
			m.stateListeners.Emit(Disconnected)
		}
		close(a.done)
		log.Warnf("连接失败: %v", err)
		return
	}

	m.conn = conn
	m.generation++
	gen := m.generation
	m.setStateLocked(Ready)
	wasReconnect := m.reconnectSeq.Attempt() > 0
	m.reconnectSeq.Reset()
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	m.mu.Unlock()

	go m.readLoop(conn, gen)
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(conn, gen)
	}

	log.Infof("连接已建立: %s", m.cfg.URL)
	m.stateListeners.Emit(Ready)
	close(a.done)

	if wasReconnect {
		log.Infof("重连成功，通知上层恢复会话与订阅")
		m.reconnectListeners.Emit(struct{}{})
	}
}

// WaitForReady 在 timeout 内反复尝试建连，直到就绪
func (m *Manager) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		err := m.EnsureConnection(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrManagerClosed) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("等待连接就绪超时(%s): %w", timeout, err)
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// SendRequest 发送请求并等待匹配的响应。连接未就绪时返回 ErrNotConnected。
// ctx 取消只影响调用方等待，线上请求仍会在响应或超时后从 pending 表移除。
func (m *Manager) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if params == nil {
		params = struct{}{}
	}
	id := uuid.NewString()
	payload, err := json.Marshal(request{Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("transport: encode %s: %w", method, err)
	}

	p := &pendingRequest{method: method, sentAt: time.Now(), done: make(chan result, 1)}

	m.mu.Lock()
	if m.state != Ready || m.conn == nil {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := m.conn
	m.pending[id] = p
	p.timer = time.AfterFunc(m.cfg.RequestTimeout, func() { m.expire(id) })
	m.mu.Unlock()

	if err := m.write(ctx, conn, payload); err != nil {
		if m.takePending(id) != nil {
			p.timer.Stop()
		}
		return nil, err
	}
	log.Debugf("→ %s id=%s", method, id)

	select {
	case r := <-p.done:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) write(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}
	return nil
}

func (m *Manager) takePending(id string) *pendingRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok {
		return nil
	}
	delete(m.pending, id)
	return p
}

func (m *Manager) expire(id string) {
	p := m.takePending(id)
	if p == nil {
		return
	}
	log.Warnf("请求超时: method=%s id=%s", p.method, id)
	p.done <- result{err: fmt.Errorf("%w: %s after %s", ErrRequestTimeout, p.method, m.cfg.RequestTimeout)}
}

// PendingCount 当前未完成请求数
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Subscribe 注册频道回调；已订阅时只替换回调，不再发送订阅请求
func (m *Manager) Subscribe(ctx context.Context, channel string, cb Callback) error {
	if channel == "" || cb == nil {
		return errors.New("transport: channel and callback are required")
	}
	m.mu.Lock()
	if s, ok := m.subs[channel]; ok {
		s.callback = cb
		m.mu.Unlock()
		return nil
	}
	if m.state != Ready {
		m.mu.Unlock()
		return ErrNotConnected
	}
	s := &subscription{callback: cb, meta: SubscriptionMeta{Channel: channel, SubscribedAt: time.Now()}}
	m.subs[channel] = s
	m.mu.Unlock()

	if _, err := m.SendRequest(ctx, "private/subscribe", map[string]any{"channels": []string{channel}}); err != nil {
		m.mu.Lock()
		if m.subs[channel] == s {
			delete(m.subs, channel)
		}
		m.mu.Unlock()
		return fmt.Errorf("订阅 %s 失败: %w", channel, err)
	}
	log.Infof("已订阅频道: %s", channel)
	return nil
}

// Unsubscribe 未订阅时直接返回
func (m *Manager) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	if _, ok := m.subs[channel]; !ok {
		m.mu.Unlock()
		return nil
	}
	delete(m.subs, channel)
	ready := m.state == Ready
	m.mu.Unlock()

	if !ready {
		return nil
	}
	if _, err := m.SendRequest(ctx, "private/unsubscribe", map[string]any{"channels": []string{channel}}); err != nil {
		return fmt.Errorf("取消订阅 %s 失败: %w", channel, err)
	}
	return nil
}

// Subscriptions 当前订阅的频道
func (m *Manager) Subscriptions() []SubscriptionMeta {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SubscriptionMeta, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s.meta)
	}
	return out
}

func (m *Manager) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(conn, gen, err)
			return
		}
		m.dispatch(msg)
	}
}

func (m *Manager) pingLoop(conn *websocket.Conn, gen uint64) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		alive := m.generation == gen && m.conn == conn
		m.mu.Unlock()
		if !alive {
			return
		}
		m.writeMu.Lock()
		err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.cfg.WriteTimeout))
		m.writeMu.Unlock()
		if err != nil {
			log.Debugf("心跳发送失败: %v", err)
			return
		}
	}
}

func (m *Manager) dispatch(msg []byte) {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		log.Warnf("无法解析的消息，已丢弃: %v", err)
		return
	}

	if push, ok := f.push(); ok {
		m.mu.Lock()
		s := m.subs[push.Channel]
		var cb Callback
		if s != nil {
			cb = s.callback
		}
		m.mu.Unlock()
		if cb == nil {
			log.Debugf("未订阅频道的推送，已丢弃: %s", push.Channel)
			return
		}
		m.deliver(push.Channel, cb, push.Data)
		return
	}

	id := f.correlationID()
	if id == "" {
		log.Debugf("未知消息类型，已丢弃: %.200s", string(msg))
		return
	}
	p := m.takePending(id)
	if p == nil {
		// 已超时或调用方已放弃
		log.Debugf("无匹配请求的响应，忽略: id=%s", id)
		return
	}
	p.timer.Stop()
	if f.Error != nil {
		p.done <- result{err: f.Error}
		return
	}
	raw := f.Result
	if len(raw) == 0 {
		raw = json.RawMessage("null")
	}
	p.done <- result{raw: raw}
}

func (m *Manager) deliver(channel string, cb Callback, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("频道 %s 回调 panic: %v", channel, r)
		}
	}()
	cb(data)
}

func closeCode(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	if errors.Is(err, net.ErrClosed) {
		return websocket.CloseAbnormalClosure, "use of closed connection"
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

// handleClose 失败所有 pending、清空订阅；非正常关闭时调度重连
func (m *Manager) handleClose(conn *websocket.Conn, gen uint64, readErr error) {
	code, reason := closeCode(readErr)

	m.mu.Lock()
	if m.generation != gen || m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	pending := m.pending
	m.pending = make(map[string]*pendingRequest)
	m.subs = make(map[string]*subscription)
	clean := code == websocket.CloseNormalClosure || m.closed
	changed := m.setStateLocked(Disconnected)
	m.mu.Unlock()

	_ = conn.Close()
	log.Warnf("连接关闭: code=%d reason=%s pending=%d", code, reason, len(pending))

	failPending(pending, &CloseError{Code: code, Reason: reason})
	if changed {
		m.stateListeners.Emit(Disconnected)
	}
	if !clean {
		m.scheduleReconnect()
	}
}

func failPending(pending map[string]*pendingRequest, err error) {
	for _, p := range pending {
		p.timer.Stop()
		p.done <- result{err: err}
	}
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	attempt, delay, ok := m.reconnectSeq.Next()
	if !ok {
		log.Errorf("重连 %d 次均失败，放弃重连", attempt)
		return
	}
	log.Infof("计划第 %d 次重连，%s 后执行", attempt, delay)
	m.stopReconnect = m.afterFunc(delay, m.reconnect)
}

func (m *Manager) reconnect() {
	m.mu.Lock()
	m.stopReconnect = nil
	m.mu.Unlock()

	if err := m.EnsureConnection(context.Background()); err != nil {
		if errors.Is(err, ErrManagerClosed) {
			return
		}
		m.scheduleReconnect()
	}
}

// Close 正常关闭（1000），不会触发重连；所有未完成请求以 ErrConnectionClosed 失败
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	m.conn = nil
	m.generation++
	if m.stopReconnect != nil {
		m.stopReconnect()
		m.stopReconnect = nil
	}
	pending := m.pending
	m.pending = make(map[string]*pendingRequest)
	m.subs = make(map[string]*subscription)
	m.setStateLocked(Closing)
	m.mu.Unlock()
	m.stateListeners.Emit(Closing)

	var err error
	if conn != nil {
		m.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		m.writeMu.Unlock()
		err = conn.Close()
	}
	failPending(pending, &CloseError{Code: websocket.CloseNormalClosure, Reason: "client closed"})

	m.mu.Lock()
	m.setStateLocked(Disconnected)
	m.mu.Unlock()
	m.stateListeners.Emit(Disconnected)
	log.Infof("连接已关闭")
	return err
}
