// Package shutdown 按注册的逆序关闭组件，整体受 ctx 超时约束。
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/betbot/derivbot/pkg/logger"
)

// Handler 关闭处理函数
type Handler func(ctx context.Context) error

type entry struct {
	name string
	fn   Handler
}

// Manager 优雅关闭管理器
type Manager struct {
	mu       sync.Mutex
	handlers []entry
	done     bool
}

func NewManager() *Manager {
	return &Manager{}
}

// OnShutdown 注册关闭回调；后注册的先执行（依赖者先于被依赖者关闭）
func (m *Manager) OnShutdown(name string, fn Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, entry{name: name, fn: fn})
}

// Shutdown 逆序执行所有回调，只执行一次。ctx 到期后剩余回调不再等待
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	handlers := m.handlers
	m.mu.Unlock()

	if len(handlers) == 0 {
		logger.Infof("没有注册的关闭回调")
		return nil
	}
	logger.Infof("开始优雅关闭，共 %d 个回调", len(handlers))

	var errs []error
	for i := len(handlers) - 1; i >= 0; i-- {
		h := handlers[i]
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("%s: skipped: %w", h.name, err))
			continue
		}
		done := make(chan error, 1)
		go func() { done <- h.fn(ctx) }()
		select {
		case err := <-done:
			if err != nil {
				logger.Warnf("关闭 %s 失败: %v", h.name, err)
				errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			}
		case <-ctx.Done():
			logger.Warnf("关闭 %s 超时: %v", h.name, ctx.Err())
			errs = append(errs, fmt.Errorf("%s: %w", h.name, ctx.Err()))
		}
	}
	if len(errs) == 0 {
		logger.Infof("所有关闭回调已完成")
	}
	return errors.Join(errs...)
}
