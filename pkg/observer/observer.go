// Package observer 提供有序、同步分发的监听器注册表。
package observer

import (
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "observer")

type entry[T any] struct {
	id int64
	fn func(T)
}

// Registry 按注册顺序同步调用监听器。Add 返回的函数用于移除该监听器（可重复调用）。
type Registry[T any] struct {
	mu        sync.RWMutex
	nextID    int64
	listeners []entry[T]
}

func (r *Registry[T]) Add(fn func(T)) (remove func()) {
	if fn == nil {
		return func() {}
	}
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, entry[T]{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry[T]) remove(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l.id == id {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Emit 在调用方 goroutine 上依次通知；单个监听器 panic 不影响后续监听器
func (r *Registry[T]) Emit(v T) {
	r.mu.RLock()
	snapshot := make([]entry[T], len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.RUnlock()

	for _, l := range snapshot {
		r.call(l, v)
	}
}

func (r *Registry[T]) call(l entry[T], v T) {
	defer func() {
		if p := recover(); p != nil {
			log.Errorf("监听器 panic: id=%d err=%v", l.id, p)
		}
	}()
	l.fn(v)
}

func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
