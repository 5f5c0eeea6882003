// Package retry 定义有上限的指数退避策略。
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy 第 n 次尝试（从 1 开始）的延迟为 min(Base*2^(n-1), Cap)，最多 MaxAttempts 次
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// Default 1s 起步、10s 封顶、最多 3 次
func Default() Policy {
	return Policy{MaxAttempts: 3, Base: time.Second, Cap: 10 * time.Second}
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = p.Cap
	b.Reset()
	return b
}

// Delay 返回第 attempt 次尝试前的等待时间；attempt < 1 按 1 处理
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.newBackOff()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Allow 第 attempt 次尝试是否仍在上限内
func (p Policy) Allow(attempt int) bool {
	return attempt >= 1 && attempt <= p.MaxAttempts
}

// Sequence 有状态的退避序列，非并发安全，由调用方串行使用
type Sequence struct {
	policy  Policy
	b       *backoff.ExponentialBackOff
	attempt int
}

func (p Policy) Sequence() *Sequence {
	return &Sequence{policy: p, b: p.newBackOff()}
}

// Next 返回下一次尝试的序号与延迟；超过上限时 ok=false
func (s *Sequence) Next() (attempt int, delay time.Duration, ok bool) {
	if s.attempt >= s.policy.MaxAttempts {
		return s.attempt, backoff.Stop, false
	}
	s.attempt++
	return s.attempt, s.b.NextBackOff(), true
}

// Attempt 已经调度的次数
func (s *Sequence) Attempt() int { return s.attempt }

// Reset 成功后归零
func (s *Sequence) Reset() {
	s.attempt = 0
	s.b.Reset()
}
