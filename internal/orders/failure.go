package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/betbot/derivbot/internal/signing"
)

func fieldMessage(err error) string {
	var ve *signing.ValidationError
	if errors.As(err, &ve) {
		return ve.Message
	}
	return err.Error()
}

func sortedFields(errs map[string]string) []string {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func firstField(errs map[string]string) string {
	if keys := sortedFields(errs); len(keys) > 0 {
		return keys[0]
	}
	return ""
}

func joinFieldErrors(errs map[string]string) string {
	parts := make([]string, 0, len(errs))
	for _, k := range sortedFields(errs) {
		parts = append(parts, k+": "+errs[k])
	}
	return strings.Join(parts, "; ")
}

// fail 分类错误；可重试且未超上限时安排静默重试，否则发出唯一一条失败通知
func (o *Orchestrator) fail(s *submission, res SubmitResult, err error) SubmitResult {
	oe := Classify(err)
	s.errs = append(s.errs, err)
	oe.Attempts = s.attempt
	if oe.Kind == KindValidation && oe.Field != "" {
		res.Errors = map[string]string{oe.Field: oe.Message}
	}
	res.Err = oe

	if oe.Retryable && o.cfg.Retry.Allow(s.attempt+1) && o.ctx.Err() == nil {
		delay := o.cfg.Retry.Delay(s.attempt)
		log.Warnf("提交失败（%s），%s 后第 %d 次尝试: %v", oe.Kind, delay, s.attempt+1, err)
		s.attempt++
		o.scheduleRetry(s, delay)
		res.RetryScheduled = true
		return res
	}

	if len(s.errs) > 1 {
		oe.Cause = errors.Join(s.errs...)
		oe.Message = fmt.Sprintf("%s（共尝试 %d 次）", oe.Message, s.attempt)
	}
	o.emitStage(s, StageFailed, "")
	o.notify(Notification{
		Level:   LevelError,
		Title:   "下单失败",
		Message: oe.Message,
		Err:     oe,
		Actions: o.recoveryActions(oe, s),
	})
	return res
}

func (o *Orchestrator) scheduleRetry(s *submission, delay time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopRetry = o.afterFunc(delay, func() { o.retry(s) })
}

func (o *Orchestrator) retry(s *submission) {
	o.mu.Lock()
	o.stopRetry = nil
	o.mu.Unlock()
	if o.ctx.Err() != nil {
		o.busy.Store(false)
		return
	}
	res := o.run(o.ctx, s)
	if !res.RetryScheduled {
		o.busy.Store(false)
	}
}

// recoveryActions 按错误类别给出补救动作
func (o *Orchestrator) recoveryActions(oe *OrderError, s *submission) []RecoveryAction {
	var actions []RecoveryAction
	retryAction := RecoveryAction{
		Name:  ActionRetry,
		Label: "重新提交",
		Run: func(ctx context.Context) error {
			res := o.SubmitOrder(ctx, s.form, s.identity, s.subaccountID)
			if res.Success || res.RetryScheduled {
				return nil
			}
			return res.Err
		},
	}

	switch oe.Kind {
	case KindNetwork:
		actions = append(actions, RecoveryAction{
			Name:  ActionReconnect,
			Label: "重新连接",
			Run:   o.deps.Transport.EnsureConnection,
		}, retryAction)
	case KindNotAuthenticated:
		actions = append(actions, RecoveryAction{
			Name:  ActionReauthenticate,
			Label: "重新登录",
			Run: func(ctx context.Context) error {
				_, err := o.deps.Auth.Login(ctx, s.identity)
				return err
			},
		}, retryAction)
	case KindInsufficientBalance:
		if o.deps.Portfolio != nil {
			sub := s.subaccountID
			if sub == 0 {
				sub = s.identity.SubaccountID
			}
			actions = append(actions, RecoveryAction{
				Name:  ActionCheckBalance,
				Label: "刷新余额",
				Run: func(ctx context.Context) error {
					return o.deps.Portfolio.RefreshBalances(ctx, sub)
				},
			})
		}
	case KindOrderRejected, KindUnknown:
		if oe.Retryable {
			actions = append(actions, retryAction)
		}
	}
	return actions
}
