// Package retry 基于 cenkalti/backoff 的指数退避重试，支持服务端给出的 retry-after 提示。
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"AirbandBridge/logger"
)

const (
	DefaultMaxAttempts  = 5
	DefaultBaseDelay    = time.Second
	DefaultMaxDelay     = time.Minute
	DefaultJitterFactor = 0.2
)

// Policy 重试策略。MaxAttempts 为总尝试次数（含第一次），<0 表示不限次数，
// 直到成功、遇到不可重试错误或 ctx 结束。
type Policy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	JitterFactor float64
	IsRetryable  func(error) bool
}

// RetryAfterHint 由限流类错误实现，返回服务端建议的等待时间。
type RetryAfterHint interface {
	RetryAfterHint() time.Duration
}

// Unlimited 不限次数的策略，用于启动时的房间预解析
func Unlimited(base, max time.Duration, retryable func(error) bool) Policy {
	return Policy{MaxAttempts: -1, BaseDelay: base, MaxDelay: max, IsRetryable: retryable}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.JitterFactor < 0 {
		p.JitterFactor = 0
	}
	if p.IsRetryable == nil {
		p.IsRetryable = func(error) bool { return true }
	}
	return p
}

// hintBackOff 指数退避，若上一次错误带 retry-after 提示则至少等待该时长
type hintBackOff struct {
	exp  *backoff.ExponentialBackOff
	hint time.Duration
}

func newHintBackOff(p Policy) *hintBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.MaxInterval = p.MaxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = p.JitterFactor
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &hintBackOff{exp: exp}
}

// observe 记录失败的错误，供下一次 NextBackOff 使用
func (b *hintBackOff) observe(err error) {
	var h RetryAfterHint
	if errors.As(err, &h) {
		b.hint = h.RetryAfterHint()
	}
}

func (b *hintBackOff) NextBackOff() time.Duration {
	d := b.exp.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if b.hint > d {
		d = b.hint
	}
	b.hint = 0
	return d
}

func (b *hintBackOff) Reset() {
	b.exp.Reset()
	b.hint = 0
}

// Do 执行 fn，失败时按策略退避重试，返回最后一次错误。
// fn 收到从 1 开始的尝试序号。
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	p = p.withDefaults()
	hb := newHintBackOff(p)

	var b backoff.BackOff = hb
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	attempt := 0
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempt++
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if !p.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		hb.observe(err)
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Debug("重试前等待",
			logger.Int("attempt", attempt),
			logger.Int("maxAttempts", p.MaxAttempts),
			logger.Duration("delay", wait),
			logger.ErrorField(err))
	}
	return backoff.RetryNotify(op, b, notify)
}

// delay 第 attempt 次失败后的等待时间
func delay(p Policy, attempt int, err error) time.Duration {
	b := newHintBackOff(p.withDefaults())
	var d time.Duration
	for i := 1; i <= attempt; i++ {
		if i == attempt {
			b.observe(err)
		}
		d = b.NextBackOff()
	}
	return d
}
