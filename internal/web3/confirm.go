package web3

import "time"

// ConfirmPolicy 限制等待交易回执的轮询次数与间隔。
type ConfirmPolicy struct {
	MaxAttempts int
	Interval    time.Duration
	MaxInterval time.Duration
}

// DefaultConfirmPolicy 返回默认的确认策略。
func DefaultConfirmPolicy() ConfirmPolicy {
	return ConfirmPolicy{MaxAttempts: 10, Interval: time.Second, MaxInterval: 8 * time.Second}
}

// Normalize 为缺失的字段填充默认值。
func (p ConfirmPolicy) Normalize() ConfirmPolicy {
	def := DefaultConfirmPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	return p
}

// Backoff 返回第 attempt 次轮询前的等待时间，按指数增长并受 MaxInterval 限制。
func (p ConfirmPolicy) Backoff(attempt int) time.Duration {
	wait := p.Interval
	for i := 0; i < attempt && wait < p.MaxInterval; i++ {
		wait *= 2
	}
	if wait > p.MaxInterval {
		wait = p.MaxInterval
	}
	return wait
}
