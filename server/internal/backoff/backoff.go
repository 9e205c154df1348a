package backoff

import "time"

// Policy 是流式 adapter 与登录重试共用的指数退避策略。
// 约定：delay(N) = min(base * 2^(N-1), cap)；成功一次后 Reset 归零。
// 非并发安全：每个连接/登录循环持有自己的实例。
type Policy struct {
	// Base 首次失败后的延迟（默认 1s）。
	Base time.Duration
	// Cap 延迟上限（默认 60s）。
	Cap time.Duration

	attempts int
}

// Default 返回 1s 起步、60s 封顶的标准策略。
func Default() *Policy {
	return &Policy{Base: time.Second, Cap: 60 * time.Second}
}

// Next 记录一次失败并返回下一次重试前应等待的延迟。
func (p *Policy) Next() time.Duration {
	p.attempts++
	return p.delayFor(p.attempts)
}

// Attempts 返回连续失败次数。
func (p *Policy) Attempts() int {
	return p.attempts
}

// Reset 在一次成功打开后将计数归零。
func (p *Policy) Reset() {
	p.attempts = 0
}

func (p *Policy) delayFor(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	capDelay := p.Cap
	if capDelay <= 0 {
		capDelay = 60 * time.Second
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= capDelay {
			return capDelay
		}
	}
	if d > capDelay {
		return capDelay
	}
	return d
}
