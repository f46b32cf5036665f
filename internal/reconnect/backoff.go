package reconnect

import "time"

const (
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Policy bounds reconnection: delay(attempt) = min(BaseDelay * 2^attempt, MaxDelay),
// and after MaxAttempts consecutive failed reopens the coordinator gives up.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func DefaultPolicy() Policy {
	return Policy{BaseDelay: DefaultBaseDelay, MaxDelay: DefaultMaxDelay, MaxAttempts: DefaultMaxAttempts}
}

func (p Policy) normalized() Policy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// Delay is the wait before reopen number attempt+1.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// backoff walks a Policy one failure at a time.
type backoff struct {
	policy  Policy
	attempt int
}

// Next returns the delay for the next reopen, or false once attempts are exhausted.
func (b *backoff) Next() (time.Duration, bool) {
	if b.attempt < 0 {
		b.attempt = 0
	}
	if b.attempt >= b.policy.normalized().MaxAttempts {
		return 0, false
	}
	d := b.policy.Delay(b.attempt)
	b.attempt++
	return d, true
}

func (b *backoff) Reset() { b.attempt = 0 }
