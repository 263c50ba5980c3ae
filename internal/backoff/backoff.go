package backoff

import (
	"math/rand"
	"time"
)

type Outcome int

const (
	Success Outcome = iota
	RateLimited
	OtherError
	NoActivity
	UnchangedSignature
	ConcurrencyBlocked
	ParseFailure
	MissingTransaction
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RateLimited:
		return "rate_limited"
	case OtherError:
		return "other_error"
	case NoActivity:
		return "no_activity"
	case UnchangedSignature:
		return "unchanged_signature"
	case ConcurrencyBlocked:
		return "concurrency_blocked"
	case ParseFailure:
		return "parse_failure"
	case MissingTransaction:
		return "missing_transaction"
	default:
		return "unknown"
	}
}

const (
	DefaultBase   = time.Second
	DefaultMax    = 60 * time.Second
	DefaultJitter = 300 * time.Millisecond
)

// Policy maps a current backoff and an outcome to the next backoff. The zero
// value uses the defaults.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
	// Rand returns a value in [0, n). Nil uses math/rand.
	Rand func(n int64) int64
}

func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, Jitter: DefaultJitter}
}

func (p Policy) IsZero() bool {
	return p.Base == 0 && p.Max == 0 && p.Jitter == 0 && p.Rand == nil
}

func (p Policy) base() time.Duration {
	if p.Base <= 0 {
		return DefaultBase
	}
	return p.Base
}

func (p Policy) max() time.Duration {
	if p.Max <= 0 {
		return DefaultMax
	}
	if p.Max < p.base() {
		return p.base()
	}
	return p.Max
}

// Next returns the backoff after outcome. The result is always within
// [Base, Max].
func (p Policy) Next(current time.Duration, outcome Outcome) time.Duration {
	if current <= 0 {
		current = p.base()
	}
	var next time.Duration
	switch outcome {
	case Success:
		return p.base()
	case RateLimited:
		next = capAt(current*2, 60*time.Second)
	case OtherError:
		next = capAt(current*3/2, 30*time.Second)
	case NoActivity:
		next = capAt((current*5/4).Truncate(time.Millisecond), 15*time.Second)
	case UnchangedSignature:
		next = capAt(current+250*time.Millisecond, 15*time.Second)
	case ConcurrencyBlocked, ParseFailure:
		next = capAt(current+500*time.Millisecond, 15*time.Second)
	case MissingTransaction:
		next = capAt(current+time.Second, 20*time.Second)
	default:
		next = current
	}
	return p.clamp(next)
}

// Wait returns the jittered spacing for backoff. It is never negative and is
// not meant to be stored back.
func (p Policy) Wait(backoff time.Duration) time.Duration {
	if p.Jitter <= 0 {
		return max(0, backoff)
	}
	span := int64(2*p.Jitter) + 1
	var r int64
	if p.Rand != nil {
		r = p.Rand(span)
	} else {
		r = rand.Int63n(span)
	}
	return max(0, backoff+time.Duration(r)-p.Jitter)
}

func (p Policy) clamp(d time.Duration) time.Duration {
	if d < p.base() {
		return p.base()
	}
	if d > p.max() {
		return p.max()
	}
	return d
}

func capAt(d, limit time.Duration) time.Duration {
	if d > limit {
		return limit
	}
	return d
}
