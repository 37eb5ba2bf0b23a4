package renewal

import "time"

// RetryPolicy limits how often a failing certificate is retried across
// sweeps. The zero value retries on every sweep forever.
type RetryPolicy struct {
	// MaxAttempts is the number of consecutive failures after which a
	// certificate is no longer attempted. Zero means unlimited.
	MaxAttempts int `koanf:"max_attempts" json:"max_attempts"`
	// Backoff is the wait after the nth consecutive failure. The last entry
	// repeats.
	Backoff []time.Duration `koanf:"backoff" json:"backoff"`
}

// failure tracks consecutive renewal failures for one certificate.
type failure struct {
	attempts int
	last     time.Time
	err      string
}

// allow reports whether a certificate with history f may be attempted at now.
func (p RetryPolicy) allow(f failure, now time.Time) bool {
	if f.attempts == 0 {
		return true
	}
	if p.MaxAttempts > 0 && f.attempts >= p.MaxAttempts {
		return false
	}
	if len(p.Backoff) == 0 {
		return true
	}
	i := min(f.attempts, len(p.Backoff)) - 1
	return !now.Before(f.last.Add(p.Backoff[i]))
}
