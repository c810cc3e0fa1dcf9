package queue

import "time"

// backoffDelay returns the wait after the given failed attempt number:
// base * factor^(attempt-1), capped at the configured maximum. Integer
// multiplication with an early cap exit, so large attempt numbers cannot
// overflow.
func backoffDelay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		d *= time.Duration(cfg.Factor)
		if d >= cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}
	if d > cfg.MaxBackoff {
		d = cfg.MaxBackoff
	}
	return d
}
