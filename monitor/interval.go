package monitor

import (
	"time"

	"github.com/v1nometrics/docusign-ura/config"
)

// IntervalPolicy picks the sleep between polling cycles from the time since
// the last successful envelope: fast right after activity, slower as the
// bucket stays quiet.
type IntervalPolicy struct {
	Fast         time.Duration
	Normal       time.Duration
	Slow         time.Duration
	FastWindow   time.Duration
	NormalWindow time.Duration
	Jitter       float64 // ratio in [0, 1]
}

// DefaultIntervalPolicy is 5s within 5 minutes of activity, 30s within an
// hour, 120s afterwards.
func DefaultIntervalPolicy() IntervalPolicy {
	return IntervalPolicy{
		Fast:         5 * time.Second,
		Normal:       30 * time.Second,
		Slow:         120 * time.Second,
		FastWindow:   5 * time.Minute,
		NormalWindow: time.Hour,
	}
}

// IntervalPolicyFromConfig overrides the defaults with configured values
func IntervalPolicyFromConfig(cfg *config.MonitorConfig) IntervalPolicy {
	p := DefaultIntervalPolicy()
	if cfg.FastInterval > 0 {
		p.Fast = cfg.FastInterval
	}
	if cfg.NormalInterval > 0 {
		p.Normal = cfg.NormalInterval
	}
	if cfg.SlowInterval > 0 {
		p.Slow = cfg.SlowInterval
	}
	p.Jitter = cfg.IntervalJitter
	return p
}

// Base returns the un-jittered interval for the given idle time
func (p IntervalPolicy) Base(idle time.Duration) time.Duration {
	switch {
	case idle < p.FastWindow:
		return p.Fast
	case idle < p.NormalWindow:
		return p.Normal
	default:
		return p.Slow
	}
}

// Next applies jitter to Base. sample is a uniform value in [0, 1].
func (p IntervalPolicy) Next(idle time.Duration, sample float64) time.Duration {
	return jittered(p.Base(idle), p.Jitter, sample)
}

func jittered(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	if ratio < 0 {
		ratio = 0
	} else if ratio > 1 {
		ratio = 1
	}
	if ratio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*ratio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
