package services

import "time"

// HeartbeatPolicy bounds and adapts how long a ping may be held open.
// Clean expiries grow the heartbeat by Step, network failures shrink it.
type HeartbeatPolicy struct {
	Default time.Duration
	Min     time.Duration
	Max     time.Duration
	Step    time.Duration
}

// DefaultHeartbeatPolicy returns the stock 8..28 minute policy.
func DefaultHeartbeatPolicy() HeartbeatPolicy {
	return HeartbeatPolicy{
		Default: 8 * time.Minute,
		Min:     8 * time.Minute,
		Max:     28 * time.Minute,
		Step:    5 * time.Minute,
	}
}

// Clamp returns d limited to [Min, Max]; zero means Default.
func (p HeartbeatPolicy) Clamp(d time.Duration) time.Duration {
	if d <= 0 {
		d = p.Default
	}
	if d < p.Min {
		return p.Min
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Increase returns the heartbeat to use after a ping expired cleanly.
func (p HeartbeatPolicy) Increase(d time.Duration) time.Duration {
	return p.Clamp(p.Clamp(d) + p.Step)
}

// Decrease returns the heartbeat to use after a ping was cut off by the network.
func (p HeartbeatPolicy) Decrease(d time.Duration) time.Duration {
	return p.Clamp(p.Clamp(d) - p.Step)
}
