package xtoken

import "time"

// Health 单个 token 的健康快照。
type Health struct {
	ID               string
	Label            string
	Kind             Kind
	Scopes           []string
	ExpiresAt        time.Time
	Success          int
	Failure          int
	ErrorRate        float64
	QuarantinedUntil time.Time
	Usable           bool
	LastUsed         time.Time
}

// entry 受 Manager.mu 保护。
type entry struct {
	token            Token
	id               string
	success          int
	failure          int
	quarantinedUntil time.Time
	lastUsed         time.Time
}

func (e *entry) total() int { return e.success + e.failure }

func (e *entry) errorRate() float64 {
	if e.total() == 0 {
		return 0
	}
	return float64(e.failure) / float64(e.total())
}

func (e *entry) quarantined(now time.Time) bool {
	return !e.quarantinedUntil.IsZero() && now.Before(e.quarantinedUntil)
}

func (e *entry) usable(now time.Time, scopes []string) bool {
	return !e.token.Expired(now) && !e.quarantined(now) && e.token.HasScopes(scopes)
}

func (e *entry) health(now time.Time) Health {
	return Health{
		ID:               e.id,
		Label:            e.token.Label,
		Kind:             e.token.Kind,
		Scopes:           append([]string(nil), e.token.Scopes...),
		ExpiresAt:        e.token.ExpiresAt,
		Success:          e.success,
		Failure:          e.failure,
		ErrorRate:        e.errorRate(),
		QuarantinedUntil: e.quarantinedUntil,
		Usable:           e.usable(now, nil),
		LastUsed:         e.lastUsed,
	}
}
