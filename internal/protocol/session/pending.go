package session

import "time"

// pending tracks the one unacknowledged data frame of a stop-and-wait send.
type pending struct {
	seq           uint64
	raw           []byte
	attempts      int
	retransmits   int
	firstSentAt   time.Time
	lastAttemptAt time.Time
	deadline      time.Time
}

func (p *pending) markAttempt(at time.Time) {
	p.attempts++
	if p.firstSentAt.IsZero() {
		p.firstSentAt = at
	}
	p.lastAttemptAt = at
}

// expired reports whether the reply deadline has passed. A zero deadline never expires.
func (p *pending) expired(now time.Time) bool {
	return !p.deadline.IsZero() && !now.Before(p.deadline)
}
