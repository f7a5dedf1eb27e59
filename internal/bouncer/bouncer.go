// Package bouncer applies escalating discipline to a session based on
// consecutive share rejects, idle silence, and pre-authorization timeouts.
package bouncer

import (
	"time"
)

// Consequence is an ordered disciplinary action. Zero value is None.
type Consequence int

const (
	None Consequence = iota
	Warn
	Reconnect
	Drop
)

func (c Consequence) String() string {
	switch c {
	case Warn:
		return "warn"
	case Reconnect:
		return "reconnect"
	case Drop:
		return "drop"
	default:
		return "none"
	}
}

// Config holds the escalation thresholds, normally sourced from the
// bouncer section of the server configuration.
type Config struct {
	WarnThreshold      time.Duration
	ReconnectThreshold time.Duration
	DropThreshold      time.Duration
	PreAuthTimeout     time.Duration
	IdleTimeout        time.Duration
	CheckInterval      time.Duration
}

// Bouncer tracks a single session's reject streak and liveness.
type Bouncer struct {
	cfg Config

	disabled bool

	firstReject        time.Time
	consecutiveRejects uint32
	currentConsequence Consequence

	connectedAt     time.Time
	authorized      bool
	lastInteraction time.Time

	now func() time.Time
}

// New creates a Bouncer using cfg's thresholds. disabled bypasses all
// escalation, used for trusted internal test harnesses.
func New(cfg Config, disabled bool) *Bouncer {
	n := time.Now()
	return &Bouncer{
		cfg:             cfg,
		disabled:        disabled,
		connectedAt:     n,
		lastInteraction: n,
		now:             time.Now,
	}
}

// Authorize marks the session authorized, exempting it from the pre-auth
// timeout check.
func (b *Bouncer) Authorize() {
	b.authorized = true
	b.lastInteraction = b.now()
}

// Reject records a rejected share and returns the newly escalated
// consequence, or None if no new escalation threshold was crossed.
// Consecutive calls at the same severity level return None; only a strict
// increase in severity is reported.
func (b *Bouncer) Reject() Consequence {
	if b.disabled {
		return None
	}

	b.consecutiveRejects++
	b.lastInteraction = b.now()

	if b.firstReject.IsZero() {
		b.firstReject = b.now()
	}
	elapsed := b.now().Sub(b.firstReject)

	newConsequence := None
	switch {
	case elapsed >= b.cfg.DropThreshold:
		newConsequence = Drop
	case elapsed >= b.cfg.ReconnectThreshold:
		newConsequence = Reconnect
	case elapsed >= b.cfg.WarnThreshold:
		newConsequence = Warn
	}

	if newConsequence > b.currentConsequence {
		b.currentConsequence = newConsequence
		return newConsequence
	}
	return None
}

// Accept clears the reject streak.
func (b *Bouncer) Accept() {
	b.firstReject = time.Time{}
	b.consecutiveRejects = 0
	b.currentConsequence = None
	b.lastInteraction = b.now()
}

// IdleCheck evaluates the periodic liveness checks: pre-auth timeout for
// unauthorized sessions, and idle timeout for authorized ones.
func (b *Bouncer) IdleCheck() Consequence {
	if b.disabled {
		return None
	}

	if !b.authorized && b.now().Sub(b.connectedAt) > b.cfg.PreAuthTimeout {
		return Drop
	}

	if b.authorized && b.now().Sub(b.lastInteraction) > b.cfg.IdleTimeout {
		return Drop
	}

	return None
}

// IsAuthorized reports whether Authorize has been called.
func (b *Bouncer) IsAuthorized() bool {
	return b.authorized
}

// ConsecutiveRejects reports the current reject streak length.
func (b *Bouncer) ConsecutiveRejects() uint32 {
	return b.consecutiveRejects
}

// CheckInterval reports how often the caller should invoke IdleCheck.
func (b *Bouncer) CheckInterval() time.Duration {
	return b.cfg.CheckInterval
}
