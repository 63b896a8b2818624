// Package response turns a risk assessment into an enforcement decision:
// which action to take, how long a block lasts, and which escalation level
// the event carries.
package response

import "time"

// Action is the enforcement outcome for one request.
type Action string

const (
	ActionAllow     Action = "allow"
	ActionLog       Action = "log"
	ActionChallenge Action = "challenge"
	ActionRateLimit Action = "rate_limit"
	ActionBlock     Action = "block"
	ActionEscalate  Action = "escalate"
)

// Policy maps score bands to actions and block durations. Versioned so a
// decision can always be traced back to the rules that produced it.
type Policy struct {
	Version int

	// Action band lower bounds on the 0-100 score scale.
	LogThreshold       int
	ChallengeThreshold int
	RateLimitThreshold int
	BlockThreshold     int
	EscalateThreshold  int

	// Block duration tiers, highest score first.
	PermanentThreshold int
	WeekThreshold      int
	DayThreshold       int
	HourThreshold      int

	WeekDuration    time.Duration
	DayDuration     time.Duration
	HourDuration    time.Duration
	DefaultDuration time.Duration
}

// DefaultPolicy returns the standard band layout.
func DefaultPolicy() Policy {
	return Policy{
		Version: 1,

		LogThreshold:       31,
		ChallengeThreshold: 50,
		RateLimitThreshold: 71,
		BlockThreshold:     85,
		EscalateThreshold:  91,

		PermanentThreshold: 95,
		WeekThreshold:      92,
		DayThreshold:       88,
		HourThreshold:      85,

		WeekDuration:    7 * 24 * time.Hour,
		DayDuration:     24 * time.Hour,
		HourDuration:    time.Hour,
		DefaultDuration: 15 * time.Minute,
	}
}

// ActionFor maps a score to its enforcement action.
func (p Policy) ActionFor(score int) Action {
	switch {
	case score >= p.EscalateThreshold:
		return ActionEscalate
	case score >= p.BlockThreshold:
		return ActionBlock
	case score >= p.RateLimitThreshold:
		return ActionRateLimit
	case score >= p.ChallengeThreshold:
		return ActionChallenge
	case score >= p.LogThreshold:
		return ActionLog
	default:
		return ActionAllow
	}
}

// BlockSentence returns the duration of a new block, or permanent=true.
// A prior block promotes any temporary sentence to at least a week.
func (p Policy) BlockSentence(score int, hasPriorBlock bool) (time.Duration, bool) {
	if score >= p.PermanentThreshold {
		return 0, true
	}
	if score >= p.WeekThreshold || hasPriorBlock {
		return p.WeekDuration, false
	}
	if score >= p.DayThreshold {
		return p.DayDuration, false
	}
	if score >= p.HourThreshold {
		return p.HourDuration, false
	}
	return p.DefaultDuration, false
}

// EscalationLevel grades how loudly operators are paged. Level 0 events
// stay on the dashboard; level 3 wakes someone up.
func (p Policy) EscalationLevel(score int) int {
	switch {
	case score >= 98:
		return 3
	case score >= p.PermanentThreshold:
		return 2
	case score >= p.EscalateThreshold:
		return 1
	default:
		return 0
	}
}
