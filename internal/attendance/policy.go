package attendance

import "time"

type Decision int

const (
	DecisionPresent Decision = iota + 1
	DecisionLate
	DecisionDuplicate
)

func (d Decision) String() string {
	switch d {
	case DecisionPresent:
		return "present"
	case DecisionLate:
		return "late"
	case DecisionDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Policy classifies a scan against the latest accepted record for the same
// subject, room and day.
type Policy struct {
	LateThreshold   time.Duration
	DuplicateWindow time.Duration
}

// Classify is pure. A nil existing record means none has been accepted yet
// for the key. A zero scheduleStart means the room has no session that day,
// which counts as on time.
//
// Rooms have one session per day for uniqueness purposes, so an existing
// record always wins: a second scan is a duplicate whether or not it falls
// inside the duplicate window. Use WithinWindow to tell the two apart.
func (p Policy) Classify(existing *Record, observedAt, scheduleStart time.Time) Decision {
	if existing != nil {
		return DecisionDuplicate
	}
	if scheduleStart.IsZero() || !observedAt.After(scheduleStart.Add(p.LateThreshold)) {
		return DecisionPresent
	}
	return DecisionLate
}

// WithinWindow reports whether observedAt is a rapid repeat of existing.
func (p Policy) WithinWindow(existing *Record, observedAt time.Time) bool {
	if existing == nil {
		return false
	}
	return observedAt.Sub(existing.OccurredAt) < p.DuplicateWindow
}

func (d Decision) status() Status {
	if d == DecisionLate {
		return StatusLate
	}
	return StatusPresent
}
