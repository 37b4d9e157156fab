package attendance

import (
	"time"
)

// Status is assigned once when a record is created and never changes.
type Status string

const (
	StatusPresent Status = "present"
	StatusLate    Status = "late"
)

// DayLayout formats the occurred_on key.
const DayLayout = "2006-01-02"

// Record is a durable attendance row. At most one exists per
// (SubjectID, RoomID, OccurredOn).
type Record struct {
	ID         string    `json:"record_id"`
	SubjectID  string    `json:"subject_id"`
	RoomID     string    `json:"room_id"`
	OccurredOn string    `json:"occurred_on"`
	OccurredAt time.Time `json:"occurred_at"`
	Status     Status    `json:"status"`
	ScannedBy  string    `json:"scanned_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Counters aggregates accepted records for one room and day.
type Counters struct {
	RoomID  string `json:"room_id"`
	Day     string `json:"day"`
	Present int    `json:"present"`
	Late    int    `json:"late"`
	Total   int    `json:"total"`
}

// Session is a scheduled block in a room on one weekday, in local minutes
// after midnight.
type Session struct {
	Weekday     time.Weekday
	StartMinute int
	EndMinute   int
}

type Room struct {
	ID       string
	Name     string
	Active   bool
	Sessions []Session
}

// ScheduleStart returns the start of the session that covers t, or failing
// that the next session later the same day. A session covers its end minute. ok is false when the room has no
// session left that day. t must already be in the attendance location.
func (r Room) ScheduleStart(t time.Time) (start time.Time, ok bool) {
	minute := t.Hour()*60 + t.Minute()
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())

	var next *Session
	for i := range r.Sessions {
		s := &r.Sessions[i]
		if s.Weekday != t.Weekday() {
			continue
		}
		if s.StartMinute <= minute && minute <= s.EndMinute {
			return midnight.Add(time.Duration(s.StartMinute) * time.Minute), true
		}
		if s.StartMinute > minute && (next == nil || s.StartMinute < next.StartMinute) {
			next = s
		}
	}
	if next == nil {
		return time.Time{}, false
	}
	return midnight.Add(time.Duration(next.StartMinute) * time.Minute), true
}

type Subject struct {
	ID          string
	DisplayName string
	Active      bool
}

// Scan is one physical scan as reported by a scanning client.
type Scan struct {
	RawPayload string    `json:"payload"`
	RoomID     string    `json:"room_id"`
	ObservedAt time.Time `json:"observed_at"`
	ScannedBy  string    `json:"scanned_by,omitempty"`
}

// Reason explains a rejected scan.
type Reason string

const (
	ReasonInvalidCredential Reason = "invalid_credential"
	ReasonExpiredCredential Reason = "expired_credential"
	ReasonUnknownRoom       Reason = "unknown_room"
	ReasonUnknownSubject    Reason = "unknown_subject"
	ReasonDuplicate         Reason = "duplicate"
	ReasonScanLimit         Reason = "scan_limit_exceeded"
	ReasonStoreUnavailable  Reason = "store_unavailable"
	ReasonCanceled          Reason = "canceled"
)

// Outcome is the terminal state of one scan: Accepted with a Status, or
// rejected with a Reason.
type Outcome struct {
	Accepted   bool      `json:"accepted"`
	Status     Status    `json:"status,omitempty"`
	Reason     Reason    `json:"reason,omitempty"`
	SubjectID  string    `json:"subject_id,omitempty"`
	RoomID     string    `json:"room_id,omitempty"`
	Day        string    `json:"day,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	Record     *Record   `json:"record,omitempty"`
	// Existing is the already-stored record behind a duplicate.
	Existing *Record `json:"existing,omitempty"`
	// Repeat marks a duplicate that arrived inside the duplicate window.
	Repeat   bool      `json:"repeat,omitempty"`
	Counters *Counters `json:"counters,omitempty"`

	Err error `json:"-"`
}

// Settled reports whether the scan ran to a decision. Canceled and
// StoreUnavailable scans did not count and may be submitted again.
func (o Outcome) Settled() bool {
	return o.Accepted || (o.Reason != ReasonCanceled && o.Reason != ReasonStoreUnavailable)
}

func accepted(rec Record) Outcome {
	return Outcome{
		Accepted:   true,
		Status:     rec.Status,
		SubjectID:  rec.SubjectID,
		RoomID:     rec.RoomID,
		Day:        rec.OccurredOn,
		ObservedAt: rec.OccurredAt,
		Record:     &rec,
	}
}

func rejected(scan Scan, reason Reason, err error) Outcome {
	return Outcome{
		Reason:     reason,
		RoomID:     scan.RoomID,
		ObservedAt: scan.ObservedAt,
		Err:        err,
	}
}
