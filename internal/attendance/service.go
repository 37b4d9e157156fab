package attendance

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"qrattend/internal/credential"
	"qrattend/internal/store"
)

// Verifier checks a scanned credential payload.
type Verifier interface {
	Verify(token string) (credential.Claims, error)
}

// Directory resolves rooms and subjects. A nil result means not found.
type Directory interface {
	Room(ctx context.Context, roomID string) (*Room, error)
	Subject(ctx context.Context, subjectID string) (*Subject, error)
}

// Store is the transactional side of the attendance store.
type Store interface {
	InScan(ctx context.Context, fn func(ctx context.Context, tx ScanTx) error) error
	Counters(ctx context.Context, roomID, day string) (Counters, error)
}

// Publisher receives every terminal outcome after the scan is settled.
// Implementations must not block for long.
type Publisher interface {
	Publish(ctx context.Context, o Outcome)
}

// Metrics is the subset of instrumentation the pipeline reports to.
type Metrics interface {
	ObserveScan(result string, elapsed time.Duration)
	StoreRetry()
}

// Config holds the pipeline's business rules.
type Config struct {
	Policy Policy
	// MaxDailyScans caps accepted records per subject per day across rooms.
	// Zero disables the cap.
	MaxDailyScans int
	// Location derives occurred_on and session times. Defaults to time.Local.
	Location *time.Location
	// ClockSkew is how far in the future a reported observed_at may be
	// before the server time replaces it.
	ClockSkew time.Duration
	Retry     store.RetryPolicy
}

type Option func(*Service)

func WithPublisher(p Publisher) Option { return func(s *Service) { s.pub = p } }
func WithLogger(l *log.Logger) Option  { return func(s *Service) { s.log = l } }
func WithMetrics(m Metrics) Option     { return func(s *Service) { s.metrics = m } }

// WithClock overrides the server clock used for missing or skewed times.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// Service turns raw scans into terminal outcomes.
type Service struct {
	verifier Verifier
	dir      Directory
	store    Store
	cfg      Config

	pub     Publisher
	metrics Metrics
	log     *log.Logger
	now     func() time.Time

	announcing sync.WaitGroup
}

// errSettled rolls back a scan transaction whose outcome is already decided.
var errSettled = errors.New("scan settled without insert")

// NewService wires the pipeline.
func NewService(v Verifier, dir Directory, st Store, cfg Config, opts ...Option) *Service {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	s := &Service{
		verifier: v,
		dir:      dir,
		store:    st,
		cfg:      cfg,
		log:      log.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	onRetry := s.cfg.Retry.OnRetry
	s.cfg.Retry.OnRetry = func(err error, wait time.Duration) {
		if s.metrics != nil {
			s.metrics.StoreRetry()
		}
		s.log.Printf("scan store busy, retrying in %s: %v", wait, err)
		if onRetry != nil {
			onRetry(err, wait)
		}
	}
	return s
}

// Process runs one scan to a terminal outcome. It never returns an error:
// every failure is a rejected Outcome with a Reason.
func (s *Service) Process(ctx context.Context, scan Scan) Outcome {
	started := time.Now()
	out := s.process(ctx, scan)

	if out.Reason == ReasonStoreUnavailable {
		s.log.Printf("scan store unavailable: room=%s subject=%s: %v", out.RoomID, out.SubjectID, out.Err)
	}
	if s.metrics != nil {
		s.metrics.ObserveScan(out.Label(), time.Since(started))
	}
	s.announce(ctx, out)
	return out
}

// Wait blocks until every pending announcement has been published.
func (s *Service) Wait() { s.announcing.Wait() }

func (s *Service) process(ctx context.Context, scan Scan) Outcome {
	scan.ObservedAt = s.observedAt(scan.ObservedAt)
	local := scan.ObservedAt.In(s.cfg.Location)
	day := local.Format(DayLayout)

	claims, verr := s.verifier.Verify(strings.TrimSpace(scan.RawPayload))
	settle := func(reason Reason, err error) Outcome {
		o := rejected(scan, reason, err)
		o.SubjectID = claims.SubjectID
		o.Day = day
		return o
	}
	if verr != nil {
		if errors.Is(verr, credential.ErrExpired) {
			return settle(ReasonExpiredCredential, verr)
		}
		return settle(ReasonInvalidCredential, verr)
	}
	failed := func(err error) Outcome {
		if ctx.Err() != nil {
			return settle(ReasonCanceled, ctx.Err())
		}
		return settle(ReasonStoreUnavailable, err)
	}

	if ctx.Err() != nil {
		return settle(ReasonCanceled, ctx.Err())
	}
	room, err := s.dir.Room(ctx, scan.RoomID)
	if err != nil {
		return failed(err)
	}
	if room == nil || !room.Active {
		return settle(ReasonUnknownRoom, nil)
	}
	subject, err := s.dir.Subject(ctx, claims.SubjectID)
	if err != nil {
		return failed(err)
	}
	if subject == nil || !subject.Active {
		return settle(ReasonUnknownSubject, nil)
	}

	scheduleStart, _ := room.ScheduleStart(local)

	var out Outcome
	duplicate := func(existing *Record) Outcome {
		o := settle(ReasonDuplicate, nil)
		o.Existing = existing
		o.Repeat = s.cfg.Policy.WithinWindow(existing, local)
		return o
	}

	err = s.cfg.Retry.Do(ctx, func() error {
		return s.store.InScan(ctx, func(ctx context.Context, tx ScanTx) error {
			existing, err := tx.QueryLatest(ctx, claims.SubjectID, room.ID, day)
			if err != nil {
				return err
			}
			decision := s.cfg.Policy.Classify(existing, local, scheduleStart)
			if decision == DecisionDuplicate {
				out = duplicate(existing)
				return errSettled
			}

			if s.cfg.MaxDailyScans > 0 {
				n, err := tx.CountSubjectDay(ctx, claims.SubjectID, day)
				if err != nil {
					return err
				}
				if n >= s.cfg.MaxDailyScans {
					out = settle(ReasonScanLimit, nil)
					return errSettled
				}
			}

			rec := Record{
				SubjectID:  claims.SubjectID,
				RoomID:     room.ID,
				OccurredOn: day,
				OccurredAt: scan.ObservedAt.UTC(),
				Status:     decision.status(),
				ScannedBy:  scan.ScannedBy,
			}
			res, err := tx.TryInsert(ctx, &rec)
			if err != nil {
				return err
			}
			if res == Conflict {
				// Another writer committed the same key after our read.
				winner, err := tx.QueryLatest(ctx, claims.SubjectID, room.ID, day)
				if err != nil {
					return err
				}
				out = duplicate(winner)
				return errSettled
			}
			out = accepted(rec)
			return nil
		})
	})

	if err != nil && !errors.Is(err, errSettled) {
		return failed(err)
	}
	return out
}

// observedAt falls back to server time for missing or implausibly future
// timestamps.
func (s *Service) observedAt(t time.Time) time.Time {
	now := s.now()
	if t.IsZero() || t.After(now.Add(s.cfg.ClockSkew)) {
		return now
	}
	return t
}

// announce publishes the outcome off the request path. Outcomes for a known
// room carry freshly recomputed counters. The caller's cancellation does not
// stop it: an accepted record is already committed.
func (s *Service) announce(ctx context.Context, out Outcome) {
	if s.pub == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	s.announcing.Add(1)
	go func() {
		defer s.announcing.Done()

		if out.RoomID != "" && out.Day != "" && out.Reason != ReasonUnknownRoom {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			c, err := s.store.Counters(cctx, out.RoomID, out.Day)
			cancel()
			if err != nil {
				s.log.Printf("counters for room %s: %v", out.RoomID, err)
			} else {
				out.Counters = &c
			}
		}
		s.pub.Publish(ctx, out)
	}()
}

// Label is the short result name used in metrics and logs.
func (o Outcome) Label() string {
	if o.Accepted {
		return string(o.Status)
	}
	return string(o.Reason)
}
