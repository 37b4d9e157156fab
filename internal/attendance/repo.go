package attendance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"qrattend/internal/store"
)

// InsertResult is the outcome of TryInsert.
type InsertResult int

const (
	Inserted InsertResult = iota + 1
	Conflict
)

// ScanTx is the store view available inside one scan transaction.
type ScanTx interface {
	// QueryLatest returns the latest accepted record for the key, or nil.
	QueryLatest(ctx context.Context, subjectID, roomID, day string) (*Record, error)
	// CountSubjectDay counts accepted records for a subject across rooms.
	CountSubjectDay(ctx context.Context, subjectID, day string) (int, error)
	// TryInsert returns Conflict, without writing, when a record already
	// exists for (SubjectID, RoomID, OccurredOn).
	TryInsert(ctx context.Context, rec *Record) (InsertResult, error)
}

// Repository persists attendance data. Writes go through the single writer;
// reads use the pool directly.
type Repository struct {
	db     *store.DB
	writer *store.Worker
}

// NewRepository creates a repo.
func NewRepository(db *store.DB, writer *store.Worker) *Repository {
	return &Repository{db: db, writer: writer}
}

func (r *Repository) q(query string) string { return r.db.Dialect.Rebind(query) }

// InScan runs fn in one write transaction. fn's error rolls everything back.
func (r *Repository) InScan(ctx context.Context, fn func(ctx context.Context, tx ScanTx) error) error {
	return r.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, &sqlScanTx{tx: tx, d: r.db.Dialect})
	})
}

type sqlScanTx struct {
	tx *sql.Tx
	d  store.Dialect
}

const recordColumns = `record_id, subject_id, room_id, occurred_on, occurred_at_ms, status, scanned_by, created_at_ms`

func (t *sqlScanTx) QueryLatest(ctx context.Context, subjectID, roomID, day string) (*Record, error) {
	row := t.tx.QueryRowContext(ctx, t.d.Rebind(`
SELECT `+recordColumns+`
FROM attendance_records
WHERE subject_id = ? AND room_id = ? AND occurred_on = ?
ORDER BY occurred_at_ms DESC
LIMIT 1;`), subjectID, roomID, day)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("QueryLatest: %w", err)
	}
	return &rec, nil
}

func (t *sqlScanTx) CountSubjectDay(ctx context.Context, subjectID, day string) (int, error) {
	var n int
	err := t.tx.QueryRowContext(ctx, t.d.Rebind(`
SELECT COUNT(*) FROM attendance_records WHERE subject_id = ? AND occurred_on = ?;`),
		subjectID, day).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("CountSubjectDay: %w", err)
	}
	return n, nil
}

func (t *sqlScanTx) TryInsert(ctx context.Context, rec *Record) (InsertResult, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	var scannedBy any
	if rec.ScannedBy != "" {
		scannedBy = rec.ScannedBy
	}

	res, err := t.tx.ExecContext(ctx, t.d.Rebind(`
INSERT INTO attendance_records(`+recordColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (subject_id, room_id, occurred_on) DO NOTHING;`),
		rec.ID, rec.SubjectID, rec.RoomID, rec.OccurredOn,
		rec.OccurredAt.UTC().UnixMilli(), string(rec.Status), scannedBy, rec.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("TryInsert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("TryInsert rows affected: %w", err)
	}
	if n == 0 {
		return Conflict, nil
	}
	return Inserted, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec        Record
		status     string
		scannedBy  sql.NullString
		occurredMs int64
		createdMs  int64
	)
	if err := row.Scan(&rec.ID, &rec.SubjectID, &rec.RoomID, &rec.OccurredOn,
		&occurredMs, &status, &scannedBy, &createdMs); err != nil {
		return Record{}, err
	}
	rec.Status = Status(status)
	rec.ScannedBy = scannedBy.String
	rec.OccurredAt = time.UnixMilli(occurredMs).UTC()
	rec.CreatedAt = time.UnixMilli(createdMs).UTC()
	return rec, nil
}

// Counters recomputes the per-status totals for a room and day.
func (r *Repository) Counters(ctx context.Context, roomID, day string) (Counters, error) {
	c := Counters{RoomID: roomID, Day: day}
	rows, err := r.db.Client.QueryContext(ctx, r.q(`
SELECT status, COUNT(*) FROM attendance_records
WHERE room_id = ? AND occurred_on = ?
GROUP BY status;`), roomID, day)
	if err != nil {
		return c, fmt.Errorf("Counters: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("Counters scan: %w", err)
		}
		switch Status(status) {
		case StatusPresent:
			c.Present = n
		case StatusLate:
			c.Late = n
		}
		c.Total += n
	}
	return c, rows.Err()
}

// Filter narrows ListRecords. Empty fields are ignored.
type Filter struct {
	RoomID    string
	SubjectID string
	Day       string
	Limit     int
	Offset    int
}

// ListRecords returns records newest first.
func (r *Repository) ListRecords(ctx context.Context, f Filter) ([]Record, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	query := `SELECT ` + recordColumns + ` FROM attendance_records`
	var (
		clauses []string
		args    []any
	)
	if f.RoomID != "" {
		clauses = append(clauses, "room_id = ?")
		args = append(args, f.RoomID)
	}
	if f.SubjectID != "" {
		clauses = append(clauses, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if f.Day != "" {
		clauses = append(clauses, "occurred_on = ?")
		args = append(args, f.Day)
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_at_ms DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.Client.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("ListRecords: %w", err)
	}
	defer rows.Close()

	var res []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRecords scan: %w", err)
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ── Directory ────────────────────────────────────────────────────────────────

// Room returns the room with its sessions, or nil if it does not exist.
func (r *Repository) Room(ctx context.Context, roomID string) (*Room, error) {
	var (
		room   Room
		active int
	)
	err := r.db.Client.QueryRowContext(ctx, r.q(`
SELECT room_id, name, active FROM rooms WHERE room_id = ?;`), roomID).
		Scan(&room.ID, &room.Name, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Room: %w", err)
	}
	room.Active = active == 1

	rows, err := r.db.Client.QueryContext(ctx, r.q(`
SELECT weekday, start_minute, end_minute FROM room_sessions
WHERE room_id = ? ORDER BY weekday, start_minute;`), roomID)
	if err != nil {
		return nil, fmt.Errorf("Room sessions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			s  Session
			wd int
		)
		if err := rows.Scan(&wd, &s.StartMinute, &s.EndMinute); err != nil {
			return nil, fmt.Errorf("Room sessions scan: %w", err)
		}
		s.Weekday = time.Weekday(wd)
		room.Sessions = append(room.Sessions, s)
	}
	return &room, rows.Err()
}

// Subject returns the subject, or nil if it does not exist.
func (r *Repository) Subject(ctx context.Context, subjectID string) (*Subject, error) {
	var (
		s      Subject
		active int
	)
	err := r.db.Client.QueryRowContext(ctx, r.q(`
SELECT subject_id, display_name, active FROM subjects WHERE subject_id = ?;`), subjectID).
		Scan(&s.ID, &s.DisplayName, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Subject: %w", err)
	}
	s.Active = active == 1
	return &s, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertRoom creates or updates a room's name and active flag.
func (r *Repository) UpsertRoom(ctx context.Context, room Room) error {
	if room.ID == "" {
		return errors.New("room id required")
	}
	now := time.Now().UTC().UnixMilli()
	return r.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.q(`
INSERT INTO rooms(room_id, name, active, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (room_id) DO UPDATE SET
  name = excluded.name,
  active = excluded.active,
  updated_at_ms = excluded.updated_at_ms;`),
			room.ID, room.Name, boolInt(room.Active), now, now)
		if err != nil {
			return fmt.Errorf("UpsertRoom: %w", err)
		}
		return nil
	})
}

// AddSession schedules a session; re-adding the same start replaces its end.
func (r *Repository) AddSession(ctx context.Context, roomID string, s Session) error {
	if s.StartMinute < 0 || s.EndMinute > 24*60 || s.EndMinute <= s.StartMinute {
		return fmt.Errorf("invalid session %d-%d", s.StartMinute, s.EndMinute)
	}
	return r.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.q(`
INSERT INTO room_sessions(room_id, weekday, start_minute, end_minute)
VALUES (?, ?, ?, ?)
ON CONFLICT (room_id, weekday, start_minute) DO UPDATE SET end_minute = excluded.end_minute;`),
			roomID, int(s.Weekday), s.StartMinute, s.EndMinute)
		if err != nil {
			return fmt.Errorf("AddSession: %w", err)
		}
		return nil
	})
}

// UpsertSubject creates or updates a subject.
func (r *Repository) UpsertSubject(ctx context.Context, s Subject) error {
	if s.ID == "" {
		return errors.New("subject id required")
	}
	now := time.Now().UTC().UnixMilli()
	return r.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.q(`
INSERT INTO subjects(subject_id, display_name, active, created_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (subject_id) DO UPDATE SET
  display_name = excluded.display_name,
  active = excluded.active,
  updated_at_ms = excluded.updated_at_ms;`),
			s.ID, s.DisplayName, boolInt(s.Active), now, now)
		if err != nil {
			return fmt.Errorf("UpsertSubject: %w", err)
		}
		return nil
	})
}

// RegisterDevice ensures a scanner device record exists and notes it as seen.
func (r *Repository) RegisterDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	now := time.Now().UTC().UnixMilli()
	return r.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, r.q(`
INSERT INTO devices(device_id, created_at_ms, last_seen_at_ms)
VALUES (?, ?, ?)
ON CONFLICT (device_id) DO UPDATE SET last_seen_at_ms = excluded.last_seen_at_ms;`),
			deviceID, now, now)
		if err != nil {
			return fmt.Errorf("RegisterDevice: %w", err)
		}
		return nil
	})
}
