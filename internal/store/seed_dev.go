package store

import (
	"context"
	"fmt"
	"time"
)

// SeedDev creates a demo room with weekday sessions and a handful of
// subjects. It is idempotent and only meant for APP_ENV=dev.
func SeedDev(ctx context.Context, d *DB) error {
	now := time.Now().UTC().UnixMilli()

	if _, err := d.Client.ExecContext(ctx, d.Dialect.Rebind(`
INSERT INTO rooms(room_id, name, active, created_at_ms, updated_at_ms)
VALUES ('R101', 'Room 101', 1, ?, ?)
ON CONFLICT(room_id) DO NOTHING;`), now, now); err != nil {
		return fmt.Errorf("seed rooms: %w", err)
	}

	// Monday..Friday, 09:00-11:00 and 13:00-15:00.
	for wd := time.Monday; wd <= time.Friday; wd++ {
		for _, s := range [][2]int{{9 * 60, 11 * 60}, {13 * 60, 15 * 60}} {
			if _, err := d.Client.ExecContext(ctx, d.Dialect.Rebind(`
INSERT INTO room_sessions(room_id, weekday, start_minute, end_minute)
VALUES ('R101', ?, ?, ?)
ON CONFLICT(room_id, weekday, start_minute) DO NOTHING;`), int(wd), s[0], s[1]); err != nil {
				return fmt.Errorf("seed room_sessions: %w", err)
			}
		}
	}

	for _, sid := range []string{"S-1001", "S-1002", "S-1003"} {
		if _, err := d.Client.ExecContext(ctx, d.Dialect.Rebind(`
INSERT INTO subjects(subject_id, display_name, active, created_at_ms, updated_at_ms)
VALUES (?, ?, 1, ?, ?)
ON CONFLICT(subject_id) DO NOTHING;`), sid, "Demo "+sid, now, now); err != nil {
			return fmt.Errorf("seed subject %s: %w", sid, err)
		}
	}
	return nil
}
