package attendance

import "context"

// UpdateStatusForTest bypasses the repository to check the store rejects
// status changes.
func UpdateStatusForTest(ctx context.Context, tx ScanTx, subjectID string, st Status) error {
	t := tx.(*sqlScanTx)
	_, err := t.tx.ExecContext(ctx, t.d.Rebind(
		`UPDATE attendance_records SET status = ? WHERE subject_id = ?`), string(st), subjectID)
	return err
}
