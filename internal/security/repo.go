package security

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository persists check-in records in Postgres. Attempt appends and
// checkout are conditional updates so concurrent pickups on one record
// serialize at the row; a lost race surfaces as ErrConflict.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const recordColumns = `id, church_id, child_id, guardian_name, guardian_phone,
	security_pin, qr_code, backup_auth_codes, child_photo_ref, guardian_photo_ref,
	photo_captured_at, checked_out, checked_out_at, checked_out_by,
	pickup_attempts, created_at`

// Create inserts a new record.
func (r *Repository) Create(ctx context.Context, rec *CheckInRecord) error {
	codes, err := json.Marshal(rec.BackupAuthCodes)
	if err != nil {
		return err
	}
	attempts, err := json.Marshal(rec.PickupAttempts)
	if err != nil {
		return err
	}
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO children_check_ins
			(id, church_id, child_id, guardian_name, guardian_phone,
			 security_pin, qr_code, backup_auth_codes, child_photo_ref,
			 guardian_photo_ref, photo_captured_at, checked_out, pickup_attempts)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9,$10,$11,FALSE,$12::jsonb)
		RETURNING created_at
	`, rec.ID, rec.ChurchID, rec.ChildID, rec.GuardianName, rec.GuardianPhone,
		rec.SecurityPin, rec.QRCode, string(codes), rec.ChildPhotoRef,
		rec.GuardianPhotoRef, rec.PhotoCapturedAt, string(attempts))
	return row.Scan(&rec.CreatedAt)
}

// Get returns a record by id.
func (r *Repository) Get(ctx context.Context, id string) (*CheckInRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+`
		FROM children_check_ins WHERE id = $1
	`, id)
	return scanRecord(row)
}

// AppendAttempt appends an audit attempt iff the record is still open and its
// attempt count is unchanged since it was read.
func (r *Repository) AppendAttempt(ctx context.Context, id string, expectedAttempts int, att PickupAttempt) error {
	body, err := json.Marshal(att)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE children_check_ins
		SET pickup_attempts = pickup_attempts || $2::jsonb
		WHERE id = $1 AND checked_out = FALSE
		  AND jsonb_array_length(pickup_attempts) = $3
	`, id, string(body), expectedAttempts)
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// CompleteCheckout marks the record checked out, appends the final attempt,
// and clears the photo refs in the same statement. Fails with ErrConflict if
// the record is missing or already checked out.
func (r *Repository) CompleteCheckout(ctx context.Context, id, by string, at time.Time, att PickupAttempt) error {
	body, err := json.Marshal(att)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE children_check_ins
		SET checked_out = TRUE,
		    checked_out_at = $3,
		    checked_out_by = $2,
		    pickup_attempts = pickup_attempts || $4::jsonb,
		    child_photo_ref = NULL,
		    guardian_photo_ref = NULL
		WHERE id = $1 AND checked_out = FALSE
	`, id, by, at, string(body))
	if err != nil {
		return err
	}
	return mustAffect(res)
}

// ClearPhotoRefs nulls photo refs; reports whether anything was live to clear.
func (r *Repository) ClearPhotoRefs(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE children_check_ins
		SET child_photo_ref = NULL, guardian_photo_ref = NULL
		WHERE id = $1
		  AND (child_photo_ref IS NOT NULL OR guardian_photo_ref IS NOT NULL)
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListExpired returns records whose photos were captured before cutoff and
// which still hold at least one live photo ref.
func (r *Repository) ListExpired(ctx context.Context, cutoff time.Time) ([]CheckInRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM children_check_ins
		WHERE photo_captured_at <= $1
		  AND (child_photo_ref IS NOT NULL OR guardian_photo_ref IS NOT NULL)
		ORDER BY photo_captured_at
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CheckInRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*CheckInRecord, error) {
	var rec CheckInRecord
	var codes, attempts []byte
	var checkedOutBy sql.NullString
	err := row.Scan(&rec.ID, &rec.ChurchID, &rec.ChildID, &rec.GuardianName,
		&rec.GuardianPhone, &rec.SecurityPin, &rec.QRCode, &codes,
		&rec.ChildPhotoRef, &rec.GuardianPhotoRef, &rec.PhotoCapturedAt,
		&rec.CheckedOut, &rec.CheckedOutAt, &checkedOutBy, &attempts,
		&rec.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.CheckedOutBy = checkedOutBy.String
	if err := json.Unmarshal(codes, &rec.BackupAuthCodes); err != nil {
		return nil, fmt.Errorf("decode backup codes: %w", err)
	}
	if err := json.Unmarshal(attempts, &rec.PickupAttempts); err != nil {
		return nil, fmt.Errorf("decode pickup attempts: %w", err)
	}
	if rec.PickupAttempts == nil {
		rec.PickupAttempts = []PickupAttempt{}
	}
	return &rec, nil
}

func mustAffect(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
