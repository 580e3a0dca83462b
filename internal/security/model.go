package security

import (
	"errors"
	"time"
)

// Sentinel errors for record lookups and lost per-record races.
var (
	ErrNotFound = errors.New("check-in record not found")
	ErrConflict = errors.New("check-in record changed concurrently")
)

// Via values recorded on a successful pickup attempt.
const (
	ViaNormal   = "normal"
	ViaOverride = "override"
)

// CheckInRecord is the durable entity for one child's drop-off and its
// pickup credentials. Photo refs are nulled on checkout or retention expiry;
// the record itself is retained for audit.
type CheckInRecord struct {
	ID               string          `json:"id"`
	ChurchID         string          `json:"church_id"`
	ChildID          string          `json:"child_id"`
	GuardianName     string          `json:"guardian_name"`
	GuardianPhone    string          `json:"guardian_phone"`
	SecurityPin      string          `json:"-"`
	QRCode           string          `json:"qr_code"`
	BackupAuthCodes  []string        `json:"-"`
	ChildPhotoRef    *string         `json:"child_photo_ref,omitempty"`
	GuardianPhotoRef *string         `json:"guardian_photo_ref,omitempty"`
	PhotoCapturedAt  time.Time       `json:"photo_captured_at"`
	CheckedOut       bool            `json:"checked_out"`
	CheckedOutAt     *time.Time      `json:"checked_out_at,omitempty"`
	CheckedOutBy     string          `json:"checked_out_by,omitempty"`
	PickupAttempts   []PickupAttempt `json:"pickup_attempts"`
	CreatedAt        time.Time       `json:"created_at"`
}

// PickupAttempt is one evaluated pickup submission, immutable once appended.
// The submitted PIN is stored masked; the submitted photo is stored encrypted
// and only its ref kept here.
type PickupAttempt struct {
	Timestamp      time.Time `json:"timestamp"`
	AuditPhotoRef  string    `json:"audit_photo_ref,omitempty"`
	MaskedPin      string    `json:"masked_pin"`
	MatchScore     float64   `json:"match_score"`
	Success        bool      `json:"success"`
	ActorID        string    `json:"actor_id"`
	SucceededVia   string    `json:"succeeded_via,omitempty"`
	OverrideReason string    `json:"override_reason,omitempty"`
}

// CheckInResult carries the credentials the guardian needs at pickup. They
// are returned once, to be handed over out-of-band.
type CheckInResult struct {
	CheckInID   string
	SecurityPin string
	QRCode      string
}

// VerifyResult is the outcome of one pickup verification. A "no" is a normal
// result, never an error.
type VerifyResult struct {
	Success                 bool
	Reason                  string
	RequiresManagerOverride bool
}
