package security

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"childsecurity/internal/logging"
	"childsecurity/internal/photostore"
	"childsecurity/internal/schedule"
)

// RecordStore persists check-in records. AppendAttempt and CompleteCheckout
// are conditional: they fail with ErrConflict when the record was checked out
// or its attempt count moved underneath the caller.
type RecordStore interface {
	Create(ctx context.Context, rec *CheckInRecord) error
	Get(ctx context.Context, id string) (*CheckInRecord, error)
	AppendAttempt(ctx context.Context, id string, expectedAttempts int, att PickupAttempt) error
	CompleteCheckout(ctx context.Context, id, by string, at time.Time, att PickupAttempt) error
	ClearPhotoRefs(ctx context.Context, id string) (bool, error)
	ListExpired(ctx context.Context, cutoff time.Time) ([]CheckInRecord, error)
}

// PhotoMatcher scores the similarity of a submitted photo against a stored
// guardian photo, in [0,1].
type PhotoMatcher interface {
	Compare(ctx context.Context, storedRef string, submitted []byte) (float64, error)
}

// Options tune the verification policy.
type Options struct {
	MaxPickupAttempts   int
	PhotoMatchThreshold float64
	PhotoRetention      time.Duration
}

// Service owns the check-in lifecycle and pickup verification.
type Service struct {
	records RecordStore
	photos  photostore.Store
	matcher PhotoMatcher
	sched   schedule.Scheduler
	opts    Options
	now     func() time.Time
}

// NewService wires the engine to its collaborators.
func NewService(records RecordStore, photos photostore.Store, matcher PhotoMatcher, sched schedule.Scheduler, opts Options) *Service {
	if opts.MaxPickupAttempts <= 0 {
		opts.MaxPickupAttempts = 3
	}
	if opts.PhotoMatchThreshold <= 0 {
		opts.PhotoMatchThreshold = 0.85
	}
	if opts.PhotoRetention <= 0 {
		opts.PhotoRetention = 7 * 24 * time.Hour
	}
	return &Service{
		records: records,
		photos:  photos,
		matcher: matcher,
		sched:   sched,
		opts:    opts,
		now:     time.Now,
	}
}

// CheckInRequest carries the drop-off inputs.
type CheckInRequest struct {
	ChildID       string
	ChurchID      string
	GuardianName  string
	GuardianPhone string
	ChildPhoto    []byte
	GuardianPhoto []byte
}

const reasonClosed = "Child already checked out or not found"

// CreateCheckIn encrypts and stores both photos, generates the pickup
// credentials, persists the record, and schedules its photo expiry. The
// returned PIN is the literal value required at pickup.
func (s *Service) CreateCheckIn(ctx context.Context, req CheckInRequest) (CheckInResult, error) {
	if req.ChildID == "" {
		return CheckInResult{}, errors.New("child id required")
	}
	if len(req.ChildPhoto) == 0 || len(req.GuardianPhoto) == 0 {
		return CheckInResult{}, errors.New("child and guardian photos required")
	}

	pin, err := GeneratePin()
	if err != nil {
		return CheckInResult{}, err
	}
	qr, err := GenerateQRToken()
	if err != nil {
		return CheckInResult{}, err
	}
	backupCodes, err := GenerateBackupCodes(3)
	if err != nil {
		return CheckInResult{}, err
	}

	childRef, err := s.photos.Save(ctx, req.ChildPhoto, "child")
	if err != nil {
		return CheckInResult{}, fmt.Errorf("store child photo: %w", err)
	}
	guardianRef, err := s.photos.Save(ctx, req.GuardianPhoto, "guardian")
	if err != nil {
		return CheckInResult{}, fmt.Errorf("store guardian photo: %w", err)
	}

	now := s.now().UTC()
	rec := &CheckInRecord{
		ID:               uuid.NewString(),
		ChurchID:         req.ChurchID,
		ChildID:          req.ChildID,
		GuardianName:     req.GuardianName,
		GuardianPhone:    req.GuardianPhone,
		SecurityPin:      pin,
		QRCode:           qr,
		BackupAuthCodes:  backupCodes,
		ChildPhotoRef:    &childRef,
		GuardianPhotoRef: &guardianRef,
		PhotoCapturedAt:  now,
		PickupAttempts:   []PickupAttempt{},
	}
	if err := s.records.Create(ctx, rec); err != nil {
		return CheckInResult{}, err
	}

	// Durable expiry entry; the periodic sweep is the safety net if this fails.
	if err := s.sched.Schedule(ctx, rec.ID, now.Add(s.opts.PhotoRetention)); err != nil {
		logging.Logger.WithError(err).Warnf("schedule photo expiry for %s failed", rec.ID)
	}

	checkinsTotal.Inc()
	return CheckInResult{CheckInID: rec.ID, SecurityPin: pin, QRCode: qr}, nil
}

// VerifyPickup decides one pickup attempt. Success requires both a PIN match
// (primary or backup code) and a photo score at or above the threshold. Every
// admitted attempt is recorded, success or failure.
func (s *Service) VerifyPickup(ctx context.Context, checkInID string, photo []byte, pin, actorID string) (VerifyResult, error) {
	rec, err := s.records.Get(ctx, checkInID)
	if errors.Is(err, ErrNotFound) {
		pickupAttemptsTotal.WithLabelValues("denied").Inc()
		return VerifyResult{Reason: reasonClosed}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	if rec.CheckedOut {
		pickupAttemptsTotal.WithLabelValues("denied").Inc()
		return VerifyResult{Reason: reasonClosed}, nil
	}
	if len(rec.PickupAttempts) >= s.opts.MaxPickupAttempts {
		// No attempt slot consumed and no oracle contact once locked.
		pickupAttemptsTotal.WithLabelValues("locked").Inc()
		return VerifyResult{
			Reason:                  "Maximum pickup attempts exceeded",
			RequiresManagerOverride: true,
		}, nil
	}

	ts := s.now().UTC()
	pinValid := pin != "" && (pin == rec.SecurityPin || slices.Contains(rec.BackupAuthCodes, pin))

	var score float64
	if rec.GuardianPhotoRef != nil {
		score, err = s.matcher.Compare(ctx, *rec.GuardianPhotoRef, photo)
		if err != nil {
			// Fail closed: an oracle fault must never read as a match.
			logging.Logger.WithError(err).Warnf("photo comparison failed for %s", checkInID)
			score = 0
		}
	}
	photoValid := rec.GuardianPhotoRef != nil && score >= s.opts.PhotoMatchThreshold

	success := pinValid && photoValid

	auditRef, err := s.photos.Save(ctx, photo, "pickup_attempt")
	if err != nil {
		logging.Logger.WithError(err).Warnf("store audit photo for %s failed", checkInID)
		auditRef = ""
	}

	att := PickupAttempt{
		Timestamp:     ts,
		AuditPhotoRef: auditRef,
		MaskedPin:     MaskPin(pin),
		MatchScore:    score,
		Success:       success,
		ActorID:       actorID,
	}

	if success {
		att.SucceededVia = ViaNormal
		if err := s.records.CompleteCheckout(ctx, checkInID, actorID, ts, att); err != nil {
			if errors.Is(err, ErrConflict) {
				// Another pickup won the race; this one must not also succeed.
				pickupAttemptsTotal.WithLabelValues("denied").Inc()
				return VerifyResult{Reason: reasonClosed}, nil
			}
			return VerifyResult{}, err
		}
		s.deletePhotoBlobs(ctx, rec)
		if err := s.sched.Remove(ctx, checkInID); err != nil {
			logging.Logger.WithError(err).Warnf("remove expiry entry for %s failed", checkInID)
		}
		photosPurgedTotal.Inc()
		pickupAttemptsTotal.WithLabelValues("success").Inc()
		return VerifyResult{Success: true}, nil
	}

	attemptCount := len(rec.PickupAttempts)
	if err := s.records.AppendAttempt(ctx, checkInID, attemptCount, att); err != nil {
		if !errors.Is(err, ErrConflict) {
			return VerifyResult{}, err
		}
		// Lost the read-count-then-append race; re-admit against fresh state.
		fresh, err := s.records.Get(ctx, checkInID)
		if errors.Is(err, ErrNotFound) {
			pickupAttemptsTotal.WithLabelValues("denied").Inc()
			return VerifyResult{Reason: reasonClosed}, nil
		}
		if err != nil {
			return VerifyResult{}, err
		}
		if fresh.CheckedOut {
			pickupAttemptsTotal.WithLabelValues("denied").Inc()
			return VerifyResult{Reason: reasonClosed}, nil
		}
		if len(fresh.PickupAttempts) >= s.opts.MaxPickupAttempts {
			pickupAttemptsTotal.WithLabelValues("locked").Inc()
			return VerifyResult{
				Reason:                  "Maximum pickup attempts exceeded",
				RequiresManagerOverride: true,
			}, nil
		}
		attemptCount = len(fresh.PickupAttempts)
		if err := s.records.AppendAttempt(ctx, checkInID, attemptCount, att); err != nil {
			// A denial that cannot be recorded must not be treated as final.
			return VerifyResult{}, fmt.Errorf("record pickup attempt for %s: %w", checkInID, err)
		}
	}

	reason := "Authentication failed."
	if !pinValid {
		reason += " Invalid PIN."
	}
	if !photoValid {
		reason += fmt.Sprintf(" Photo match too low (%.1f%% confidence).", score*100)
	}

	pickupAttemptsTotal.WithLabelValues("failure").Inc()
	return VerifyResult{
		Reason:                  strings.TrimSpace(reason),
		RequiresManagerOverride: attemptCount+1 >= s.opts.MaxPickupAttempts,
	}, nil
}

// EmergencyOverride checks the child out without any PIN or photo check. The
// reason and acting manager are recorded verbatim on the audit trail; callers
// are responsible for restricting who may invoke this.
func (s *Service) EmergencyOverride(ctx context.Context, checkInID, managerID, overrideReason string) (VerifyResult, error) {
	rec, err := s.records.Get(ctx, checkInID)
	if errors.Is(err, ErrNotFound) {
		return VerifyResult{Reason: reasonClosed}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	if rec.CheckedOut {
		return VerifyResult{Reason: reasonClosed}, nil
	}

	ts := s.now().UTC()
	att := PickupAttempt{
		Timestamp:      ts,
		MaskedPin:      "OVERRIDE",
		Success:        true,
		ActorID:        managerID,
		SucceededVia:   ViaOverride,
		OverrideReason: overrideReason,
	}
	if err := s.records.CompleteCheckout(ctx, checkInID, "EMERGENCY_OVERRIDE_"+managerID, ts, att); err != nil {
		if errors.Is(err, ErrConflict) {
			return VerifyResult{Reason: reasonClosed}, nil
		}
		return VerifyResult{}, err
	}

	s.deletePhotoBlobs(ctx, rec)
	if err := s.sched.Remove(ctx, checkInID); err != nil {
		logging.Logger.WithError(err).Warnf("remove expiry entry for %s failed", checkInID)
	}
	photosPurgedTotal.Inc()
	overridesTotal.Inc()
	logging.Logger.Warnf("emergency override on %s by %s: %s", checkInID, managerID, overrideReason)
	return VerifyResult{Success: true}, nil
}

// GetPickupHistory returns the ordered audit trail for a record. A missing
// record is reported as ErrNotFound rather than an empty history.
func (s *Service) GetPickupHistory(ctx context.Context, checkInID string) ([]PickupAttempt, error) {
	rec, err := s.records.Get(ctx, checkInID)
	if err != nil {
		return nil, err
	}
	return rec.PickupAttempts, nil
}

// PurgeRecordPhotos purges photo material for a single record, used by the
// worker when its durable expiry entry comes due. Idempotent.
func (s *Service) PurgeRecordPhotos(ctx context.Context, checkInID string) (bool, error) {
	rec, err := s.records.Get(ctx, checkInID)
	if errors.Is(err, ErrNotFound) {
		if err := s.sched.Remove(ctx, checkInID); err != nil {
			logging.Logger.WithError(err).Warnf("remove expiry entry for %s failed", checkInID)
		}
		return false, nil
	}
	if err != nil {
		return false, err
	}
	cleared := s.purgePhotos(ctx, rec)
	if err := s.sched.Remove(ctx, checkInID); err != nil {
		logging.Logger.WithError(err).Warnf("remove expiry entry for %s failed", checkInID)
	}
	return cleared, nil
}

// CleanupExpiredPhotos purges photo material for every record past the
// retention window that still holds a live photo ref. Records are kept for
// audit; only the photo fields are cleared. Idempotent.
func (s *Service) CleanupExpiredPhotos(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.opts.PhotoRetention)
	expired, err := s.records.ListExpired(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for i := range expired {
		rec := &expired[i]
		if s.purgePhotos(ctx, rec) {
			cleaned++
		}
		if err := s.sched.Remove(ctx, rec.ID); err != nil {
			logging.Logger.WithError(err).Warnf("remove expiry entry for %s failed", rec.ID)
		}
	}
	return cleaned, nil
}

func (s *Service) purgePhotos(ctx context.Context, rec *CheckInRecord) bool {
	s.deletePhotoBlobs(ctx, rec)
	cleared, err := s.records.ClearPhotoRefs(ctx, rec.ID)
	if err != nil {
		logging.Logger.WithError(err).Warnf("clear photo refs for %s failed", rec.ID)
		return false
	}
	if cleared {
		photosPurgedTotal.Inc()
	}
	return cleared
}

func (s *Service) deletePhotoBlobs(ctx context.Context, rec *CheckInRecord) {
	for _, ref := range []*string{rec.ChildPhotoRef, rec.GuardianPhotoRef} {
		if ref == nil {
			continue
		}
		if err := s.photos.Delete(ctx, *ref); err != nil {
			logging.Logger.WithError(err).Warnf("delete photo blob %s failed", *ref)
		}
	}
}
