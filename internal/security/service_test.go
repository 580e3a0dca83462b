package security

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"childsecurity/internal/schedule"
)

type fakeRecords struct {
	mu              sync.Mutex
	recs            map[string]*CheckInRecord
	appendConflicts int
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{recs: make(map[string]*CheckInRecord)}
}

func copyRecord(rec *CheckInRecord) *CheckInRecord {
	out := *rec
	out.BackupAuthCodes = append([]string(nil), rec.BackupAuthCodes...)
	out.PickupAttempts = append([]PickupAttempt{}, rec.PickupAttempts...)
	if rec.ChildPhotoRef != nil {
		ref := *rec.ChildPhotoRef
		out.ChildPhotoRef = &ref
	}
	if rec.GuardianPhotoRef != nil {
		ref := *rec.GuardianPhotoRef
		out.GuardianPhotoRef = &ref
	}
	if rec.CheckedOutAt != nil {
		at := *rec.CheckedOutAt
		out.CheckedOutAt = &at
	}
	return &out
}

func (f *fakeRecords) Create(_ context.Context, rec *CheckInRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec.CreatedAt = time.Now().UTC()
	f.recs[rec.ID] = copyRecord(rec)
	return nil
}

func (f *fakeRecords) Get(_ context.Context, id string) (*CheckInRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRecord(rec), nil
}

func (f *fakeRecords) AppendAttempt(_ context.Context, id string, expectedAttempts int, att PickupAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendConflicts > 0 {
		f.appendConflicts--
		return ErrConflict
	}
	rec, ok := f.recs[id]
	if !ok || rec.CheckedOut || len(rec.PickupAttempts) != expectedAttempts {
		return ErrConflict
	}
	rec.PickupAttempts = append(rec.PickupAttempts, att)
	return nil
}

func (f *fakeRecords) CompleteCheckout(_ context.Context, id, by string, at time.Time, att PickupAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok || rec.CheckedOut {
		return ErrConflict
	}
	rec.CheckedOut = true
	rec.CheckedOutAt = &at
	rec.CheckedOutBy = by
	rec.PickupAttempts = append(rec.PickupAttempts, att)
	rec.ChildPhotoRef = nil
	rec.GuardianPhotoRef = nil
	return nil
}

func (f *fakeRecords) ClearPhotoRefs(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.recs[id]
	if !ok {
		return false, nil
	}
	if rec.ChildPhotoRef == nil && rec.GuardianPhotoRef == nil {
		return false, nil
	}
	rec.ChildPhotoRef = nil
	rec.GuardianPhotoRef = nil
	return true, nil
}

func (f *fakeRecords) ListExpired(_ context.Context, cutoff time.Time) ([]CheckInRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []CheckInRecord
	for _, rec := range f.recs {
		if !rec.PhotoCapturedAt.After(cutoff) && (rec.ChildPhotoRef != nil || rec.GuardianPhotoRef != nil) {
			out = append(out, *copyRecord(rec))
		}
	}
	return out, nil
}

type fakePhotos struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	seq      int
	failSave bool
}

func newFakePhotos() *fakePhotos {
	return &fakePhotos{blobs: make(map[string][]byte)}
}

func (f *fakePhotos) Save(_ context.Context, data []byte, label string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return "", errors.New("storage down")
	}
	f.seq++
	ref := fmt.Sprintf("%s_%d.enc", label, f.seq)
	f.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

func (f *fakePhotos) Load(_ context.Context, ref string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[ref]
	if !ok {
		return nil, errors.New("blob not found")
	}
	return data, nil
}

func (f *fakePhotos) Delete(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blobs, ref)
	return nil
}

type fakeMatcher struct {
	score float64
	err   error
	calls int
}

func (f *fakeMatcher) Compare(_ context.Context, _ string, _ []byte) (float64, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return f.score, nil
}

type fixture struct {
	svc     *Service
	records *fakeRecords
	photos  *fakePhotos
	matcher *fakeMatcher
	sched   *schedule.InMemory
}

func newFixture(opts Options) *fixture {
	records := newFakeRecords()
	photos := newFakePhotos()
	matcher := &fakeMatcher{score: 0.9}
	sched := schedule.NewInMemory()
	return &fixture{
		svc:     NewService(records, photos, matcher, sched, opts),
		records: records,
		photos:  photos,
		matcher: matcher,
		sched:   sched,
	}
}

func mustCheckIn(t *testing.T, f *fixture) CheckInResult {
	t.Helper()
	res, err := f.svc.CreateCheckIn(context.Background(), CheckInRequest{
		ChildID:       "child-42",
		ChurchID:      "grace-fellowship",
		GuardianName:  "Pat Doe",
		GuardianPhone: "+15550100",
		ChildPhoto:    []byte("child-photo"),
		GuardianPhoto: []byte("guardian-photo"),
	})
	require.NoError(t, err)
	return res
}

func TestCreateCheckIn(t *testing.T) {
	f := newFixture(Options{})
	res := mustCheckIn(t, f)

	assert.Len(t, res.SecurityPin, 6)
	assert.Contains(t, res.QRCode, "CHK_")

	rec, err := f.records.Get(context.Background(), res.CheckInID)
	require.NoError(t, err)
	assert.Equal(t, res.SecurityPin, rec.SecurityPin)
	assert.Len(t, rec.BackupAuthCodes, 3)
	assert.False(t, rec.CheckedOut)
	assert.Empty(t, rec.PickupAttempts)
	require.NotNil(t, rec.ChildPhotoRef)
	require.NotNil(t, rec.GuardianPhotoRef)

	// Both photos encrypted and stored, expiry entry scheduled.
	assert.Len(t, f.photos.blobs, 2)
	due, err := f.sched.Due(context.Background(), time.Now().Add(8*24*time.Hour), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{res.CheckInID}, due)
}

func TestCreateCheckInValidation(t *testing.T) {
	f := newFixture(Options{})
	ctx := context.Background()

	_, err := f.svc.CreateCheckIn(ctx, CheckInRequest{ChildID: "", ChildPhoto: []byte("a"), GuardianPhoto: []byte("b")})
	assert.Error(t, err)

	_, err = f.svc.CreateCheckIn(ctx, CheckInRequest{ChildID: "c", GuardianPhoto: []byte("b")})
	assert.Error(t, err)

	f.photos.failSave = true
	_, err = f.svc.CreateCheckIn(ctx, CheckInRequest{ChildID: "c", ChildPhoto: []byte("a"), GuardianPhoto: []byte("b")})
	assert.Error(t, err)
}

func TestVerifyPickupSuccess(t *testing.T) {
	f := newFixture(Options{})
	res := mustCheckIn(t, f)
	ctx := context.Background()

	out, err := f.svc.VerifyPickup(ctx, res.CheckInID, []byte("pickup-photo"), res.SecurityPin, "staff-1")
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Empty(t, out.Reason)

	rec, err := f.records.Get(ctx, res.CheckInID)
	require.NoError(t, err)
	assert.True(t, rec.CheckedOut)
	assert.Equal(t, "staff-1", rec.CheckedOutBy)
	require.NotNil(t, rec.CheckedOutAt)

	// Photo refs purged immediately on success.
	assert.Nil(t, rec.ChildPhotoRef)
	assert.Nil(t, rec.GuardianPhotoRef)

	require.Len(t, rec.PickupAttempts, 1)
	att := rec.PickupAttempts[0]
	assert.True(t, att.Success)
	assert.Equal(t, ViaNormal, att.SucceededVia)
	assert.Equal(t, 0.9, att.MatchScore)
	assert.Equal(t, res.SecurityPin[:2]+"****", att.MaskedPin)
}

func TestVerifyPickupRequiresBothFactors(t *testing.T) {
	ctx := context.Background()

	t.Run("correct pin, low score", func(t *testing.T) {
		f := newFixture(Options{})
		res := mustCheckIn(t, f)
		f.matcher.score = 0.5

		out, err := f.svc.VerifyPickup(ctx, res.CheckInID, []byte("p"), res.SecurityPin, "staff-1")
		require.NoError(t, err)
		assert.False(t, out.Success)
		assert.Contains(t, out.Reason, "Photo match too low (50.0% confidence)")
		assert.NotContains(t, out.Reason, "Invalid PIN")

		rec, err := f.records.Get(ctx, res.CheckInID)
		require.NoError(t, err)
		assert.False(t, rec.CheckedOut)
		assert.Len(t, rec.PickupAttempts, 1)
	})

	t.Run("wrong pin, high score", func(t *testing.T) {
		f := newFixture(Options{})
		res := mustCheckIn(t, f)
		f.matcher.score = 0.95

		out, err := f.svc.VerifyPickup(ctx, res.CheckInID, []byte("p"), "000000", "staff-1")
		require.NoError(t, err)
		assert.False(t, out.Success)
		assert.Contains(t, out.Reason, "Invalid PIN")
		assert.NotContains(t, out.Reason, "Photo match too low")
	})

	t.Run("both wrong", func(t *testing.T) {
		f := newFixture(Options{})
		res := mustCheckIn(t, f)
		f.matcher.score = 0.2

		out, err := f.svc.VerifyPickup(ctx, res.CheckInID, []byte("p"), "000000", "staff-1")
		require.NoError(t, err)
		assert.False(t, out.Success)
		assert.Contains(t, out.Reason, "Invalid PIN")
		assert.Contains(t, out.Reason, "Photo match too low (20.0% confidence)")
	})
}

func TestVerifyPickupBackupCode(t *testing.T) {
	f := newFixture(Options{})
	res := mustCheckIn(t, f)
	ctx := context.Background()

	rec, err := f.records.Get(ctx, res.CheckInID)
	require.NoError(t, err)
	require.Len(t, rec.BackupAuthCodes, 3)

	out, err := f.svc.VerifyPickup(ctx, res.CheckInID, []byte("p"), rec.BackupAuthCodes[1], "staff-1")
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestVerifyPickupLockout(t *testing.T) {
	f := newFixture(Options{MaxPickupAttempts: 3})
	res := mustCheckIn(t, f)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		out, err := f.svc.VerifyPickup(ctx, res.CheckInID, []byte("p"), "000000", "stranger")
		require.NoError(t, err)
		assert.False(t, out.Success)
		if i < 3 {
			assert.False(t, out.RequiresManagerOverride, "attempt %d", i)
		} else {
			assert.True(t, out.RequiresManagerOverride, "attempt %d", i)
		}
	}

	comparisons := f.matcher.calls

	// Locked: refused outright, no oracle contact, no attempt slot consumed.
	out, err := f.svc.VerifyPickup(ctx, res.CheckInID, []byte("p"), res.SecurityPin, "stranger")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.True(t, out.RequiresManagerOverride)
	assert.Equal(t, "Maximum pickup attempts exceeded", out.Reason)
	assert.Equal(t, comparisons, f.matcher.calls)

	rec, err := f.records.Get(ctx, res.CheckInID)
	require.NoError(t, err)
	assert.Len(t, rec.PickupAttempts, 3)
}

func TestEmergencyOverride(t *testing.T) {
	f := newFixture(Options{MaxPickupAttempts: 3})
	res := mustCheckIn(t, f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.svc.VerifyPickup(ctx, res.CheckInID, []byte("p"), "000000", "stranger")
		require.NoError(t, err)
	}

	reason := "parent ID lost, verified via school records"
	out, err := f.svc.EmergencyOverride(ctx, res.CheckInID, "mgr1", reason)
	require.NoError(t, err)
	assert.True(t, out.Success)

	rec, err := f.records.Get(ctx, res.CheckInID)
	require.NoError(t, err)
	assert.True(t, rec.CheckedOut)
	assert.Equal(t, "EMERGENCY_OVERRIDE_mgr1", rec.CheckedOutBy)
	assert.Nil(t, rec.ChildPhotoRef)
	assert.Nil(t, rec.GuardianPhotoRef)

	require.Len(t, rec.PickupAttempts, 4)
	last := rec.PickupAttempts[3]
	assert.Equal(t, ViaOverride, last.SucceededVia)
	assert.Equal(t, reason, last.OverrideReason)
	assert.Equal(t, "mgr1", last.ActorID)

	// Terminal: neither path accepts further calls.
	out, err = f.svc.VerifyPickup(ctx, res.CheckInID, []byte("p"), res.SecurityPin, "staff-1")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, reasonClosed, out.Reason)

	out, err = f.svc.EmergencyOverride(ctx, res.CheckInID, "mgr2", "again")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, reasonClosed, out.Reason)
}

func TestVerifyPickupAfterCheckout(t *testing.T) {
	f := newFixture(Options{})
	res := mustCheckIn(t, f)
	ctx := context.Background()

	out, err := f.svc.VerifyPickup(ctx, res.CheckInID, []byte("p"), res.SecurityPin, "staff-1")
	require.NoError(t, err)
	require.True(t, out.Success)

	out, err = f.svc.VerifyPickup(ctx, res.CheckInID, []byte("p"), res.SecurityPin, "staff-1")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, reasonClosed, out.Reason)

	rec, err := f.records.Get(ctx, res.CheckInID)
	require.NoError(t, err)
	assert.Len(t, rec.PickupAttempts, 1, "no attempt recorded once terminal")
}

func TestVerifyPickupUnknownRecord(t *testing.T) {
	f := newFixture(Options{})
	out, err := f.svc.VerifyPickup(context.Background(), "nope", []byte("p"), "123456", "staff-1")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, reasonClosed, out.Reason)
	assert.Zero(t, f.matcher.calls)
}

func TestVerifyPickupPurgedPhotosFailClosed(t *testing.T) {
	f := newFixture(Options{})
	res := mustCheckIn(t, f)
	ctx := context.Background()

	_, err := f.records.ClearPhotoRefs(ctx, res.CheckInID)
	require.NoError(t, err)

	f.matcher.score = 0.99
	out, err := f.svc.VerifyPickup(ctx, res.CheckInID, []byte("p"), res.SecurityPin, "staff-1")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "Photo match too low (0.0% confidence)")
	assert.Zero(t, f.matcher.calls, "no guardian photo, oracle never consulted")
}

func TestVerifyPickupOracleErrorFailsClosed(t *testing.T) {
	f := newFixture(Options{})
	res := mustCheckIn(t, f)
	f.matcher.err = errors.New("face service timeout")

	out, err := f.svc.VerifyPickup(context.Background(), res.CheckInID, []byte("p"), res.SecurityPin, "staff-1")
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Contains(t, out.Reason, "Photo match too low (0.0% confidence)")
}

func TestVerifyPickupConcurrentAppendRetries(t *testing.T) {
	f := newFixture(Options{})
	res := mustCheckIn(t, f)
	f.records.appendConflicts = 1

	out, err := f.svc.VerifyPickup(context.Background(), res.CheckInID, []byte("p"), "000000", "staff-1")
	require.NoError(t, err)
	assert.False(t, out.Success)

	rec, err := f.records.Get(context.Background(), res.CheckInID)
	require.NoError(t, err)
	assert.Len(t, rec.PickupAttempts, 1)
}

func TestPickupHistory(t *testing.T) {
	f := newFixture(Options{})
	res := mustCheckIn(t, f)
	ctx := context.Background()

	history, err := f.svc.GetPickupHistory(ctx, res.CheckInID)
	require.NoError(t, err)
	assert.Empty(t, history)

	_, err = f.svc.VerifyPickup(ctx, res.CheckInID, []byte("p"), "000000", "staff-1")
	require.NoError(t, err)

	history, err = f.svc.GetPickupHistory(ctx, res.CheckInID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "00****", history[0].MaskedPin)

	_, err = f.svc.GetPickupHistory(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanupExpiredPhotos(t *testing.T) {
	f := newFixture(Options{})
	res := mustCheckIn(t, f)
	ctx := context.Background()

	// Nothing expired yet.
	count, err := f.svc.CleanupExpiredPhotos(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Advance the clock past the 7-day window.
	f.svc.now = func() time.Time { return time.Now().Add(8 * 24 * time.Hour) }

	count, err = f.svc.CleanupExpiredPhotos(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	rec, err := f.records.Get(ctx, res.CheckInID)
	require.NoError(t, err)
	assert.Nil(t, rec.ChildPhotoRef)
	assert.Nil(t, rec.GuardianPhotoRef)
	assert.False(t, rec.CheckedOut, "record retained for audit")
	assert.Empty(t, f.photos.blobs, "blobs removed")

	// Idempotent: a second sweep purges nothing further.
	count, err = f.svc.CleanupExpiredPhotos(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestPurgeRecordPhotos(t *testing.T) {
	f := newFixture(Options{})
	res := mustCheckIn(t, f)
	ctx := context.Background()

	cleared, err := f.svc.PurgeRecordPhotos(ctx, res.CheckInID)
	require.NoError(t, err)
	assert.True(t, cleared)

	cleared, err = f.svc.PurgeRecordPhotos(ctx, res.CheckInID)
	require.NoError(t, err)
	assert.False(t, cleared)

	cleared, err = f.svc.PurgeRecordPhotos(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, cleared)

	due, err := f.sched.Due(ctx, time.Now().Add(30*24*time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, due, "expiry entry removed")
}
