package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/mmdatafocus/production_backend/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingLocker struct{ err error }

func (l failingLocker) LockShift(context.Context, string) (func(), error) {
	return nil, l.err
}

func entryStatuses(res *ConsumptionResult) []models.EntryStatus {
	out := make([]models.EntryStatus, len(res.Entries))
	for i, e := range res.Entries {
		out[i] = e.Status
	}
	return out
}

func request(shiftId string, output *models.Item, quantity int64, serials ...string) ConsumptionRequest {
	req := ConsumptionRequest{
		Shift:  ShiftContext{ShiftId: shiftId, OperatorId: 7},
		Output: OutputInput{ItemId: output.ID, Quantity: quantity},
	}
	for _, s := range serials {
		req.Entries = append(req.Entries, ProposedEntry{SourceSerial: s})
	}
	return req
}

func TestRecordAcceptsValidBatch(t *testing.T) {
	f := newFixture(t)
	f.item("RM-1", models.TierRawMaterial)
	ib := f.item("IB-1", models.TierIntermediateB)
	r1 := f.mint(t, "RM-1", "")
	r2 := f.mint(t, "RM-1", "")

	res := f.consume(t, "S-IB", ib, 3, r1.SerialNumber, r2.SerialNumber)

	assert.False(t, res.Replayed)
	assert.Equal(t, []models.EntryStatus{models.EntryStatusAccepted, models.EntryStatusAccepted}, entryStatuses(res))
	require.NotNil(t, res.Declaration)
	assert.Equal(t, int64(3), res.Declaration.Quantity)

	entries := f.store.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, models.TierRawMaterial, entries[0].SourceTier)
	assert.Equal(t, models.TierIntermediateB, entries[0].TargetTier)
	assert.Equal(t, res.BatchKey, entries[0].BatchKey)

	events := f.store.Events()
	assert.Equal(t, models.ProductionEventConsumptionRecorded, events[len(events)-1].EventType)
}

func TestRecordRejectsFinishedGoodIntoIntermediate(t *testing.T) {
	f := newFixture(t)
	f.item("FG-1", models.TierFinishedGood)
	ia := f.item("IA-1", models.TierIntermediateA)
	fg := f.mint(t, "FG-1", "")

	res, err := f.recorder.RecordConsumption(context.Background(), request("S1", ia, 1, fg.SerialNumber))
	require.ErrorIs(t, err, ErrTierViolation)
	require.NotNil(t, res)
	assert.Equal(t, []models.EntryStatus{models.EntryStatusRejected}, entryStatuses(res))
	assert.Empty(t, f.store.Entries())
}

func TestRecordTierViolationNamesAllowedSources(t *testing.T) {
	f := newFixture(t)
	f.item("IB-1", models.TierIntermediateB)
	ia := f.item("IA-1", models.TierIntermediateA)
	ib := f.mint(t, "IB-1", "")

	_, err := f.recorder.RecordConsumption(context.Background(), request("S1", ia, 1, ib.SerialNumber))
	var violation *TierViolationError
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, ib.SerialNumber, violation.Serial)
	assert.Equal(t, models.TierIntermediateB, violation.SourceTier)
	assert.Equal(t, models.TierIntermediateA, violation.TargetTier)
	assert.Equal(t, []models.Tier{models.TierRawMaterial}, violation.Allowed)
}

func TestRecordIsAllOrNothing(t *testing.T) {
	f := newFixture(t)
	f.item("RM-1", models.TierRawMaterial)
	ia := f.item("IA-1", models.TierIntermediateA)
	r1 := f.mint(t, "RM-1", "")

	res, err := f.recorder.RecordConsumption(context.Background(), request("S1", ia, 1, r1.SerialNumber, "0F01-000000-000000-00000-00000000"))
	require.ErrorIs(t, err, ErrUnknownSerial)
	assert.NotErrorIs(t, err, ErrTierViolation)

	require.Len(t, res.Entries, 2)
	assert.Equal(t, models.EntryStatusRejected, res.Entries[0].Status)
	assert.Equal(t, "batch rejected", res.Entries[0].Message)
	assert.Equal(t, models.EntryStatusRejected, res.Entries[1].Status)
	assert.ErrorIs(t, res.Entries[1].Err, ErrUnknownSerial)
	assert.Empty(t, f.store.Entries())

	_, err = f.recorder.consumption.OutputDeclaration(context.Background(), "S1", ia.ID)
	assert.Error(t, err, "a rejected batch must not declare output")
}

func TestRecordQcTolerance(t *testing.T) {
	f := newFixture(t)
	f.item("RM-1", models.TierRawMaterial)
	ia := f.weighedItem("IA-Q", models.TierIntermediateA, "10", "10")
	r1 := f.mint(t, "RM-1", "")
	ctx := context.Background()

	req := request("S-Q", ia, 2, r1.SerialNumber)
	req.Output.Weight = decimal.NewNullDecimal(decimal.NewFromInt(17))

	res, err := f.recorder.RecordConsumption(ctx, req)
	require.ErrorIs(t, err, ErrQcOutOfTolerance)
	assert.False(t, IsRetryable(err))
	var qc *QcToleranceError
	require.ErrorAs(t, err, &qc)
	assert.True(t, qc.Measured.Equal(decimal.RequireFromString("8.5")))
	assert.True(t, qc.DeviationPct.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, []models.EntryStatus{models.EntryStatusRejected}, entryStatuses(res))
	assert.Empty(t, f.store.Entries())
	assert.Empty(t, f.store.Overrides())

	req.Override = &QcOverrideInput{Justification: "scale recalibrated mid shift", ApprovedBy: 3}
	res, err = f.recorder.RecordConsumption(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.QcOverridden)
	assert.True(t, res.Declaration.QcOverridden)
	assert.Equal(t, []models.EntryStatus{models.EntryStatusAccepted}, entryStatuses(res))

	overrides := f.store.Overrides()
	require.Len(t, overrides, 1)
	assert.Equal(t, res.BatchKey, overrides[0].BatchKey)
	assert.Equal(t, 3, overrides[0].ApprovedBy)
	assert.True(t, overrides[0].DeviationPct.Equal(decimal.NewFromInt(15)))
}

func TestRecordQcWithinTolerance(t *testing.T) {
	f := newFixture(t)
	f.item("RM-1", models.TierRawMaterial)
	ia := f.weighedItem("IA-Q", models.TierIntermediateA, "10", "10")
	r1 := f.mint(t, "RM-1", "")

	req := request("S-Q", ia, 2, r1.SerialNumber)
	req.Output.Weight = decimal.NewNullDecimal(decimal.NewFromInt(19))

	res, err := f.recorder.RecordConsumption(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.QcOverridden)
	assert.Empty(t, f.store.Overrides())
}

func TestRecordOverrideNeedsJustification(t *testing.T) {
	f := newFixture(t)
	ia := f.item("IA-1", models.TierIntermediateA)

	req := request("S1", ia, 1)
	req.Override = &QcOverrideInput{Justification: "ok", ApprovedBy: 3}
	_, err := f.recorder.RecordConsumption(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRecordReplaysIdenticalBatch(t *testing.T) {
	f := newFixture(t)
	f.item("RM-1", models.TierRawMaterial)
	ia := f.item("IA-1", models.TierIntermediateA)
	r1 := f.mint(t, "RM-1", "")
	r2 := f.mint(t, "RM-1", "")

	first := f.consume(t, "S1", ia, 4, r1.SerialNumber, r2.SerialNumber)
	second := f.consume(t, "S1", ia, 4, r2.SerialNumber, r1.SerialNumber)

	assert.Equal(t, first.BatchKey, second.BatchKey)
	assert.True(t, second.Replayed)
	assert.Equal(t, []models.EntryStatus{models.EntryStatusCoalesced, models.EntryStatusCoalesced}, entryStatuses(second))
	assert.Equal(t, int64(4), second.Declaration.Quantity, "a replay must not add output twice")
	assert.Len(t, f.store.Entries(), 2)
}

func TestRecordCoalescesRepeatedSources(t *testing.T) {
	f := newFixture(t)
	f.item("RM-1", models.TierRawMaterial)
	ia := f.item("IA-1", models.TierIntermediateA)
	r1 := f.mint(t, "RM-1", "")
	r2 := f.mint(t, "RM-1", "")

	res := f.consume(t, "S1", ia, 1, r1.SerialNumber, r1.SerialNumber)
	assert.Equal(t, []models.EntryStatus{models.EntryStatusAccepted, models.EntryStatusCoalesced}, entryStatuses(res))

	// a second scan session in the same shift
	res = f.consume(t, "S1", ia, 1, r1.SerialNumber, r2.SerialNumber)
	assert.False(t, res.Replayed)
	assert.Equal(t, []models.EntryStatus{models.EntryStatusCoalesced, models.EntryStatusAccepted}, entryStatuses(res))
	assert.Equal(t, int64(2), res.Declaration.Quantity)
	assert.Len(t, f.store.Entries(), 2)

	// the same unit in another shift is a distinct edge
	res = f.consume(t, "S2", ia, 1, r1.SerialNumber)
	assert.Equal(t, []models.EntryStatus{models.EntryStatusAccepted}, entryStatuses(res))
	assert.Len(t, f.store.Entries(), 3)
}

func TestRecordStorageFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	f.item("RM-1", models.TierRawMaterial)
	ia := f.item("IA-1", models.TierIntermediateA)
	r1 := f.mint(t, "RM-1", "")
	req := request("S1", ia, 1, r1.SerialNumber)

	f.store.SetFailure(errors.New("deadlock found"))
	_, err := f.recorder.RecordConsumption(context.Background(), req)
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.True(t, IsRetryable(err))

	f.store.SetFailure(nil)
	res, err := f.recorder.RecordConsumption(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, []models.EntryStatus{models.EntryStatusAccepted}, entryStatuses(res))
}

func TestRecordTargetTierMustMatchOutput(t *testing.T) {
	f := newFixture(t)
	f.item("RM-1", models.TierRawMaterial)
	ia := f.item("IA-1", models.TierIntermediateA)
	r1 := f.mint(t, "RM-1", "")

	req := request("S1", ia, 1)
	req.Entries = []ProposedEntry{{SourceSerial: r1.SerialNumber, TargetTier: models.TierFinishedGood}}
	_, err := f.recorder.RecordConsumption(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Empty(t, f.store.Entries())

	req.Entries[0].TargetTier = "Scrap"
	_, err = f.recorder.RecordConsumption(context.Background(), req)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRecordUnknownOutputItem(t *testing.T) {
	f := newFixture(t)
	_, err := f.recorder.RecordConsumption(context.Background(), ConsumptionRequest{
		Shift:  ShiftContext{ShiftId: "S1", OperatorId: 7},
		Output: OutputInput{ItemCode: "NOPE", Quantity: 1},
	})
	require.ErrorIs(t, err, ErrInvalidIdentityInput)
}

func TestRecordShiftLock(t *testing.T) {
	f := newFixture(t)
	f.item("RM-1", models.TierRawMaterial)
	ia := f.item("IA-1", models.TierIntermediateA)
	r1 := f.mint(t, "RM-1", "")

	recorder := NewConsumptionRecorder(f.store, f.store, f.store, failingLocker{err: errors.New("redis: connection refused")}, quietLogger())
	recorder.StrictShiftLock = true
	_, err := recorder.RecordConsumption(context.Background(), request("S1", ia, 1, r1.SerialNumber))
	require.ErrorIs(t, err, ErrStorageUnavailable)
	assert.Empty(t, f.store.Entries())

	recorder.StrictShiftLock = false
	res, err := recorder.RecordConsumption(context.Background(), request("S1", ia, 1, r1.SerialNumber))
	require.NoError(t, err)
	assert.Equal(t, []models.EntryStatus{models.EntryStatusAccepted}, entryStatuses(res))
}

func TestBatchKey(t *testing.T) {
	ia := &models.Item{ID: 4}
	a, err := BatchKey(request("S1", ia, 2, "X1", "X2"))
	require.NoError(t, err)
	b, err := BatchKey(request("S1", ia, 2, "X2", "X1"))
	require.NoError(t, err)
	c, err := BatchKey(request("S1", ia, 3, "X1", "X2"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)

	req := request("S1", ia, 2, "X1")
	req.RequestId = "scanner-42/0007"
	key, err := BatchKey(req)
	require.NoError(t, err)
	assert.Equal(t, "scanner-42/0007", key)
}

func TestRecordRefusesReusedRequestId(t *testing.T) {
	f := newFixture(t)
	f.item("RM-1", models.TierRawMaterial)
	ia := f.item("IA-1", models.TierIntermediateA)
	r1 := f.mint(t, "RM-1", "")
	r2 := f.mint(t, "RM-1", "")
	ctx := context.Background()

	req := request("S1", ia, 2, r1.SerialNumber)
	req.RequestId = "scanner-1/0001"
	_, err := f.recorder.RecordConsumption(ctx, req)
	require.NoError(t, err)

	for name, changed := range map[string]ConsumptionRequest{
		"quantity": request("S1", ia, 5, r1.SerialNumber),
		"shift":    request("S2", ia, 2, r1.SerialNumber),
		"entries":  request("S1", ia, 2, r1.SerialNumber, r2.SerialNumber),
	} {
		changed.RequestId = req.RequestId
		res, err := f.recorder.RecordConsumption(ctx, changed)
		require.ErrorIs(t, err, ErrInvalidRequest, name)
		assert.Nil(t, res, name)
	}
	assert.Len(t, f.store.Entries(), 1)

	res, err := f.recorder.RecordConsumption(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, int64(2), res.Declaration.Quantity)
}

func TestRecordResubmissionKeepsDeclaration(t *testing.T) {
	f := newFixture(t)
	f.item("RM-1", models.TierRawMaterial)
	ia := f.item("IA-1", models.TierIntermediateA)
	fg := f.item("FG-1", models.TierFinishedGood)
	r1 := f.mint(t, "RM-1", "")
	r2 := f.mint(t, "RM-1", "")
	ctx := context.Background()

	first := request("S1", ia, 4, r1.SerialNumber, r2.SerialNumber)
	first.RequestId = "a"
	_, err := f.recorder.RecordConsumption(ctx, first)
	require.NoError(t, err)

	again := first
	again.RequestId = "b"
	res, err := f.recorder.RecordConsumption(ctx, again)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.True(t, res.Resubmitted)
	assert.Equal(t, []models.EntryStatus{models.EntryStatusCoalesced, models.EntryStatusCoalesced}, entryStatuses(res))
	assert.Equal(t, int64(4), res.Declaration.Quantity)

	more := request("S1", ia, 1)
	more.RequestId = "c"
	res, err = f.recorder.RecordConsumption(ctx, more)
	require.NoError(t, err)
	assert.False(t, res.Resubmitted)
	assert.Equal(t, int64(5), res.Declaration.Quantity)

	// same source, another output of the shift
	other := request("S1", fg, 1, r1.SerialNumber)
	res, err = f.recorder.RecordConsumption(ctx, other)
	require.NoError(t, err)
	assert.False(t, res.Resubmitted)
	assert.Equal(t, int64(1), res.Declaration.Quantity)
	assert.Equal(t, fg.ID, res.Declaration.ItemId)
}
