package workflow

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/mmdatafocus/production_backend/appctx"
	"github.com/mmdatafocus/production_backend/config"
	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type ShiftContext struct {
	ShiftId    string `json:"shift_id" validate:"required,max=64"`
	OperatorId int    `json:"operator_id" validate:"gte=0"`
}

// OutputInput declares what the shift produced. Weight and Length are totals
// over Quantity units. ItemCode is used when ItemId is zero.
type OutputInput struct {
	ItemId   int                 `json:"item_id" validate:"gte=0"`
	ItemCode string              `json:"item_code" validate:"max=32"`
	Quantity int64               `json:"quantity" validate:"gte=0"`
	Weight   decimal.NullDecimal `json:"weight"`
	Length   decimal.NullDecimal `json:"length"`
}

// ProposedEntry is one consumed unit. TargetTier defaults to the output item's tier.
type ProposedEntry struct {
	SourceSerial string              `json:"source_serial" validate:"required,max=64"`
	Weight       decimal.NullDecimal `json:"weight"`
	Length       decimal.NullDecimal `json:"length"`
	TargetTier   models.Tier         `json:"target_tier,omitempty"`
}

// QcOverrideInput force-accepts a batch that fails the weight tolerance check.
type QcOverrideInput struct {
	Justification string `json:"justification" validate:"required,min=10,max=1000"`
	ApprovedBy    int    `json:"approved_by" validate:"required,gt=0"`
}

type ConsumptionRequest struct {
	// RequestId is the client's idempotency key. Without one the batch key is
	// a hash of the request content.
	RequestId string           `json:"request_id" validate:"omitempty,max=64"`
	Shift     ShiftContext     `json:"shift"`
	Output    OutputInput      `json:"output"`
	Entries   []ProposedEntry  `json:"entries" validate:"dive"`
	Override  *QcOverrideInput `json:"override"`
}

type EntryResult struct {
	SourceSerial string             `json:"source_serial"`
	Status       models.EntryStatus `json:"status"`
	Err          error              `json:"-"`
	Message      string             `json:"error,omitempty"`
}

type ConsumptionResult struct {
	BatchKey     string                    `json:"batch_key"`
	Replayed     bool                      `json:"replayed"`
	Resubmitted  bool                      `json:"resubmitted"`
	QcOverridden bool                      `json:"qc_overridden"`
	Entries      []EntryResult             `json:"entries"`
	Declaration  *models.OutputDeclaration `json:"declaration,omitempty"`
}

// ConsumptionRecorder validates a shift batch against the catalog and the tier
// policy, then stores it in one transaction. A batch with any rejected entry
// stores nothing.
type ConsumptionRecorder struct {
	catalog     repository.Catalog
	units       repository.UnitStore
	consumption repository.ConsumptionStore
	locker      repository.ShiftLocker
	logger      *logrus.Logger

	// StrictShiftLock fails the batch when the shift lock cannot be taken
	// instead of relying on the transaction alone.
	StrictShiftLock bool
}

func NewConsumptionRecorder(catalog repository.Catalog, units repository.UnitStore, consumption repository.ConsumptionStore, locker repository.ShiftLocker, logger *logrus.Logger) *ConsumptionRecorder {
	if logger == nil {
		logger = config.GetLogger()
	}
	if locker == nil {
		locker = repository.NoopShiftLocker{}
	}
	return &ConsumptionRecorder{
		catalog:         catalog,
		units:           units,
		consumption:     consumption,
		locker:          locker,
		logger:          logger,
		StrictShiftLock: config.StrictShiftLock(),
	}
}

// RecordConsumption validates and stores one batch. On rejection the result still lists
// every entry with its status, and the error joins the per-entry errors.
func (r *ConsumptionRecorder) RecordConsumption(ctx context.Context, req ConsumptionRequest) (*ConsumptionResult, error) {
	ctx, span := tracer.Start(ctx, "ConsumptionRecorder.RecordConsumption")
	defer span.End()
	span.SetAttributes(attribute.String("shift.id", req.Shift.ShiftId), attribute.Int("batch.entries", len(req.Entries)))

	result, err := r.record(ctx, req)
	outcome := errorClass(err)
	if err == nil && result.Replayed {
		outcome = "replayed"
	}
	consumptionBatches.WithLabelValues(outcome).Inc()
	if result != nil {
		for _, e := range result.Entries {
			consumptionEntries.WithLabelValues(string(e.Status)).Inc()
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return result, err
}

func (r *ConsumptionRecorder) record(ctx context.Context, req ConsumptionRequest) (*ConsumptionResult, error) {
	if req.Shift.OperatorId == 0 {
		req.Shift.OperatorId, _ = appctx.GetOperatorId(ctx)
	}
	if err := r.validateShape(req); err != nil {
		return nil, err
	}

	contentHash, err := ContentHash(req)
	if err != nil {
		return nil, err
	}
	batchKey := req.RequestId
	if batchKey == "" {
		batchKey = contentHash
	}

	release, err := r.locker.LockShift(ctx, req.Shift.ShiftId)
	if err != nil {
		if r.StrictShiftLock {
			config.LogError(r.logger, "ConsumptionRecorder", "Record", "lock shift", req.Shift.ShiftId, err)
			return nil, storageErr("lock shift", err)
		}
		r.logger.WithFields(logrus.Fields{
			"field":    "ConsumptionRecorder",
			"shift_id": req.Shift.ShiftId,
		}).Warn("recording without shift lock: " + err.Error())
	} else {
		defer release()
	}

	if replay, err := r.replay(ctx, req, batchKey, contentHash); replay != nil || err != nil {
		return replay, err
	}

	output, err := r.resolveOutputItem(ctx, req.Output)
	if err != nil {
		return nil, err
	}

	result := &ConsumptionResult{BatchKey: batchKey, Entries: make([]EntryResult, len(req.Entries))}
	entries, positions, err := r.validateEntries(ctx, req, output, result)
	if err != nil {
		return result, err
	}

	override, err := r.checkQc(req, output, batchKey)
	if err != nil {
		rejectAll(result, err)
		return result, err
	}
	result.QcOverridden = override != nil

	w := r.buildWrite(ctx, req, batchKey, output, entries, override)
	w.Batch.ContentHash = contentHash
	outcome, err := r.consumption.WriteShiftBatch(ctx, w)
	if errors.Is(err, repository.ErrDuplicateBatch) {
		// lost a race with an identical batch
		return r.replay(ctx, req, batchKey, contentHash)
	} else if err != nil {
		config.LogError(r.logger, "ConsumptionRecorder", "Record", "write shift batch", batchKey, err)
		return nil, storageErr("write shift batch", err)
	}

	for i, pos := range positions {
		if outcome.Inserted[i] {
			result.Entries[pos].Status = models.EntryStatusAccepted
		} else {
			result.Entries[pos].Status = models.EntryStatusCoalesced
		}
	}
	decl := outcome.Declaration
	result.Declaration = &decl
	if outcome.Resubmitted {
		result.Resubmitted = true
		r.logger.WithFields(logrus.Fields{
			"batch_key": batchKey,
			"shift_id":  req.Shift.ShiftId,
			"item_id":   output.ID,
		}).Warn("every source already recorded for this output; declaration unchanged")
	}

	if override != nil {
		r.logger.WithFields(logrus.Fields{
			"batch_key":     batchKey,
			"shift_id":      req.Shift.ShiftId,
			"item_id":       output.ID,
			"deviation_pct": override.DeviationPct.StringFixed(2),
			"approved_by":   override.ApprovedBy,
		}).Info("qc tolerance overridden")
	}
	return result, nil
}

func (r *ConsumptionRecorder) validateShape(req ConsumptionRequest) error {
	if err := validateStruct(req); err != nil {
		return err
	}
	fields := map[string]string{}
	if req.Output.ItemId == 0 && req.Output.ItemCode == "" {
		fields["ConsumptionRequest.Output.ItemId"] = "required"
	}
	if req.Output.Quantity == 0 && len(req.Entries) == 0 {
		fields["ConsumptionRequest.Output.Quantity"] = "gt"
	}
	if isNegative(req.Output.Weight) {
		fields["ConsumptionRequest.Output.Weight"] = "gte"
	}
	if isNegative(req.Output.Length) {
		fields["ConsumptionRequest.Output.Length"] = "gte"
	}
	for i, e := range req.Entries {
		if isNegative(e.Weight) {
			fields[fmt.Sprintf("ConsumptionRequest.Entries[%d].Weight", i)] = "gte"
		}
		if isNegative(e.Length) {
			fields[fmt.Sprintf("ConsumptionRequest.Entries[%d].Length", i)] = "gte"
		}
		if e.TargetTier != "" && !e.TargetTier.IsValid() {
			fields[fmt.Sprintf("ConsumptionRequest.Entries[%d].TargetTier", i)] = "oneof"
		}
	}
	if len(fields) > 0 {
		return &RequestError{Fields: fields}
	}
	return nil
}

// replay returns the stored outcome when batchKey was already committed. A
// request id reused for a different batch is refused.
func (r *ConsumptionRecorder) replay(ctx context.Context, req ConsumptionRequest, batchKey, contentHash string) (*ConsumptionResult, error) {
	batch, err := r.consumption.BatchByKey(ctx, batchKey)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, storageErr("load batch", err)
	}
	if batch.ContentHash != "" && batch.ContentHash != contentHash {
		return nil, &RequestError{Fields: map[string]string{"ConsumptionRequest.RequestId": "reused"}}
	}

	result := &ConsumptionResult{
		BatchKey:     batchKey,
		Replayed:     true,
		QcOverridden: batch.QcOverridden,
		Entries:      make([]EntryResult, len(req.Entries)),
	}
	for i, e := range req.Entries {
		result.Entries[i] = EntryResult{SourceSerial: e.SourceSerial, Status: models.EntryStatusCoalesced}
	}
	decl, err := r.consumption.OutputDeclaration(ctx, batch.ShiftId, batch.ItemId)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, storageErr("load output declaration", err)
	}
	result.Declaration = decl
	return result, nil
}

func (r *ConsumptionRecorder) resolveOutputItem(ctx context.Context, in OutputInput) (*models.Item, error) {
	var (
		item *models.Item
		err  error
	)
	if in.ItemId != 0 {
		item, err = r.catalog.ItemById(ctx, in.ItemId)
	} else {
		item, err = r.catalog.ItemByCode(ctx, in.ItemCode)
	}
	if errors.Is(err, repository.ErrNotFound) {
		value := in.ItemCode
		if in.ItemId != 0 {
			value = fmt.Sprint(in.ItemId)
		}
		return nil, &IdentityInputError{Field: "output item", Value: value, Reason: "is not in the catalog"}
	} else if err != nil {
		return nil, storageErr("resolve output item", err)
	}
	return item, nil
}

// validateEntries resolves every source and checks it against the tier policy.
// It returns the entries to store and, for each, its position in the request.
// Repeats of a serial inside the batch are coalesced here and never stored.
func (r *ConsumptionRecorder) validateEntries(ctx context.Context, req ConsumptionRequest, output *models.Item, result *ConsumptionResult) ([]models.ConsumptionEntry, []int, error) {
	serials := make([]string, 0, len(req.Entries))
	for i, e := range req.Entries {
		result.Entries[i].SourceSerial = e.SourceSerial
		serials = append(serials, e.SourceSerial)
	}
	units, err := r.units.UnitsBySerials(ctx, serials)
	if err != nil {
		return nil, nil, storageErr("resolve source units", err)
	}
	bySerial := make(map[string]*models.ProductionUnit, len(units))
	for _, u := range units {
		bySerial[u.SerialNumber] = u
	}
	sourceItems := map[int]*models.Item{}

	var (
		errs      []error
		entries   []models.ConsumptionEntry
		positions []int
		seen      = map[string]bool{}
	)
	for i, e := range req.Entries {
		if seen[e.SourceSerial] {
			result.Entries[i].Status = models.EntryStatusCoalesced
			continue
		}
		seen[e.SourceSerial] = true

		entryErr := func() error {
			target := e.TargetTier
			if target == "" {
				target = output.Tier
			}
			if target != output.Tier {
				return &RequestError{Fields: map[string]string{
					fmt.Sprintf("ConsumptionRequest.Entries[%d].TargetTier", i): "eqfield",
				}}
			}
			unit, ok := bySerial[e.SourceSerial]
			if !ok {
				return &UnknownSerialError{Serial: e.SourceSerial}
			}
			source, ok := sourceItems[unit.ItemId]
			if !ok {
				source, err = r.catalog.ItemById(ctx, unit.ItemId)
				if errors.Is(err, repository.ErrNotFound) {
					return &UnknownSerialError{Serial: e.SourceSerial}
				} else if err != nil {
					return storageErr("resolve source item", err)
				}
				sourceItems[unit.ItemId] = source
			}
			if !IsAllowedSource(source.Tier, target) {
				return &TierViolationError{
					Serial:     e.SourceSerial,
					SourceTier: source.Tier,
					TargetTier: target,
					Allowed:    AllowedSources(target),
				}
			}
			entries = append(entries, models.ConsumptionEntry{
				ShiftId:      req.Shift.ShiftId,
				SourceSerial: e.SourceSerial,
				SourceUnitId: unit.ID,
				SourceItemId: source.ID,
				SourceTier:   source.Tier,
				TargetItemId: output.ID,
				TargetTier:   target,
				Weight:       e.Weight,
				Length:       e.Length,
				OperatorId:   req.Shift.OperatorId,
			})
			positions = append(positions, i)
			return nil
		}()
		if entryErr != nil {
			result.Entries[i].Status = models.EntryStatusRejected
			result.Entries[i].Err = entryErr
			result.Entries[i].Message = entryErr.Error()
			errs = append(errs, entryErr)
		}
	}

	if len(errs) > 0 {
		// nothing from this batch is stored; flag the rest so the caller knows
		for i := range result.Entries {
			if result.Entries[i].Status != models.EntryStatusRejected {
				result.Entries[i].Status = models.EntryStatusRejected
				result.Entries[i].Message = "batch rejected"
			}
		}
		return nil, nil, errors.Join(errs...)
	}
	return entries, positions, nil
}

// checkQc compares the average measured weight per produced unit with the
// item's expected weight. It returns the override record to store when the
// batch is out of tolerance but overridden.
func (r *ConsumptionRecorder) checkQc(req ConsumptionRequest, output *models.Item, batchKey string) (*models.QcOverride, error) {
	if !output.HasWeightTolerance() || !req.Output.Weight.Valid || req.Output.Quantity <= 0 {
		return nil, nil
	}
	expected := output.ExpectedWeight.Decimal
	tolerance := output.TolerancePct.Decimal
	measured := req.Output.Weight.Decimal.Div(decimal.NewFromInt(req.Output.Quantity))
	deviation := measured.Sub(expected).Abs().Div(expected).Mul(decimal.NewFromInt(100))
	if deviation.LessThanOrEqual(tolerance) {
		return nil, nil
	}

	qcErr := &QcToleranceError{
		ItemCode:     output.ProductCode,
		Expected:     expected,
		Measured:     measured,
		DeviationPct: deviation,
		TolerancePct: tolerance,
	}
	if req.Override == nil {
		return nil, qcErr
	}
	return &models.QcOverride{
		BatchKey:       batchKey,
		ShiftId:        req.Shift.ShiftId,
		ItemId:         output.ID,
		ExpectedWeight: expected,
		MeasuredWeight: measured.Round(4),
		DeviationPct:   deviation.Round(4),
		TolerancePct:   tolerance,
		Justification:  req.Override.Justification,
		ApprovedBy:     req.Override.ApprovedBy,
	}, nil
}

func (r *ConsumptionRecorder) buildWrite(ctx context.Context, req ConsumptionRequest, batchKey string, output *models.Item, entries []models.ConsumptionEntry, override *models.QcOverride) repository.ShiftBatchWrite {
	for i := range entries {
		entries[i].BatchKey = batchKey
	}
	correlationId, _ := appctx.GetCorrelationId(ctx)
	overridden := override != nil

	w := repository.ShiftBatchWrite{
		Batch: models.ConsumptionBatch{
			BatchKey:      batchKey,
			ShiftId:       req.Shift.ShiftId,
			ItemId:        output.ID,
			OperatorId:    req.Shift.OperatorId,
			Quantity:      req.Output.Quantity,
			QcOverridden:  overridden,
			CorrelationId: correlationId,
		},
		Entries: entries,
		Output: models.OutputDeclaration{
			ShiftId:      req.Shift.ShiftId,
			ItemId:       output.ID,
			Quantity:     req.Output.Quantity,
			TotalWeight:  valueOrZero(req.Output.Weight),
			TotalLength:  valueOrZero(req.Output.Length),
			QcOverridden: overridden,
		},
		Override: override,
	}

	serials := make([]string, len(entries))
	for i, e := range entries {
		serials[i] = e.SourceSerial
	}
	event, err := models.NewProductionEvent(models.ProductionEventConsumptionRecorded, batchKey, map[string]any{
		"batch_key":      batchKey,
		"shift_id":       req.Shift.ShiftId,
		"item_id":        output.ID,
		"item_code":      output.ProductCode,
		"quantity":       req.Output.Quantity,
		"source_serials": serials,
		"qc_overridden":  overridden,
	}, correlationId)
	if err != nil {
		// the payload is plain data; losing the event must not block production
		config.LogError(r.logger, "ConsumptionRecorder", "buildWrite", "encode event", batchKey, err)
	} else {
		w.Event = event
	}
	return w
}

// BatchKey is the request id when given, otherwise the content hash.
func BatchKey(req ConsumptionRequest) (string, error) {
	if req.RequestId != "" {
		return req.RequestId, nil
	}
	return ContentHash(req)
}

// ContentHash is a SHA-256 over the request without its id, with entries in
// serial order.
func ContentHash(req ConsumptionRequest) (string, error) {
	canonical := req
	canonical.RequestId = ""
	canonical.Entries = append([]ProposedEntry(nil), req.Entries...)
	sort.SliceStable(canonical.Entries, func(i, j int) bool {
		return canonical.Entries[i].SourceSerial < canonical.Entries[j].SourceSerial
	})
	b, err := json.Marshal(canonical)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

func rejectAll(result *ConsumptionResult, err error) {
	for i := range result.Entries {
		result.Entries[i].Status = models.EntryStatusRejected
		result.Entries[i].Err = err
		result.Entries[i].Message = err.Error()
	}
}

func isNegative(d decimal.NullDecimal) bool {
	return d.Valid && d.Decimal.IsNegative()
}

func valueOrZero(d decimal.NullDecimal) decimal.Decimal {
	if !d.Valid {
		return decimal.Zero
	}
	return d.Decimal
}
