package workflow

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/mmdatafocus/production_backend/appctx"
	"github.com/mmdatafocus/production_backend/config"
	"github.com/mmdatafocus/production_backend/models"
	"github.com/mmdatafocus/production_backend/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// MintRequest is one production event from the floor. Operator fields fall back
// to the session context when empty and must agree with it when both are set.
type MintRequest struct {
	ItemCode       string              `json:"item_code"`
	OperatorId     int                 `json:"operator_id" validate:"gte=0"`
	OperatorCode   string              `json:"operator_code"`
	MachineCode    string              `json:"machine_code" validate:"omitempty,max=16,alphanum"`
	ShiftId        string              `json:"shift_id" validate:"omitempty,max=64"`
	ProductionDate *time.Time          `json:"production_date"`
	Weight         decimal.Decimal     `json:"weight"`
	Length         decimal.NullDecimal `json:"length"`
}

// UnitMinter allocates, composes and stores the identity of a new unit.
// Nothing is stored unless every step succeeds.
type UnitMinter struct {
	catalog   repository.Catalog
	units     repository.UnitStore
	allocator *CounterAllocator
	composer  SerialComposer
	logger    *logrus.Logger
}

func NewUnitMinter(catalog repository.Catalog, units repository.UnitStore, allocator *CounterAllocator, composer SerialComposer, logger *logrus.Logger) *UnitMinter {
	if logger == nil {
		logger = config.GetLogger()
	}
	return &UnitMinter{catalog: catalog, units: units, allocator: allocator, composer: composer, logger: logger}
}

func (m *UnitMinter) Mint(ctx context.Context, req MintRequest) (*models.ProductionUnit, error) {
	ctx, span := tracer.Start(ctx, "UnitMinter.Mint")
	defer span.End()

	unit, err := m.mint(ctx, req)
	unitsMinted.WithLabelValues(errorClass(err)).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, errorClass(err))
		return nil, err
	}
	span.SetAttributes(attribute.String("unit.serial", unit.SerialNumber))
	return unit, nil
}

func (m *UnitMinter) mint(ctx context.Context, req MintRequest) (*models.ProductionUnit, error) {
	if err := checkSessionOperator(ctx, req); err != nil {
		return nil, err
	}
	req = m.fillFromSession(ctx, req)
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	if req.OperatorId <= 0 {
		return nil, &IdentityInputError{Field: "operator id", Value: "", Reason: "is not set"}
	}
	if req.Weight.IsNegative() {
		return nil, &RequestError{Fields: map[string]string{"MintRequest.Weight": "gte"}}
	}
	if req.Length.Valid && req.Length.Decimal.IsNegative() {
		return nil, &RequestError{Fields: map[string]string{"MintRequest.Length": "gte"}}
	}
	if err := m.composer.ValidateCodes(req.ItemCode, req.OperatorCode); err != nil {
		return nil, err
	}

	item, err := m.catalog.ItemByCode(ctx, req.ItemCode)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &IdentityInputError{Field: "item code", Value: req.ItemCode, Reason: "is not in the catalog"}
	} else if err != nil {
		config.LogError(m.logger, "UnitMinter", "Mint", "resolve item", req.ItemCode, err)
		return nil, storageErr("resolve item", err)
	}

	if err := m.units.BindOperatorCode(ctx, req.OperatorId, req.OperatorCode); errors.Is(err, repository.ErrOperatorCodeTaken) {
		return nil, &IdentityInputError{Field: "operator code", Value: req.OperatorCode, Reason: "belongs to another operator"}
	} else if err != nil {
		config.LogError(m.logger, "UnitMinter", "Mint", "bind operator code", req.OperatorCode, err)
		return nil, storageErr("bind operator code", err)
	}

	date := productionDay(*req.ProductionDate)
	seq, err := m.allocator.AllocateUnit(ctx, item.ID, req.OperatorId, date)
	if err != nil {
		return nil, err
	}
	serial, barcode, err := m.composer.Compose(item.ProductCode, req.OperatorCode, date, seq.Global, seq.Item, seq.Operator)
	if err != nil {
		return nil, err
	}

	unit := &models.ProductionUnit{
		SerialNumber:   serial,
		BarcodePayload: barcode,
		GlobalSeq:      seq.Global,
		ItemSeq:        seq.Item,
		OperatorSeq:    seq.Operator,
		ItemId:         item.ID,
		ItemCode:       item.ProductCode,
		Tier:           item.Tier,
		OperatorId:     req.OperatorId,
		OperatorCode:   req.OperatorCode,
		FacilityCode:   m.composer.FacilityCode,
		MachineCode:    req.MachineCode,
		ProductionDate: date,
		Weight:         req.Weight,
		Length:         req.Length,
		ProducedAt:     time.Now().UTC(),
	}
	if req.ShiftId != "" {
		shiftId := req.ShiftId
		unit.ShiftId = &shiftId
	}

	correlationId, _ := appctx.GetCorrelationId(ctx)
	event, err := models.NewProductionEvent(models.ProductionEventUnitProduced, serial, unit, correlationId)
	if err != nil {
		return nil, err
	}
	if err := m.units.CreateUnit(ctx, unit, event); errors.Is(err, repository.ErrDuplicateUnit) {
		// counters trail the stored units, e.g. redis lost without a reseed
		config.LogError(m.logger, "UnitMinter", "Mint", "duplicate serial", serial, err)
		return nil, &DuplicateSerialError{Serial: serial}
	} else if err != nil {
		config.LogError(m.logger, "UnitMinter", "Mint", "store unit", serial, err)
		return nil, storageErr("store unit", err)
	}

	m.logger.WithFields(logrus.Fields{
		"serial":         serial,
		"item_code":      item.ProductCode,
		"operator_id":    req.OperatorId,
		"correlation_id": correlationId,
	}).Debug("unit minted")
	return unit, nil
}

// checkSessionOperator rejects a request that names a different operator than
// the badge or session headers.
func checkSessionOperator(ctx context.Context, req MintRequest) error {
	if id, ok := appctx.GetOperatorId(ctx); ok && id > 0 && req.OperatorId != 0 && req.OperatorId != id {
		return &IdentityInputError{Field: "operator id", Value: strconv.Itoa(req.OperatorId), Reason: "does not match the session operator"}
	}
	if code, ok := appctx.GetOperatorCode(ctx); ok && code != "" && req.OperatorCode != "" && req.OperatorCode != code {
		return &IdentityInputError{Field: "operator code", Value: req.OperatorCode, Reason: "does not match the session operator"}
	}
	return nil
}

func (m *UnitMinter) fillFromSession(ctx context.Context, req MintRequest) MintRequest {
	if req.OperatorId == 0 {
		req.OperatorId, _ = appctx.GetOperatorId(ctx)
	}
	if req.OperatorCode == "" {
		req.OperatorCode, _ = appctx.GetOperatorCode(ctx)
	}
	if req.MachineCode == "" {
		req.MachineCode, _ = appctx.GetMachineCode(ctx)
	}
	if req.ShiftId == "" {
		req.ShiftId, _ = appctx.GetShiftId(ctx)
	}
	if req.ProductionDate == nil || req.ProductionDate.IsZero() {
		d := appctx.GetProductionDate(ctx)
		req.ProductionDate = &d
	}
	return req
}

// Lookup returns the unit with the given serial.
func (m *UnitMinter) Lookup(ctx context.Context, serial string) (*models.ProductionUnit, error) {
	unit, err := m.units.UnitBySerial(ctx, serial)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, &UnknownSerialError{Serial: serial}
	} else if err != nil {
		return nil, storageErr("lookup unit", err)
	}
	return unit, nil
}

// productionDay truncates t to its calendar day, keeping the day t shows in its own zone.
func productionDay(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
