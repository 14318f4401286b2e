package appctx

import (
	"context"
	"time"
)

// ContextKey is the shared type for all context keys in this codebase.
// Keeping it in a tiny package avoids import cycles (config <-> workflow).
type ContextKey string

func (c ContextKey) String() string { return string(c) }

var (
	ContextKeyOperatorId    = ContextKey("OperatorId")
	ContextKeyOperatorCode  = ContextKey("OperatorCode")
	ContextKeyMachineCode   = ContextKey("MachineCode")
	ContextKeyShiftId       = ContextKey("ShiftId")
	ContextKeyCorrelationId = ContextKey("CorrelationId")

	// ContextKeyProductionDate overrides the wall clock date used for per-operator-day counters.
	// Set by back-office tools that replay a past shift.
	ContextKeyProductionDate = ContextKey("ProductionDate")

	// ContextKeyAllowCorrection lets administrative tools update or delete rows
	// that the immutable guard otherwise protects. Use sparingly (internal ops only).
	ContextKeyAllowCorrection = ContextKey("AllowCorrection")
)

func GetString(ctx context.Context, key ContextKey) (string, bool) {
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetInt(ctx context.Context, key ContextKey) (int, bool) {
	v, ok := ctx.Value(key).(int)
	return v, ok
}

func GetBool(ctx context.Context, key ContextKey) (bool, bool) {
	v, ok := ctx.Value(key).(bool)
	return v, ok
}

func GetTime(ctx context.Context, key ContextKey) (time.Time, bool) {
	v, ok := ctx.Value(key).(time.Time)
	return v, ok
}

func Set(ctx context.Context, key ContextKey, value any) context.Context {
	return context.WithValue(ctx, key, value)
}

func GetOperatorId(ctx context.Context) (int, bool) {
	return GetInt(ctx, ContextKeyOperatorId)
}

func GetOperatorCode(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyOperatorCode)
}

func GetMachineCode(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyMachineCode)
}

func GetShiftId(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyShiftId)
}

func GetCorrelationId(ctx context.Context) (string, bool) {
	return GetString(ctx, ContextKeyCorrelationId)
}

// GetProductionDate returns the explicit production date if one is set,
// otherwise today's date in UTC.
func GetProductionDate(ctx context.Context) time.Time {
	if d, ok := GetTime(ctx, ContextKeyProductionDate); ok && !d.IsZero() {
		return d
	}
	return time.Now().UTC()
}

func SetOperator(ctx context.Context, operatorId int, operatorCode string) context.Context {
	ctx = Set(ctx, ContextKeyOperatorId, operatorId)
	return Set(ctx, ContextKeyOperatorCode, operatorCode)
}

func SetMachineCode(ctx context.Context, machineCode string) context.Context {
	return Set(ctx, ContextKeyMachineCode, machineCode)
}

func SetShiftId(ctx context.Context, shiftId string) context.Context {
	return Set(ctx, ContextKeyShiftId, shiftId)
}

func SetCorrelationId(ctx context.Context, correlationId string) context.Context {
	return Set(ctx, ContextKeyCorrelationId, correlationId)
}

func SetProductionDate(ctx context.Context, date time.Time) context.Context {
	return Set(ctx, ContextKeyProductionDate, date)
}
