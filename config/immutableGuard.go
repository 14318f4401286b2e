package config

import (
	"context"
	"errors"

	"github.com/mmdatafocus/production_backend/appctx"
	"gorm.io/gorm"
)

var ErrImmutableRecord = errors.New("record is immutable once written")

// immutableTables are append-only ledgers. A production unit is minted once and a consumption
// entry is recorded once; reprints and corrections never rewrite them.
var immutableTables = map[string]bool{
	"production_units":       true,
	"consumption_entries":    true,
	"consumption_batches":    true,
	"qc_overrides":           true,
	"operator_code_bindings": true,
}

// ImmutableGuardPlugin rejects UPDATE and DELETE statements against the append-only tables.
//
// NOTE:
// - This does NOT apply to Raw SQL. Migration tools must not rely on it.
// - Administrative corrections bypass it explicitly via appctx.ContextKeyAllowCorrection.
type ImmutableGuardPlugin struct{}

func NewImmutableGuardPlugin() *ImmutableGuardPlugin { return &ImmutableGuardPlugin{} }

func (p *ImmutableGuardPlugin) Name() string { return "immutable_guard" }

func (p *ImmutableGuardPlugin) Initialize(db *gorm.DB) error {
	if err := db.Callback().Update().Before("gorm:update").Register("immutable_guard:update", immutableGuardCallback); err != nil {
		return err
	}
	if err := db.Callback().Delete().Before("gorm:delete").Register("immutable_guard:delete", immutableGuardCallback); err != nil {
		return err
	}
	return nil
}

func immutableGuardCallback(db *gorm.DB) {
	if db == nil || db.Statement == nil {
		return
	}
	if allowCorrection(db.Statement.Context) {
		return
	}
	table := db.Statement.Table
	if table == "" && db.Statement.Schema != nil {
		table = db.Statement.Schema.Table
	}
	if immutableTables[table] {
		_ = db.AddError(ErrImmutableRecord)
	}
}

func allowCorrection(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, ok := appctx.GetBool(ctx, appctx.ContextKeyAllowCorrection)
	return ok && v
}
