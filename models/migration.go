package models

import (
	"log"

	"github.com/mmdatafocus/production_backend/config"
	"gorm.io/gorm"
)

// AllModels is every table owned by this service, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&Item{},
		&ProductionCounter{},
		&OperatorCodeBinding{},
		&ProductionUnit{},
		&ConsumptionBatch{}, &ConsumptionEntry{}, &OutputDeclaration{}, &QcOverride{},
		&ProductionEventRecord{},
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}

func MigrateTable() {
	db := config.GetDB()

	if err := Migrate(db); err != nil {
		log.Fatal(err)
	}
}
