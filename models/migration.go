package models

import "gorm.io/gorm"

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&InventoryItem{},
		&InventoryBatch{},
		&ManufacturingTask{},
		&MaterialRequirement{},
		&BatchAllocation{},
		&ConsumptionRecord{},
		&CostLedgerEntry{},
		&Order{},
		&OrderLine{},
		&OrderAdditionalCost{},
	)
}
