package model

import "gorm.io/gorm"

// allModels lists every model to be auto-migrated.
var allModels = []interface{}{
	&Account{},
	&Character{},
	&Inventory{},
	&Mail{},
	&Attachment{},
	&ClaimRecord{},
	&DeadLetter{},
	&SendLog{},
	&Blacklist{},
	&AuditLog{},
	&AppliedOp{},
	&MailTemplate{},
}

// AutoMigrate creates or updates all tables in the given database.
// Running it against an already migrated database is a no-op.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(allModels...)
}
