package db

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gitlab.com/inference-grid/routing-service/models"
)

// ConnectDatabase opens the directory database at the given path and
// migrates the schema.
func ConnectDatabase(path string) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	err = database.AutoMigrate(
		&models.Machine{},
		&models.MachineToken{},
		&models.APIToken{},
		&models.CreditBalance{},
		&models.CreditHistory{},
		&models.UsageRecord{},
	)
	if err != nil {
		return nil, err
	}

	return database, nil
}
