package repositories_gorm

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"gitlab.com/inference-grid/routing-service/models"
)

var db *gorm.DB

// setup initializes and sets up the in-memory SQLite database connection for testing purposes.
// Additionally, it automatically migrates the necessary models to ensure the schema is up-to-date.
func setup() {
	var err error
	db, err = gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		panic("failed to connect to database")
	}

	db.AutoMigrate(
		&models.Machine{},
		&models.MachineToken{},
		&models.APIToken{},
		&models.CreditBalance{},
		&models.CreditHistory{},
		&models.UsageRecord{},
	)
}

// teardown resets the GORM database connection after tests.
func teardown() {
	db = db.Session(&gorm.Session{NewDB: true})
}
