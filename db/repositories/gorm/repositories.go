package repositories_gorm

import (
	"gorm.io/gorm"

	"gitlab.com/inference-grid/routing-service/db/repositories"
	"gitlab.com/inference-grid/routing-service/models"
)

// MachineRepositoryGORM is a GORM implementation of the MachineRepository interface.
type MachineRepositoryGORM struct {
	repositories.GenericRepository[models.Machine]
}

// NewMachineRepository creates a new instance of MachineRepositoryGORM.
func NewMachineRepository(db *gorm.DB) repositories.MachineRepository {
	return &MachineRepositoryGORM{NewGenericRepository[models.Machine](db)}
}

// MachineTokenRepositoryGORM is a GORM implementation of the MachineTokenRepository interface.
type MachineTokenRepositoryGORM struct {
	repositories.GenericRepository[models.MachineToken]
}

// NewMachineTokenRepository creates a new instance of MachineTokenRepositoryGORM.
func NewMachineTokenRepository(db *gorm.DB) repositories.MachineTokenRepository {
	return &MachineTokenRepositoryGORM{NewGenericRepository[models.MachineToken](db)}
}

// APITokenRepositoryGORM is a GORM implementation of the APITokenRepository interface.
type APITokenRepositoryGORM struct {
	repositories.GenericRepository[models.APIToken]
}

// NewAPITokenRepository creates a new instance of APITokenRepositoryGORM.
func NewAPITokenRepository(db *gorm.DB) repositories.APITokenRepository {
	return &APITokenRepositoryGORM{NewGenericRepository[models.APIToken](db)}
}

// CreditBalanceRepositoryGORM is a GORM implementation of the CreditBalanceRepository interface.
type CreditBalanceRepositoryGORM struct {
	repositories.GenericRepository[models.CreditBalance]
}

// NewCreditBalanceRepository creates a new instance of CreditBalanceRepositoryGORM.
func NewCreditBalanceRepository(db *gorm.DB) repositories.CreditBalanceRepository {
	return &CreditBalanceRepositoryGORM{NewGenericRepository[models.CreditBalance](db)}
}

// CreditHistoryRepositoryGORM is a GORM implementation of the CreditHistoryRepository interface.
type CreditHistoryRepositoryGORM struct {
	repositories.GenericRepository[models.CreditHistory]
}

// NewCreditHistoryRepository creates a new instance of CreditHistoryRepositoryGORM.
func NewCreditHistoryRepository(db *gorm.DB) repositories.CreditHistoryRepository {
	return &CreditHistoryRepositoryGORM{NewGenericRepository[models.CreditHistory](db)}
}

// UsageRecordRepositoryGORM is a GORM implementation of the UsageRecordRepository interface.
type UsageRecordRepositoryGORM struct {
	repositories.GenericRepository[models.UsageRecord]
}

// NewUsageRecordRepository creates a new instance of UsageRecordRepositoryGORM.
func NewUsageRecordRepository(db *gorm.DB) repositories.UsageRecordRepository {
	return &UsageRecordRepositoryGORM{NewGenericRepository[models.UsageRecord](db)}
}
