package repositories

import (
	"gitlab.com/inference-grid/routing-service/models"
)

// MachineRepository represents a repository for CRUD operations on Machine entities.
type MachineRepository interface {
	GenericRepository[models.Machine]
}

// MachineTokenRepository represents a repository for CRUD operations on MachineToken entities.
type MachineTokenRepository interface {
	GenericRepository[models.MachineToken]
}

// APITokenRepository represents a repository for CRUD operations on APIToken entities.
type APITokenRepository interface {
	GenericRepository[models.APIToken]
}

// CreditBalanceRepository represents a repository for CRUD operations on CreditBalance entities.
type CreditBalanceRepository interface {
	GenericRepository[models.CreditBalance]
}

// CreditHistoryRepository represents a repository for CRUD operations on CreditHistory entities.
type CreditHistoryRepository interface {
	GenericRepository[models.CreditHistory]
}

// UsageRecordRepository represents a repository for CRUD operations on UsageRecord entities.
type UsageRecordRepository interface {
	GenericRepository[models.UsageRecord]
}
