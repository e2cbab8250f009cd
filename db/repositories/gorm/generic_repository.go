package repositories_gorm

import (
	"context"
	"fmt"
	"reflect"

	"gorm.io/gorm"

	"gitlab.com/inference-grid/routing-service/db/repositories"
)

// GenericRepositoryGORM is a generic repository implementation using GORM as an ORM.
// It is intended to be embedded in model repositories to provide basic database operations.
type GenericRepositoryGORM[T interface{}] struct {
	db *gorm.DB
}

// NewGenericRepository creates a new instance of GenericRepositoryGORM.
// It initializes and returns a repository with the provided GORM database.
func NewGenericRepository[T interface{}](db *gorm.DB) repositories.GenericRepository[T] {
	return &GenericRepositoryGORM[T]{db: db}
}

// GetQuery returns a clean Query instance for building queries.
func (repo *GenericRepositoryGORM[T]) GetQuery() repositories.Query[T] {
	return repositories.Query[T]{}
}

// Create adds a new record to the repository and returns the created data.
func (repo *GenericRepositoryGORM[T]) Create(ctx context.Context, data T) (T, error) {
	err := repo.db.WithContext(ctx).Create(&data).Error
	return data, handleDBError(err)
}

// Get retrieves a record by its identifier.
func (repo *GenericRepositoryGORM[T]) Get(ctx context.Context, id interface{}) (T, error) {
	var result T
	err := repo.db.WithContext(ctx).First(&result, "id = ?", id).Error
	return result, handleDBError(err)
}

// Update replaces a record by its identifier. The full row is saved so
// that zero values (cleared flags, empty lists) are persisted too.
func (repo *GenericRepositoryGORM[T]) Update(ctx context.Context, id interface{}, data T) (T, error) {
	err := repo.db.WithContext(ctx).Save(&data).Error
	return data, handleDBError(err)
}

// Delete removes a record by its identifier.
func (repo *GenericRepositoryGORM[T]) Delete(ctx context.Context, id interface{}) error {
	err := repo.db.WithContext(ctx).Delete(new(T), "id = ?", id).Error
	return handleDBError(err)
}

// Find retrieves a single record based on a query.
func (repo *GenericRepositoryGORM[T]) Find(
	ctx context.Context,
	query repositories.Query[T],
) (T, error) {
	var result T
	db := repo.db.WithContext(ctx).Model(new(T))

	db = applyConditions(db, query)

	err := db.First(&result).Error
	return result, handleDBError(err)
}

// FindAll retrieves multiple records based on a query.
func (repo *GenericRepositoryGORM[T]) FindAll(
	ctx context.Context,
	query repositories.Query[T],
) ([]T, error) {
	var results []T
	db := repo.db.WithContext(ctx).Model(new(T))

	db = applyConditions(db, query)

	err := db.Find(&results).Error
	return results, handleDBError(err)
}

// applyConditions applies conditions, sorting, limiting, and offsetting to a GORM database query.
// The WHERE clause is constructed from the explicit conditions plus the non-zero
// fields of the query instance, using the GORM naming strategy for column names.
func applyConditions[T any](db *gorm.DB, query repositories.Query[T]) *gorm.DB {
	tableName := db.NamingStrategy.TableName(reflect.TypeOf(*new(T)).Name())

	for _, condition := range query.Conditions {
		columnName := db.NamingStrategy.ColumnName(tableName, condition.Field)
		if condition.Operator == "IS" && condition.Value == nil {
			db = db.Where(fmt.Sprintf("%s IS NULL", columnName))
			continue
		}
		db = db.Where(
			fmt.Sprintf("%s %s ?", columnName, condition.Operator),
			condition.Value,
		)
	}

	if !isEmptyValue(query.Instance) {
		exampleType := reflect.TypeOf(query.Instance)
		exampleValue := reflect.ValueOf(query.Instance)
		for i := 0; i < exampleType.NumField(); i++ {
			fieldName := exampleType.Field(i).Name
			fieldValue := exampleValue.Field(i).Interface()
			if !isEmptyValue(fieldValue) {
				columnName := db.NamingStrategy.ColumnName(tableName, fieldName)
				db = db.Where(fmt.Sprintf("%s = ?", columnName), fieldValue)
			}
		}
	}

	if query.SortBy != "" {
		db = db.Order(query.SortBy)
	}

	if query.Limit > 0 {
		db = db.Limit(query.Limit)
	}

	if query.Offset > 0 {
		db = db.Offset(query.Offset)
	}

	return db
}
