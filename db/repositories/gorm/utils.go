package repositories_gorm

import (
	"reflect"

	"gorm.io/gorm"

	"gitlab.com/inference-grid/routing-service/db/repositories"
)

// handleDBError is a utility function that translates GORM database errors into custom repository errors.
func handleDBError(err error) error {
	if err != nil {
		switch err {
		case gorm.ErrRecordNotFound:
			return repositories.NotFoundError
		case gorm.ErrInvalidData, gorm.ErrInvalidField, gorm.ErrInvalidValue:
			return repositories.InvalidDataError
		default:
			return repositories.DatabaseError
		}
	}
	return nil
}

// isEmptyValue checks if value represents a zero-value struct (or pointer to a zero-value struct) using reflection.
func isEmptyValue(value interface{}) bool {
	if value == nil {
		return true
	}

	val := reflect.ValueOf(value)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	return val.IsZero()
}
