package repository

import (
	"errors"
)

var (
	ErrEntryNotFound          = errors.New("integration data entry not found")
	ErrDefinitionNotFound     = errors.New("integration definition not found")
	ErrWidgetConfigNotFound   = errors.New("widget configuration not found")
	ErrDatabaseUnavailable    = errors.New("database is unavailable")
	ErrDatabaseGeneric        = errors.New("database error occurred while processing request")
	ErrInvalidQueryParameters = errors.New("invalid query parameters provided for cache entry operation")
)
