package store

import "codeberg.org/mutker/hardensim/internal/errors"

const (
	// Configuration Errors
	ErrInvalidDBPath = errors.ErrorCode("store_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("store_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("store_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("store_schema_migration_failed")

	// Storage Errors
	ErrStorageInit  = errors.ErrInitFailed
	ErrStorageClose = errors.ErrShutdownFailed
	ErrQueryFailed  = errors.ErrorCode("store_query_failed")

	// Commit Errors
	ErrTransactionFailed = errors.ErrPersistence

	// Run Errors
	ErrRunNotFound = errors.ErrorCode("store_run_not_found")
)
