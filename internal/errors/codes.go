package errors

// Error kinds surfaced to operators
const (
	ErrValidation       ErrorCode = "validation_error"
	ErrConflict         ErrorCode = "conflict_error"
	ErrPhysicsInvariant ErrorCode = "physics_invariant_violation"
	ErrPersistence      ErrorCode = "persistence_error"
)

// Common error codes
const (
	// System errors
	ErrInternal        ErrorCode = "internal_error"
	ErrInvalidArgument ErrorCode = "invalid_argument"
	ErrUnavailable     ErrorCode = "service_unavailable"

	// Configuration errors
	ErrInvalidConfig   ErrorCode = "invalid_configuration"
	ErrBindFlags       ErrorCode = "bind_flags_failed"
	ErrReadConfig      ErrorCode = "read_config_failed"
	ErrInvalidInterval ErrorCode = "invalid_interval"

	// Logging errors
	ErrInvalidLogLevel ErrorCode = "invalid_log_level"

	// Initialization errors
	ErrInitFailed     ErrorCode = "initialization_failed"
	ErrShutdownFailed ErrorCode = "shutdown_failed"
	ErrAlreadyRunning ErrorCode = "already_running"
)

// Common error messages
var errorMessages = map[ErrorCode]string{
	ErrValidation:       "Invalid command for current state",
	ErrConflict:         "Conflicting operation in progress",
	ErrPhysicsInvariant: "Non-physical value rejected",
	ErrPersistence:      "Failed to commit telemetry",
	ErrInternal:         "Internal error occurred",
	ErrInvalidArgument:  "Invalid argument provided",
	ErrUnavailable:      "Service unavailable",
	ErrInvalidConfig:    "Invalid configuration",
	ErrBindFlags:        "Failed to bind flags",
	ErrReadConfig:       "Failed to read configuration",
	ErrInvalidInterval:  "Invalid interval value",
	ErrInvalidLogLevel:  "Invalid log level",
	ErrInitFailed:       "Initialization failed",
	ErrShutdownFailed:   "Shutdown failed",
	ErrAlreadyRunning:   "Another instance is already running",
}

// GetErrorMessage returns the message for a given error code
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}

	return string(code)
}
