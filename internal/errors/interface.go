package errors

// ErrorCode is the machine-readable kind of an error. Kinds surfaced to
// operators are listed in codes.go; packages alias them for their own
// failure points.
type ErrorCode string

// Error is a coded error. Reason is the human-readable part and uses the
// same cause vocabulary as NG and DOWN verdicts where one applies.
type Error interface {
	error
	Code() ErrorCode
	Reason() string
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory builds coded errors.
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
