package domain

import "errors"

// Analysis errors. Only ErrNoInputData aborts a run.
var (
	// ErrNoInputData is returned when no usable submission source exists.
	ErrNoInputData = errors.New("no input data")

	// ErrBenchmarkUnavailable marks a pair whose reference series could not be found.
	ErrBenchmarkUnavailable = errors.New("benchmark unavailable")

	// ErrRowParse marks a single malformed record; the row is dropped.
	ErrRowParse = errors.New("row parse failure")

	// ErrDuplicateSubmission is returned when (validator, timestamp) repeats within a batch.
	ErrDuplicateSubmission = errors.New("duplicate submission")

	// ErrSchemaMismatch marks a source whose header lacks declared fields.
	ErrSchemaMismatch = errors.New("schema mismatch")
)
