package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for matching operations. Callers branch with errors.Is.
var (
	// ErrConcurrentMatchUpdates is returned when an operator write cannot
	// proceed because the matcher holds the exclusive match-update lock.
	ErrConcurrentMatchUpdates = errors.New("concurrent match updates in progress")

	// ErrMatchGroupNotFound is returned when a match group id or uuid does
	// not resolve to a row.
	ErrMatchGroupNotFound = errors.New("match group does not exist")

	// ErrPersonNotFound is returned when a person uuid does not resolve to
	// a live person.
	ErrPersonNotFound = errors.New("person does not exist")

	// ErrStaleVersion is returned when an optimistic version guard fails
	// on a person or match group update.
	ErrStaleVersion = errors.New("stale version")

	// ErrJobLockBusy is returned when another worker holds the job-runner
	// lock or has already claimed the job row.
	ErrJobLockBusy = errors.New("job lock busy")
)

// InvalidPotentialMatchError reports a manual-match request that names a
// match group in an unusable state (outdated version, already matched,
// deleted).
type InvalidPotentialMatchError struct {
	Message string
}

func (e *InvalidPotentialMatchError) Error() string {
	return fmt.Sprintf("invalid potential match: %s", e.Message)
}

// InvalidPersonUpdateError reports a manual-match update list that fails
// validation (duplicate records, unknown persons, broken conservation).
type InvalidPersonUpdateError struct {
	Message string
}

func (e *InvalidPersonUpdateError) Error() string {
	return fmt.Sprintf("invalid person update: %s", e.Message)
}

// InvalidPersonRecordFileFormatError reports an import payload whose
// columns do not match the canonical demographic layout.
type InvalidPersonRecordFileFormatError struct {
	Message string
}

func (e *InvalidPersonRecordFileFormatError) Error() string {
	return fmt.Sprintf("invalid person record file format: %s", e.Message)
}
