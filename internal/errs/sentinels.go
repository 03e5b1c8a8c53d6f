// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across store/service/sync layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary login lock due to rate limiting.
	ErrRateLimited = errors.New("rate limited")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., username taken).
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates a request failing validation.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTooLarge indicates a snapshot above the server's size limit.
	ErrTooLarge = errors.New("too large")

	// ErrInvalidBlock indicates a block violating date/time invariants.
	ErrInvalidBlock = errors.New("invalid block")

	// ErrInvalidDate indicates a malformed calendar day.
	ErrInvalidDate = errors.New("invalid date")

	// ErrReadOnly indicates an attempt to mutate a derived (remote-source) block.
	ErrReadOnly = errors.New("read-only block")

	// ErrStorageUnavailable indicates the local store failed or timed out.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnavailable indicates the remote blob store could not be reached.
	ErrUnavailable = errors.New("remote unavailable")

	// ErrSyncInProgress is returned when a reconcile is dropped because another is running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrSyncFailed indicates reconcile could not read or write back its snapshot.
	ErrSyncFailed = errors.New("sync failed")

	// ErrSyncDisabled indicates remote sync is off until re-authorization.
	ErrSyncDisabled = errors.New("sync disabled")
)
