package datastore

import "errors"

var (
	// ErrScanNotFound is returned when no scan has the requested id or key.
	ErrScanNotFound = errors.New("scan not found")
	// ErrDuplicateKey is returned by Create when a scan with the same id or
	// idempotency key is already stored.
	ErrDuplicateKey = errors.New("duplicate scan")
	// ErrStatusConflict is returned by Update when the stored status no longer
	// matches the status the caller transitioned from.
	ErrStatusConflict = errors.New("scan status changed concurrently")
	// ErrProfileNotFound is returned when a subject has no profile.
	ErrProfileNotFound = errors.New("profile not found")
)
