package subledger

import "errors"

var (
	// ErrBillingNotFound is returned when no billing record exists for
	// the requested organization, subscription or customer
	ErrBillingNotFound = errors.New("billing record not found")

	// ErrOrganizationNotFound is returned when the organization itself
	// is missing
	ErrOrganizationNotFound = errors.New("organization not found")

	// ErrPeriodNotFound is returned when a billing period lookup misses
	ErrPeriodNotFound = errors.New("billing period not found")

	// ErrPeriodConflict is returned when creating a period while an
	// Active or Grace period already exists for the organization
	ErrPeriodConflict = errors.New("an active or grace billing period already exists")

	// ErrPeriodTerminal is returned when mutating a period that has
	// already reached a terminal status with a different target status
	ErrPeriodTerminal = errors.New("billing period already terminal")

	// ErrMissingMetadata is returned when a webhook event lacks
	// required metadata fields; retrying will not create the data
	ErrMissingMetadata = errors.New("required event metadata missing")

	// ErrStoreUnavailable is returned when the backing store cannot be
	// reached
	ErrStoreUnavailable = errors.New("billing store unavailable")

	// ErrProcessorUnavailable is returned when an outbound processor
	// call failed and local state was deliberately left untouched
	ErrProcessorUnavailable = errors.New("payment processor call failed")

	// ErrProviderNotConfigured is returned when a provider is missing
	// required configuration
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrLockNotAcquired is returned when the per-organization lock is
	// held elsewhere
	ErrLockNotAcquired = errors.New("organization lock not acquired")
)
