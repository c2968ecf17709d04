// Package core defines the fundamental types and errors for Aide.
package core

import "errors"

// Core errors that can occur across the system
var (
	// Storage errors
	ErrRecordNotFound  = errors.New("record not found")
	ErrDuplicateRecord = errors.New("duplicate record")
	ErrMigrationFailed = errors.New("migration failed")

	// Memory errors
	ErrMemoryNotFound  = errors.New("memory record not found")
	ErrInvalidKind     = errors.New("invalid memory kind")
	ErrEmbeddingFailed = errors.New("failed to generate embedding")

	// Habit errors
	ErrPatternNotFound = errors.New("habit pattern not found")

	// Scheduler errors
	ErrTaskNotFound   = errors.New("scheduled task not found")
	ErrBadRecurrence  = errors.New("unparseable recurrence rule")

	// Wake-up errors
	ErrSessionNotFound  = errors.New("wakeup session not found")
	ErrSessionTerminal  = errors.New("wakeup session already terminal")
	ErrWakeupDisabled   = errors.New("wakeup calls disabled by preference")

	// Delivery errors. Transient failures are retried with backoff;
	// permanent ones are not.
	ErrPermanentDelivery = errors.New("permanent delivery failure")
	ErrTransientDelivery = errors.New("transient delivery failure")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)
