package domain

import "errors"

// Sentinel errors for the dispatch pipeline. Callers wrap them with context
// and match with errors.Is.
var (
	// ErrInvalidJob means the job failed validation and never started.
	ErrInvalidJob = errors.New("invalid job")
	// ErrAuthorization means the boundary rejected the caller's key.
	ErrAuthorization = errors.New("unauthorized")
	// ErrJobInProgress means another job holds the job slot.
	ErrJobInProgress = errors.New("job already in progress")
	// ErrHarvest means a credential source was unreachable or returned
	// malformed data.
	ErrHarvest = errors.New("credential acquisition failed")
	// ErrDelivery is a single-recipient failure. It is recorded, never fatal.
	ErrDelivery = errors.New("delivery failed")
	// ErrTransportSetup means no session could be established with the
	// credentials, so the whole batch failed.
	ErrTransportSetup = errors.New("transport setup failed")
)
