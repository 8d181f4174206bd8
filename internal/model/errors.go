package model

import "errors"

// Error taxonomy shared by every layer. Compare with errors.Is.
var (
	ErrNotFound          = errors.New("memory not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrStorageFull       = errors.New("tier storage full")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrStorage           = errors.New("storage failure")

	// ErrEmbeddingUnavailable never fails an operation; it only annotates logs and flags.
	ErrEmbeddingUnavailable = errors.New("embedding provider unavailable")

	// ErrPartialResult marks a search where one or more tiers did not answer.
	ErrPartialResult = errors.New("partial result")
)
