package ml

import "errors"

var (
	// ErrConfiguration aborts a whole run: unknown enums or unimplemented models
	ErrConfiguration = errors.New("invalid forecast configuration")

	// ErrInsufficientData means a model's minimum row count was not met for one entity
	ErrInsufficientData = errors.New("insufficient data")

	// ErrDependencyUnavailable means an optional model capability is not present
	ErrDependencyUnavailable = errors.New("model dependency unavailable")
)
