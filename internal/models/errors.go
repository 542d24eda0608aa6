package models

import "errors"

// Sentinel errors shared across the engine. Callers wrap them with context
// and match with errors.Is.
var (
	ErrUnknownAlgorithm    = errors.New("unknown algorithm")
	ErrRegistryFetchFailed = errors.New("task registry fetch failed")
	ErrStreamUnavailable   = errors.New("stream unavailable")
	ErrStreamReadFailed    = errors.New("stream read failed")
	ErrDispatchTransient   = errors.New("transient dispatch failure")
	ErrDispatchPermanent   = errors.New("permanent dispatch failure")
	ErrBackpressure        = errors.New("dispatch queue full")
	ErrWorkerStopped       = errors.New("worker already stopped")
	ErrInvalidConfig       = errors.New("invalid configuration")
)
