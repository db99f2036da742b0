package interfaces

import "errors"

// Sentinel errors mapped to HTTP responses by the handlers
var (
	// ErrMemoryPressure is returned when the pool refuses a launch at the
	// memory hard limit (-> 503)
	ErrMemoryPressure = errors.New("memory pressure: refusing browser launch")

	// ErrEngineLaunch is returned when a browser fails to start (-> 500)
	ErrEngineLaunch = errors.New("browser engine failed to launch")

	// ErrEngineRun is returned when a crawl fails mid-execution (-> 500)
	ErrEngineRun = errors.New("crawl execution failed")

	// ErrNotFound is returned for unknown job ids (-> 404)
	ErrNotFound = errors.New("not found")

	// ErrKeyNotFound is returned when a key is absent from the KV store
	ErrKeyNotFound = errors.New("key not found")

	// ErrPoolClosed is returned for acquisitions after shutdown
	ErrPoolClosed = errors.New("browser pool is shut down")

	// ErrMemoryExhausted is returned when the adaptive dispatcher fails
	// queued URLs after sustained critical memory pressure
	ErrMemoryExhausted = errors.New("memory exhausted: queued URL abandoned")

	// ErrInvalidTransition is returned on illegal job status transitions
	ErrInvalidTransition = errors.New("invalid job status transition")
)
