package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidPool       = errors.New("invalid pool")
	ErrInvalidChain      = errors.New("invalid chain")
	ErrBreakerOpen       = errors.New("circuit breaker open")
	ErrPublisherDisabled = errors.New("publisher disabled")
	ErrShuttingDown      = errors.New("shutting down")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrWSDisconnect      = errors.New("websocket disconnected")
	ErrLockHeld          = errors.New("lock already held")
)
