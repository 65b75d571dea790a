package model

import (
	"errors"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrUnauthorized is returned when the caller lacks the required role.
	ErrUnauthorized = goerr.New("unauthorized")

	// ErrTransport is returned when a lens could not be reached or answered
	// with a failure status.
	ErrTransport = goerr.New("lens transport error")

	// ErrMalformedReply is returned when a lens reply cannot be decoded.
	ErrMalformedReply = goerr.New("malformed lens reply")

	// ErrNoData is returned by latest-snapshot reads on an empty store.
	ErrNoData = goerr.New("no snapshot data")

	// ErrRoundInProgress rejects a round started while another is running.
	ErrRoundInProgress = goerr.New("indexing round already in progress")

	ErrTaskNotFound = goerr.New("task not found")
	ErrInvalidTask  = goerr.New("invalid task")
	ErrLensNotFound = goerr.New("lens not configured")
)

// IsLensFailure reports whether err aborted a round at the lens boundary.
func IsLensFailure(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrMalformedReply)
}
