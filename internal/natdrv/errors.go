package natdrv

import "errors"

var (
	// ErrNetDown is returned when the driver is not in the running state.
	ErrNetDown = errors.New("natdrv: network down")
	// ErrTryAgain is returned when the transmit path is already claimed.
	ErrTryAgain = errors.New("natdrv: try again")
	// ErrInvalidParameter is returned for malformed caller input.
	ErrInvalidParameter = errors.New("natdrv: invalid parameter")
	// ErrNoBufferSpace is returned when a send could not be queued.
	ErrNoBufferSpace = errors.New("natdrv: no buffer space")
	// ErrRedirSetup is returned when the engine refuses a port forward.
	ErrRedirSetup = errors.New("natdrv: redirect setup failed")
	// ErrTimeout is returned when a bounded wait expired.
	ErrTimeout = errors.New("natdrv: timeout")
	// ErrInterrupted is returned when a wait was broken by shutdown.
	ErrInterrupted = errors.New("natdrv: interrupted")
)
