package trigger

import "errors"

var (
	// ErrNoDeviceFound means no candidate port answered at all.
	ErrNoDeviceFound = errors.New("no trigger device found on any available port")
	// ErrUnknownDevice means a port answered but its banner was not a trigger generator.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrProtocol means the device did not acknowledge a command or sent a malformed reply.
	ErrProtocol = errors.New("trigger protocol error")
	// ErrInvalidConfig means a Config cannot be sent to the device.
	ErrInvalidConfig = errors.New("invalid trigger config")
	// ErrBusy is returned when an exchange is already running on the link.
	ErrBusy = errors.New("trigger link busy")
	// ErrClosed is returned by operations on a closed link.
	ErrClosed = errors.New("trigger link closed")
)
