package goprobe

import (
	"errors"
	"fmt"
	"time"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var u unrecoverableError
	return !errors.As(err, &u)
}

var (
	ErrCorruptFrame         = errors.New("corrupt frame")
	ErrLinkTimeout          = errors.New("link timeout")
	ErrProbeNotDetected     = errors.New("probe not detected")
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrCommunicationFailure = errors.New("communication failure")
	ErrNilTransport         = errors.New("transport is nil")
	ErrClosed               = errors.New("supply closed")
)

// CorruptFrameError describes why a frame was rejected by the codec.
type CorruptFrameError struct {
	Reason string
	Data   []byte
}

func (e *CorruptFrameError) Error() string {
	return fmt.Sprintf("corrupt frame: %s (% X)", e.Reason, e.Data)
}

func (e *CorruptFrameError) Is(target error) bool {
	return target == ErrCorruptFrame
}

type TimeoutError struct {
	Timeout time.Duration
	Channel Channel
	Command CommandID
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout (%dms) on channel %d", e.Command, e.Timeout.Milliseconds(), e.Channel)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrLinkTimeout
}

// InvalidParameterError is returned when a request is rejected by the
// capability model. It never causes link traffic.
type InvalidParameterError struct {
	Channel  Channel
	Register RegisterID
	Reason   string
}

func (e *InvalidParameterError) Error() string {
	if e.Register == 0 {
		return fmt.Sprintf("invalid parameter on channel %d: %s", e.Channel, e.Reason)
	}
	return fmt.Sprintf("invalid parameter for %s on channel %d: %s", e.Register, e.Channel, e.Reason)
}

func (e *InvalidParameterError) Is(target error) bool {
	return target == ErrInvalidParameter
}

// CommunicationFailure is returned once the attempt budget of an exchange is
// spent. Cause holds the error of the last attempt.
type CommunicationFailure struct {
	Channel  Channel
	Command  CommandID
	Attempts int
	Cause    error
}

func (e *CommunicationFailure) Error() string {
	return fmt.Sprintf("%s on channel %d failed after %d attempts: %v", e.Command, e.Channel, e.Attempts, e.Cause)
}

func (e *CommunicationFailure) Is(target error) bool {
	return target == ErrCommunicationFailure
}

func (e *CommunicationFailure) Unwrap() error {
	return e.Cause
}

// MismatchError is a well formed response that does not answer the
// outstanding request, a stale frame or cross-talk from another channel.
type MismatchError struct {
	WantChannel Channel
	WantCommand CommandID
	GotChannel  Channel
	GotCommand  CommandID
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("response mismatch: want %s on channel %d, got %s on channel %d",
		e.WantCommand, e.WantChannel, e.GotCommand, e.GotChannel)
}

// StatusError is a negative acknowledge from the supply or probe.
type StatusError struct {
	Channel Channel
	Command CommandID
	Status  Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s on channel %d rejected: %s", e.Command, e.Channel, e.Status)
}

func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrProbeNotDetected:
		return e.Status == StatusNoProbe
	case ErrInvalidParameter:
		return e.Status == StatusBadRegister || e.Status == StatusBadValue
	}
	return false
}

// UnsupportedProbeError is returned by Identify when the probe reports a UUID
// that has no capability descriptor.
type UnsupportedProbeError struct {
	Channel Channel
	UUID    string
	Model   string
}

func (e *UnsupportedProbeError) Error() string {
	return fmt.Sprintf("unsupported probe %q (uuid %q) on channel %d", e.Model, e.UUID, e.Channel)
}

// FirmwareError is returned by New when the supply runs firmware older than
// Config.MinimumFirmwareVersion.
type FirmwareError struct {
	Version string
	Minimum string
}

func (e *FirmwareError) Error() string {
	return fmt.Sprintf("supply firmware %s is older than required %s", e.Version, e.Minimum)
}
