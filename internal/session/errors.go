package session

import (
	"errors"
	"fmt"

	"github.com/MrWong99/carevoice/pkg/audio"
	"github.com/MrWong99/carevoice/pkg/provider/live"
)

// ErrNotConfigured is returned by [Manager.Start] when the manager has no
// dialer or no audio devices.
var ErrNotConfigured = errors.New("session: manager has no dialer or devices")

// Device names used in [DeviceAcquisitionError].
const (
	DeviceMicrophone = "microphone"
	DeviceInput      = "input context"
	DeviceOutput     = "output context"
)

// DeviceAcquisitionError reports that a microphone or audio device context
// could not be opened or resumed. Fatal to the attempted session.
type DeviceAcquisitionError struct {
	Device string
	Err    error
}

func (e *DeviceAcquisitionError) Error() string {
	return fmt.Sprintf("session: acquire %s: %v", e.Device, e.Err)
}

func (e *DeviceAcquisitionError) Unwrap() error { return e.Err }

// ConnectionError reports that the live connection failed to establish or
// dropped. Fatal to the session.
type ConnectionError struct {
	// Op is "connect", "send" or "receive".
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CredentialError reports missing or rejected authorization. Fatal to the
// session; additionally signals the credential-selection collaborator.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("session: credentials: %v", e.Err)
}

func (e *CredentialError) Unwrap() error { return e.Err }

// classifyConnErr wraps a transport failure in the taxonomy type it belongs
// to. Authorization failures become [CredentialError].
func classifyConnErr(op string, err error) error {
	var ce *CredentialError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, live.ErrUnauthorized) {
		return &CredentialError{Err: err}
	}
	var conn *ConnectionError
	if errors.As(err, &conn) {
		return err
	}
	return &ConnectionError{Op: op, Err: err}
}

// UserMessage renders err as the single human-readable line shown to the
// user. It returns "" for nil.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		cred  *CredentialError
		dev   *DeviceAcquisitionError
		conn  *ConnectionError
		codec *audio.CodecError
	)
	switch {
	case errors.As(err, &cred):
		return "The voice service rejected the request. Please select a valid API key and try again."
	case errors.As(err, &dev):
		if dev.Device == DeviceMicrophone {
			return "Could not access the microphone. Check that it is connected and that permission was granted."
		}
		return fmt.Sprintf("Could not start audio (%s). Check your audio devices and try again.", dev.Device)
	case errors.As(err, &conn):
		if conn.Op == "connect" {
			return "Could not connect to the voice service. Please try again."
		}
		return "The connection to the voice service was lost. Please try again."
	case errors.As(err, &codec):
		return "Received audio could not be played."
	default:
		return "Something went wrong with the live session: " + err.Error()
	}
}
