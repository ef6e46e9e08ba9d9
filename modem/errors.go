package modem

import (
	"errors"
	"fmt"
	"net/netip"

	"i4.energy/across/skgw/sk"
)

var (
	// ErrNoDialer is returned when a Modem is constructed without a Dialer.
	//
	// This indicates a configuration error. A Dialer is required in order to
	// establish a connection to the modem.
	ErrNoDialer = errors.New("no dialer configured")

	// ErrNotInitialized is returned when an operation is attempted on a Modem
	// that has not been successfully initialized.
	//
	// This can occur if initialization failed or if the Modem was not created
	// via New.
	ErrNotInitialized = errors.New("modem not initialized")

	// ErrAlreadyClosed is returned when Close is called on a Modem that has
	// already been closed, and by every operation issued after Close.
	ErrAlreadyClosed = errors.New("modem already closed")

	// ErrTransport wraps read and write failures of the underlying stream.
	// These are fatal for the Modem.
	ErrTransport = errors.New("transport failure")

	// ErrStatus is the kind of a FAIL status whose error code has no more
	// specific mapping.
	ErrStatus = errors.New("command failed")

	// ErrUnsupportedCommand is the kind of a FAIL ER04 status.
	ErrUnsupportedCommand = errors.New("command not supported")

	// ErrUARTInput is the kind of a FAIL ER09 status.
	ErrUARTInput = errors.New("UART input error")

	// ErrFlashMemoryIO is the kind of a FAIL ER10 status returned by the
	// commands that access the flash memory.
	ErrFlashMemoryIO = errors.New("flash memory I/O error")

	// ErrStatusUndetermined is wrapped when the status line of a response
	// starts with neither OK nor FAIL.
	ErrStatusUndetermined = errors.New("status undetermined")

	// ErrSessionNotEstablished is returned synchronously, before any bytes are
	// sent, by operations that require an established PANA session.
	ErrSessionNotEstablished = errors.New("PANA session not established")

	// ErrSessionAlreadyEstablished is returned by operations that must not
	// run while a PANA session is established or being established.
	ErrSessionAlreadyEstablished = errors.New("PANA session already established")

	// ErrSendIndeterminate is returned by SendTo when the command succeeded at
	// the status line but no send completion event was observed for the
	// destination.
	ErrSendIndeterminate = errors.New("send outcome indeterminate")

	// ErrPANANotFound is returned by AuthenticateAsClient when active scanning
	// finds no PANA authentication agent matching the target.
	ErrPANANotFound = errors.New("no PANA authentication agent found")

	// ErrNotCapturing is returned by ReceiveDatagram for a port that has no
	// registered queue.
	ErrNotCapturing = errors.New("port is not being captured")

	// ErrInvalidHandle is returned for UDP port handles outside 1..6.
	ErrInvalidHandle = errors.New("invalid port handle")

	// ErrLineTooLong is returned when the read buffer grows beyond its limit
	// without any parser making progress.
	//
	// This typically indicates unexpected binary data or a protocol framing
	// error.
	ErrLineTooLong = errors.New("response line too long")
)

// StatusError is a FAIL status returned by the device.
type StatusError struct {
	Command string
	Code    string
	Text    string
	kind    error
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Command, e.kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Text != "" {
		msg += ": " + e.Text
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

var flashCommands = map[string]bool{
	"SKSAVE":  true,
	"SKLOAD":  true,
	"SKERASE": true,
	"WOPT":    true,
	"WUART":   true,
}

func newStatusError(command, code, text string) *StatusError {
	kind := ErrStatus
	switch code {
	case "ER04":
		kind = ErrUnsupportedCommand
	case "ER09":
		kind = ErrUARTInput
	case "ER10":
		if flashCommands[command] {
			kind = ErrFlashMemoryIO
		}
	}
	return &StatusError{Command: command, Code: code, Text: text, kind: kind}
}

// UnexpectedResponseError reports a response that could not be interpreted.
// Text holds the offending line.
type UnexpectedResponseError struct {
	Command string
	Text    string
	Err     error
}

func (e *UnexpectedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: unexpected response %q: %v", e.Command, e.Text, e.Err)
	}
	return fmt.Sprintf("%s: unexpected response %q", e.Command, e.Text)
}

func (e *UnexpectedResponseError) Unwrap() error {
	return e.Err
}

// SessionEstablishmentError is returned when a join or rejoin ends with a
// terminal event other than EVENT 25.
type SessionEstablishmentError struct {
	Event   sk.EventNumber
	Address netip.Addr
}

func (e *SessionEstablishmentError) Error() string {
	return fmt.Sprintf("PANA session establishment failed: %s from %s", e.Event, e.Address)
}
