package modem

// Status is the outcome reported by the status line of a response.
type Status uint8

const (
	// StatusUndetermined marks a status line starting with neither OK nor
	// FAIL. It is never returned without an error.
	StatusUndetermined Status = iota
	StatusOK
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusFail:
		return "FAIL"
	}
	return "undetermined"
}

// Response is the result of one command. Payload is only set when the
// command has a payload parser and the device sent a payload.
type Response[T any] struct {
	Status Status
	// Code is the error code of a FAIL status, e.g. ER04.
	Code string
	// Text is the status line text after the marker and its error code.
	Text       string
	Payload    T
	HasPayload bool
}

// Success reports whether the device answered OK.
func (r Response[T]) Success() bool {
	return r.Status == StatusOK
}

// None is the payload type of commands without a payload.
type None struct{}
