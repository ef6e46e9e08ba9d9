// Package sk holds the token and line codec of the SKSTACK-IP protocol: fixed
// tokens, event numbers, line terminators and the field encodings used on the
// wire. It is stateless; the modem package drives it from its read loop.
package sk

const (
	// Terminal Control
	CRLF = "\r\n"
	CR   = "\r"

	// Status markers
	OK   = "OK"
	FAIL = "FAIL"

	// Notifications
	Event      = "EVENT"
	RxUDP      = "ERXUDP"
	PANDesc    = "EPANDESC"
	EDScanDesc = "EEDSCAN"

	// Command payloads
	Info      = "EINFO"
	Ver       = "EVER"
	SReg      = "ESREG"
	Port      = "EPORT"
	Indent    = "  "
	FieldSep  = ":"
	Sensitive = "****"
)

// ECHONETLitePort is the well-known UDP port of ECHONET Lite.
const ECHONETLitePort = 3610

// PANAPort is the UDP port PANA authentication runs on.
const PANAPort = 716

// MaxPortHandles is the number of UDP listening port slots on the device.
const MaxPortHandles = 6

// EventNumber identifies a numbered EVENT notification.
type EventNumber uint8

const (
	EventNeighborSolicitation   EventNumber = 0x01
	EventNeighborAdvertisement  EventNumber = 0x02
	EventEchoRequest            EventNumber = 0x05
	EventEDScanCompleted        EventNumber = 0x1F
	EventBeaconReceived         EventNumber = 0x20
	EventUDPSendCompleted       EventNumber = 0x21
	EventActiveScanCompleted    EventNumber = 0x22
	EventPANAConnectionFailed   EventNumber = 0x24
	EventPANAConnectionComplete EventNumber = 0x25
	EventTerminationRequested   EventNumber = 0x26
	EventSessionTerminated      EventNumber = 0x27
	EventTerminationTimedOut    EventNumber = 0x28
	EventSessionExpired         EventNumber = 0x29
	EventTransmissionRestricted EventNumber = 0x32
	EventTransmissionReleased   EventNumber = 0x33
	EventWokeUp                 EventNumber = 0xC0
)

var eventNames = map[EventNumber]string{
	EventNeighborSolicitation:   "neighbor-solicitation",
	EventNeighborAdvertisement:  "neighbor-advertisement",
	EventEchoRequest:            "echo-request",
	EventEDScanCompleted:        "ed-scan-completed",
	EventBeaconReceived:         "beacon-received",
	EventUDPSendCompleted:       "udp-send-completed",
	EventActiveScanCompleted:    "active-scan-completed",
	EventPANAConnectionFailed:   "pana-connection-failed",
	EventPANAConnectionComplete: "pana-connection-completed",
	EventTerminationRequested:   "pana-termination-requested",
	EventSessionTerminated:      "pana-session-terminated",
	EventTerminationTimedOut:    "pana-termination-timed-out",
	EventSessionExpired:         "pana-session-expired",
	EventTransmissionRestricted: "transmission-restricted",
	EventTransmissionReleased:   "transmission-released",
	EventWokeUp:                 "woke-up",
}

func (n EventNumber) String() string {
	if s, ok := eventNames[n]; ok {
		return s
	}
	return "event-" + string(hexDigits[n>>4]) + string(hexDigits[n&0xF])
}

// Informational reports whether the event only carries information and is
// never the terminal event of a command.
func (n EventNumber) Informational() bool {
	switch n {
	case EventNeighborSolicitation, EventNeighborAdvertisement, EventEchoRequest,
		EventUDPSendCompleted,
		EventTerminationRequested, EventSessionTerminated, EventTerminationTimedOut, EventSessionExpired,
		EventTransmissionRestricted, EventTransmissionReleased:
		return true
	}
	return false
}

// Outcome parameters of EventUDPSendCompleted.
const (
	SendSucceeded          uint8 = 0x00
	SendFailed             uint8 = 0x01
	SendNeighborSoliciting uint8 = 0x02
)

// DataFormat selects how ERXUDP carries its payload.
type DataFormat uint8

const (
	DataFormatBinary   DataFormat = 0
	DataFormatHexASCII DataFormat = 1
)

func (f DataFormat) String() string {
	if f == DataFormatHexASCII {
		return "hex"
	}
	return "binary"
}

// Terminator is the line termination policy of a command.
type Terminator uint8

const (
	TermCRLF Terminator = iota
	TermCR
	TermNone
)

func (t Terminator) String() string {
	switch t {
	case TermCR:
		return CR
	case TermNone:
		return ""
	}
	return CRLF
}

const hexDigits = "0123456789ABCDEF"
