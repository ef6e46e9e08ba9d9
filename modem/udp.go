package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"

	"i4.energy/across/skgw/sk"
)

// StartCapturing registers a queue for datagrams addressed to the local
// port. Datagrams for ports that are not captured are discarded.
func (m *Modem) StartCapturing(port uint16) {
	m.router.startCapturing(port)
}

// StopCapturing unregisters the queue of the local port. Queued datagrams
// are dropped and a pending ReceiveDatagram returns ErrNotCapturing.
func (m *Modem) StopCapturing(port uint16) {
	m.router.stopCapturing(port)
}

// ReceiveDatagram returns the next datagram received on the local port.
// With nothing queued it polls the device for notifications, sleeping the
// configured interval between polls, until one arrives or ctx is done.
//
// Each port supports a single consumer.
func (m *Modem) ReceiveDatagram(ctx context.Context, port uint16) (Datagram, error) {
	if err := m.ready(); err != nil {
		return Datagram{}, err
	}

	for {
		q := m.router.queue(port)
		if q == nil {
			return Datagram{}, fmt.Errorf("%w: %d", ErrNotCapturing, port)
		}
		if !q.Empty() {
			items, err := q.Get(1)
			if err != nil {
				return Datagram{}, fmt.Errorf("%w: %d: %w", ErrNotCapturing, port, err)
			}
			rec, ok := items[0].([]byte)
			if !ok {
				return Datagram{}, errRecordTruncated
			}
			return decodeRecord(rec)
		}

		progressed, err := m.engine.pollNotification(ctx)
		if err != nil {
			return Datagram{}, err
		}
		if progressed {
			continue
		}

		t := time.NewTimer(m.config.pollInterval)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return Datagram{}, ctx.Err()
		}
	}
}

// Security selects whether SKSENDTO encrypts the datagram.
type Security uint8

const (
	Unsecured Security = 0
	Secured   Security = 1
)

// SendResult is the outcome of a SendTo.
type SendResult struct {
	Response Response[None]
	// Outcome is the parameter of the EVENT 21 observed for the destination.
	Outcome uint8
}

// IsCompletedSuccessfully reports whether the device accepted the command
// and reported the transmission as successful.
func (r SendResult) IsCompletedSuccessfully() bool {
	return r.Response.Success() && r.Outcome == sk.SendSucceeded
}

var (
	errTransmissionFailed = errors.New("transmission failed")
	errPortZero           = errors.New("port 0 marks an unused slot")
)

// maxDatagramSize is the largest payload SKSENDTO accepts.
const maxDatagramSize = 1232

// SendTo sends data from the local port bound to handle to dest. The result
// carries the most recent send outcome the device reported for the
// destination address; a command that succeeded without any outcome being
// observed fails with ErrSendIndeterminate.
//
// When a retry policy is configured, sends whose transmission failed are
// retried; a FAIL status is never retried.
func (m *Modem) SendTo(ctx context.Context, handle uint8, dest netip.AddrPort, data []byte, sec Security) (SendResult, error) {
	if err := m.ready(); err != nil {
		return SendResult{}, err
	}
	if err := validHandle(handle); err != nil {
		return SendResult{}, err
	}
	if len(data) == 0 || len(data) > maxDatagramSize {
		return SendResult{}, fmt.Errorf("datagram size %d out of range", len(data))
	}
	if sec == Secured {
		if err := m.session.require(); err != nil {
			return SendResult{}, err
		}
	}

	if m.config.sendRetry == nil {
		res, err := m.sendOnce(ctx, handle, dest, data, sec)
		if errors.Is(err, errTransmissionFailed) {
			return res, nil
		}
		return res, err
	}

	var last SendResult
	op := func() error {
		res, err := m.sendOnce(ctx, handle, dest, data, sec)
		last = res
		if err != nil && !errors.Is(err, errTransmissionFailed) {
			// Resending after an indeterminate outcome may duplicate.
			return backoff.Permanent(err)
		}
		if err != nil {
			m.logger.Debug("retrying send", "dest", dest, "outcome", res.Outcome)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(m.config.sendRetry(), ctx))
	if errors.Is(err, errTransmissionFailed) {
		return last, nil
	}
	return last, err
}

func (m *Modem) sendOnce(ctx context.Context, handle uint8, dest netip.AddrPort, data []byte, sec Security) (SendResult, error) {
	var res SendResult
	addr := dest.Addr()

	cmd := NewCommand("SKSENDTO",
		HexArg(uint64(handle), 1),
		AddrArg(addr),
		HexArg(uint64(dest.Port()), 4),
		HexArg(uint64(sec), 1),
		HexArg(uint64(len(data)), 4),
		BytesArg(data),
	).Unterminated()

	release, err := m.engine.acquire(ctx)
	if err != nil {
		return res, fmt.Errorf("SKSENDTO: %w", err)
	}
	defer release()

	// Only the holder of the engine routes EVENT 21, so the outcome read
	// below belongs to this send.
	m.router.clearSendOutcome(addr)
	resp, err := exchange[None](ctx, m.engine, cmd, nil)
	res.Response = resp
	if err != nil {
		return res, err
	}

	outcome, ok := m.router.sendOutcome(addr)
	if !ok {
		return res, fmt.Errorf("SKSENDTO %s: %w", dest, ErrSendIndeterminate)
	}
	res.Outcome = outcome
	if outcome != sk.SendSucceeded {
		return res, fmt.Errorf("SKSENDTO %s: %w (%02X)", dest, errTransmissionFailed, outcome)
	}
	return res, nil
}

func validHandle(handle uint8) error {
	if handle < 1 || handle > sk.MaxPortHandles {
		return fmt.Errorf("%w: %d", ErrInvalidHandle, handle)
	}
	return nil
}

// BindPort opens port on the device's listening slot handle.
func (m *Modem) BindPort(ctx context.Context, handle uint8, port uint16) error {
	if err := validHandle(handle); err != nil {
		return err
	}
	if port == 0 {
		return errPortZero
	}
	return m.setPort(ctx, handle, port)
}

// UnbindPort releases the listening slot handle.
func (m *Modem) UnbindPort(ctx context.Context, handle uint8) error {
	if err := validHandle(handle); err != nil {
		return err
	}
	return m.setPort(ctx, handle, 0)
}

func (m *Modem) setPort(ctx context.Context, handle uint8, port uint16) error {
	if _, err := m.SendCommand(ctx, NewCommand("SKUDPPORT", HexArg(uint64(handle), 1), HexArg(uint64(port), 4))); err != nil {
		return err
	}
	m.portsMu.Lock()
	m.ports[handle-1] = port
	m.portsMu.Unlock()
	return nil
}

// PortBindings is the device's handle to port table; index i holds the
// port of handle i+1, 0 meaning unused.
type PortBindings [sk.MaxPortHandles]uint16

// Handle returns the handle port is bound to.
func (b PortBindings) Handle(port uint16) (uint8, bool) {
	for i, p := range b {
		if p != 0 && p == port {
			return uint8(i + 1), true
		}
	}
	return 0, false
}

// ListeningPorts reads the listening port table with SKTABLE E and refreshes
// the local mirror.
func (m *Modem) ListeningPorts(ctx context.Context) (PortBindings, error) {
	resp, err := SendCommandParsed(ctx, m, NewCommand("SKTABLE", StrArg("E")), portTableParser)
	if err != nil {
		return PortBindings{}, err
	}
	if !resp.HasPayload || resp.Payload.n < sk.MaxPortHandles {
		return PortBindings{}, &UnexpectedResponseError{Command: "SKTABLE", Text: resp.Text, Err: errMissingPayload}
	}

	m.portsMu.Lock()
	m.ports = resp.Payload.ports
	m.portsMu.Unlock()
	return PortBindings(resp.Payload.ports), nil
}

// Bindings returns the handle to port table as last seen.
func (m *Modem) Bindings() PortBindings {
	m.portsMu.Lock()
	defer m.portsMu.Unlock()
	return PortBindings(m.ports)
}

type portTable struct {
	started bool
	n       int
	ports   [sk.MaxPortHandles]uint16
}

// portTableParser reads the EPORT block. Some firmware emits a blank line
// after the records and repeats records before the status line; both are
// tolerated and extra records are dropped.
func portTableParser(s portTable, buf []byte) (Step[portTable], error) {
	line, n, ok := sk.CutLine(buf, sk.TermCRLF)
	if !ok {
		return Step[portTable]{Outcome: Incomplete, State: s}, nil
	}
	switch {
	case !s.started && bytes.Equal(line, []byte(sk.Port)):
		s.started = true
		return Step[portTable]{Outcome: Continuing, N: n, State: s}, nil
	case !s.started:
		return Step[portTable]{Outcome: Ignored, State: s}, nil
	case isStatusLine(line):
		return Step[portTable]{Outcome: Completed, State: s}, nil
	case len(bytes.TrimSpace(line)) == 0:
		return Step[portTable]{Outcome: Continuing, N: n, State: s}, nil
	}

	port, err := sk.ParseDecimal(bytes.TrimSpace(line))
	if err != nil || port > 0xFFFF {
		return Step[portTable]{State: s}, malformed(line, n, fmt.Errorf("invalid port %q", line))
	}
	if s.n < len(s.ports) {
		s.ports[s.n] = uint16(port)
		s.n++
	}
	return Step[portTable]{Outcome: Continuing, N: n, State: s}, nil
}
