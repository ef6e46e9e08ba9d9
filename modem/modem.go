package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"go.uber.org/atomic"

	"i4.energy/across/skgw/sk"
)

// Modem is a client for a Wi-SUN radio modem speaking SKSTACK-IP.
//
// Every operation that talks to the device goes through a single read
// cursor over the transport; concurrent calls queue behind the one in
// flight. Unsolicited EVENT and ERXUDP lines are routed as they are read,
// whichever call happens to be reading.
type Modem struct {
	// transport provides the physical connection to the modem
	transport Transport
	// config contains the modem configuration settings
	config Config
	logger *slog.Logger

	engine  *engine
	router  *router
	session *session

	// closed indicates if the modem has been shut down
	closed *atomic.Bool

	// version is the firmware version reported during initialization
	version string

	portsMu sync.Mutex
	ports   [sk.MaxPortHandles]uint16
}

// New dials the transport, starts the reader and runs the initialization
// sequence: a SKVER sanity check followed by syncing the ERXUDP data format
// from the device.
//
// Returns an error if the transport connection or modem initialization
// fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	m := newModem(transport, config)

	initCtx := ctx
	if config.initTimeout > 0 {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, config.initTimeout)
		defer cancel()
	}

	if err := m.init(initCtx); err != nil {
		m.engine.shutdown()
		transport.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return m, nil
}

func newModem(transport Transport, config Config) *Modem {
	logger := config.logger
	m := &Modem{
		transport: transport,
		config:    config,
		logger:    logger,
		closed:    atomic.NewBool(false),
	}
	m.router = newRouter(logger.With("component", "router"), config.dataFormat)
	m.session = newSession(logger.With("component", "session"), config.eventBuffer)
	m.router.onEvent = m.session.observe
	m.engine = newEngine(transport, m.router, logger.With("component", "engine"), config.commandTimeout, config.echo)

	if !config.skipECHONET {
		m.router.startCapturing(sk.ECHONETLitePort)
	}
	return m
}

// init performs the initial setup sequence. It must complete successfully
// before the modem can be used.
func (m *Modem) init(ctx context.Context) error {
	version, err := m.Version(ctx)
	if err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}
	m.version = version

	format, err := m.DataFormat(ctx)
	switch {
	case errors.Is(err, ErrUnsupportedCommand):
		m.logger.Info("device cannot report its data format", "assumed", m.router.dataFormat().String())
	case err != nil:
		return fmt.Errorf("read data format: %w", err)
	default:
		m.router.setDataFormat(format)
	}

	m.logger.Info("modem initialized", "version", version, "format", m.router.dataFormat().String())
	return nil
}

func (m *Modem) ready() error {
	if m.closed.Load() {
		return ErrAlreadyClosed
	}
	if m.transport == nil {
		return ErrNotInitialized
	}
	return nil
}

// FirmwareVersion returns the version reported during initialization.
func (m *Modem) FirmwareVersion() string {
	return m.version
}

// Events returns the channel of session lifecycle messages. The channel is
// buffered; messages are dropped when it is full.
func (m *Modem) Events() <-chan SessionEvent {
	return m.session.events
}

// SessionState returns the current PANA session state.
func (m *Modem) SessionState() SessionState {
	return m.session.state()
}

// PeerAddress returns the address of the PANA authentication agent. It is
// only set while the session is established.
func (m *Modem) PeerAddress() (netip.Addr, bool) {
	return m.session.peerAddr()
}

// SessionInfo returns the description of the established session.
func (m *Modem) SessionInfo() (SessionInfo, bool) {
	return m.session.sessionInfo()
}

// Close shuts down the modem and releases all resources.
// It stops the reader, closes the transport connection, and marks the
// modem as closed. After calling Close(), the modem cannot be reused.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}

	m.engine.shutdown()

	if m.transport != nil {
		return m.transport.Close()
	}

	return nil
}

// SendCommand sends cmd and returns its response. A FAIL status is an error
// unless the command was built with IgnoreFail.
func (m *Modem) SendCommand(ctx context.Context, cmd Command) (Response[None], error) {
	if err := m.ready(); err != nil {
		return Response[None]{}, err
	}
	return send[None](ctx, m.engine, cmd, nil)
}

// SendCommandParsed sends cmd and parses its payload with p.
func SendCommandParsed[T any](ctx context.Context, m *Modem, cmd Command, p Parser[T]) (Response[T], error) {
	if err := m.ready(); err != nil {
		return Response[T]{}, err
	}
	if p == nil {
		return Response[T]{}, errors.New("payload parser is required")
	}
	return send(ctx, m.engine, cmd, p)
}
