package modem

//go:generate go tool mockgen -source=transport.go -destination=transport_mock.go -package=modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
)

// Transport represents an established, bidirectional byte stream to a
// SKSTACK-IP modem.
//
// A Transport is assumed to be already connected and ready for use. Typical
// implementations include serial ports, websocket bridges to a remote serial
// port, or in-memory fakes used for testing.
type Transport interface {
	io.ReadWriteCloser
}

// Dialer opens a Transport to a modem.
//
// Dialer abstracts how the modem connection is created and is intended to be
// used during modem construction only. Once a Transport is obtained, the
// Dialer is no longer needed.
type Dialer interface {
	// Dial is responsible for creating and returning a connected Transport. It
	// may perform blocking operations and should respect cancellation and
	// deadlines provided by the context.
	Dial(ctx context.Context) (Transport, error)
}

// SerialDialer opens the modem over a local serial port.
type SerialDialer struct {
	PortName string
	// BaudRate is used when Mode is nil. Defaults to 115200.
	BaudRate int
	Mode     *serial.Mode
}

var (
	errNoPortName = errors.New("skstack: serial port name is required")
	errNilContext = errors.New("skstack: context is nil")
	errNoURL      = errors.New("skstack: websocket URL is required")
)

func (d SerialDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, errNilContext
	}
	if d.PortName == "" {
		return nil, errNoPortName
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mode := d.Mode
	if mode == nil {
		baud := d.BaudRate
		if baud == 0 {
			baud = 115200
		}
		mode = &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
	}

	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("skstack: open serial port %s: %w", d.PortName, err)
	}
	return port, nil
}

// WebSocketDialer opens the modem through a websocket bridge that relays
// binary messages to and from a remote serial port.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
}

func (d WebSocketDialer) Dial(ctx context.Context) (Transport, error) {
	if ctx == nil {
		return nil, errNilContext
	}
	if d.URL == "" {
		return nil, errNoURL
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("skstack: websocket dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("skstack: websocket dial %s: %w", d.URL, err)
	}
	return &wsTransport{conn: conn}, nil
}

// wsTransport adapts message oriented websocket I/O to a byte stream.
type wsTransport struct {
	conn *websocket.Conn

	readMu sync.Mutex
	buf    []byte

	writeMu sync.Mutex
}

func (w *wsTransport) Read(p []byte) (int, error) {
	w.readMu.Lock()
	defer w.readMu.Unlock()
	for len(w.buf) == 0 {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return 0, io.EOF
			}
			return 0, err
		}
		if typ != websocket.BinaryMessage && typ != websocket.TextMessage {
			continue
		}
		w.buf = data
	}
	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *wsTransport) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsTransport) Close() error {
	return w.conn.Close()
}
