package modem

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/golang-collections/go-datastructures/queue"

	"i4.energy/across/skgw/sk"
)

// Event is a numbered EVENT notification as read from the wire.
type Event struct {
	Number   sk.EventNumber
	Sender   netip.Addr
	Param    uint8
	HasParam bool
}

func (ev Event) String() string {
	if ev.HasParam {
		return fmt.Sprintf("%s from %s (%02X)", ev.Number, ev.Sender, ev.Param)
	}
	return fmt.Sprintf("%s from %s", ev.Number, ev.Sender)
}

// Datagram is one UDP payload received through an ERXUDP notification.
type Datagram struct {
	Remote  netip.Addr
	Payload []byte
}

// datagramHeader is the size of the address and length prefix of a record
// in a port queue.
const datagramHeader = 16 + 2

var errRecordTruncated = errors.New("datagram record truncated")

func encodeRecord(remote netip.Addr, payload []byte) []byte {
	rec := make([]byte, datagramHeader+len(payload))
	addr := remote.As16()
	copy(rec, addr[:])
	binary.LittleEndian.PutUint16(rec[16:], uint16(len(payload)))
	copy(rec[datagramHeader:], payload)
	return rec
}

func decodeRecord(rec []byte) (Datagram, error) {
	if len(rec) < datagramHeader {
		return Datagram{}, errRecordTruncated
	}
	n := int(binary.LittleEndian.Uint16(rec[16:]))
	if len(rec) < datagramHeader+n {
		return Datagram{}, errRecordTruncated
	}
	return Datagram{
		Remote:  netip.AddrFrom16([16]byte(rec[:16])),
		Payload: rec[datagramHeader : datagramHeader+n],
	}, nil
}

// router classifies and consumes unsolicited lines ahead of the phase
// parsers. route and setListener run with the engine held; the queue table
// and send outcomes have their own lock since capture registration and
// SendTo bookkeeping happen outside the engine.
type router struct {
	logger *slog.Logger

	// listener receives every event while a command awaits one.
	listener func(Event)
	// onEvent is the session manager hook.
	onEvent func(Event)

	mu           sync.Mutex
	format       sk.DataFormat
	queues       map[uint16]*queue.Queue
	sendOutcomes map[netip.Addr]uint8
}

func newRouter(logger *slog.Logger, format sk.DataFormat) *router {
	return &router{
		logger:       logger,
		format:       format,
		queues:       make(map[uint16]*queue.Queue),
		sendOutcomes: make(map[netip.Addr]uint8),
	}
}

func (r *router) setListener(fn func(Event)) {
	r.listener = fn
}

func (r *router) dataFormat() sk.DataFormat {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.format
}

func (r *router) setDataFormat(f sk.DataFormat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.format = f
}

// startCapturing registers a queue for port. It is a no-op when one exists.
func (r *router) startCapturing(port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[port]; !ok {
		r.queues[port] = queue.New(8)
	}
}

// stopCapturing unregisters the queue of port, dropping anything queued.
func (r *router) stopCapturing(port uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[port]; ok {
		q.Dispose()
		delete(r.queues, port)
	}
}

func (r *router) queue(port uint16) *queue.Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queues[port]
}

func (r *router) clearSendOutcome(dest netip.Addr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sendOutcomes, dest)
}

// sendOutcome returns the most recent EVENT 21 parameter seen for dest.
func (r *router) sendOutcome(dest netip.Addr) (uint8, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.sendOutcomes[dest]
	return v, ok
}

// route consumes one notification at the head of buf. It returns Completed
// with the consumed length, Incomplete when the head may still become a
// notification, or Ignored.
//
// Malformed notifications are logged and consumed.
func (r *router) route(buf []byte) (int, Outcome) {
	if match, partial := sk.MatchToken(buf, sk.Event); match || partial {
		if partial {
			return 0, Incomplete
		}
		line, n, ok := sk.CutLine(buf, sk.TermCRLF)
		if !ok {
			return 0, Incomplete
		}
		ev, err := parseEvent(line)
		if err != nil {
			r.logger.Warn("discarding malformed event", "line", string(line), "error", err)
			return n, Completed
		}
		r.dispatch(ev)
		return n, Completed
	}

	if match, partial := sk.MatchToken(buf, sk.RxUDP); match || partial {
		if partial {
			return 0, Incomplete
		}
		rx, n, out, err := parseRxUDP(buf, r.dataFormat())
		if err != nil {
			r.logger.Warn("discarding malformed datagram notification", "error", err)
			return n, Completed
		}
		if out == Completed {
			r.deliver(rx)
		}
		return n, out
	}

	return 0, Ignored
}

func (r *router) dispatch(ev Event) {
	if ev.Number == sk.EventUDPSendCompleted {
		r.mu.Lock()
		r.sendOutcomes[ev.Sender] = ev.Param
		r.mu.Unlock()
	}

	if ev.Number.Informational() {
		r.logger.Debug("event", "event", ev.Number.String(), "sender", ev.Sender, "param", ev.Param)
	}
	if r.onEvent != nil {
		r.onEvent(ev)
	}
	if r.listener != nil {
		r.listener(ev)
		return
	}
	if !ev.Number.Informational() {
		r.logger.Debug("ignoring unawaited event", "event", ev.Number.String(), "sender", ev.Sender)
	}
}

// deliver queues rx while holding mu so the port cannot be released
// between the lookup and the Put. Put does not block.
func (r *router) deliver(rx rxUDP) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.queues[rx.localPort]
	if !ok {
		r.logger.Debug("dropping datagram for uncaptured port", "port", rx.localPort, "sender", rx.sender)
		return
	}
	if err := q.Put(encodeRecord(rx.sender, rx.data)); err != nil {
		r.logger.Debug("dropping datagram", "port", rx.localPort, "error", err)
	}
}

func parseEvent(line []byte) (Event, error) {
	var ev Event
	fields := bytes.Fields(line)
	// EVENT <num> <addr> [<side>] [<param>]
	if len(fields) < 3 || len(fields) > 5 {
		return ev, fmt.Errorf("unexpected field count %d", len(fields))
	}
	num, err := sk.ParseHex(fields[1], 2)
	if err != nil {
		return ev, err
	}
	ev.Number = sk.EventNumber(num)
	if ev.Sender, err = sk.ParseAddr(fields[2]); err != nil {
		return ev, err
	}
	if len(fields) > 3 {
		param, err := sk.ParseHex(fields[len(fields)-1], 2)
		if err != nil {
			return ev, err
		}
		ev.Param, ev.HasParam = uint8(param), true
	}
	return ev, nil
}

type rxUDP struct {
	sender     netip.Addr
	dest       netip.Addr
	senderPort uint16
	localPort  uint16
	senderMAC  sk.MAC
	secured    bool
	data       []byte
}

// rxUDPFields is the number of space terminated fields before the data,
// counting the ERXUDP token.
const rxUDPFields = 8

// parseRxUDP parses an ERXUDP notification. The data field may contain any
// byte including CRLF, so the header is read first and the data is taken by
// its declared length.
func parseRxUDP(buf []byte, format sk.DataFormat) (rxUDP, int, Outcome, error) {
	var rx rxUDP
	lineEnd := bytes.Index(buf, []byte(sk.CRLF))

	var fields [rxUDPFields][]byte
	pos := 0
	for i := range fields {
		sp := bytes.IndexByte(buf[pos:], ' ')
		if sp < 0 || (lineEnd >= 0 && pos+sp > lineEnd) {
			if lineEnd >= 0 {
				return rx, lineEnd + len(sk.CRLF), Completed, fmt.Errorf("truncated header %q", buf[:lineEnd])
			}
			return rx, 0, Incomplete, nil
		}
		fields[i] = buf[pos : pos+sp]
		pos += sp + 1
	}

	skipHeader := func(err error) (rxUDP, int, Outcome, error) {
		if lineEnd < 0 {
			return rx, 0, Incomplete, nil
		}
		return rx, lineEnd + len(sk.CRLF), Completed, err
	}

	var err error
	if rx.sender, err = sk.ParseAddr(fields[1]); err != nil {
		return skipHeader(err)
	}
	if rx.dest, err = sk.ParseAddr(fields[2]); err != nil {
		return skipHeader(err)
	}
	port, err := sk.ParseHex(fields[3], 4)
	if err != nil {
		return skipHeader(err)
	}
	rx.senderPort = uint16(port)
	if port, err = sk.ParseHex(fields[4], 4); err != nil {
		return skipHeader(err)
	}
	rx.localPort = uint16(port)
	if rx.senderMAC, err = sk.ParseMAC(fields[5]); err != nil {
		return skipHeader(err)
	}
	switch string(fields[6]) {
	case "0":
	case "1":
		rx.secured = true
	default:
		return skipHeader(fmt.Errorf("invalid secured flag %q", fields[6]))
	}
	length, err := sk.ParseHex(fields[7], 4)
	if err != nil {
		return skipHeader(err)
	}

	size := int(length)
	if format == sk.DataFormatHexASCII {
		size *= 2
	}
	end := pos + size
	if len(buf) < end+len(sk.CRLF) {
		return rx, 0, Incomplete, nil
	}
	if !bytes.HasPrefix(buf[end:], []byte(sk.CRLF)) {
		return skipHeader(fmt.Errorf("data length mismatch, declared %d", length))
	}

	raw := buf[pos:end]
	if format == sk.DataFormatHexASCII {
		rx.data = make([]byte, length)
		if _, err := hex.Decode(rx.data, raw); err != nil {
			return rx, end + len(sk.CRLF), Completed, err
		}
	} else {
		rx.data = bytes.Clone(raw)
	}
	return rx, end + len(sk.CRLF), Completed, nil
}
