package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"

	"i4.energy/across/skgw/sk"
)

// Scan modes of SKSCAN.
const (
	scanModeED     = 0
	scanModeActive = 2
)

// PANDescription is one peer reported by an active scan.
type PANDescription struct {
	Channel     uint8
	ChannelPage uint8
	PANID       uint16
	MAC         sk.MAC
	LQI         uint8
	PairID      uint32
	HasPairID   bool
}

// ScanPolicy drives ActiveScan. Durations is consumed lazily, one factor per
// scan, and may be infinite to scan until a peer is selected. Select picks
// the peers of interest; nil selects every peer.
type ScanPolicy struct {
	Durations iter.Seq[int]
	Select    func(PANDescription) bool
}

// ScanDurations returns a finite sequence of duration factors.
func ScanDurations(factors ...int) iter.Seq[int] {
	return func(yield func(int) bool) {
		for _, f := range factors {
			if !yield(f) {
				return
			}
		}
	}
}

// ScanForever returns an infinite sequence repeating factor. ActiveScan with
// this sequence only returns once a peer is selected or ctx is done.
func ScanForever(factor int) iter.Seq[int] {
	return func(yield func(int) bool) {
		for yield(factor) {
		}
	}
}

// DefaultScanDurations is used by AuthenticateAsClient when no scan policy
// is given.
func DefaultScanDurations() iter.Seq[int] {
	return ScanDurations(6, 7, 8)
}

var errInvalidDuration = errors.New("scan duration factor out of range")

// ActiveScan issues one active scan per duration factor until a scan finds
// peers accepted by the policy, which are returned. Exhausting the factors
// without a match returns an empty result and no error.
func (m *Modem) ActiveScan(ctx context.Context, policy ScanPolicy) ([]PANDescription, error) {
	sel := func(_ context.Context, d PANDescription) (bool, error) {
		return policy.Select == nil || policy.Select(d), nil
	}
	return m.activeScan(ctx, policy.Durations, sel)
}

// activeScan evaluates sel outside the engine, so selectors may issue
// commands of their own.
func (m *Modem) activeScan(ctx context.Context, durations iter.Seq[int], sel func(context.Context, PANDescription) (bool, error)) ([]PANDescription, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if err := m.session.forbid(); err != nil {
		return nil, err
	}
	if durations == nil {
		durations = DefaultScanDurations()
	}

	for factor := range durations {
		found, err := m.scanOnce(ctx, factor)
		if err != nil {
			return nil, err
		}
		var matched []PANDescription
		for _, d := range found {
			ok, err := sel(ctx, d)
			if err != nil {
				return nil, err
			}
			if ok {
				matched = append(matched, d)
			}
		}
		if len(matched) > 0 {
			return matched, nil
		}
	}
	return nil, nil
}

func (m *Modem) scanOnce(ctx context.Context, factor int) ([]PANDescription, error) {
	if factor < 0 || factor > 14 {
		return nil, fmt.Errorf("%w: %d", errInvalidDuration, factor)
	}

	release, err := m.engine.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	w := m.engine.listenFor(func(ev Event) bool {
		return ev.Number == sk.EventActiveScanCompleted
	})
	defer m.engine.stopListening()

	cmd := NewCommand("SKSCAN",
		HexArg(scanModeActive, 1),
		HexArg(uint64(m.config.channelMask), 8),
		HexArg(uint64(factor), 1),
	)
	if _, err := exchange[None](ctx, m.engine, cmd, nil); err != nil {
		return nil, err
	}

	m.logger.Debug("active scan started", "duration", factor)
	st, _, err := runPhase(ctx, m.engine, panDescParser(w), panScan{}, orphanOnIgnore, true)
	if err != nil {
		return nil, fmt.Errorf("SKSCAN: %w", err)
	}
	m.logger.Debug("active scan completed", "duration", factor, "found", len(st.found))
	return st.found, nil
}

const (
	fieldChannel = 1 << iota
	fieldChannelPage
	fieldPANID
	fieldAddr
	fieldLQI
	fieldPairID

	requiredPANFields = fieldChannel | fieldChannelPage | fieldPANID | fieldAddr | fieldLQI
)

// panScan accumulates EPANDESC blocks across parser steps.
type panScan struct {
	found []PANDescription
	cur   PANDescription
	seen  int
	open  bool
}

// finish closes the current block.
func (s panScan) finish() (panScan, error) {
	if !s.open {
		return s, nil
	}
	s.open = false
	if s.seen&requiredPANFields != requiredPANFields {
		s.seen = 0
		return s, fmt.Errorf("incomplete %s block", sk.PANDesc)
	}
	s.found = append(s.found, s.cur)
	s.seen = 0
	return s, nil
}

// panDescParser collects EPANDESC blocks until the scan completion event
// has been routed.
func panDescParser(w *eventWaiter) Parser[panScan] {
	return func(s panScan, buf []byte) (Step[panScan], error) {
		if w.got != nil {
			// The completion event is routed only once every block ahead
			// of it has been consumed.
			s, err := s.finish()
			if err != nil {
				return Step[panScan]{State: s}, malformed(nil, 0, err)
			}
			return Step[panScan]{Outcome: Completed, State: s}, nil
		}

		line, n, ok := sk.CutLine(buf, sk.TermCRLF)
		if !ok {
			return Step[panScan]{Outcome: Incomplete, State: s}, nil
		}

		switch {
		case bytes.Equal(line, []byte(sk.PANDesc)):
			s, err := s.finish()
			s.open = true
			s.cur = PANDescription{}
			if err != nil {
				return Step[panScan]{State: s}, malformed(line, n, err)
			}
			return Step[panScan]{Outcome: Continuing, N: n, State: s}, nil

		case s.open && bytes.HasPrefix(line, []byte(sk.Indent)):
			if err := s.parseField(bytes.TrimPrefix(line, []byte(sk.Indent))); err != nil {
				return Step[panScan]{State: s}, malformed(line, n, err)
			}
			return Step[panScan]{Outcome: Continuing, N: n, State: s}, nil

		case s.open:
			s, err := s.finish()
			if err != nil {
				return Step[panScan]{State: s}, malformed(nil, 0, err)
			}
			return Step[panScan]{Outcome: Continuing, State: s}, nil
		}
		return Step[panScan]{Outcome: Ignored, State: s}, nil
	}
}

func (s *panScan) parseField(field []byte) error {
	key, value, ok := bytes.Cut(field, []byte(sk.FieldSep))
	if !ok {
		return fmt.Errorf("missing separator")
	}
	var err error
	var v uint64
	switch string(key) {
	case "Channel":
		v, err = sk.ParseHex(value, 2)
		s.cur.Channel = uint8(v)
		s.seen |= fieldChannel
	case "Channel Page":
		v, err = sk.ParseHex(value, 2)
		s.cur.ChannelPage = uint8(v)
		s.seen |= fieldChannelPage
	case "Pan ID":
		v, err = sk.ParseHex(value, 4)
		s.cur.PANID = uint16(v)
		s.seen |= fieldPANID
	case "Addr":
		s.cur.MAC, err = sk.ParseMAC(value)
		s.seen |= fieldAddr
	case "LQI":
		v, err = sk.ParseHex(value, 2)
		s.cur.LQI = uint8(v)
		s.seen |= fieldLQI
	case "PairID":
		v, err = sk.ParseHex(value, 8)
		s.cur.PairID, s.cur.HasPairID = uint32(v), true
		s.seen |= fieldPairID
	default:
		// Newer firmware adds fields such as Side.
	}
	return err
}

// EDScanResult is the energy detected on one channel.
type EDScanResult struct {
	Channel uint8
	RSSI    uint8
}

// EDScan runs an energy detection scan over the configured channel mask.
func (m *Modem) EDScan(ctx context.Context, factor int) ([]EDScanResult, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if factor < 0 || factor > 14 {
		return nil, fmt.Errorf("%w: %d", errInvalidDuration, factor)
	}

	release, err := m.engine.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	w := m.engine.listenFor(func(ev Event) bool {
		return ev.Number == sk.EventEDScanCompleted
	})
	defer m.engine.stopListening()

	cmd := NewCommand("SKSCAN",
		HexArg(scanModeED, 1),
		HexArg(uint64(m.config.channelMask), 8),
		HexArg(uint64(factor), 1),
	)
	if _, err := exchange[None](ctx, m.engine, cmd, nil); err != nil {
		return nil, err
	}

	st, _, err := runPhase(ctx, m.engine, edScanParser(w), edScan{}, orphanOnIgnore, true)
	if err != nil {
		return nil, fmt.Errorf("SKSCAN: %w", err)
	}
	return st.results, nil
}

type edScan struct {
	started bool
	results []EDScanResult
}

// edScanParser reads the EEDSCAN block. Some firmware emits a blank line
// inside the block and repeats channel records; both are tolerated and
// duplicates keep the first record. Once the completion event has been seen
// the parser drains what is already buffered of the block and completes.
func edScanParser(w *eventWaiter) Parser[edScan] {
	return func(s edScan, buf []byte) (Step[edScan], error) {
		done := w.got != nil && len(s.results) > 0
		line, n, ok := sk.CutLine(buf, sk.TermCRLF)
		switch {
		case !ok && done:
			return Step[edScan]{Outcome: Completed, State: s}, nil
		case !ok:
			return Step[edScan]{Outcome: Incomplete, State: s}, nil
		case bytes.Equal(line, []byte(sk.EDScanDesc)):
			s.started = true
			return Step[edScan]{Outcome: Continuing, N: n, State: s}, nil
		case s.started && len(bytes.TrimSpace(line)) == 0:
			return Step[edScan]{Outcome: Continuing, N: n, State: s}, nil
		case s.started:
			next, err := appendEDRecords(s.results, bytes.Fields(line))
			switch {
			case err != nil && done:
				return Step[edScan]{Outcome: Completed, State: s}, nil
			case err != nil:
				return Step[edScan]{State: s}, malformed(line, n, err)
			}
			s.results = next
			return Step[edScan]{Outcome: Continuing, N: n, State: s}, nil
		case done:
			return Step[edScan]{Outcome: Completed, State: s}, nil
		}
		return Step[edScan]{Outcome: Ignored, State: s}, nil
	}
}

// isEDScanTrailer reports whether line is blank or made only of channel and
// RSSI pairs, as the EEDSCAN quirk can leave behind after the block ended.
func isEDScanTrailer(line []byte) bool {
	fields := bytes.Fields(line)
	if len(fields)%2 != 0 {
		return false
	}
	for _, f := range fields {
		if _, err := sk.ParseHex(f, 2); err != nil {
			return false
		}
	}
	return true
}

func appendEDRecords(results []EDScanResult, fields [][]byte) ([]EDScanResult, error) {
	if len(fields)%2 != 0 {
		return results, fmt.Errorf("odd number of fields")
	}
	results = append([]EDScanResult(nil), results...)
next:
	for i := 0; i < len(fields); i += 2 {
		ch, err := sk.ParseHex(fields[i], 2)
		if err != nil {
			return results, err
		}
		rssi, err := sk.ParseHex(fields[i+1], 2)
		if err != nil {
			return results, err
		}
		for _, r := range results {
			if r.Channel == uint8(ch) {
				continue next
			}
		}
		results = append(results, EDScanResult{Channel: uint8(ch), RSSI: uint8(rssi)})
	}
	return results, nil
}
