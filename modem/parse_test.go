package modem

import (
	"bytes"
	"errors"
	"log/slog"
	"net/netip"
	"testing"

	"i4.energy/across/skgw/sk"
)

func TestParseStatusLine(t *testing.T) {
	cases := []struct {
		line string
		want statusLine
	}{
		{"OK", statusLine{status: StatusOK}},
		{"OK 01", statusLine{status: StatusOK, text: "01"}},
		{"FAIL ER04", statusLine{status: StatusFail, code: "ER04"}},
		{"FAIL ER06 bad arg", statusLine{status: StatusFail, code: "ER06", text: "bad arg"}},
		{"OKAY", statusLine{status: StatusUndetermined, text: "OKAY"}},
		{"EVER 1.2.10", statusLine{status: StatusUndetermined, text: "EVER 1.2.10"}},
	}
	for _, tc := range cases {
		if got := parseStatusLine([]byte(tc.line)); got != tc.want {
			t.Errorf("%q: got %+v, want %+v", tc.line, got, tc.want)
		}
	}
}

func TestEchoParser(t *testing.T) {
	cases := []struct {
		buf     string
		expect  bool
		outcome Outcome
		n       int
		echoed  bool
	}{
		{"", false, Incomplete, 0, false},
		{"SKIN", false, Ignored, 0, false},
		{"SKINFO", false, Ignored, 0, false},
		{"SKINFO\r", false, Incomplete, 0, false},
		{"SKINFO\r\nEINFO", false, Completed, 8, true},
		{"EINFO x\r\n", false, Completed, 0, false},
		{"SKINFO\r\nEINFO", true, Completed, 8, true},
		{"EINFO x\r\n", true, Ignored, 0, false},
		{"OK\r\nSKINFO\r\n", true, Ignored, 0, false},
		{"SKVER\r\n", true, Ignored, 0, false},
	}
	for _, tc := range cases {
		step, err := echoParser(NewCommand("SKINFO"), tc.expect)(false, []byte(tc.buf))
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.buf, err)
		}
		if step.Outcome != tc.outcome || step.N != tc.n || step.State != tc.echoed {
			t.Errorf("%q (expect %t): got %+v", tc.buf, tc.expect, step)
		}
	}
}

func TestStatusParserSkipsTrailers(t *testing.T) {
	p := statusParser(sk.TermCRLF)
	buf := []byte("\r\n21 70 22 55\r\nOK\r\n")

	var skipped int
	for {
		step, err := p(statusLine{}, buf)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		buf = buf[step.N:]
		if step.Outcome == Continuing {
			skipped++
			continue
		}
		if step.Outcome != Completed || step.State.status != StatusOK {
			t.Fatalf("expected OK, got %+v", step)
		}
		break
	}
	if skipped != 2 || len(buf) != 0 {
		t.Errorf("expected two skipped lines and an empty buffer, got %d and %q", skipped, buf)
	}

	if step, _ := p(statusLine{}, []byte("21 7\r\n")); step.State.status != StatusUndetermined {
		t.Errorf("expected a malformed pair to be undetermined, got %+v", step)
	}
}

func TestStaleOnIgnore(t *testing.T) {
	cases := []struct {
		buf  string
		act  ignoreAction
		want int
	}{
		{"OK\r\nSKVER", discardLine, 4},
		{"OK 01\rSKVER", discardLine, 6},
		{"\r\n", discardLine, 2},
		{"ENEIGH", waitMore, 0},
	}
	for _, tc := range cases {
		if act, n := staleOnIgnore([]byte(tc.buf)); act != tc.act || n != tc.want {
			t.Errorf("%q: got (%d, %d), want (%d, %d)", tc.buf, act, n, tc.act, tc.want)
		}
	}
}

func TestLineParser(t *testing.T) {
	p := lineParser(sk.Ver, sk.TermCRLF, func(fields [][]byte) (string, error) {
		if len(fields) != 1 {
			return "", errors.New("want one field")
		}
		return string(fields[0]), nil
	})

	step, err := p("", []byte("EVER 1.2.10\r\nOK\r\n"))
	if err != nil || step.Outcome != Completed || step.N != 13 || step.State != "1.2.10" {
		t.Errorf("got %+v, %v", step, err)
	}
	if step, _ := p("", []byte("EVE")); step.Outcome != Incomplete {
		t.Errorf("expected Incomplete for partial token, got %s", step.Outcome)
	}
	if step, _ := p("", []byte("OK\r\n")); step.Outcome != Ignored {
		t.Errorf("expected Ignored, got %s", step.Outcome)
	}

	_, err = p("", []byte("EVER 1 2\r\nOK\r\n"))
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Skip != 10 || pe.Text != "EVER 1 2" {
		t.Errorf("expected ParseError skipping the line, got %v", err)
	}
}

func TestParseEvent(t *testing.T) {
	sender := netip.MustParseAddr("FE80::1034:5678:ABCD:EF01")
	cases := []struct {
		line string
		want Event
	}{
		{"EVENT 25 FE80:0000:0000:0000:1034:5678:ABCD:EF01", Event{Number: sk.EventPANAConnectionComplete, Sender: sender}},
		{"EVENT 21 FE80:0000:0000:0000:1034:5678:ABCD:EF01 01", Event{Number: sk.EventUDPSendCompleted, Sender: sender, Param: 1, HasParam: true}},
		{"EVENT 21 FE80:0000:0000:0000:1034:5678:ABCD:EF01 0 02", Event{Number: sk.EventUDPSendCompleted, Sender: sender, Param: 2, HasParam: true}},
	}
	for _, tc := range cases {
		got, err := parseEvent([]byte(tc.line))
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tc.line, err)
			continue
		}
		if got != tc.want {
			t.Errorf("%q: got %+v, want %+v", tc.line, got, tc.want)
		}
	}

	for _, line := range []string{"EVENT", "EVENT 25", "EVENT ZZ FE80::1", "EVENT 25 nowhere", "EVENT 21 FE80::1 0 1 2"} {
		if _, err := parseEvent([]byte(line)); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
}

const rxHeader = "ERXUDP FE80:0000:0000:0000:1034:5678:ABCD:EF01 FE80:0000:0000:0000:021D:1290:1234:5678 0E1A 0E1A 12345678ABCDEF01 1 "

func TestParseRxUDP(t *testing.T) {
	t.Run("Binary", func(t *testing.T) {
		buf := []byte(rxHeader + "0004 \r\n\r\r\nEVENT")
		rx, n, out, err := parseRxUDP(buf, sk.DataFormatBinary)
		if err != nil || out != Completed {
			t.Fatalf("got %s, %v", out, err)
		}
		if n != len(buf)-len("EVENT") {
			t.Errorf("expected %d consumed, got %d", len(buf)-len("EVENT"), n)
		}
		if !bytes.Equal(rx.data, []byte(" \r\n\r")) {
			t.Errorf("unexpected data %q", rx.data)
		}
		if !rx.secured || rx.localPort != sk.ECHONETLitePort {
			t.Errorf("unexpected header %+v", rx)
		}
	})

	t.Run("Hex", func(t *testing.T) {
		rx, _, out, err := parseRxUDP([]byte(rxHeader+"0002 0D0A\r\n"), sk.DataFormatHexASCII)
		if err != nil || out != Completed {
			t.Fatalf("got %s, %v", out, err)
		}
		if !bytes.Equal(rx.data, []byte("\r\n")) {
			t.Errorf("unexpected data %q", rx.data)
		}
	})

	t.Run("Needs more bytes", func(t *testing.T) {
		for _, buf := range []string{
			"ERXUDP FE80",
			rxHeader,
			rxHeader + "0004 ab",
			rxHeader + "0004 abcd",
		} {
			if _, _, out, err := parseRxUDP([]byte(buf), sk.DataFormatBinary); out != Incomplete || err != nil {
				t.Errorf("%q: got %s, %v", buf, out, err)
			}
		}
	})

	t.Run("Malformed header is skipped", func(t *testing.T) {
		buf := []byte("ERXUDP garbage\r\nOK\r\n")
		_, n, out, err := parseRxUDP(buf, sk.DataFormatBinary)
		if err == nil || out != Completed || n != len("ERXUDP garbage\r\n") {
			t.Errorf("got n=%d %s, %v", n, out, err)
		}
	})

	t.Run("Length mismatch", func(t *testing.T) {
		_, _, out, err := parseRxUDP([]byte(rxHeader+"0002 abcd\r\n"), sk.DataFormatBinary)
		if err == nil || out != Completed {
			t.Errorf("got %s, %v", out, err)
		}
	})
}

func TestRecord(t *testing.T) {
	remote := netip.MustParseAddr("FE80::1034:5678:ABCD:EF01")
	dg, err := decodeRecord(encodeRecord(remote, []byte{1, 2, 3}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dg.Remote != remote || !bytes.Equal(dg.Payload, []byte{1, 2, 3}) {
		t.Errorf("unexpected datagram %+v", dg)
	}
	if _, err := decodeRecord(make([]byte, datagramHeader-1)); !errors.Is(err, errRecordTruncated) {
		t.Errorf("expected errRecordTruncated, got %v", err)
	}
}

func TestRoute(t *testing.T) {
	r := newRouter(slog.New(slog.DiscardHandler), sk.DataFormatBinary)
	var seen []Event
	r.onEvent = func(ev Event) { seen = append(seen, ev) }

	cases := []struct {
		buf     string
		n       int
		outcome Outcome
	}{
		{"EV", 0, Incomplete},
		{"EVENT 25 FE80::1", 0, Incomplete},
		{"EVENT 25 FE80::1\r\nOK\r\n", 18, Completed},
		{"EVENT nonsense\r\n", 16, Completed},
		{"ERX", 0, Incomplete},
		{"OK\r\n", 0, Ignored},
		{"EINFO x\r\n", 0, Ignored},
	}
	for _, tc := range cases {
		n, out := r.route([]byte(tc.buf))
		if n != tc.n || out != tc.outcome {
			t.Errorf("%q: got %d %s, want %d %s", tc.buf, n, out, tc.n, tc.outcome)
		}
	}
	if len(seen) != 1 || seen[0].Number != sk.EventPANAConnectionComplete {
		t.Errorf("expected one dispatched event, got %+v", seen)
	}

	r.startCapturing(sk.ECHONETLitePort)
	if _, out := r.route([]byte(rxHeader + "0001 x\r\n")); out != Completed {
		t.Fatalf("expected Completed, got %s", out)
	}
	if q := r.queue(sk.ECHONETLitePort); q == nil || q.Len() != 1 {
		t.Error("expected one queued datagram")
	}
	r.stopCapturing(sk.ECHONETLitePort)
	if r.queue(sk.ECHONETLitePort) != nil {
		t.Error("queue should be gone")
	}
}

func TestRouteWhileCaptureChanges(t *testing.T) {
	r := newRouter(slog.New(slog.DiscardHandler), sk.DataFormatBinary)
	rx := []byte(rxHeader + "0001 x\r\n")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range 200 {
			r.startCapturing(sk.ECHONETLitePort)
			r.stopCapturing(sk.ECHONETLitePort)
		}
	}()
	for range 200 {
		if _, out := r.route(rx); out != Completed {
			t.Fatalf("expected Completed, got %s", out)
		}
	}
	<-done

	if r.queue(sk.ECHONETLitePort) != nil {
		t.Fatal("queue should be gone")
	}
	r.startCapturing(sk.ECHONETLitePort)
	r.route(rx)
	if q := r.queue(sk.ECHONETLitePort); q == nil || q.Len() != 1 {
		t.Error("expected exactly one datagram after capturing again")
	}
}
