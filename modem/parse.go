package modem

import (
	"bytes"
	"fmt"

	"i4.energy/across/skgw/sk"
)

// Outcome is the result of one parser step against the buffered bytes.
type Outcome uint8

const (
	// Ignored means the bytes belong to someone else; nothing was consumed.
	Ignored Outcome = iota
	// Incomplete means more bytes are needed before the parser can decide.
	Incomplete
	// Continuing means a partial unit was consumed into the carried state.
	Continuing
	// Completed means parsing finished and the state holds the final value.
	Completed
)

func (o Outcome) String() string {
	switch o {
	case Ignored:
		return "ignored"
	case Incomplete:
		return "incomplete"
	case Continuing:
		return "continuing"
	case Completed:
		return "completed"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

// Step is what a Parser returns. N is the number of bytes consumed and is
// only meaningful for Continuing and Completed.
type Step[S any] struct {
	Outcome Outcome
	N       int
	State   S
}

// Parser is a pure step function over the unconsumed bytes. The state
// returned with Continuing is passed back on the next call; the state
// returned with Completed is the parsed value.
//
// A parser that recognizes its unit but finds it structurally invalid
// returns a *ParseError along with the state to continue from.
type Parser[S any] func(state S, buf []byte) (Step[S], error)

// ParseError reports a malformed unit. Skip is the number of bytes the unit
// occupies in the buffer and that are discarded to resynchronise.
type ParseError struct {
	Text string
	Skip int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %q: %v", e.Text, e.Err)
	}
	return fmt.Sprintf("malformed %q", e.Text)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func malformed(line []byte, skip int, err error) *ParseError {
	return &ParseError{Text: string(line), Skip: skip, Err: err}
}

// echoParser recognizes the device reflecting the command line back. The
// state reports whether the echo was seen. When expect is set anything else
// at the head is Ignored, to be discarded as a stale line; otherwise it
// completes the phase without consuming.
func echoParser(cmd Command, expect bool) Parser[bool] {
	term := cmd.responseTerm()
	return func(_ bool, buf []byte) (Step[bool], error) {
		if len(buf) == 0 {
			return Step[bool]{Outcome: Incomplete}, nil
		}
		match, partial := sk.MatchToken(buf, cmd.name)
		switch {
		case partial:
			return Step[bool]{Outcome: Ignored}, nil
		case !match && expect:
			return Step[bool]{Outcome: Ignored}, nil
		case !match:
			return Step[bool]{Outcome: Completed}, nil
		}
		_, n, ok := sk.CutLine(buf, term)
		if !ok {
			return Step[bool]{Outcome: Incomplete}, nil
		}
		return Step[bool]{Outcome: Completed, N: n, State: true}, nil
	}
}

type statusLine struct {
	status Status
	code   string
	text   string
}

// statusParser consumes the final status line. Blank lines and trailing
// EEDSCAN records are skipped. Any other line that is neither OK nor FAIL
// completes as StatusUndetermined.
func statusParser(term sk.Terminator) Parser[statusLine] {
	return func(_ statusLine, buf []byte) (Step[statusLine], error) {
		line, n, ok := sk.CutLine(buf, term)
		if !ok {
			return Step[statusLine]{Outcome: Incomplete}, nil
		}
		if isEDScanTrailer(line) {
			return Step[statusLine]{Outcome: Continuing, N: n}, nil
		}
		return Step[statusLine]{Outcome: Completed, N: n, State: parseStatusLine(line)}, nil
	}
}

func parseStatusLine(line []byte) statusLine {
	if rest, ok := cutToken(line, sk.OK); ok {
		return statusLine{status: StatusOK, text: string(rest)}
	}
	if rest, ok := cutToken(line, sk.FAIL); ok {
		code, text, _ := bytes.Cut(rest, []byte(" "))
		return statusLine{status: StatusFail, code: string(code), text: string(text)}
	}
	return statusLine{status: StatusUndetermined, text: string(line)}
}

// isStatusLine reports whether line starts with a status marker.
func isStatusLine(line []byte) bool {
	_, ok := cutToken(line, sk.OK)
	if !ok {
		_, ok = cutToken(line, sk.FAIL)
	}
	return ok
}

// cutToken returns what follows token and a single separator in line.
func cutToken(line []byte, token string) ([]byte, bool) {
	if !bytes.HasPrefix(line, []byte(token)) {
		return nil, false
	}
	rest := line[len(token):]
	if len(rest) == 0 {
		return rest, true
	}
	if rest[0] != ' ' {
		return nil, false
	}
	return rest[1:], true
}

// lineParser adapts a single-line payload decoder. Lines that do not start
// with token are Ignored.
func lineParser[T any](token string, term sk.Terminator, decode func(fields [][]byte) (T, error)) Parser[T] {
	return func(state T, buf []byte) (Step[T], error) {
		match, partial := sk.MatchToken(buf, token)
		if partial {
			return Step[T]{Outcome: Incomplete, State: state}, nil
		}
		if !match {
			return Step[T]{Outcome: Ignored, State: state}, nil
		}
		line, n, ok := sk.CutLine(buf, term)
		if !ok {
			return Step[T]{Outcome: Incomplete, State: state}, nil
		}
		v, err := decode(bytes.Fields(line)[1:])
		if err != nil {
			return Step[T]{State: state}, malformed(line, n, err)
		}
		return Step[T]{Outcome: Completed, N: n, State: v}, nil
	}
}
