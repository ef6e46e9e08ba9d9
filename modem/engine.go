package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"i4.energy/across/skgw/sk"
)

const (
	readChunkSize = 1024
	maxBufferSize = 64 * 1024
	idleReadDelay = 10 * time.Millisecond
)

// engine owns the read cursor over the transport. A single goroutine pumps
// raw reads into chunks; everything else, including the buffer and the
// router's parsers, is only touched by the holder of sem.
type engine struct {
	transport Transport
	router    *router
	logger    *slog.Logger
	timeout   time.Duration
	// echo is settled by the first exchange when it starts as echoDetect.
	echo echoMode

	sem    chan struct{}
	buf    []byte
	chunks chan []byte

	stopOnce sync.Once
	stop     chan struct{}
	// readErr is written by pump before chunks is closed.
	readErr error
}

func newEngine(t Transport, r *router, logger *slog.Logger, timeout time.Duration, echo echoMode) *engine {
	e := &engine{
		transport: t,
		router:    r,
		logger:    logger,
		timeout:   timeout,
		echo:      echo,
		sem:       make(chan struct{}, 1),
		chunks:    make(chan []byte, 16),
		stop:      make(chan struct{}),
	}
	go e.pump()
	return e
}

// pump is the only goroutine that reads from the transport. Bytes are
// delivered strictly in arrival order.
func (e *engine) pump() {
	defer close(e.chunks)
	p := make([]byte, readChunkSize)
	for {
		n, err := e.transport.Read(p)
		if n > 0 {
			select {
			case e.chunks <- bytes.Clone(p[:n]):
			case <-e.stop:
				return
			}
		}
		if err != nil {
			e.readErr = err
			return
		}
		if n == 0 {
			// Serial ports with a read timeout return without progress.
			select {
			case <-time.After(idleReadDelay):
			case <-e.stop:
				return
			}
		}
	}
}

func (e *engine) shutdown() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// acquire serializes access to the read cursor. Commands issued while
// another is in flight queue here.
func (e *engine) acquire(ctx context.Context) (release func(), err error) {
	select {
	case e.sem <- struct{}{}:
		return func() { <-e.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *engine) closedErr() error {
	err := e.readErr
	if err == nil {
		err = io.EOF
	}
	return fmt.Errorf("%w: read: %w", ErrTransport, err)
}

func (e *engine) appendChunk(chunk []byte) error {
	e.buf = append(e.buf, chunk...)
	if len(e.buf) > maxBufferSize {
		e.buf = e.buf[:0]
		return ErrLineTooLong
	}
	return nil
}

// fill blocks until more bytes arrive or ctx is done.
func (e *engine) fill(ctx context.Context) error {
	select {
	case chunk, ok := <-e.chunks:
		if !ok {
			return e.closedErr()
		}
		return e.appendChunk(chunk)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// drain appends every chunk that is already available without blocking.
func (e *engine) drain() error {
	for {
		select {
		case chunk, ok := <-e.chunks:
			if !ok {
				return e.closedErr()
			}
			if err := e.appendChunk(chunk); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (e *engine) retire(n int) {
	e.buf = append(e.buf[:0], e.buf[n:]...)
}

func (e *engine) write(cmd Command) error {
	e.logger.Debug("sending command", "line", string(cmd.render(true)))
	if _, err := e.transport.Write(cmd.render(false)); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrTransport, cmd.name, err)
	}
	return nil
}

type echoMode uint8

const (
	echoDetect echoMode = iota
	echoOn
	echoOff
)

type ignoreAction uint8

const (
	waitMore ignoreAction = iota
	skipPhase
	discardLine
)

// ignorePolicy decides what happens when the phase parser ignores the head
// of the buffer and the router declined it too.
type ignorePolicy func(buf []byte) (ignoreAction, int)

func waitOnIgnore([]byte) (ignoreAction, int) {
	return waitMore, 0
}

// payloadOnIgnore ends the payload phase when a status line is at the head
// and drops any other complete line.
func payloadOnIgnore(term sk.Terminator) ignorePolicy {
	return func(buf []byte) (ignoreAction, int) {
		line, n, ok := sk.CutLine(buf, term)
		switch {
		case !ok:
			return waitMore, 0
		case isStatusLine(line):
			return skipPhase, 0
		}
		return discardLine, n
	}
}

// staleOnIgnore drops a complete line left over from an earlier exchange.
// Lines are cut at CR so replies of CR terminated commands go too.
func staleOnIgnore(buf []byte) (ignoreAction, int) {
	if _, n, ok := sk.CutLine(buf, sk.TermCR); ok {
		return discardLine, n
	}
	return waitMore, 0
}

func orphanOnIgnore(buf []byte) (ignoreAction, int) {
	if _, n, ok := sk.CutLine(buf, sk.TermCRLF); ok {
		return discardLine, n
	}
	return waitMore, 0
}

// runPhase repeatedly offers the buffer to the router and then to p until p
// completes. It returns done=false when the ignore policy skipped the phase.
//
// A *ParseError from p is returned unless tolerant is set, in which case the
// malformed unit is logged and discarded and parsing continues.
func runPhase[S any](ctx context.Context, e *engine, p Parser[S], state S, onIgnored ignorePolicy, tolerant bool) (S, bool, error) {
	for {
		if len(e.buf) > 0 && e.buf[0] == '\n' {
			// LF left over from a CR terminated line.
			e.retire(1)
			continue
		}
		if len(e.buf) > 0 {
			n, out := e.router.route(e.buf)
			switch out {
			case Completed:
				e.retire(n)
				continue
			case Incomplete:
				if err := e.fill(ctx); err != nil {
					return state, false, err
				}
				continue
			}
		}

		step, err := p(state, e.buf)
		if err != nil {
			var pe *ParseError
			if !errors.As(err, &pe) {
				return state, false, err
			}
			e.retire(pe.Skip)
			if !tolerant {
				return step.State, false, err
			}
			e.logger.Warn("discarding malformed line", "line", pe.Text, "error", pe.Err)
			state = step.State
			continue
		}

		switch step.Outcome {
		case Completed:
			e.retire(step.N)
			return step.State, true, nil
		case Continuing:
			e.retire(step.N)
			state = step.State
			continue
		case Ignored:
			act, n := onIgnored(e.buf)
			switch act {
			case skipPhase:
				return state, false, nil
			case discardLine:
				e.logger.Debug("discarding orphaned line", "line", string(bytes.TrimSpace(e.buf[:n])))
				e.retire(n)
				continue
			}
		}

		if err := e.fill(ctx); err != nil {
			return state, false, err
		}
	}
}

// exchange writes cmd and resolves its echoback, payload and status phases.
// The caller must hold the engine.
func exchange[T any](ctx context.Context, e *engine, cmd Command, payload Parser[T]) (Response[T], error) {
	var resp Response[T]

	if _, ok := ctx.Deadline(); !ok && e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if err := e.write(cmd); err != nil {
		return resp, err
	}

	expect := e.echo == echoOn
	echoed, _, err := runPhase(ctx, e, echoParser(cmd, expect), false, staleOnIgnore, false)
	if err != nil {
		return resp, fmt.Errorf("%s: %w", cmd.name, err)
	}
	if e.echo == echoDetect {
		e.echo = echoOff
		if echoed {
			e.echo = echoOn
		}
		e.logger.Debug("detected echoback", "enabled", echoed)
	}

	term := cmd.responseTerm()
	if payload != nil {
		var zero T
		v, done, err := runPhase(ctx, e, payload, zero, payloadOnIgnore(term), false)
		var pe *ParseError
		switch {
		case errors.As(err, &pe):
			e.logger.Warn("malformed response", "command", cmd.name, "line", pe.Text, "error", pe.Err)
			if !cmd.noStatus {
				// Resynchronise on the status line before failing.
				if _, _, serr := runPhase(ctx, e, statusParser(term), statusLine{}, waitOnIgnore, false); serr != nil {
					return resp, fmt.Errorf("%s: %w", cmd.name, serr)
				}
			}
			return resp, &UnexpectedResponseError{Command: cmd.name, Text: pe.Text, Err: pe.Err}
		case err != nil:
			return resp, fmt.Errorf("%s: %w", cmd.name, err)
		}
		if done {
			resp.Payload, resp.HasPayload = v, true
			if cmd.noStatus {
				resp.Status = StatusOK
				return resp, nil
			}
		}
	}

	st, _, err := runPhase(ctx, e, statusParser(term), statusLine{}, waitOnIgnore, false)
	if err != nil {
		return resp, fmt.Errorf("%s: %w", cmd.name, err)
	}
	resp.Status, resp.Code, resp.Text = st.status, st.code, st.text
	e.logger.Debug("received status", "command", cmd.name, "status", st.status, "code", st.code)

	switch st.status {
	case StatusUndetermined:
		return resp, &UnexpectedResponseError{Command: cmd.name, Text: st.text, Err: ErrStatusUndetermined}
	case StatusFail:
		if cmd.failOnError {
			return resp, newStatusError(cmd.name, st.code, st.text)
		}
	}
	return resp, nil
}

// send runs one exchange while holding the engine.
func send[T any](ctx context.Context, e *engine, cmd Command, payload Parser[T]) (Response[T], error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return Response[T]{}, fmt.Errorf("%s: %w", cmd.name, err)
	}
	defer release()
	return exchange(ctx, e, cmd, payload)
}

// eventWaiter captures the first event accepted by match. It is installed
// on the router before the command is written so a terminal event arriving
// ahead of the status line is not lost.
type eventWaiter struct {
	match func(Event) bool
	got   *Event
}

func (e *engine) listenFor(match func(Event) bool) *eventWaiter {
	w := &eventWaiter{match: match}
	e.router.setListener(func(ev Event) {
		if w.got == nil && w.match(ev) {
			w.got = &ev
		}
	})
	return w
}

func (e *engine) stopListening() {
	e.router.setListener(nil)
}

func (w *eventWaiter) parse(_ Event, _ []byte) (Step[Event], error) {
	if w.got != nil {
		return Step[Event]{Outcome: Completed, State: *w.got}, nil
	}
	return Step[Event]{Outcome: Ignored}, nil
}

// wait blocks until the awaited event has been routed.
func (w *eventWaiter) wait(ctx context.Context, e *engine) (Event, error) {
	ev, _, err := runPhase(ctx, e, w.parse, Event{}, orphanOnIgnore, true)
	return ev, err
}

// pollNotification routes whatever notifications are already buffered or
// available from the transport, without waiting for more bytes. It reports
// whether anything was consumed.
func (e *engine) pollNotification(ctx context.Context) (bool, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	if err := e.drain(); err != nil {
		return false, err
	}

	progressed := false
	for len(e.buf) > 0 {
		if e.buf[0] == '\n' {
			e.retire(1)
			continue
		}
		n, out := e.router.route(e.buf)
		if out == Completed {
			e.retire(n)
			progressed = true
			continue
		}
		if out == Incomplete {
			break
		}
		_, n, ok := sk.CutLine(e.buf, sk.TermCRLF)
		if !ok {
			break
		}
		e.logger.Debug("discarding orphaned line", "line", string(bytes.TrimSpace(e.buf[:n])))
		e.retire(n)
	}
	return progressed, nil
}
