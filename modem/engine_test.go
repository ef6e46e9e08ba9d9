package modem_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"i4.energy/across/skgw/modem"
	"i4.energy/across/skgw/sk"
)

const (
	infoReply = "EINFO FE80:0000:0000:0000:021D:1290:1234:5678 001D129012345678 21 8888 FFFE\r\n"
	infoOK    = "OK\r\n"
)

func TestEchoback(t *testing.T) {
	echoOff := func(b *modem.ConfigBuilder) { b.WithEchoback(false) }
	cases := []struct {
		name  string
		opts  []func(*modem.ConfigBuilder)
		reply []string
	}{
		{"echoed", nil, []string{"SKINFO\r\n" + infoReply + infoOK}},
		{"echo in separate read", nil, []string{"SKINFO\r\n", infoReply, infoOK}},
		{"echo disabled", []func(*modem.ConfigBuilder){echoOff}, []string{infoReply + infoOK}},
		{"echo disabled but echoed", []func(*modem.ConfigBuilder){echoOff}, []string{"SKINFO\r\n" + infoReply + infoOK}},
	}

	var want modem.Info
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dev := modem.NewTestTransport()
			m := newTestModem(t, dev, tc.opts...)
			dev.Reply("SKINFO", tc.reply...)

			info, err := m.Info(testContext(t))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if i == 0 {
				want = info
				return
			}
			if info != want {
				t.Errorf("got %+v, want %+v", info, want)
			}
		})
	}

	t.Run("detected as disabled during initialization", func(t *testing.T) {
		dev := modem.NewTestTransport()
		dev.Reply("SKVER", "EVER 1.2.10\r\nOK\r\n")
		dev.Reply("ROPT", "OK 00\r")
		m := openTestModem(t, dev)
		dev.Reply("SKINFO", infoReply+infoOK)

		if _, err := m.Info(testContext(t)); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestStaleReplies(t *testing.T) {
	t.Run("stray line ahead of a status", func(t *testing.T) {
		dev := modem.NewTestTransport()
		m := newTestModem(t, dev)
		dev.Reply("SKSREG S2 21", "SKSREG S2 21\r\nENEIGHBOR FE80::1\r\nOK\r\n")
		dev.Reply("SKVER", "SKVER\r\nEVER 1.2.10\r\nOK\r\n")
		dev.Reply("SKINFO", "SKINFO\r\n"+infoReply+infoOK)
		dev.Reply("SKSREG S3", "SKSREG S3\r\nESREG 8888\r\nOK\r\n")

		err := m.WriteRegister(testContext(t), modem.RegisterChannel, "21")
		if !errors.Is(err, modem.ErrStatusUndetermined) {
			t.Fatalf("expected ErrStatusUndetermined, got: %v", err)
		}

		if v, err := m.Version(testContext(t)); err != nil || v != "1.2.10" {
			t.Errorf("Version: got %q, %v", v, err)
		}
		if _, err := m.Info(testContext(t)); err != nil {
			t.Errorf("Info: unexpected error: %v", err)
		}
		if id, err := m.PANID(testContext(t)); err != nil || id != 0x8888 {
			t.Errorf("PANID: got %04X, %v", id, err)
		}
	})

	t.Run("late reply to a timed out command", func(t *testing.T) {
		dev := modem.NewTestTransport()
		m := newTestModem(t, dev)
		dev.Reply("SKVER", "SKVER\r\nEVER 1.2.10\r\nOK\r\n")
		dev.Reply("SKSREG S3", "SKSREG S3\r\nESREG 8888\r\nOK\r\n")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if _, err := m.Info(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected DeadlineExceeded, got: %v", err)
		}
		dev.SendData("SKINFO\r\n" + infoReply + infoOK)

		if v, err := m.Version(testContext(t)); err != nil || v != "1.2.10" {
			t.Errorf("Version: got %q, %v", v, err)
		}
		if id, err := m.PANID(testContext(t)); err != nil || id != 0x8888 {
			t.Errorf("PANID: got %04X, %v", id, err)
		}
	})
}

func TestFragmentation(t *testing.T) {
	reply := "SKINFO\r\n" +
		event("21", otherA, "00") +
		infoReply +
		event("02", otherB) +
		infoOK

	var want modem.Info
	for _, size := range []int{0, 1, 2, 3, 7, 16} {
		dev := modem.NewTestTransport()
		m := newTestModem(t, dev)
		dev.Fragment(size)
		dev.Reply("SKINFO", reply)

		info, err := m.Info(testContext(t))
		if err != nil {
			t.Fatalf("chunk size %d: unexpected error: %v", size, err)
		}
		if size == 0 {
			want = info
			continue
		}
		if info != want {
			t.Errorf("chunk size %d: got %+v, want %+v", size, info, want)
		}
	}
}

func TestStatusLine(t *testing.T) {
	t.Run("OK with text", func(t *testing.T) {
		dev := modem.NewTestTransport()
		m := newTestModem(t, dev)
		dev.Reply("SKRESET", "SKRESET\r\nOK done\r\n")

		resp, err := m.SendCommand(testContext(t), modem.NewCommand("SKRESET"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !resp.Success() || resp.Text != "done" {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("FAIL maps error code", func(t *testing.T) {
		cases := []struct {
			cmd  string
			line string
			want error
		}{
			{"SKRESET", "FAIL ER04", modem.ErrUnsupportedCommand},
			{"SKRESET", "FAIL ER09", modem.ErrUARTInput},
			{"SKSAVE", "FAIL ER10", modem.ErrFlashMemoryIO},
			{"SKRESET", "FAIL ER10", modem.ErrStatus},
			{"SKRESET", "FAIL ER06 bad argument", modem.ErrStatus},
		}
		for _, tc := range cases {
			dev := modem.NewTestTransport()
			m := newTestModem(t, dev)
			dev.Reply(tc.cmd, tc.cmd+"\r\n"+tc.line+"\r\n")

			_, err := m.SendCommand(testContext(t), modem.NewCommand(tc.cmd))
			if !errors.Is(err, tc.want) {
				t.Errorf("%s %q: expected %v, got %v", tc.cmd, tc.line, tc.want, err)
			}
			var se *modem.StatusError
			if !errors.As(err, &se) {
				t.Errorf("%s %q: expected StatusError, got %T", tc.cmd, tc.line, err)
			}
		}
	})

	t.Run("IgnoreFail reports FAIL in the response", func(t *testing.T) {
		dev := modem.NewTestTransport()
		m := newTestModem(t, dev)
		dev.Reply("SKTERM", "SKTERM\r\nFAIL ER10\r\n")

		resp, err := m.SendCommand(testContext(t), modem.NewCommand("SKTERM").IgnoreFail())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.Status != modem.StatusFail || resp.Code != "ER10" {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("Undetermined status resynchronizes", func(t *testing.T) {
		dev := modem.NewTestTransport()
		m := newTestModem(t, dev)
		dev.Reply("SKRESET", "SKRESET\r\nWHAT?\r\n")
		dev.Reply("SKVER", "SKVER\r\nEVER 1.2.10\r\nOK\r\n")

		_, err := m.SendCommand(testContext(t), modem.NewCommand("SKRESET"))
		if !errors.Is(err, modem.ErrStatusUndetermined) {
			t.Fatalf("expected ErrStatusUndetermined, got: %v", err)
		}
		var ue *modem.UnexpectedResponseError
		if !errors.As(err, &ue) || ue.Text != "WHAT?" {
			t.Errorf("expected UnexpectedResponseError with text, got: %v", err)
		}

		if _, err := m.Version(testContext(t)); err != nil {
			t.Errorf("next command should succeed, got: %v", err)
		}
	})
}

func TestMalformedLines(t *testing.T) {
	t.Run("Malformed notification does not abort the command", func(t *testing.T) {
		dev := modem.NewTestTransport()
		m := newTestModem(t, dev)
		dev.Reply("SKINFO",
			"SKINFO\r\n",
			"EVENT ZZ nonsense\r\n",
			"ERXUDP garbage\r\n",
			infoReply,
			infoOK,
		)

		if _, err := m.Info(testContext(t)); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Malformed payload fails with the offending text", func(t *testing.T) {
		dev := modem.NewTestTransport()
		m := newTestModem(t, dev)
		dev.Reply("SKINFO", "SKINFO\r\nEINFO not-an-address\r\nOK\r\n")
		dev.Reply("SKVER", "SKVER\r\nEVER 1.2.10\r\nOK\r\n")

		_, err := m.Info(testContext(t))
		var ue *modem.UnexpectedResponseError
		if !errors.As(err, &ue) {
			t.Fatalf("expected UnexpectedResponseError, got: %v", err)
		}
		if !strings.Contains(ue.Text, "not-an-address") {
			t.Errorf("expected offending text, got %q", ue.Text)
		}

		if _, err := m.Version(testContext(t)); err != nil {
			t.Errorf("stream should resynchronize, got: %v", err)
		}
	})
}

// rowParser collects decimal rows after a ROWS header up to the status line.
func rowParser(rows []string, buf []byte) (modem.Step[[]string], error) {
	line, n, ok := sk.CutLine(buf, sk.TermCRLF)
	if !ok {
		return modem.Step[[]string]{Outcome: modem.Incomplete, State: rows}, nil
	}
	switch {
	case rows == nil && string(line) == "ROWS":
		return modem.Step[[]string]{Outcome: modem.Continuing, N: n, State: []string{}}, nil
	case rows == nil:
		return modem.Step[[]string]{Outcome: modem.Ignored}, nil
	case strings.HasPrefix(string(line), "OK"):
		return modem.Step[[]string]{Outcome: modem.Completed, State: rows}, nil
	}
	return modem.Step[[]string]{Outcome: modem.Continuing, N: n, State: append(rows, string(line))}, nil
}

func TestSendCommandParsed(t *testing.T) {
	dev := modem.NewTestTransport()
	m := newTestModem(t, dev)
	dev.Fragment(4)
	dev.Reply("SKTABLE", "SKTABLE 2\r\nROWS\r\n1\r\n"+event("02", otherA)+"2\r\n3\r\nOK\r\n")

	resp, err := modem.SendCommandParsed(testContext(t), m, modem.NewCommand("SKTABLE", modem.StrArg("2")), rowParser)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !resp.HasPayload || strings.Join(resp.Payload, ",") != "1,2,3" {
		t.Errorf("unexpected payload %+v", resp)
	}

	if _, err := modem.SendCommandParsed[[]string](testContext(t), m, modem.NewCommand("SKTABLE"), nil); err == nil {
		t.Error("expected error for missing parser")
	}
}

func TestCancellation(t *testing.T) {
	dev := modem.NewTestTransport()
	m := newTestModem(t, dev)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := m.SendCommand(ctx, modem.NewCommand("SKRESET"))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got: %v", err)
	}
	if got := dev.Written(); got[len(got)-1] != "SKRESET\r\n" {
		t.Errorf("command should have been written, got %q", got)
	}
}

func TestCommandTimeout(t *testing.T) {
	dev := modem.NewTestTransport()
	m := newTestModem(t, dev, func(b *modem.ConfigBuilder) {
		b.WithCommandTimeout(30 * time.Millisecond)
	})

	_, err := m.SendCommand(context.Background(), modem.NewCommand("SKRESET"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected DeadlineExceeded, got: %v", err)
	}
}

func TestCommandsAreSerialized(t *testing.T) {
	dev := modem.NewTestTransport()
	m := newTestModem(t, dev)

	const n = 5
	for range n {
		dev.Reply("SKRESET", "SKRESET\r\n", "OK\r\n")
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.SendCommand(testContext(t), modem.NewCommand("SKRESET"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if dev.PendingReplies() != 0 {
		t.Errorf("expected every reply to be consumed, %d left", dev.PendingReplies())
	}
}

func TestSensitiveArgumentsAreRedacted(t *testing.T) {
	var logs bytes.Buffer
	var mu sync.Mutex
	logger := slog.New(slog.NewJSONHandler(&lockedWriter{w: &logs, mu: &mu}, &slog.HandlerOptions{Level: slog.LevelDebug}))

	dev := modem.NewTestTransport()
	m := newTestModem(t, dev, func(b *modem.ConfigBuilder) {
		b.WithLogger(logger)
	})
	dev.Reply("SKSETPWD", "SKSETPWD C ************\r\nOK\r\n")

	if err := m.SetPassword(testContext(t), "0123456789AB"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := dev.Written(); got[len(got)-1] != "SKSETPWD C 0123456789AB\r\n" {
		t.Errorf("unexpected wire form %q", got[len(got)-1])
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Contains(logs.String(), "0123456789AB") {
		t.Error("password leaked into the log")
	}
	if !strings.Contains(logs.String(), "SKSETPWD C ****") {
		t.Errorf("expected redacted command in the log, got %s", logs.String())
	}
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
