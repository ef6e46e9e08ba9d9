package modem_test

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"i4.energy/across/skgw/modem"
)

const (
	paaAddr = "FE80:0000:0000:0000:1034:5678:ABCD:EF01"
	paaMAC  = "12345678ABCDEF01"
	otherA  = "FE80:0000:0000:0000:021D:1290:1234:5678"
	otherB  = "FE80:0000:0000:0000:021D:1290:1234:5679"
)

// newTestModem initializes a Modem on top of dev, which echoes commands.
// Extra builder options are applied after the defaults used by every test.
func newTestModem(t *testing.T, dev *modem.TestTransport, opts ...func(*modem.ConfigBuilder)) *modem.Modem {
	t.Helper()
	dev.Reply("SKVER", "SKVER\r\nEVER 1.2.10\r\nOK\r\n")
	dev.Reply("ROPT", "ROPT\rOK 00\r")
	return openTestModem(t, dev, opts...)
}

// openTestModem initializes a Modem whose initialization replies are
// already registered on dev.
func openTestModem(t *testing.T, dev *modem.TestTransport, opts ...func(*modem.ConfigBuilder)) *modem.Modem {
	t.Helper()

	ctrl := gomock.NewController(t)
	dialer := modem.NewMockDialer(ctrl)
	dialer.EXPECT().Dial(gomock.Any()).Return(dev, nil)

	b := modem.NewConfigBuilder().
		WithDialer(dialer).
		WithCommandTimeout(time.Second).
		WithPollInterval(5 * time.Millisecond)
	for _, opt := range opts {
		opt(b)
	}
	config, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}

	m, err := modem.New(context.Background(), config)
	if err != nil {
		t.Fatalf("unexpected error from New(): %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	addr, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("invalid address %q: %v", s, err)
	}
	return addr
}

// panDesc renders one EPANDESC block.
func panDesc(channel, panID, mac string) string {
	return "EPANDESC\r\n" +
		"  Channel:" + channel + "\r\n" +
		"  Channel Page:09\r\n" +
		"  Pan ID:" + panID + "\r\n" +
		"  Addr:" + mac + "\r\n" +
		"  LQI:E1\r\n" +
		"  PairID:00112233\r\n"
}

func event(num, addr string, param ...string) string {
	line := "EVENT " + num + " " + addr
	for _, p := range param {
		line += " " + p
	}
	return line + "\r\n"
}
