package modem_test

import (
	"io"
	"sync"

	gomock "go.uber.org/mock/gomock"

	"i4.energy/across/skgw/modem"
)

// MockSequenceBuilder scripts a MockTransport. Writes are expected in order;
// each one feeds its reply to the reader, which is free running.
type MockSequenceBuilder struct {
	transport *modem.MockTransport
	calls     []any
	feed      chan string
	closeOnce sync.Once
}

func NewMockSequence(transport *modem.MockTransport) *MockSequenceBuilder {
	b := &MockSequenceBuilder{
		transport: transport,
		calls:     []any{},
		feed:      make(chan string, 16),
	}
	transport.EXPECT().Read(gomock.Any()).DoAndReturn(func(p []byte) (int, error) {
		resp, ok := <-b.feed
		if !ok {
			return 0, io.EOF
		}
		return copy(p, resp), nil
	}).AnyTimes()
	return b
}

func (b *MockSequenceBuilder) expect(cmd, resp string) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Write([]byte(cmd)).DoAndReturn(func(p []byte) (int, error) {
			if resp != "" {
				b.feed <- resp
			}
			return len(p), nil
		}),
	)
	return b
}

func (b *MockSequenceBuilder) Version() *MockSequenceBuilder {
	return b.expect("SKVER\r\n", "SKVER\r\nEVER 1.2.10\r\nOK\r\n")
}

func (b *MockSequenceBuilder) VersionNoEcho() *MockSequenceBuilder {
	return b.expect("SKVER\r\n", "EVER 1.2.10\r\nOK\r\n")
}

func (b *MockSequenceBuilder) VersionFail() *MockSequenceBuilder {
	return b.expect("SKVER\r\n", "SKVER\r\nFAIL ER01\r\n")
}

func (b *MockSequenceBuilder) BinaryFormat() *MockSequenceBuilder {
	return b.expect("ROPT\r", "ROPT\rOK 00\r")
}

func (b *MockSequenceBuilder) HexFormat() *MockSequenceBuilder {
	return b.expect("ROPT\r", "ROPT\rOK 01\r")
}

func (b *MockSequenceBuilder) FormatUnsupported() *MockSequenceBuilder {
	return b.expect("ROPT\r", "ROPT\r\nFAIL ER04\r\n")
}

func (b *MockSequenceBuilder) Command(cmd, resp string) *MockSequenceBuilder {
	return b.expect(cmd, resp)
}

// Close expects the transport to be closed, which ends the reader.
func (b *MockSequenceBuilder) Close(err error) *MockSequenceBuilder {
	b.calls = append(b.calls,
		b.transport.EXPECT().Close().DoAndReturn(func() error {
			b.closeOnce.Do(func() { close(b.feed) })
			return err
		}),
	)
	return b
}

func (b *MockSequenceBuilder) Build() []any {
	return b.calls
}
