package modem

import (
	"bytes"
	"net/netip"

	"i4.energy/across/skgw/sk"
)

// Arg renders one command argument.
type Arg struct {
	write     func(*bytes.Buffer)
	sensitive bool
}

// Command is a single request to the device. It is built per invocation and
// has no identity beyond the call.
type Command struct {
	name        string
	args        []Arg
	term        sk.Terminator
	failOnError bool
	noStatus    bool
}

// NewCommand returns a CRLF terminated command that fails on a FAIL status.
func NewCommand(name string, args ...Arg) Command {
	return Command{name: name, args: args, term: sk.TermCRLF, failOnError: true}
}

// productCommand returns a command of the product setting family, which is
// terminated by a bare CR.
func productCommand(name string, args ...Arg) Command {
	c := NewCommand(name, args...)
	c.term = sk.TermCR
	return c
}

// Name returns the command name, e.g. SKINFO.
func (c Command) Name() string { return c.name }

// Unterminated returns a copy of c written without a line terminator.
func (c Command) Unterminated() Command {
	c.term = sk.TermNone
	return c
}

// IgnoreFail returns a copy of c whose FAIL status is reported in the
// Response rather than as an error.
func (c Command) IgnoreFail() Command {
	c.failOnError = false
	return c
}

// withoutStatus returns a copy of c whose response ends after the payload.
func (c Command) withoutStatus() Command {
	c.noStatus = true
	return c
}

// responseTerm is the terminator of the device's response lines.
func (c Command) responseTerm() sk.Terminator {
	if c.term == sk.TermCR {
		return sk.TermCR
	}
	return sk.TermCRLF
}

// render writes the wire form of c. When redact is set, sensitive arguments
// are replaced by a placeholder and no terminator is written.
func (c Command) render(redact bool) []byte {
	var buf bytes.Buffer
	buf.WriteString(c.name)
	for _, a := range c.args {
		buf.WriteByte(' ')
		if redact && a.sensitive {
			buf.WriteString(sk.Sensitive)
			continue
		}
		a.write(&buf)
	}
	if !redact {
		buf.WriteString(c.term.String())
	}
	return buf.Bytes()
}

// StrArg is a verbatim token argument.
func StrArg(s string) Arg {
	return Arg{write: func(b *bytes.Buffer) { b.WriteString(s) }}
}

// HexArg renders v as a zero padded hex field of width digits.
func HexArg(v uint64, width int) Arg {
	return Arg{write: func(b *bytes.Buffer) { b.WriteString(sk.Hex(v, width)) }}
}

// AddrArg renders an IPv6 address in the uncompressed wire form.
func AddrArg(addr netip.Addr) Arg {
	return Arg{write: func(b *bytes.Buffer) { b.WriteString(sk.FormatAddr(addr)) }}
}

// MACArg renders a MAC as 16 hex digits.
func MACArg(mac sk.MAC) Arg {
	return Arg{write: func(b *bytes.Buffer) { b.WriteString(mac.Hex()) }}
}

// BytesArg writes raw bytes, used for the SKSENDTO payload.
func BytesArg(p []byte) Arg {
	return Arg{write: func(b *bytes.Buffer) { b.Write(p) }}
}

// Sensitive marks a so it is never written to the log.
func Sensitive(a Arg) Arg {
	a.sensitive = true
	return a
}
