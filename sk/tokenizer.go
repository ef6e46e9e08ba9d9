package sk

import (
	"bytes"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

var (
	// ErrFieldWidth is returned when a fixed-width field has the wrong length.
	ErrFieldWidth = errors.New("sk: unexpected field width")

	// ErrNotIPv6 is returned when an address literal is not an IPv6 address.
	ErrNotIPv6 = errors.New("sk: not an IPv6 address")

	// ErrNotLinkLocal is returned when an address has no EUI-64 derived
	// link-local interface identifier.
	ErrNotLinkLocal = errors.New("sk: not a link-local address")
)

// CutLine returns the first line of buf without its terminator, and the number
// of bytes the line occupies including the terminator. ok is false when buf
// holds no complete line yet.
//
// With TermCR a line ends at the first CR; an LF directly following it is
// consumed as part of the terminator.
func CutLine(buf []byte, t Terminator) (line []byte, n int, ok bool) {
	switch t {
	case TermCR:
		i := bytes.IndexByte(buf, '\r')
		if i < 0 {
			return nil, 0, false
		}
		n = i + 1
		if n < len(buf) && buf[n] == '\n' {
			n++
		}
		return buf[:i], n, true
	default:
		i := bytes.Index(buf, []byte(CRLF))
		if i < 0 {
			return nil, 0, false
		}
		return buf[:i], i + len(CRLF), true
	}
}

// MatchToken compares the start of buf with token. match is true when buf
// starts with token followed by a space or a line terminator. partial is true
// when buf is too short to decide but is still a prefix of that shape.
func MatchToken(buf []byte, token string) (match, partial bool) {
	if len(buf) <= len(token) {
		return false, strings.HasPrefix(token, string(buf))
	}
	if !bytes.HasPrefix(buf, []byte(token)) {
		return false, false
	}
	switch buf[len(token)] {
	case ' ', '\r', '\n':
		return true, false
	}
	return false, false
}

// ParseHex parses a hexadecimal field. A positive width requires the field to
// have exactly that many digits.
func ParseHex(field []byte, width int) (uint64, error) {
	if width > 0 && len(field) != width {
		return 0, fmt.Errorf("%w: %q, want %d digits", ErrFieldWidth, field, width)
	}
	if len(field) == 0 || len(field) > 16 {
		return 0, fmt.Errorf("%w: %q", ErrFieldWidth, field)
	}
	return strconv.ParseUint(string(field), 16, 64)
}

// ParseDecimal parses an unsigned decimal field.
func ParseDecimal(field []byte) (uint64, error) {
	return strconv.ParseUint(string(field), 10, 64)
}

// ParseAddr parses an IPv6 address literal in either full or compressed form.
func ParseAddr(field []byte) (netip.Addr, error) {
	addr, err := netip.ParseAddr(string(field))
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is6() || addr.Is4In6() {
		return netip.Addr{}, fmt.Errorf("%w: %s", ErrNotIPv6, field)
	}
	return addr, nil
}

// FormatAddr renders addr in the uncompressed, upper-case form the device
// expects in command arguments, e.g. FE80:0000:0000:0000:021D:1290:1234:5678.
func FormatAddr(addr netip.Addr) string {
	b := addr.As16()
	var sb strings.Builder
	sb.Grow(39)
	for i := 0; i < 16; i += 2 {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(fmt.Sprintf("%02X%02X", b[i], b[i+1]))
	}
	return sb.String()
}

// MAC is a 64-bit extended unique identifier.
type MAC [8]byte

// ParseMAC parses the 16 hex digit MAC field used on the wire.
func ParseMAC(field []byte) (MAC, error) {
	var mac MAC
	v, err := ParseHex(field, 16)
	if err != nil {
		return mac, err
	}
	for i := 7; i >= 0; i-- {
		mac[i] = byte(v)
		v >>= 8
	}
	return mac, nil
}

// Hex renders the MAC as the 16 hex digit wire field.
func (m MAC) Hex() string {
	return fmt.Sprintf("%X", m[:])
}

func (m MAC) String() string {
	var sb strings.Builder
	for i, b := range m {
		if i > 0 {
			sb.WriteByte(':')
		}
		sb.WriteString(fmt.Sprintf("%02X", b))
	}
	return sb.String()
}

// LinkLocalFromMAC derives the fe80::/64 address whose interface identifier
// is the modified EUI-64 of mac.
func LinkLocalFromMAC(mac MAC) netip.Addr {
	var b [16]byte
	b[0], b[1] = 0xFE, 0x80
	copy(b[8:], mac[:])
	b[8] ^= 0x02
	return netip.AddrFrom16(b)
}

// MACFromLinkLocal recovers the MAC from a link-local address by
// complementing the universal/local bit of its interface identifier.
func MACFromLinkLocal(addr netip.Addr) (MAC, error) {
	var mac MAC
	if !addr.Is6() || !addr.IsLinkLocalUnicast() {
		return mac, fmt.Errorf("%w: %s", ErrNotLinkLocal, addr)
	}
	b := addr.As16()
	copy(mac[:], b[8:])
	mac[0] ^= 0x02
	return mac, nil
}

// Hex renders v as an upper-case hex field zero padded to width digits.
func Hex(v uint64, width int) string {
	return fmt.Sprintf("%0*X", width, v)
}
