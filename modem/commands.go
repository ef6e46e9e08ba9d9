package modem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"i4.energy/across/skgw/sk"
)

// Registers addressed by the session manager.
const (
	RegisterChannel = "S2"
	RegisterPANID   = "S3"
)

// Info is the EINFO payload describing the device itself.
type Info struct {
	LinkLocalAddr netip.Addr
	MAC           sk.MAC
	Channel       uint8
	PANID         uint16
	ShortAddr     uint16
}

func decodeInfo(fields [][]byte) (Info, error) {
	var info Info
	// EINFO <addr> <mac> <channel> <panid> <addr16> [<side>]
	if len(fields) < 5 || len(fields) > 6 {
		return info, fmt.Errorf("unexpected field count %d", len(fields))
	}
	var err error
	if info.LinkLocalAddr, err = sk.ParseAddr(fields[0]); err != nil {
		return info, err
	}
	if info.MAC, err = sk.ParseMAC(fields[1]); err != nil {
		return info, err
	}
	ch, err := sk.ParseHex(fields[2], 2)
	if err != nil {
		return info, err
	}
	info.Channel = uint8(ch)
	pan, err := sk.ParseHex(fields[3], 4)
	if err != nil {
		return info, err
	}
	info.PANID = uint16(pan)
	short, err := sk.ParseHex(fields[4], 4)
	if err != nil {
		return info, err
	}
	info.ShortAddr = uint16(short)
	return info, nil
}

// Info queries the device's own addresses and radio settings.
func (m *Modem) Info(ctx context.Context) (Info, error) {
	resp, err := SendCommandParsed(ctx, m, NewCommand("SKINFO"), lineParser(sk.Info, sk.TermCRLF, decodeInfo))
	if err != nil {
		return Info{}, err
	}
	if !resp.HasPayload {
		return Info{}, &UnexpectedResponseError{Command: "SKINFO", Text: resp.Text, Err: errMissingPayload}
	}
	return resp.Payload, nil
}

var errMissingPayload = errors.New("missing payload")

// Version returns the firmware version reported by SKVER.
func (m *Modem) Version(ctx context.Context) (string, error) {
	decode := func(fields [][]byte) (string, error) {
		if len(fields) != 1 {
			return "", fmt.Errorf("unexpected field count %d", len(fields))
		}
		return string(fields[0]), nil
	}
	resp, err := SendCommandParsed(ctx, m, NewCommand("SKVER"), lineParser(sk.Ver, sk.TermCRLF, decode))
	if err != nil {
		return "", err
	}
	if !resp.HasPayload {
		return "", &UnexpectedResponseError{Command: "SKVER", Text: resp.Text, Err: errMissingPayload}
	}
	return resp.Payload, nil
}

// ReadRegister returns the raw value of a virtual register such as S2.
func (m *Modem) ReadRegister(ctx context.Context, reg string) (string, error) {
	decode := func(fields [][]byte) (string, error) {
		if len(fields) != 1 {
			return "", fmt.Errorf("unexpected field count %d", len(fields))
		}
		return string(fields[0]), nil
	}
	resp, err := SendCommandParsed(ctx, m, NewCommand("SKSREG", StrArg(reg)), lineParser(sk.SReg, sk.TermCRLF, decode))
	if err != nil {
		return "", err
	}
	if !resp.HasPayload {
		return "", &UnexpectedResponseError{Command: "SKSREG", Text: resp.Text, Err: errMissingPayload}
	}
	return resp.Payload, nil
}

// WriteRegister sets a virtual register to value, given in its wire form.
func (m *Modem) WriteRegister(ctx context.Context, reg, value string) error {
	_, err := m.SendCommand(ctx, NewCommand("SKSREG", StrArg(reg), StrArg(value)))
	return err
}

// Channel reads the logical channel number from S2.
func (m *Modem) Channel(ctx context.Context) (uint8, error) {
	v, err := m.ReadRegister(ctx, RegisterChannel)
	if err != nil {
		return 0, err
	}
	ch, err := sk.ParseHex([]byte(v), 2)
	if err != nil {
		return 0, &UnexpectedResponseError{Command: "SKSREG", Text: v, Err: err}
	}
	return uint8(ch), nil
}

// SetChannel writes the logical channel number to S2.
func (m *Modem) SetChannel(ctx context.Context, ch uint8) error {
	return m.WriteRegister(ctx, RegisterChannel, sk.Hex(uint64(ch), 2))
}

// PANID reads the PAN ID from S3.
func (m *Modem) PANID(ctx context.Context) (uint16, error) {
	v, err := m.ReadRegister(ctx, RegisterPANID)
	if err != nil {
		return 0, err
	}
	id, err := sk.ParseHex([]byte(v), 4)
	if err != nil {
		return 0, &UnexpectedResponseError{Command: "SKSREG", Text: v, Err: err}
	}
	return uint16(id), nil
}

// SetPANID writes the PAN ID to S3.
func (m *Modem) SetPANID(ctx context.Context, id uint16) error {
	return m.WriteRegister(ctx, RegisterPANID, sk.Hex(uint64(id), 4))
}

// addrLineParser reads the bare address line SKLL64 answers with.
func addrLineParser(_ netip.Addr, buf []byte) (Step[netip.Addr], error) {
	line, n, ok := sk.CutLine(buf, sk.TermCRLF)
	if !ok {
		return Step[netip.Addr]{Outcome: Incomplete}, nil
	}
	addr, err := sk.ParseAddr(bytes.TrimSpace(line))
	if err != nil {
		// Most likely a FAIL status, which the ignore policy hands over to
		// the status phase.
		return Step[netip.Addr]{Outcome: Ignored}, nil
	}
	return Step[netip.Addr]{Outcome: Completed, N: n, State: addr}, nil
}

// LinkLocalAddress asks the device to convert mac into its IPv6 link-local
// address.
func (m *Modem) LinkLocalAddress(ctx context.Context, mac sk.MAC) (netip.Addr, error) {
	cmd := NewCommand("SKLL64", MACArg(mac)).withoutStatus()
	resp, err := SendCommandParsed(ctx, m, cmd, addrLineParser)
	if err != nil {
		return netip.Addr{}, err
	}
	if !resp.HasPayload {
		return netip.Addr{}, &UnexpectedResponseError{Command: "SKLL64", Text: resp.Text, Err: errMissingPayload}
	}
	return resp.Payload, nil
}

// AddNeighbor registers a peer in the neighbor cache so it can be reached
// without address resolution.
func (m *Modem) AddNeighbor(ctx context.Context, addr netip.Addr, mac sk.MAC) error {
	_, err := m.SendCommand(ctx, NewCommand("SKADDNBR", AddrArg(addr), MACArg(mac)))
	return err
}

var (
	errPasswordLength = errors.New("password must be 1 to 32 characters")
	errRouteBIDLength = errors.New("route-B ID must be 32 characters")
)

// SetPassword programs the PANA password. The value is never logged.
func (m *Modem) SetPassword(ctx context.Context, password string) error {
	if len(password) == 0 || len(password) > 32 {
		return errPasswordLength
	}
	_, err := m.SendCommand(ctx, NewCommand("SKSETPWD",
		HexArg(uint64(len(password)), 1),
		Sensitive(StrArg(password)),
	))
	return err
}

// SetRouteBID programs the Route-B authentication ID. The value is never
// logged.
func (m *Modem) SetRouteBID(ctx context.Context, id string) error {
	if len(id) != 32 {
		return errRouteBIDLength
	}
	_, err := m.SendCommand(ctx, NewCommand("SKSETRBID", Sensitive(StrArg(id))))
	return err
}

// Reset performs a protocol stack reset. Any session is lost.
func (m *Modem) Reset(ctx context.Context) error {
	if _, err := m.SendCommand(ctx, NewCommand("SKRESET")); err != nil {
		return err
	}
	m.session.reset()
	return nil
}

// Sleep puts the device into deep sleep. EVENT C0 is emitted as a Wake
// lifecycle message once it wakes up.
func (m *Modem) Sleep(ctx context.Context) error {
	if _, err := m.SendCommand(ctx, NewCommand("SKDSLEEP")); err != nil {
		return err
	}
	m.session.emit(SessionEventSleep, netip.Addr{})
	return nil
}

// DataFormat reads the ERXUDP data format with ROPT.
func (m *Modem) DataFormat(ctx context.Context) (sk.DataFormat, error) {
	resp, err := m.SendCommand(ctx, productCommand("ROPT"))
	if err != nil {
		return 0, err
	}
	v, err := sk.ParseHex([]byte(strings.TrimSpace(resp.Text)), 2)
	if err != nil {
		return 0, &UnexpectedResponseError{Command: "ROPT", Text: resp.Text, Err: err}
	}
	if v&0x01 != 0 {
		return sk.DataFormatHexASCII, nil
	}
	return sk.DataFormatBinary, nil
}

// SetDataFormat writes the ERXUDP data format with WOPT and switches the
// router to it. The setting is stored in flash.
func (m *Modem) SetDataFormat(ctx context.Context, f sk.DataFormat) error {
	if _, err := m.SendCommand(ctx, productCommand("WOPT", HexArg(uint64(f), 2))); err != nil {
		return err
	}
	m.router.setDataFormat(f)
	return nil
}
