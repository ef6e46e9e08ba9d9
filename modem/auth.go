package modem

import (
	"context"
	"fmt"
	"net/netip"

	"i4.energy/across/skgw/sk"
)

// AuthOptions carries what is already known about the PANA authentication
// agent. Zero values are unknown; any unknown value makes
// AuthenticateAsClient scan for the agent.
type AuthOptions struct {
	// PeerAddr is the link-local address of the agent. When set, only a
	// scanned peer resolving to this address is accepted.
	PeerAddr netip.Addr
	Channel  uint8
	PANID    uint16
	// Scan drives the active scan. Its Select further restricts the
	// candidates; nil Durations scans with DefaultScanDurations.
	Scan ScanPolicy
}

func (o AuthOptions) complete() bool {
	return o.PeerAddr.IsValid() && o.Channel != 0 && o.PANID != 0
}

type pana struct {
	addr    netip.Addr
	mac     sk.MAC
	channel uint8
	panID   uint16
}

// AuthenticateAsClient establishes a PANA session as the client, using the
// Route-B ID and password as credentials.
//
// The credentials are programmed first. A known agent address is registered
// as a neighbor; a missing address, channel or PAN ID is discovered by active
// scanning, with the first candidate resolving to the target winning. Channel
// and PAN ID registers are only written when they differ. Finally SKJOIN is
// issued and the call blocks until the device reports the outcome.
func (m *Modem) AuthenticateAsClient(ctx context.Context, id, password string, opts AuthOptions) (SessionInfo, error) {
	if err := m.ready(); err != nil {
		return SessionInfo{}, err
	}
	if err := m.session.forbid(); err != nil {
		return SessionInfo{}, err
	}

	if err := m.SetPassword(ctx, password); err != nil {
		return SessionInfo{}, fmt.Errorf("set password: %w", err)
	}
	if err := m.SetRouteBID(ctx, id); err != nil {
		return SessionInfo{}, fmt.Errorf("set route-B ID: %w", err)
	}

	target := pana{addr: opts.PeerAddr, channel: opts.Channel, panID: opts.PANID}
	if target.addr.IsValid() {
		mac, err := sk.MACFromLinkLocal(target.addr)
		if err != nil {
			return SessionInfo{}, err
		}
		target.mac = mac
		if err := m.AddNeighbor(ctx, target.addr, mac); err != nil {
			return SessionInfo{}, fmt.Errorf("add neighbor: %w", err)
		}
	}

	if !opts.complete() {
		found, err := m.findPANA(ctx, opts)
		if err != nil {
			return SessionInfo{}, err
		}
		target = found
	}

	local, err := m.Info(ctx)
	if err != nil {
		return SessionInfo{}, err
	}
	if err := m.configureRadio(ctx, target.channel, target.panID); err != nil {
		return SessionInfo{}, err
	}

	info := SessionInfo{
		LocalAddr: local.LinkLocalAddr,
		LocalMAC:  local.MAC,
		PeerAddr:  target.addr,
		PeerMAC:   target.mac,
		Channel:   target.channel,
		PANID:     target.panID,
	}
	info, _, err = m.join(ctx, evJoin, NewCommand("SKJOIN", AddrArg(target.addr)), info)
	return info, err
}

// findPANA scans for the agent. Each candidate is resolved to its link-local
// address through the device and matched against the target address if one
// is known.
func (m *Modem) findPANA(ctx context.Context, opts AuthOptions) (pana, error) {
	var (
		found pana
		ok    bool
	)
	sel := func(ctx context.Context, d PANDescription) (bool, error) {
		if ok {
			return false, nil
		}
		if opts.Scan.Select != nil && !opts.Scan.Select(d) {
			return false, nil
		}
		addr, err := m.LinkLocalAddress(ctx, d.MAC)
		if err != nil {
			return false, err
		}
		if opts.PeerAddr.IsValid() && addr != opts.PeerAddr {
			m.logger.Debug("skipping PAN", "addr", addr, "want", opts.PeerAddr)
			return false, nil
		}
		found = pana{addr: addr, mac: d.MAC, channel: d.Channel, panID: d.PANID}
		ok = true
		return true, nil
	}

	if _, err := m.activeScan(ctx, opts.Scan.Durations, sel); err != nil {
		return pana{}, fmt.Errorf("active scan: %w", err)
	}
	if !ok {
		return pana{}, ErrPANANotFound
	}
	m.logger.Info("found PANA authentication agent", "addr", found.addr, "channel", found.channel, "pan_id", found.panID)
	return found, nil
}

// configureRadio writes channel and PAN ID, skipping registers that already
// hold the value.
func (m *Modem) configureRadio(ctx context.Context, channel uint8, panID uint16) error {
	cur, err := m.Channel(ctx)
	if err != nil {
		return err
	}
	if cur != channel {
		if err := m.SetChannel(ctx, channel); err != nil {
			return err
		}
	}

	curPAN, err := m.PANID(ctx)
	if err != nil {
		return err
	}
	if curPAN != panID {
		if err := m.SetPANID(ctx, panID); err != nil {
			return err
		}
	}
	return nil
}

func isJoinOutcome(ev Event) bool {
	return ev.Number == sk.EventPANAConnectionComplete || ev.Number == sk.EventPANAConnectionFailed
}

// join runs SKJOIN or SKREJOIN and waits for EVENT 24 or 25 while holding
// the engine, so no other command can interleave with the handshake.
func (m *Modem) join(ctx context.Context, event string, cmd Command, info SessionInfo) (SessionInfo, Response[None], error) {
	release, err := m.engine.acquire(ctx)
	if err != nil {
		return SessionInfo{}, Response[None]{}, err
	}
	defer release()

	if err := m.session.transition(ctx, event, nil); err != nil {
		return SessionInfo{}, Response[None]{}, fmt.Errorf("%w: %w", ErrSessionAlreadyEstablished, err)
	}

	w := m.engine.listenFor(isJoinOutcome)
	defer m.engine.stopListening()

	fail := func(resp Response[None], err error) (SessionInfo, Response[None], error) {
		if terr := m.session.transition(ctx, evJoinFailed, nil); terr != nil {
			m.logger.Warn("session transition failed", "event", evJoinFailed, "error", terr)
		}
		return SessionInfo{}, resp, err
	}

	resp, err := exchange[None](ctx, m.engine, cmd, nil)
	if err != nil {
		return fail(resp, err)
	}
	ev, err := w.wait(ctx, m.engine)
	if err != nil {
		return fail(resp, fmt.Errorf("%s: %w", cmd.name, err))
	}
	if ev.Number != sk.EventPANAConnectionComplete {
		return fail(resp, &SessionEstablishmentError{Event: ev.Number, Address: ev.Sender})
	}

	info.PeerAddr = ev.Sender
	if mac, err := sk.MACFromLinkLocal(ev.Sender); err == nil {
		info.PeerMAC = mac
	}
	if err := m.session.transition(ctx, evJoined, &info); err != nil {
		return SessionInfo{}, resp, err
	}
	return info, resp, nil
}

// Rejoin re-authenticates with the agent of the configured session without
// reprogramming credentials or radio settings. It returns the agent's
// address.
func (m *Modem) Rejoin(ctx context.Context) (netip.Addr, Response[None], error) {
	if err := m.ready(); err != nil {
		return netip.Addr{}, Response[None]{}, err
	}
	info, resp, err := m.join(ctx, evRejoin, NewCommand("SKREJOIN"), m.session.lastInfo())
	if err != nil {
		return netip.Addr{}, resp, err
	}
	return info.PeerAddr, resp, nil
}

func isTermOutcome(ev Event) bool {
	return ev.Number == sk.EventSessionTerminated || ev.Number == sk.EventTerminationTimedOut
}

// Terminate ends the session. It returns true when the agent acknowledged
// the termination and false when the device gave up waiting for it; either
// way the session is over.
//
// A FAIL status leaves the session established.
func (m *Modem) Terminate(ctx context.Context) (bool, error) {
	if err := m.ready(); err != nil {
		return false, err
	}
	if err := m.session.require(); err != nil {
		return false, err
	}

	release, err := m.engine.acquire(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	if err := m.session.transition(ctx, evTerminate, nil); err != nil {
		return false, fmt.Errorf("%w: %w", ErrSessionNotEstablished, err)
	}

	w := m.engine.listenFor(isTermOutcome)
	defer m.engine.stopListening()

	if _, err := exchange[None](ctx, m.engine, NewCommand("SKTERM"), nil); err != nil {
		if terr := m.session.transition(ctx, evTermRejected, nil); terr != nil {
			m.logger.Warn("session transition failed", "event", evTermRejected, "error", terr)
		}
		return false, err
	}

	ev, err := w.wait(ctx, m.engine)
	if err != nil {
		if terr := m.session.transition(ctx, evTermTimeout, nil); terr != nil {
			m.logger.Warn("session transition failed", "event", evTermTimeout, "error", terr)
		}
		return false, fmt.Errorf("SKTERM: %w", err)
	}

	if ev.Number == sk.EventSessionTerminated {
		return true, m.session.transition(ctx, evTerminated, nil)
	}
	return false, m.session.transition(ctx, evTermTimeout, nil)
}
