package replication

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/mailbox"
	"github.com/bryanchriswhite/FrameSync/internal/state"
)

const receiveBuffer = 4 << 20

func (h *Handle) startReceiver() error {
	udp, err := listenUDP(h.cfg.DataAddress)
	if err != nil {
		return fmt.Errorf("replication: bind data socket: %w", err)
	}
	if err := udp.SetReadBuffer(receiveBuffer); err != nil {
		h.log.Debug().Err(err).Msg("Could not enlarge the UDP receive buffer")
	}

	h.udp = udp
	h.setRole(Receiver)
	h.inbox = mailbox.New[*state.Snapshot]()

	// The first registration decides the role: if nobody answers on the
	// claim address, this process cannot be a receiver either.
	conn, err := h.register()
	if err != nil {
		udp.Close()
		return fmt.Errorf("%w: claim address %s is taken but no sender answered: %v", ErrRoleClaim, h.cfg.ClaimAddress, err)
	}
	h.control = conn

	h.wg.Add(2)
	go h.readLoop()
	go h.controlLoop(conn)
	return nil
}

// register dials the sender and announces this receiver's UDP port.
func (h *Handle) register() (net.Conn, error) {
	dialer := net.Dialer{Timeout: h.cfg.HandshakeTimeout}
	conn, err := dialer.DialContext(h.ctx, "tcp", h.cfg.ClaimAddress)
	if err != nil {
		return nil, err
	}

	conn.SetDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	hello := make([]byte, helloSize)
	if _, err := io.ReadFull(conn, hello); err != nil {
		conn.Close()
		return nil, err
	}
	if [4]byte(hello[0:4]) != packetMagic {
		conn.Close()
		return nil, errBadMagic
	}

	announce := make([]byte, announceSize)
	copy(announce[0:4], packetMagic[:])
	binary.LittleEndian.PutUint16(announce[4:6], uint16(h.udp.LocalAddr().(*net.UDPAddr).Port))
	if _, err := conn.Write(announce); err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})

	h.log.Debug().
		Uint64("session", binary.LittleEndian.Uint64(hello[4:12])).
		Msg("Registered with sender")
	return conn, nil
}

// controlLoop holds the registration open and re-registers whenever the
// sender goes away. The role never changes.
func (h *Handle) controlLoop(conn net.Conn) {
	defer h.wg.Done()

	for {
		io.Copy(io.Discard, conn)
		conn.Close()

		h.mu.Lock()
		h.control = nil
		h.mu.Unlock()
		if h.closed() {
			return
		}
		h.log.Warn().Msg("Lost the sender, waiting for a new one")

		for {
			select {
			case <-h.ctx.Done():
				return
			case <-time.After(h.cfg.ReconnectInterval):
			}

			next, err := h.register()
			if err != nil {
				h.log.Trace().Err(err).Msg("Sender not reachable yet")
				continue
			}

			h.mu.Lock()
			if h.closed() {
				h.mu.Unlock()
				next.Close()
				return
			}
			h.control = next
			h.mu.Unlock()

			h.log.Info().Msg("Re-registered with sender")
			conn = next
			break
		}
	}
}

// readLoop validates datagrams and keeps the newest good snapshot in the
// inbox.
func (h *Handle) readLoop() {
	defer h.wg.Done()

	buf := make([]byte, h.cfg.MaxPacketSize+1)
	for {
		n, _, err := h.udp.ReadFromUDP(buf)
		if err != nil {
			if h.closed() || errors.Is(err, net.ErrClosed) {
				return
			}
			h.log.Warn().Err(err).Msg("Datagram read failed")
			continue
		}

		snap, err := h.accept(buf[:n])
		if err != nil {
			h.log.Debug().Err(err).Int("bytes", n).Msg("Packet rejected")
			continue
		}
		if snap != nil {
			h.inbox.Put(snap)
		}
	}
}

// accept checks one packet. It returns nil without error for stale
// sequence numbers.
func (h *Handle) accept(pkt []byte) (*state.Snapshot, error) {
	hdr, payload, err := decodePacket(pkt)
	if err != nil {
		h.rejected.Add(1)
		return nil, err
	}

	h.mu.Lock()
	stale := h.haveSequence && hdr.session == h.lastSession && hdr.sequence <= h.lastSequence
	retired := h.prevSession != 0 && hdr.session == h.prevSession
	if stale || retired {
		h.mu.Unlock()
		h.stale.Add(1)
		return nil, nil
	}
	h.mu.Unlock()

	snap := new(state.Snapshot)
	if err := snap.UnmarshalBinary(payload); err != nil {
		h.rejected.Add(1)
		return nil, err
	}

	h.mu.Lock()
	if hdr.session != h.lastSession {
		if h.haveSequence {
			h.prevSession = h.lastSession
		}
		h.log.Info().Uint64("session", hdr.session).Msg("Receiving a new sender session")
	}
	h.lastSession = hdr.session
	h.lastSequence = hdr.sequence
	h.haveSequence = true
	h.mu.Unlock()

	h.accepted.Add(1)
	return snap, nil
}

// Receive replaces *dst with the newest snapshot, waiting up to wait for one
// to arrive (wait <= 0 does not block). It returns false and leaves dst
// untouched when nothing new arrived.
func (h *Handle) Receive(dst *state.Snapshot, wait time.Duration) bool {
	if h.role != Receiver {
		return false
	}
	snap, ok, _ := h.inbox.Take(wait)
	if !ok {
		return false
	}
	*dst = *snap
	h.received.Add(1)
	return true
}
