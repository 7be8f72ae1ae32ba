package replication

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/state"
)

// Membership handshake on the claim connection:
//
//	sender   -> receiver: magic, session uint64
//	receiver -> sender:   magic, UDP port uint16
const (
	helloSize    = 12
	announceSize = 6
)

func (h *Handle) startSender(listener net.Listener) error {
	udp, err := listenUDP(h.cfg.DataAddress)
	if err != nil {
		return fmt.Errorf("replication: bind data socket: %w", err)
	}

	h.setRole(Sender)
	h.session = newSessionID()
	h.listener = listener
	h.udp = udp
	h.peers = make(map[net.Conn]*net.UDPAddr)
	h.packet = make([]byte, 0, PacketSize)

	h.wg.Add(1)
	go h.acceptLoop()
	return nil
}

func (h *Handle) acceptLoop() {
	defer h.wg.Done()
	for {
		conn, err := h.listener.Accept()
		if err != nil {
			if !h.closed() {
				h.log.Error().Err(err).Msg("Accept failed, no further receivers can join")
			}
			return
		}
		h.wg.Add(1)
		go h.serveReceiver(conn)
	}
}

// serveReceiver registers one receiver and keeps it registered until its
// connection closes.
func (h *Handle) serveReceiver(conn net.Conn) {
	defer h.wg.Done()
	defer conn.Close()

	addr, err := h.handshakeReceiver(conn)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("Receiver handshake failed")
		return
	}

	h.mu.Lock()
	if h.closed() {
		h.mu.Unlock()
		return
	}
	h.peers[conn] = addr
	count := len(h.peers)
	h.mu.Unlock()
	h.log.Info().Str("receiver", addr.String()).Int("receivers", count).Msg("Receiver registered")

	// Nothing more is sent on this connection; EOF means the receiver left.
	io.Copy(io.Discard, conn)

	h.mu.Lock()
	delete(h.peers, conn)
	count = len(h.peers)
	h.mu.Unlock()
	h.log.Info().Str("receiver", addr.String()).Int("receivers", count).Msg("Receiver left")
}

func (h *Handle) handshakeReceiver(conn net.Conn) (*net.UDPAddr, error) {
	conn.SetDeadline(time.Now().Add(h.cfg.HandshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	hello := make([]byte, helloSize)
	copy(hello[0:4], packetMagic[:])
	binary.LittleEndian.PutUint64(hello[4:12], h.session)
	if _, err := conn.Write(hello); err != nil {
		return nil, err
	}

	announce := make([]byte, announceSize)
	if _, err := io.ReadFull(conn, announce); err != nil {
		return nil, err
	}
	if [4]byte(announce[0:4]) != packetMagic {
		return nil, errBadMagic
	}
	port := binary.LittleEndian.Uint16(announce[4:6])
	if port == 0 {
		return nil, errors.New("replication: receiver announced port 0")
	}

	tcp, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return nil, fmt.Errorf("replication: unexpected remote address %v", conn.RemoteAddr())
	}
	return &net.UDPAddr{IP: tcp.IP, Port: int(port), Zone: tcp.Zone}, nil
}

// Publish sends s to every registered receiver as one datagram each. There
// is no retry and no acknowledgement; a lost datagram is superseded by the
// next one.
func (h *Handle) Publish(s *state.Snapshot) error {
	if h.role != Sender {
		return ErrNotSender
	}
	if h.closed() {
		return ErrClosed
	}

	h.mu.Lock()
	h.sequence++
	seq := h.sequence
	pkt, err := encodePacket(h.packet[:0], packetHeader{session: h.session, sequence: seq}, s)
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.packet = pkt
	if len(pkt) > h.cfg.MaxPacketSize {
		h.mu.Unlock()
		return fmt.Errorf("%w: packet of %d bytes", ErrPacketBudget, len(pkt))
	}
	targets := make([]*net.UDPAddr, 0, len(h.peers))
	for _, addr := range h.peers {
		targets = append(targets, addr)
	}

	for _, addr := range targets {
		if _, err := h.udp.WriteToUDP(pkt, addr); err != nil {
			h.sendErrors.Add(1)
			h.log.Debug().Err(err).Str("receiver", addr.String()).Msg("Datagram send failed")
		}
	}
	h.mu.Unlock()

	h.published.Add(1)
	h.log.Trace().Uint64("sequence", seq).Int("receivers", len(targets)).Msg("Snapshot published")
	return nil
}
