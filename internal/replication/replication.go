// Package replication keeps one state.Snapshot in sync across processes on
// a host.
//
// The first process to bind the claim address becomes the Sender. Later
// processes find the address taken, connect to it and become Receivers. The
// TCP connection is only a membership channel: a receiver announces the UDP
// port it reads on, and the sender streams one datagram per snapshot to
// every announced port. A receiver whose connection drops keeps its role and
// reconnects in the background.
package replication

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/logger"
	"github.com/bryanchriswhite/FrameSync/internal/mailbox"
	"github.com/bryanchriswhite/FrameSync/internal/state"
	"github.com/rs/zerolog"
)

var (
	// ErrRoleClaim is returned when the process can neither claim the sender
	// role nor reach the process holding it.
	ErrRoleClaim = errors.New("replication: role claim failed")
	// ErrPacketBudget is returned when a snapshot cannot fit in one packet.
	ErrPacketBudget = errors.New("replication: snapshot exceeds packet budget")
	// ErrNotSender is returned by Publish on a receiver.
	ErrNotSender = errors.New("replication: not the sender")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("replication: closed")
)

// Role is decided once by Enable.
type Role int

const (
	Sender Role = iota + 1
	Receiver
)

func (r Role) String() string {
	switch r {
	case Sender:
		return "sender"
	case Receiver:
		return "receiver"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// MarshalText reports the role by name.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// Config configures Enable.
type Config struct {
	// ClaimAddress is the TCP address whose owner is the sender.
	ClaimAddress string
	// DataAddress is the local UDP address snapshots are sent from or
	// received on.
	DataAddress string
	// MaxPacketSize bounds one snapshot datagram, header included.
	MaxPacketSize int
	// ReconnectInterval is the pause between a receiver's attempts to
	// re-register with a sender.
	ReconnectInterval time.Duration
	// HandshakeTimeout bounds the membership handshake.
	HandshakeTimeout time.Duration
}

// DefaultConfig returns the loopback defaults.
func DefaultConfig() Config {
	return Config{
		ClaimAddress:      "127.0.0.1:47600",
		DataAddress:       "127.0.0.1:0",
		MaxPacketSize:     MaxDatagramSize,
		ReconnectInterval: 500 * time.Millisecond,
		HandshakeTimeout:  2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ClaimAddress == "" {
		c.ClaimAddress = def.ClaimAddress
	}
	if c.DataAddress == "" {
		c.DataAddress = def.DataAddress
	}
	if c.MaxPacketSize == 0 {
		c.MaxPacketSize = def.MaxPacketSize
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = def.ReconnectInterval
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	return c
}

// Stats are counters for one handle.
type Stats struct {
	Role    Role   `json:"role"`
	Session uint64 `json:"session"`
	// Receivers is the number of registered receivers on a sender, and 1 or
	// 0 on a receiver depending on whether it is registered.
	Receivers  int    `json:"receivers"`
	Published  uint64 `json:"published"`
	SendErrors uint64 `json:"send_errors"`
	// Accepted packets passed validation; Received were applied by Receive.
	Accepted uint64 `json:"accepted"`
	Received uint64 `json:"received"`
	Rejected uint64 `json:"rejected"`
	Stale    uint64 `json:"stale"`
	// Dropped snapshots were replaced by a newer one before Receive ran.
	Dropped uint64 `json:"dropped"`
}

// Handle is an enabled replication session.
type Handle struct {
	role Role
	cfg  Config
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	udp *net.UDPConn

	// sender
	session  uint64
	listener net.Listener
	mu       sync.Mutex
	peers    map[net.Conn]*net.UDPAddr
	sequence uint64
	packet   []byte

	// receiver
	inbox        *mailbox.Mailbox[*state.Snapshot]
	control      net.Conn
	lastSession  uint64
	lastSequence uint64
	haveSequence bool
	// the session replaced by lastSession; its late datagrams are stale
	prevSession  uint64

	published  atomic.Uint64
	sendErrors atomic.Uint64
	accepted   atomic.Uint64
	received   atomic.Uint64
	rejected   atomic.Uint64
	stale      atomic.Uint64

	closeOnce sync.Once
}

// Enable claims a role and starts replication. A nil logger uses the
// package logger. On error the returned handle is nil and the caller should
// stop.
func Enable(ctx context.Context, cfg Config, log *zerolog.Logger) (*Handle, error) {
	cfg = cfg.withDefaults()
	if err := CheckBudget(cfg.MaxPacketSize); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.WithComponent("replication")
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{
		cfg:    cfg,
		log:    *log,
		ctx:    ctx,
		cancel: cancel,
	}

	listener, err := net.Listen("tcp", cfg.ClaimAddress)
	switch {
	case err == nil:
		if err := h.startSender(listener); err != nil {
			cancel()
			listener.Close()
			return nil, err
		}
	case errors.Is(err, syscall.EADDRINUSE):
		if err := h.startReceiver(); err != nil {
			cancel()
			return nil, err
		}
	default:
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrRoleClaim, err)
	}

	h.log.Info().
		Str("claim", cfg.ClaimAddress).
		Str("data", h.udp.LocalAddr().String()).
		Msg("Replication enabled")
	return h, nil
}

// IsSender reports whether this process owns the snapshot.
func (h *Handle) IsSender() bool {
	return h.role == Sender
}

// Role returns the role decided by Enable.
func (h *Handle) Role() Role {
	return h.role
}

// Stats returns a snapshot of the handle's counters.
func (h *Handle) Stats() Stats {
	st := Stats{
		Role:       h.role,
		Published:  h.published.Load(),
		SendErrors: h.sendErrors.Load(),
		Accepted:   h.accepted.Load(),
		Received:   h.received.Load(),
		Rejected:   h.rejected.Load(),
		Stale:      h.stale.Load(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.role == Sender {
		st.Session = h.session
		st.Receivers = len(h.peers)
	} else {
		st.Session = h.lastSession
		if h.control != nil {
			st.Receivers = 1
		}
		st.Dropped = h.inbox.Drops()
	}
	return st
}

// Close stops replication and releases its sockets. A closed sender frees
// the claim address for the next process.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()

		h.mu.Lock()
		if h.listener != nil {
			h.listener.Close()
		}
		for conn := range h.peers {
			conn.Close()
		}
		if h.control != nil {
			h.control.Close()
		}
		h.mu.Unlock()

		h.udp.Close()
		h.wg.Wait()
		if h.inbox != nil {
			h.inbox.Close()
		}
		h.log.Info().Msg("Replication closed")
	})
	return nil
}

// setRole records the role and tags the logger with it. It runs before any
// background goroutine starts; h.role and h.log are read-only afterwards.
func (h *Handle) setRole(role Role) {
	h.role = role
	h.log = h.log.With().Str("role", role.String()).Logger()
}

func (h *Handle) closed() bool {
	return h.ctx.Err() != nil
}

func listenUDP(address string) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}
	return net.ListenUDP("udp", addr)
}

func newSessionID() uint64 {
	for {
		if id := rand.Uint64(); id != 0 {
			return id
		}
	}
}
