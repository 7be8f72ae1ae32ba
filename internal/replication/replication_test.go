package replication

import (
	"bytes"
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"testing"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/logger"
	"github.com/bryanchriswhite/FrameSync/internal/mailbox"
	"github.com/bryanchriswhite/FrameSync/internal/state"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func testConfig(claim string) Config {
	cfg := DefaultConfig()
	cfg.ClaimAddress = claim
	cfg.ReconnectInterval = 20 * time.Millisecond
	cfg.HandshakeTimeout = 500 * time.Millisecond
	return cfg
}

func enable(t *testing.T, cfg Config) *Handle {
	t.Helper()
	h, err := Enable(context.Background(), cfg, logger.Nop())
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestReceiver() *Handle {
	return &Handle{
		role:  Receiver,
		log:   *logger.Nop(),
		inbox: mailbox.New[*state.Snapshot](),
	}
}

func randomSnapshot(r *rand.Rand) *state.Snapshot {
	s := &state.Snapshot{
		Tick:          r.Uint64(),
		Time:          r.Float64() * 1e6,
		Color:         r.Float32(),
		RotationAngle: r.Float32() * 100,
		FrameCount:    r.Int32(),
	}
	if r.IntN(4) != 0 {
		w := 1 + r.IntN(state.MaxFrameWidth)
		h := 1 + r.IntN(state.MaxFrameHeight)
		pixels := make([]byte, w*h*4)
		for i := range pixels {
			pixels[i] = byte(r.UintN(256))
		}
		s.Frame.Set(w, h, pixels)
	}
	return s
}

func TestPacketsFitTheBudget(t *testing.T) {
	r := rand.New(rand.NewPCG(1, 2))
	limit := DefaultConfig().MaxPacketSize

	for i := 0; i < 200; i++ {
		snap := randomSnapshot(r)
		pkt, err := encodePacket(nil, packetHeader{session: 1, sequence: uint64(i + 1)}, snap)
		if err != nil {
			t.Fatalf("iteration %d: encodePacket: %v", i, err)
		}
		if len(pkt) != PacketSize || len(pkt) > limit {
			t.Fatalf("iteration %d: packet is %d bytes, budget %d", i, len(pkt), limit)
		}

		hdr, payload, err := decodePacket(pkt)
		if err != nil {
			t.Fatalf("iteration %d: decodePacket: %v", i, err)
		}
		if hdr.sequence != uint64(i+1) {
			t.Errorf("iteration %d: sequence %d", i, hdr.sequence)
		}
		var got state.Snapshot
		if err := got.UnmarshalBinary(payload); err != nil {
			t.Fatalf("iteration %d: UnmarshalBinary: %v", i, err)
		}
		if got != *snap {
			t.Fatalf("iteration %d: snapshot changed in transit (tick %d/%d)", i, got.Tick, snap.Tick)
		}
	}
}

func TestCheckBudget(t *testing.T) {
	tests := []struct {
		size int
		ok   bool
	}{
		{PacketSize - 1, false},
		{PacketSize, true},
		{MaxDatagramSize, true},
		{MaxDatagramSize + 1, false},
		{1400, false},
	}
	for _, tc := range tests {
		err := CheckBudget(tc.size)
		if tc.ok && err != nil {
			t.Errorf("CheckBudget(%d) = %v", tc.size, err)
		}
		if !tc.ok && !errors.Is(err, ErrPacketBudget) {
			t.Errorf("CheckBudget(%d) = %v, want ErrPacketBudget", tc.size, err)
		}
	}
}

func TestEnableFailsFastOnPacketBudget(t *testing.T) {
	claim := freeAddr(t)
	cfg := testConfig(claim)
	cfg.MaxPacketSize = 1400

	h, err := Enable(context.Background(), cfg, logger.Nop())
	if !errors.Is(err, ErrPacketBudget) {
		t.Fatalf("Enable = %v, want ErrPacketBudget", err)
	}
	if h != nil {
		t.Fatal("Enable returned a handle with an error")
	}

	// the claim address was never bound
	l, err := net.Listen("tcp", claim)
	if err != nil {
		t.Fatalf("claim address left bound: %v", err)
	}
	l.Close()
}

func TestSplicedPacketIsRejected(t *testing.T) {
	a := &state.Snapshot{Tick: 1, FrameCount: 1}
	a.Frame.Set(64, 64, bytes.Repeat([]byte{0x11}, 64*64*4))
	b := &state.Snapshot{Tick: 2, FrameCount: 2}
	b.Frame.Set(64, 64, bytes.Repeat([]byte{0x22}, 64*64*4))

	pa, _ := encodePacket(nil, packetHeader{session: 9, sequence: 1}, a)
	pb, _ := encodePacket(nil, packetHeader{session: 9, sequence: 2}, b)

	half := len(pa) / 2
	spliced := append(append([]byte(nil), pa[:half]...), pb[half:]...)

	h := newTestReceiver()
	if _, err := h.accept(spliced); !errors.Is(err, errBadChecksum) {
		t.Fatalf("accept(spliced) = %v, want checksum error", err)
	}

	local := state.Snapshot{Tick: 77, FrameCount: 77}
	if h.Receive(&local, 0) {
		t.Fatal("Receive applied a spliced packet")
	}
	if local.Tick != 77 || local.FrameCount != 77 {
		t.Errorf("local snapshot modified: tick %d count %d", local.Tick, local.FrameCount)
	}
	if st := h.Stats(); st.Rejected != 1 {
		t.Errorf("Rejected = %d, want 1", st.Rejected)
	}
}

func TestCorruptPacketsAreRejected(t *testing.T) {
	good, _ := encodePacket(nil, packetHeader{session: 1, sequence: 1}, &state.Snapshot{Tick: 1})

	corrupt := func(mutate func([]byte) []byte) []byte {
		return mutate(append([]byte(nil), good...))
	}
	tests := []struct {
		name string
		pkt  []byte
		want error
	}{
		{"short", good[:HeaderSize-1], errShortPacket},
		{"magic", corrupt(func(p []byte) []byte { p[0] = 'X'; return p }), errBadMagic},
		{"version", corrupt(func(p []byte) []byte { p[4] = 9; return p }), errBadVersion},
		{"truncated", good[:len(good)-1], errBadLength},
		{"payload bit flip", corrupt(func(p []byte) []byte { p[HeaderSize+3] ^= 1; return p }), errBadChecksum},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := decodePacket(tc.pkt); !errors.Is(err, tc.want) {
				t.Errorf("decodePacket = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestStaleSequencesAreDropped(t *testing.T) {
	h := newTestReceiver()
	packet := func(session, seq uint64) []byte {
		p, _ := encodePacket(nil, packetHeader{session: session, sequence: seq}, &state.Snapshot{Tick: seq})
		return p
	}

	if s, err := h.accept(packet(1, 5)); s == nil || err != nil {
		t.Fatalf("first packet = %v, %v", s, err)
	}
	for _, seq := range []uint64{5, 4} {
		if s, err := h.accept(packet(1, seq)); s != nil || err != nil {
			t.Errorf("sequence %d accepted after 5", seq)
		}
	}
	// a restarted sender starts a new session at sequence 1
	if s, err := h.accept(packet(2, 1)); s == nil || err != nil {
		t.Errorf("new session rejected: %v", err)
	}
	// late datagrams from the replaced session must not switch back
	if s, _ := h.accept(packet(1, 99)); s != nil {
		t.Error("late packet from the replaced session accepted")
	}
	if s, err := h.accept(packet(2, 2)); s == nil || err != nil {
		t.Errorf("current session stalled after a late packet: %v", err)
	}
	if st := h.Stats(); st.Stale != 3 || st.Accepted != 3 {
		t.Errorf("stats = stale %d accepted %d", st.Stale, st.Accepted)
	}
}

func TestRoleExclusivity(t *testing.T) {
	cfg := testConfig(freeAddr(t))

	a := enable(t, cfg)
	if !a.IsSender() || a.Role() != Sender {
		t.Fatalf("first process role = %s", a.Role())
	}
	b, err := Enable(context.Background(), cfg, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	c := enable(t, cfg)
	if b.IsSender() || c.IsSender() {
		t.Fatal("second sender admitted")
	}
	waitFor(t, "two receivers", func() bool { return a.Stats().Receivers == 2 })

	// a restarted receiver comes back as a receiver
	b.Close()
	waitFor(t, "receiver to leave", func() bool { return a.Stats().Receivers == 1 })
	d := enable(t, cfg)
	if d.IsSender() {
		t.Fatal("restarted receiver became a sender")
	}
	waitFor(t, "restarted receiver", func() bool { return a.Stats().Receivers == 2 })
	if !a.IsSender() {
		t.Error("sender lost its role")
	}

	// once the sender exits, the next process claims the role and the
	// remaining receivers register with it
	a.Close()
	e := enable(t, cfg)
	if !e.IsSender() {
		t.Fatal("address freed by the sender was not claimed")
	}
	waitFor(t, "receivers to re-register", func() bool { return e.Stats().Receivers == 2 })
	if c.IsSender() || d.IsSender() {
		t.Error("receiver changed role")
	}
}

func TestClaimFailsWhenAddressHeldByStranger(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	h, err := Enable(context.Background(), testConfig(l.Addr().String()), logger.Nop())
	if !errors.Is(err, ErrRoleClaim) {
		t.Fatalf("Enable = %v, want ErrRoleClaim", err)
	}
	if h != nil {
		t.Error("handle returned with error")
	}
}

func TestRoleSpecificOperations(t *testing.T) {
	cfg := testConfig(freeAddr(t))
	snd := enable(t, cfg)
	rcv := enable(t, cfg)

	var s state.Snapshot
	if snd.Receive(&s, 0) {
		t.Error("sender received a snapshot")
	}
	if err := rcv.Publish(&s); !errors.Is(err, ErrNotSender) {
		t.Errorf("receiver Publish = %v, want ErrNotSender", err)
	}
}

func TestEndToEndHundredTicks(t *testing.T) {
	cfg := testConfig(freeAddr(t))
	snd := enable(t, cfg)
	rcv := enable(t, cfg)
	waitFor(t, "registration", func() bool { return snd.Stats().Receivers == 1 })

	var src, dst state.Snapshot
	last := int32(-1)
	for tick := 1; tick <= 100; tick++ {
		src.Tick++
		src.FrameCount++
		src.Color = float32(tick%100) / 100
		if err := snd.Publish(&src); err != nil {
			t.Fatalf("tick %d: Publish: %v", tick, err)
		}

		if tick%2 == 0 && rcv.Receive(&dst, 10*time.Millisecond) {
			if dst.FrameCount < last {
				t.Fatalf("tick %d: counter went back from %d to %d", tick, last, dst.FrameCount)
			}
			if uint64(dst.FrameCount) != dst.Tick {
				t.Fatalf("tick %d: torn snapshot, count %d tick %d", tick, dst.FrameCount, dst.Tick)
			}
			last = dst.FrameCount
		}
	}

	waitFor(t, "the final snapshot", func() bool {
		rcv.Receive(&dst, 10*time.Millisecond)
		return dst.FrameCount == 100
	})
	if dst.Tick != 100 {
		t.Errorf("Tick = %d, want 100", dst.Tick)
	}
	if st := snd.Stats(); st.Published != 100 {
		t.Errorf("Published = %d", st.Published)
	}
}

func TestReceiversJoinWhilePublishing(t *testing.T) {
	cfg := testConfig(freeAddr(t))
	snd := enable(t, cfg)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		var snap state.Snapshot
		for {
			select {
			case <-stop:
				return
			default:
			}
			snap.Tick++
			if err := snd.Publish(&snap); err != nil {
				t.Errorf("Publish: %v", err)
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	defer func() {
		close(stop)
		<-done
	}()

	for i := 0; i < 5; i++ {
		rcv, err := Enable(context.Background(), cfg, logger.Nop())
		if err != nil {
			t.Fatalf("receiver %d: Enable: %v", i, err)
		}
		if rcv.Role() != Receiver {
			t.Fatalf("receiver %d: role = %s", i, rcv.Role())
		}
		var dst state.Snapshot
		waitFor(t, "a snapshot", func() bool { return rcv.Receive(&dst, 10*time.Millisecond) })
		rcv.Close()
	}
}
