package state

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestEncodedSizeIsConstant(t *testing.T) {
	var empty Snapshot
	full := Snapshot{Tick: 1 << 60, Time: 12.5, Color: 0.75, RotationAngle: 3, FrameCount: -4}
	rgba := bytes.Repeat([]byte{1, 2, 3, 4}, MaxFrameWidth*MaxFrameHeight)
	if !full.Frame.Set(MaxFrameWidth, MaxFrameHeight, rgba) {
		t.Fatal("max-size frame rejected")
	}

	for name, s := range map[string]*Snapshot{"empty": &empty, "full": &full} {
		b, err := s.MarshalBinary()
		if err != nil {
			t.Fatalf("%s: MarshalBinary: %v", name, err)
		}
		if len(b) != EncodedSize {
			t.Errorf("%s: encoded %d bytes, want %d", name, len(b), EncodedSize)
		}
	}
}

func TestDecodeRestoresSnapshot(t *testing.T) {
	src := Snapshot{Tick: 42, Time: 0.7, Color: 0.42, RotationAngle: 0.84, FrameCount: 42}
	src.Frame.Set(2, 1, []byte{9, 8, 7, 6, 5, 4, 3, 2})

	b, _ := src.MarshalBinary()
	var dst Snapshot
	if err := dst.UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if dst != src {
		t.Errorf("decoded snapshot differs: tick %d/%d color %v/%v", dst.Tick, src.Tick, dst.Color, src.Color)
	}
	if got := dst.Frame.Bytes(); !bytes.Equal(got, []byte{9, 8, 7, 6, 5, 4, 3, 2}) {
		t.Errorf("frame bytes = %v", got)
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	orig := Snapshot{Tick: 7, FrameCount: 7}
	good, _ := orig.MarshalBinary()

	oversized := append([]byte(nil), good...)
	binary.LittleEndian.PutUint16(oversized[28:30], MaxFrameWidth+1)
	binary.LittleEndian.PutUint16(oversized[30:32], MaxFrameHeight)
	oversized[32] = 1

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated", good[:EncodedSize-1]},
		{"trailing bytes", append(append([]byte(nil), good...), 0)},
		{"frame larger than capacity", oversized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := Snapshot{Tick: 99, FrameCount: 99}
			if err := s.UnmarshalBinary(tc.data); err == nil {
				t.Fatal("expected error")
			}
			if s.Tick != 99 || s.FrameCount != 99 {
				t.Errorf("snapshot modified on error: tick=%d count=%d", s.Tick, s.FrameCount)
			}
		})
	}
}

func TestPixelBufferSetRejectsOversizedFrames(t *testing.T) {
	var p PixelBuffer
	p.Pixels[PixelCapacity-1] = 0xAA
	p.Loaded = true

	big := make([]byte, (MaxFrameWidth+1)*MaxFrameHeight*4)
	for i := range big {
		big[i] = 0x55
	}
	if p.Set(MaxFrameWidth+1, MaxFrameHeight, big) {
		t.Fatal("Set accepted a frame larger than the capacity")
	}
	if p.Loaded {
		t.Error("Loaded left true after a rejected Set")
	}
	if p.Pixels[PixelCapacity-1] != 0xAA {
		t.Error("rejected Set wrote into the buffer")
	}
	if p.Bytes() != nil {
		t.Error("Bytes returned data for an unloaded buffer")
	}
}

func TestReset(t *testing.T) {
	s := Snapshot{Tick: 10, Time: 1, Color: 0.5, RotationAngle: 2, FrameCount: 10}
	s.Reset()
	if s.Color != 0 || s.RotationAngle != 0 || s.FrameCount != 0 {
		t.Errorf("Reset left color=%v angle=%v count=%d", s.Color, s.RotationAngle, s.FrameCount)
	}
	if s.Tick != 10 {
		t.Errorf("Reset changed Tick to %d", s.Tick)
	}
}
