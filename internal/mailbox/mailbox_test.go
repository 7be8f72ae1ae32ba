package mailbox

import (
	"errors"
	"testing"
	"time"
)

func TestKeepsNewestValue(t *testing.T) {
	box := New[int]()
	box.Put(1)
	box.Put(2)

	v, ok, err := box.Take(0)
	if !ok || err != nil {
		t.Fatalf("Take = %v, %v, %v", v, ok, err)
	}
	if v != 2 {
		t.Errorf("Take returned %d, want 2", v)
	}
	if box.Drops() != 1 {
		t.Errorf("Drops = %d, want 1", box.Drops())
	}

	if _, ok, err := box.Take(0); ok || err != nil {
		t.Errorf("second Take = %v, %v, want nothing", ok, err)
	}
}

func TestTakeTimesOut(t *testing.T) {
	box := New[string]()
	start := time.Now()
	if _, ok, err := box.Take(30 * time.Millisecond); ok || err != nil {
		t.Fatalf("Take = %v, %v", ok, err)
	}
	if elapsed := time.Since(start); elapsed < 25*time.Millisecond {
		t.Errorf("Take returned after %v", elapsed)
	}
}

func TestTakeWakesOnPut(t *testing.T) {
	box := New[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		box.Put(5)
	}()
	v, ok, err := box.Take(2 * time.Second)
	if !ok || err != nil || v != 5 {
		t.Fatalf("Take = %v, %v, %v", v, ok, err)
	}
}

func TestClose(t *testing.T) {
	box := New[int]()
	box.Put(1)
	box.Close()
	box.Put(2)

	if v, ok, _ := box.Take(0); !ok || v != 1 {
		t.Errorf("pending value lost on close: %v, %v", v, ok)
	}
	if _, _, err := box.Take(time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Take after close = %v, want ErrClosed", err)
	}
}

func TestCloseWakesWaiter(t *testing.T) {
	box := New[int]()
	go func() {
		time.Sleep(10 * time.Millisecond)
		box.Close()
	}()
	start := time.Now()
	if _, _, err := box.Take(5 * time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Take = %v, want ErrClosed", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Close did not wake the waiter")
	}
}
