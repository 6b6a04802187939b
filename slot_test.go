package ptadapter

import (
	"fmt"
	"testing"
	"time"
)

func TestTransportSlotReady(t *testing.T) {
	s := newTransportSlot()
	s.resolveReady("hello")
	v, state, err := s.wait()
	if state != slotReady || err != nil || v != "hello" {
		t.Fatalf("wait() = (%v, %v, %v)", v, state, err)
	}
	got, err := s.result("t")
	if err != nil || got != "hello" {
		t.Fatalf("result() = (%v, %v)", got, err)
	}
}

func TestTransportSlotFailed(t *testing.T) {
	s := newTransportSlot()
	wantErr := fmt.Errorf("boom")
	s.resolveFailed(wantErr)
	_, err := s.result("t")
	if err != wantErr {
		t.Fatalf("result() err = %v, want %v", err, wantErr)
	}
}

func TestTransportSlotPendingResult(t *testing.T) {
	s := newTransportSlot()
	if _, err := s.result("t"); err == nil {
		t.Fatal("expected StateError for a pending slot")
	}
}

func TestTransportSlotSingleAssignment(t *testing.T) {
	s := newTransportSlot()
	s.resolveReady("first")
	s.resolveReady("second")
	v, _, _ := s.wait()
	if v != "first" {
		t.Fatalf("second resolve() must be a no-op, got %v", v)
	}
}

func TestTransportSlotWaitBlocksUntilResolved(t *testing.T) {
	s := newTransportSlot()
	done := make(chan struct{})
	go func() {
		s.wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("wait() returned before the slot was resolved")
	case <-time.After(20 * time.Millisecond):
	}
	s.resolveReady("now")
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wait() did not return after resolution")
	}
}
