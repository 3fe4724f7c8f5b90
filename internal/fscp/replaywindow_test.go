package fscp_test

import (
	"testing"

	"github.com/freelan-go/freelan/internal/fscp"
)

func TestReplayWindowFirstMessageAlwaysAccepted(t *testing.T) {
	t.Parallel()
	var w fscp.ReplayWindow
	if !w.Accept(1000) {
		t.Fatal("first message must be accepted regardless of value")
	}
	if w.Highest() != 1000 {
		t.Errorf("Highest() = %d, want 1000", w.Highest())
	}
}

func TestReplayWindowRejectsExactReplay(t *testing.T) {
	t.Parallel()
	var w fscp.ReplayWindow
	w.Accept(5)
	if w.Accept(5) {
		t.Error("exact replay of highest must be rejected")
	}
}

func TestReplayWindowAcceptsOutOfOrderWithinWindow(t *testing.T) {
	t.Parallel()
	var w fscp.ReplayWindow
	w.Accept(10)
	if !w.Accept(8) {
		t.Error("message within the trailing window should be accepted once")
	}
	if w.Accept(8) {
		t.Error("replaying an already-accepted in-window message must be rejected")
	}
}

func TestReplayWindowRejectsTooFarBehind(t *testing.T) {
	t.Parallel()
	var w fscp.ReplayWindow
	w.Accept(1000)
	if w.Accept(1000 - 64) {
		t.Error("message exactly 64 behind highest must fall outside the window")
	}
}

func TestReplayWindowAdvancesAndResetsBitmap(t *testing.T) {
	t.Parallel()
	var w fscp.ReplayWindow
	w.Accept(100)
	if !w.Accept(200) {
		t.Fatal("forward jump beyond window size must be accepted")
	}
	if w.Accept(100) {
		t.Error("old sequence number must now fall outside the shifted window")
	}
}
