package fscp_test

import (
	"errors"
	"testing"

	"github.com/freelan-go/freelan/internal/fscp"
)

func TestSessionIndexAllocatorStartsAtOne(t *testing.T) {
	t.Parallel()
	var a fscp.SessionIndexAllocator
	idx, err := a.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if idx != 1 {
		t.Errorf("first index = %d, want 1", idx)
	}
}

func TestSessionIndexAllocatorStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	var a fscp.SessionIndexAllocator
	first, _ := a.Next()
	second, _ := a.Next()
	if second <= first {
		t.Errorf("second index %d must be strictly greater than first %d", second, first)
	}
}

func TestSessionIndexAllocatorAcceptRejectsNonIncreasing(t *testing.T) {
	t.Parallel()
	var a fscp.SessionIndexAllocator
	if !a.Accept(5) {
		t.Fatal("first Accept should always succeed")
	}
	if a.Accept(5) {
		t.Error("Accept must reject a repeated index")
	}
	if a.Accept(3) {
		t.Error("Accept must reject a lower index")
	}
	if !a.Accept(6) {
		t.Error("Accept must allow a strictly greater index")
	}
}

func TestSessionIndexAllocatorExhaustion(t *testing.T) {
	t.Parallel()
	a := fscp.SessionIndexAllocator{}
	a.Accept(^uint32(0))
	_, err := a.Next()
	if !errors.Is(err, fscp.ErrSessionIndexExhausted) {
		t.Errorf("Next at max value: err = %v, want ErrSessionIndexExhausted", err)
	}
}
