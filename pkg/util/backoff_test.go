package util

import (
	"testing"
	"time"
)

func TestBackoffDoubling(t *testing.T) {
	b := NewBackoff(time.Second, 30*time.Second)

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second, // capped
		30 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d: delay = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffResetAfterSuccess(t *testing.T) {
	b := NewBackoff(500*time.Millisecond, 10*time.Second)

	for i := 0; i < 4; i++ {
		b.Next()
	}
	if b.Delay() == b.Base {
		t.Fatal("expected backoff to have grown")
	}

	b.Reset()
	if got := b.Next(); got != 500*time.Millisecond {
		t.Errorf("after reset delay = %v, want base %v", got, 500*time.Millisecond)
	}
	if b.Attempts() != 1 {
		t.Errorf("attempts = %d, want 1", b.Attempts())
	}
}

func TestBackoffCapWithLargeN(t *testing.T) {
	b := NewBackoff(time.Second, 64*time.Second)
	for i := 0; i < 100; i++ {
		b.Next()
	}
	if got := b.Delay(); got != 64*time.Second {
		t.Errorf("delay after many failures = %v, want cap", got)
	}
}
