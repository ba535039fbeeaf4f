package client

import (
	"testing"
	"time"
)

func TestBackoffDoublesUpToCeiling(t *testing.T) {
	b := newBackoff(time.Second, 10*time.Second)

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestBackoffResetReturnsToBase(t *testing.T) {
	b := newBackoff(time.Second, 30*time.Second)
	b.Next()
	b.Next()
	b.Next()

	b.Reset()

	if got := b.Next(); got != time.Second {
		t.Errorf("expected base delay after reset, got %v", got)
	}
}

func TestBackoffDefendsDegenerateBounds(t *testing.T) {
	b := newBackoff(0, 0)
	if got := b.Next(); got != time.Second {
		t.Errorf("expected the default base, got %v", got)
	}

	b = newBackoff(5*time.Second, time.Second)
	if got := b.Next(); got != 5*time.Second {
		t.Errorf("expected base to win over a smaller ceiling, got %v", got)
	}
	if got := b.Next(); got != 5*time.Second {
		t.Errorf("expected the ceiling clamped to base, got %v", got)
	}
}
