package client

import (
	"testing"
	"time"
)

func TestBackoffGrowsToCap(t *testing.T) {
	b := &ExponentialBackoff{Base: 50 * time.Millisecond, Max: 300 * time.Millisecond, Factor: 3}

	want := []time.Duration{
		50 * time.Millisecond,
		150 * time.Millisecond,
		300 * time.Millisecond,
		300 * time.Millisecond,
	}
	for retry, w := range want {
		if got := b.Delay(retry); got != w {
			t.Errorf("retry %d: got %v, want %v", retry, got, w)
		}
	}
	if got := b.Delay(-1); got != b.Base {
		t.Errorf("negative retry: got %v, want base %v", got, b.Base)
	}
	if got := b.Delay(1000); got != b.Max {
		t.Errorf("huge retry: got %v, want max %v", got, b.Max)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	tests := []struct {
		random float64
		want   time.Duration
	}{
		{0, 160 * time.Millisecond},
		{0.5, 200 * time.Millisecond},
		{0.75, 220 * time.Millisecond},
	}
	for _, tt := range tests {
		b := DefaultBackoff()
		b.random = func() float64 { return tt.random }
		if got := b.Delay(1); got != tt.want {
			t.Errorf("random %v: got %v, want %v", tt.random, got, tt.want)
		}
	}
}

func TestDefaultBackoffStaysInJitterBand(t *testing.T) {
	b := DefaultBackoff()
	for i := 0; i < 50; i++ {
		got := b.Delay(1) // 200ms nominal
		if got < 160*time.Millisecond || got > 240*time.Millisecond {
			t.Fatalf("Delay(1) = %v, outside jitter band", got)
		}
	}
	if got := b.Delay(10); got > 6*time.Second {
		t.Errorf("Delay(10) = %v, want capped near %v", got, b.Max)
	}
}
