package ayame

import (
	"testing"
	"time"
)

func TestBackoffer(t *testing.T) {
	b := newBackoffer(5*time.Second, 5*time.Minute, 0)

	if d := b.Next(); d != 0 {
		t.Errorf("first delay = %v, want 0", d)
	}
	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 20 * time.Second,
		40 * time.Second, 80 * time.Second, 160 * time.Second,
	}
	for i, w := range want {
		if d := b.Next(); d != w {
			t.Errorf("delay %v = %v, want %v", i, d, w)
		}
	}
	// capped
	for i := 0; i < 10; i++ {
		b.Next()
	}
	if d := b.Next(); d != 5*time.Minute {
		t.Errorf("capped delay = %v, want 5m", d)
	}

	b.Reset()
	if d := b.Next(); d != 0 {
		t.Errorf("delay after reset = %v, want 0", d)
	}
}

func TestBackofferJitter(t *testing.T) {
	b := newBackoffer(5*time.Second, 5*time.Minute, 0.1)
	b.Next() // 0
	for i := 0; i < 5; i++ {
		d := b.Next()
		base := time.Duration(5<<uint(i)) * time.Second
		lo, hi := base-base/10, base+base/10
		if d < lo || d > hi {
			t.Errorf("jittered delay %v = %v, want within [%v, %v]", i, d, lo, hi)
		}
	}
}
