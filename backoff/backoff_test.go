package backoff

import (
	"testing"
	"time"
)

func TestConstant(t *testing.T) {
	c := NewConstant(5 * time.Second)
	for _, attempt := range []int{1, 2, 10} {
		if got := c.Delay(attempt); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want 5s", attempt, got)
		}
	}
}

func TestExponential(t *testing.T) {
	e := NewExponential(1*time.Second, 1*time.Minute)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{7, 64 * time.Second}, // over cap
	}
	for _, tt := range tests {
		got := e.Delay(tt.attempt)
		want := tt.want
		if want > time.Minute {
			want = time.Minute
		}
		if got != want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, want)
		}
	}
}

func TestExponential_NoCap(t *testing.T) {
	e := NewExponential(1*time.Second, 0)
	if got := e.Delay(10); got != 512*time.Second {
		t.Errorf("Delay(10) = %v, want 512s", got)
	}
}

func TestExponentialWithJitter_Bounds(t *testing.T) {
	e := NewExponentialWithJitter(1*time.Second, 30*time.Second)

	for attempt := 1; attempt <= 8; attempt++ {
		ceiling := time.Duration(1<<uint(attempt-1)) * time.Second
		if ceiling > 30*time.Second {
			ceiling = 30 * time.Second
		}
		for range 50 {
			d := e.Delay(attempt)
			if d < 0 || d > ceiling {
				t.Fatalf("Delay(%d) = %v out of [0, %v]", attempt, d, ceiling)
			}
		}
	}
}

func TestDefaultStrategy(t *testing.T) {
	s := DefaultStrategy()
	if got := s.Delay(1); got != 1*time.Second {
		t.Errorf("default Delay(1) = %v, want 1s", got)
	}
	if got := s.Delay(2); got != 2*time.Second {
		t.Errorf("default Delay(2) = %v, want 2s", got)
	}
}
