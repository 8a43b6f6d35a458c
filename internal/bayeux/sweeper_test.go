package bayeux

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestSweeperTick(t *testing.T) {
	s := New(DefaultOptions())
	_, _, _ = s.CreateChannelIfAbsent("/transient")
	sweeper := NewSweeper(s, 10*time.Millisecond, time.Second)
	start := time.Now()
	sweeper.last = start

	tests := []struct {
		offset time.Duration
		swept  bool
	}{
		{100 * time.Millisecond, false},
		{time.Second, true},
		{1500 * time.Millisecond, false},
		{2 * time.Second, true},
		{3 * time.Second, true},
	}
	for _, tt := range tests {
		if got := sweeper.Tick(start.Add(tt.offset)); got != tt.swept {
			t.Errorf("Tick(+%s) = %v, expected %v", tt.offset, got, tt.swept)
		}
	}
	if s.Channel("/transient") != nil {
		t.Error("three sweeps did not remove the idle channel")
	}
}

func TestSweeperRunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	opts := DefaultOptions()
	opts.MaxServerInterval = time.Millisecond
	s := New(opts)
	session := handshake(t, s)
	session.connect()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewSweeper(s, 5*time.Millisecond, 10*time.Millisecond).Run(ctx)
	}()

	deadline := time.After(2 * time.Second)
	for !session.IsRemoved() {
		select {
		case <-deadline:
			t.Fatal("sweeper never expired the session")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
