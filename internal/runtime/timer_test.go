package runtime

import (
	"log/slog"
	"testing"
	"time"
)

func testLoop() (*Loop, time.Time) {
	l := NewLoop(slog.New(slog.DiscardHandler))
	return l, l.Now()
}

func TestFixedTimerFiresInDeadlineOrder(t *testing.T) {
	l, now := testLoop()

	var fired []int
	l.After(3*time.Second, func() { fired = append(fired, 3) })
	l.After(1*time.Second, func() { fired = append(fired, 1) })
	l.After(2*time.Second, func() { fired = append(fired, 2) })

	l.Step(now.Add(5 * time.Second))

	if len(fired) != 3 || fired[0] != 1 || fired[1] != 2 || fired[2] != 3 {
		t.Fatalf("fired order %v", fired)
	}
}

func TestFixedTimerTieBreaksByInsertion(t *testing.T) {
	l, now := testLoop()

	var fired []int
	at := now.Add(time.Second)
	for i := 0; i < 5; i++ {
		i := i
		l.TimerMax(0, at, func() {}) // unrelated key churn
		l.After(time.Second, func() { fired = append(fired, i) })
	}

	l.Step(now.Add(2 * time.Second))

	for i, v := range fired {
		if i > 0 && fired[i-1] > v {
			t.Fatalf("insertion order not preserved: %v", fired)
		}
	}
}

func TestFixedTimerCancel(t *testing.T) {
	l, now := testLoop()

	ran := false
	key := l.After(time.Second, func() { ran = true })
	l.TimerDel(key)

	l.Step(now.Add(2 * time.Second))
	if ran {
		t.Fatal("canceled timer fired")
	}
}

func TestMaxTimerLaterDeadlineWins(t *testing.T) {
	l, now := testLoop()

	fired := 0
	key := l.TimerMax(0, now.Add(time.Second), func() { fired++ })
	// A later reset extends the deadline.
	key = l.TimerMax(key, now.Add(3*time.Second), func() { fired++ })
	// An earlier reset is a no-op.
	key = l.TimerMax(key, now.Add(2*time.Second), func() { fired++ })

	l.Step(now.Add(1500 * time.Millisecond))
	if fired != 0 {
		t.Fatal("max timer fired at the superseded deadline")
	}

	l.Step(now.Add(2500 * time.Millisecond))
	if fired != 0 {
		t.Fatal("max timer fired at the no-op deadline")
	}

	l.Step(now.Add(3500 * time.Millisecond))
	if fired != 1 {
		t.Fatalf("max timer fired %d times, want 1", fired)
	}

	// The key is dead after firing; re-arming creates a new timer.
	key2 := l.TimerMax(key, l.Now().Add(time.Second), func() { fired++ })
	if key2 == key {
		t.Fatal("dead key reused")
	}
}

func TestMaxTimerCancel(t *testing.T) {
	l, now := testLoop()

	fired := false
	key := l.TimerMax(0, now.Add(time.Second), func() { fired = true })
	l.TimerMaxDel(key)

	l.Step(now.Add(2 * time.Second))
	if fired {
		t.Fatal("canceled max timer fired")
	}
}

func TestDeferredRunsFIFO(t *testing.T) {
	l, now := testLoop()

	var order []int
	l.Defer(func() {
		order = append(order, 1)
		// Closures deferred while draining run in the same pass.
		l.Defer(func() { order = append(order, 3) })
	})
	l.Defer(func() { order = append(order, 2) })

	l.Step(now)

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("deferred order %v", order)
	}
}

func TestTimersRunBeforeDeferred(t *testing.T) {
	l, now := testLoop()

	var order []string
	l.Defer(func() { order = append(order, "deferred") })
	l.After(0, func() { order = append(order, "timer") })

	l.Step(now.Add(time.Millisecond))

	if len(order) != 2 || order[0] != "timer" || order[1] != "deferred" {
		t.Fatalf("order %v", order)
	}
}

func TestTimeoutComputation(t *testing.T) {
	l, _ := testLoop()

	if got := l.timeout(); got != -1 {
		t.Fatalf("idle timeout %d, want -1", got)
	}

	l.After(time.Second, func() {})
	if got := l.timeout(); got <= 0 || got > 1000 {
		t.Fatalf("timer timeout %d, want (0, 1000]", got)
	}

	l.Defer(func() {})
	if got := l.timeout(); got != 0 {
		t.Fatalf("deferred-pending timeout %d, want 0", got)
	}

	// A canceled head must not produce a stale deadline.
	l2, _ := testLoop()
	key := l2.After(time.Millisecond, func() {})
	l2.TimerDel(key)
	if got := l2.timeout(); got != -1 {
		t.Fatalf("timeout after cancel %d, want -1", got)
	}
}
