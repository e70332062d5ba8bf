package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRunRegistrationOrder(t *testing.T) {
	m := NewManager()
	var order []string
	for _, name := range []string{"storage", "server", "logger"} {
		name := name
		m.Register(name, func(ctx context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	m.Run(context.Background())

	want := []string{"storage", "server", "logger"}
	if len(order) != len(want) {
		t.Fatalf("ran %d cleanups, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order %v, want %v", order, want)
		}
	}
}

func TestRunExactlyOnce(t *testing.T) {
	m := NewManager()
	calls := 0
	m.Register("counter", func(ctx context.Context) error {
		calls++
		return nil
	})

	m.Run(context.Background())
	m.Run(context.Background())
	if calls != 1 {
		t.Fatalf("cleanup ran %d times, want 1", calls)
	}
}

func TestRunContinuesPastFailures(t *testing.T) {
	m := NewManager()
	var ran []string
	m.Register("first", func(ctx context.Context) error {
		ran = append(ran, "first")
		return nil
	})
	m.Register("broken", func(ctx context.Context) error {
		ran = append(ran, "broken")
		return errors.New("flush failed")
	})

	m.Run(context.Background())
	if len(ran) != 2 {
		t.Fatalf("a failing cleanup must not stop the pass: ran %v", ran)
	}
}

func TestRegisterAfterRunIgnored(t *testing.T) {
	m := NewManager()
	m.Run(context.Background())

	called := false
	m.Register("late", func(ctx context.Context) error {
		called = true
		return nil
	})
	m.Run(context.Background())
	if called {
		t.Fatal("late registration must not run")
	}
}

func TestRunHonorsTimeout(t *testing.T) {
	m := NewManager().WithTimeout(20 * time.Millisecond)
	var got error
	m.Register("slow", func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			got = ctx.Err()
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	start := time.Now()
	m.Run(context.Background())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("cleanup pass took %v, deadline ignored", elapsed)
	}
	if !errors.Is(got, context.DeadlineExceeded) {
		t.Fatalf("cleanup saw %v, want deadline exceeded", got)
	}
}

func TestHandleSignalsParentCancellation(t *testing.T) {
	m := NewManager()
	parent, cancel := context.WithCancel(context.Background())
	ctx := m.HandleSignals(parent)

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("derived context did not follow parent cancellation")
	}
}
