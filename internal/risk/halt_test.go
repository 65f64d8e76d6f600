package risk

import (
	"context"
	"testing"
	"time"

	"github.com/adamSellers/oakley-trading/internal/events"
)

type memHalt struct {
	halted bool
	writes int
}

func (m *memHalt) IsHalted(ctx context.Context) (bool, error) { return m.halted, nil }

func (m *memHalt) SetHalted(ctx context.Context, halted bool) error {
	m.halted = halted
	m.writes++
	return nil
}

func TestHaltResumeIdempotent(t *testing.T) {
	ctx := context.Background()
	store := &memHalt{}

	for i := 0; i < 2; i++ {
		st, err := Halt(ctx, store, nil)
		if err != nil || !st.Halted || !store.halted {
			t.Fatalf("halt #%d: %+v err=%v", i+1, st, err)
		}
	}
	if store.writes != 2 {
		t.Fatalf("writes = %d, want one per call", store.writes)
	}

	bus := events.NewBus()
	ch, unsub := bus.Subscribe(events.EventHaltChanged, 1)
	defer unsub()
	st, err := Resume(ctx, store, bus)
	if err != nil || st.Halted || store.halted {
		t.Fatalf("resume: %+v err=%v", st, err)
	}
	select {
	case env := <-ch:
		if got, ok := env.Payload.(HaltStatus); !ok || got.Halted {
			t.Fatalf("notification payload = %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no halt notification")
	}
}
