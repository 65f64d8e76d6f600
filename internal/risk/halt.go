package risk

import (
	"context"

	"github.com/adamSellers/oakley-trading/internal/events"
)

// HaltStore persists the process-wide halt flag.
type HaltStore interface {
	IsHalted(ctx context.Context) (bool, error)
	SetHalted(ctx context.Context, halted bool) error
}

// HaltStatus is returned by Halt and Resume.
type HaltStatus struct {
	Halted  bool   `json:"halted"`
	Message string `json:"message"`
}

// Halt blocks new entries. Closes and exit enforcement keep running.
func Halt(ctx context.Context, store HaltStore, bus *events.Bus) (HaltStatus, error) {
	return setHalt(ctx, store, bus, true)
}

// Resume allows new entries again.
func Resume(ctx context.Context, store HaltStore, bus *events.Bus) (HaltStatus, error) {
	return setHalt(ctx, store, bus, false)
}

// setHalt is one idempotent write of the flag. The bus publish only notifies
// stream clients: nothing reads it back, and a nil bus skips it.
func setHalt(ctx context.Context, store HaltStore, bus *events.Bus, halted bool) (HaltStatus, error) {
	if err := store.SetHalted(ctx, halted); err != nil {
		return HaltStatus{}, err
	}
	st := HaltStatus{Halted: false, Message: "Trading resumed."}
	if halted {
		st = HaltStatus{Halted: true, Message: "Trading halted. Closes and stop enforcement remain active."}
	}
	bus.Publish(events.EventHaltChanged, st)
	return st, nil
}
