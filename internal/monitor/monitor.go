package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/adamSellers/oakley-trading/internal/events"
)

// Monitor watches the bus and raises alerts for conditions an operator must act on.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
	Log  *zap.Logger
}

// Issues is implemented by reconciliation reports.
type Issues interface {
	IssueCounts() map[string]int
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		if m.Log != nil {
			m.Log.Info("monitor not fully configured; skipping")
		}
		return
	}
	stream, unsub := m.Bus.SubscribeMany([]events.Event{
		events.EventRecoveryQueued,
		events.EventReconcileReport,
		events.EventExitTriggered,
	}, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				msg, alert := formatAlert(env)
				if !alert {
					continue
				}
				if err := m.Sink.Send(msg); err != nil && m.Log != nil {
					m.Log.Warn("alert delivery failed", zap.Error(err))
				}
			}
		}
	}()
}

func formatAlert(env events.Envelope) (string, bool) {
	ts := env.Time.Format(time.RFC3339)
	switch env.Event {
	case events.EventRecoveryQueued:
		return fmt.Sprintf("[%s] order executed but ledger write deferred: %v", ts, env.Payload), true
	case events.EventExitTriggered:
		return fmt.Sprintf("[%s] exit triggered: %v", ts, env.Payload), true
	case events.EventReconcileReport:
		r, ok := env.Payload.(Issues)
		if !ok {
			return "", false
		}
		counts := r.IssueCounts()
		total := 0
		for _, n := range counts {
			total += n
		}
		if total == 0 {
			return "", false
		}
		return fmt.Sprintf("[%s] reconciliation drift: zombies=%d orphans=%d mismatches=%d",
			ts, counts["zombie"], counts["orphan"], counts["mismatch"]), true
	}
	return "", false
}
