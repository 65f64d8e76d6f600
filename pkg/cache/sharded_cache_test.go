package cache

import (
	"testing"
	"time"
)

func TestFreshAndStale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := New[float64]().WithClock(func() time.Time { return now })

	c.Set("BTCUSDT", 42000)

	if v, ok := c.Fresh("BTCUSDT", 15*time.Second); !ok || v != 42000 {
		t.Fatalf("fresh = %v %v", v, ok)
	}

	now = now.Add(20 * time.Second)
	if _, ok := c.Fresh("BTCUSDT", 15*time.Second); ok {
		t.Error("entry should have expired")
	}
	if v, ok := c.Stale("BTCUSDT", 24*time.Hour); !ok || v != 42000 {
		t.Errorf("stale = %v %v", v, ok)
	}

	now = now.Add(25 * time.Hour)
	if _, ok := c.Stale("BTCUSDT", 24*time.Hour); ok {
		t.Error("entry past stale horizon must not be served")
	}
	if removed := c.Cleanup(24 * time.Hour); removed != 1 || c.Len() != 0 {
		t.Errorf("cleanup removed %d, len %d", removed, c.Len())
	}
}

func TestStats(t *testing.T) {
	c := New[string]()
	for _, k := range []string{"a", "b", "c"} {
		c.Set(k, k)
	}
	c.Delete("b")
	if s := c.Stats(); s.TotalItems != 2 {
		t.Errorf("TotalItems = %d", s.TotalItems)
	}
}
