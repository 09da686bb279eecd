package outbox

import (
	"testing"
	"time"

	"CustodyLedger/internal/config"
)

// ============================================================================
// Test: backoff schedule
// ============================================================================

func TestBackoff_DoublesPerAttempt(t *testing.T) {
	d := &Dispatcher{cfg: config.OutboxConfig{BaseBackoff: time.Second}}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{10, 512 * time.Second},
		{11, 512 * time.Second}, // capped
		{50, 512 * time.Second},
	}
	for _, c := range cases {
		if got := d.backoff(c.attempt); got != c.want {
			t.Errorf("backoff(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}
