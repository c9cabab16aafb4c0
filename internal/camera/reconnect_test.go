package camera

import (
	"testing"
	"time"
)

func TestReconnectPolicy_Next(t *testing.T) {
	policy := ReconnectPolicy{MaxAttempts: 3, Delay: 2 * time.Second, Timeout: 10 * time.Second}

	testCases := []struct {
		attempts int
		want     ActionKind
	}{
		{attempts: 1, want: ActionRetry},
		{attempts: 2, want: ActionRetry},
		{attempts: 3, want: ActionGiveUp},
		{attempts: 4, want: ActionGiveUp},
	}

	for _, tc := range testCases {
		action := policy.Next(ReconnectContext{Attempts: tc.attempts})
		if action.Kind != tc.want {
			t.Errorf("attempts=%d: expected %s, got %s", tc.attempts, tc.want, action.Kind)
		}
		if action.Kind == ActionRetry && action.After != 2*time.Second {
			t.Errorf("attempts=%d: expected constant delay 2s, got %s", tc.attempts, action.After)
		}
	}
}

func TestReconnectPolicy_Defaults(t *testing.T) {
	p := ReconnectPolicy{}.withDefaults()
	def := DefaultReconnectPolicy()

	if p.MaxAttempts != def.MaxAttempts {
		t.Errorf("Expected MaxAttempts %d, got %d", def.MaxAttempts, p.MaxAttempts)
	}
	if p.Timeout != def.Timeout {
		t.Errorf("Expected Timeout %s, got %s", def.Timeout, p.Timeout)
	}

	// 遅延0は即時再試行として許可する
	if p.Delay != 0 {
		t.Errorf("Expected zero delay to be kept, got %s", p.Delay)
	}
}
