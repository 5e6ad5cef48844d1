package task_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/vigilhq/vigil/task"
)

func TestTerminal_MarksError(t *testing.T) {
	base := errors.New("symbol not listed")
	err := task.Terminal(base)

	if !task.IsTerminal(err) {
		t.Error("IsTerminal(Terminal(err)) = false, want true")
	}
	if !errors.Is(err, base) {
		t.Error("Terminal(err) does not unwrap to the original error")
	}
	if err.Error() != base.Error() {
		t.Errorf("Error() = %q, want %q", err.Error(), base.Error())
	}
}

func TestTerminal_NilPassthrough(t *testing.T) {
	if got := task.Terminal(nil); got != nil {
		t.Errorf("Terminal(nil) = %v, want nil", got)
	}
}

func TestTerminal_SurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("execute failed: %w", task.Terminal(errors.New("rejected")))

	if !task.IsTerminal(err) {
		t.Error("IsTerminal(wrapped terminal) = false, want true")
	}
}

func TestDefaultClassifier(t *testing.T) {
	c := task.DefaultClassifier()

	tests := []struct {
		name string
		err  error
		want task.ErrorKind
	}{
		{"plain error", errors.New("connection refused"), task.KindRetryable},
		{"timeout", &task.TimeoutError{Operation: "market.fetch_price", Timeout: time.Second}, task.KindRetryable},
		{"terminal", task.Terminal(errors.New("invalid symbol")), task.KindTerminal},
		{"context canceled", context.Canceled, task.KindTerminal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := task.DefaultRetryPolicy()

	if p.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", p.MaxAttempts)
	}
	if p.BaseDelay != time.Second {
		t.Errorf("BaseDelay = %v, want 1s", p.BaseDelay)
	}
	if p.MaxDelay != 10*time.Second {
		t.Errorf("MaxDelay = %v, want 10s", p.MaxDelay)
	}
}

func TestRetryPolicy_Strategy(t *testing.T) {
	p := task.RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Multiplier:  2,
		MaxDelay:    10 * time.Second,
	}
	s := p.Strategy()

	// Equal jitter keeps delays within [base/2, base].
	for attempt, base := range map[int]time.Duration{
		1: 1 * time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		6: 10 * time.Second, // capped
	} {
		got := s.Delay(attempt)
		if got < base/2 || got > base {
			t.Errorf("Delay(%d) = %v, want within [%v, %v]", attempt, got, base/2, base)
		}
	}
}

func TestTimeoutError_Message(t *testing.T) {
	err := &task.TimeoutError{Operation: "trade.execute", Timeout: 30 * time.Second}

	want := `task: operation "trade.execute" timed out after 30s`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
