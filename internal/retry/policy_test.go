package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestFixed_Do(t *testing.T) {
	errLost := errors.New("sftp session lost")
	tests := []struct {
		name      string
		attempts  int
		failFirst int
		permanent bool
		wantCalls int
		wantErr   bool
	}{
		{"first try", 3, 0, false, 1, false},
		{"recovers on third", 3, 2, false, 3, false},
		{"runs out", 3, 10, false, 3, true},
		{"single attempt", 1, 10, false, 1, true},
		{"zero attempts means one", 0, 10, false, 1, true},
		{"permanent stops at once", 3, 10, true, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Fixed(time.Millisecond, tt.attempts).Do(context.Background(), func(attempt int) error {
				calls++
				if attempt != calls {
					t.Errorf("attempt = %d on call %d", attempt, calls)
				}
				if calls > tt.failFirst {
					return nil
				}
				if tt.permanent {
					return Permanent(errLost)
				}
				return errLost
			})
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errLost) {
				t.Errorf("err = %v, want it to wrap the last failure", err)
			}
			if tt.permanent && err != errLost {
				t.Errorf("permanent error should come back unwrapped, got %v", err)
			}
		})
	}
}

func TestFixed_PausesBetweenAttempts(t *testing.T) {
	var stamps []time.Time
	_ = Fixed(20*time.Millisecond, 3).Do(context.Background(), func(_ int) error {
		stamps = append(stamps, time.Now())
		return fmt.Errorf("connection reset")
	})
	if len(stamps) != 3 {
		t.Fatalf("attempts = %d, want 3", len(stamps))
	}
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		if gap < 15*time.Millisecond || gap > 500*time.Millisecond {
			t.Errorf("gap %d = %v, want about 20ms", i, gap)
		}
	}
}

func TestFixed_CancelledDuringPause(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	calls := 0
	start := time.Now()
	err := Fixed(5*time.Second, 10).Do(ctx, func(_ int) error {
		calls++
		return fmt.Errorf("connection reset")
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Do did not stop when ctx ended")
	}
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"permanent", Permanent(fmt.Errorf("x")), true},
		{"wrapped permanent", fmt.Errorf("op: %w", Permanent(fmt.Errorf("x"))), true},
		{"plain", fmt.Errorf("x"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.want)
			}
		})
	}
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should be nil")
	}
}

func TestSleep(t *testing.T) {
	if !Sleep(context.Background(), time.Millisecond) {
		t.Error("Sleep should report a full wait")
	}
	if !Sleep(context.Background(), 0) {
		t.Error("a zero pause on a live ctx counts as elapsed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if Sleep(ctx, 5*time.Second) {
		t.Error("Sleep should report interruption")
	}
	if Sleep(ctx, 0) {
		t.Error("a zero pause on a done ctx is an interruption")
	}
	if time.Since(start) > time.Second {
		t.Error("Sleep did not return promptly after cancel")
	}
}
