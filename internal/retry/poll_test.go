package retry

import (
	"context"
	"testing"
	"time"
)

func TestPollFixedSucceedsOnThirdCheck(t *testing.T) {
	calls := 0
	err := PollFixed(context.Background(), 10*time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	})
	if err != nil {
		t.Fatalf("PollFixed() error = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestPollFixedTimesOut(t *testing.T) {
	err := PollFixed(context.Background(), 5*time.Millisecond, 20*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if err == nil {
		t.Fatal("PollFixed() error = nil, want timeout error")
	}
}

func TestPollFixedRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := PollFixed(ctx, 5*time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if err != context.Canceled {
		t.Errorf("PollFixed() error = %v, want context.Canceled", err)
	}
}
