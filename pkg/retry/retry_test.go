package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/Xseven888/Sora2-Video-Generator/pkg/errdefs"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts:    attempts,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Multiplier:     1.0,
	}
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func(attempt int) error {
		calls++
		if attempt < 3 {
			return &errdefs.TransportError{Op: "GET", URL: "u", Err: errors.New("connection reset")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	calls := 0
	remote := &errdefs.RemoteError{StatusCode: 404, Body: "gone"}
	err := Do(context.Background(), fastConfig(3), func(int) error {
		calls++
		return remote
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, remote) {
		t.Errorf("expected the remote error back, got %v", err)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	calls := 0
	var retried []int
	cfg := fastConfig(3)
	cfg.OnRetry = func(attempt int, err error) { retried = append(retried, attempt) }

	err := Do(context.Background(), cfg, func(int) error {
		calls++
		return &errdefs.IncompleteDownloadError{Expected: 10, Actual: 8}
	})
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, errdefs.ErrIncompleteDownload) {
		t.Errorf("expected incomplete download, got %v", err)
	}
	if len(retried) != 2 {
		t.Errorf("OnRetry called %d times, want 2", len(retried))
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(5)
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, func(int) error {
			return errors.New("timeout")
		})
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&errdefs.TransportError{Op: "GET", URL: "u", Err: errors.New("x")}, true},
		{fmt.Errorf("copy: %w", &errdefs.IncompleteDownloadError{}), true},
		{&errdefs.RemoteError{StatusCode: 500}, false},
		{&errdefs.RemoteError{StatusCode: 504, Body: "Gateway Timeout"}, false},
		{fmt.Errorf("fetch: %w", &errdefs.RemoteError{StatusCode: 524, Body: "A timeout occurred"}), false},
		{errors.New("read tcp: i/o timeout"), true},
		{context.Canceled, false},
		{errdefs.ErrPermissionDenied, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
