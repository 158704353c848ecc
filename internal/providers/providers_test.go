package providers

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMockOCRProvider(t *testing.T) {
	t.Run("process page", func(t *testing.T) {
		p := NewMockOCRProvider()
		p.ResponseText = "extracted text"

		result, err := p.ProcessPage(context.Background(), []byte("fake image"), 1)

		if err != nil {
			t.Fatalf("ProcessPage() error = %v", err)
		}
		if !result.Success {
			t.Error("expected success")
		}
		if result.Text != "Page 1: extracted text" {
			t.Errorf("Text = %q", result.Text)
		}
		if result.WordCount != 4 {
			t.Errorf("WordCount = %d, want 4", result.WordCount)
		}
	})

	t.Run("rate limit properties", func(t *testing.T) {
		p := NewMockOCRProvider()

		if p.RequestsPerSecond() != 10.0 {
			t.Errorf("RequestsPerSecond = %f, want 10", p.RequestsPerSecond())
		}
		if p.MaxRetries() != 3 {
			t.Errorf("MaxRetries = %d, want 3", p.MaxRetries())
		}
		if p.RetryDelayBase() != time.Second {
			t.Errorf("RetryDelayBase = %v, want 1s", p.RetryDelayBase())
		}
	})

	t.Run("scripted page errors", func(t *testing.T) {
		p := NewMockOCRProvider()
		p.Latency = 0
		boom := errors.New("boom")
		p.PageErrors = map[int][]error{2: {boom, boom}}

		for i := 0; i < 2; i++ {
			if _, err := p.ProcessPage(context.Background(), nil, 2); !errors.Is(err, boom) {
				t.Fatalf("call %d: expected boom, got %v", i+1, err)
			}
		}
		if _, err := p.ProcessPage(context.Background(), nil, 2); err != nil {
			t.Fatalf("third call error = %v", err)
		}
		if p.Calls(2) != 3 || p.RequestCount() != 3 {
			t.Errorf("calls = %d, requests = %d", p.Calls(2), p.RequestCount())
		}
	})

	t.Run("respects cancellation", func(t *testing.T) {
		p := NewMockOCRProvider()
		p.Latency = time.Minute
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if _, err := p.ProcessPage(ctx, nil, 1); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("allows initial burst", func(t *testing.T) {
		limiter := NewRateLimiter(10)

		start := time.Now()
		for i := 0; i < 5; i++ {
			if err := limiter.Wait(context.Background()); err != nil {
				t.Fatalf("request %d failed: %v", i, err)
			}
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Errorf("took too long: %v", elapsed)
		}
	})

	t.Run("spaces requests after burst", func(t *testing.T) {
		limiter := NewRateLimiter(20) // one token every 50ms
		for limiter.TryConsume() {
		}

		start := time.Now()
		if err := limiter.Wait(context.Background()); err != nil {
			t.Fatal(err)
		}
		if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
			t.Errorf("expected to wait for a token, waited %v", elapsed)
		}
	})

	t.Run("fractional rate keeps one token of capacity", func(t *testing.T) {
		limiter := NewRateLimiter(0.5)
		if !limiter.TryConsume() {
			t.Error("first TryConsume should succeed")
		}
		if limiter.TryConsume() {
			t.Error("second TryConsume should fail")
		}
	})

	t.Run("status", func(t *testing.T) {
		limiter := NewRateLimiter(60.0)

		status := limiter.Status()

		if status.RequestsPerSecond != 60.0 {
			t.Errorf("RequestsPerSecond = %f, want 60.0", status.RequestsPerSecond)
		}
		if status.TokensAvailable <= 0 {
			t.Error("expected positive tokens available")
		}
	})

	t.Run("record 429", func(t *testing.T) {
		limiter := NewRateLimiter(60)

		limiter.Record429(time.Second)

		status := limiter.Status()
		if status.Last429Time.IsZero() {
			t.Error("Last429Time should be set")
		}
		if status.TokensAvailable != 0 {
			t.Errorf("TokensAvailable = %d, want 0 after drain", status.TokensAvailable)
		}
	})

	t.Run("respects cancellation", func(t *testing.T) {
		limiter := NewRateLimiter(1)
		limiter.Wait(context.Background())

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		if err := limiter.Wait(ctx); err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("concurrent requests", func(t *testing.T) {
		limiter := NewRateLimiter(100)

		var wg sync.WaitGroup
		var failures atomic.Int32
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := limiter.Wait(context.Background()); err != nil {
					failures.Add(1)
				}
			}()
		}
		wg.Wait()

		if failures.Load() > 0 {
			t.Errorf("had %d errors", failures.Load())
		}
		if status := limiter.Status(); status.TotalConsumed != 10 {
			t.Errorf("TotalConsumed = %d, want 10", status.TotalConsumed)
		}
	})
}
