package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	// 10 tokens/sec, capacity 5
	limiter := New(10, 5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow() {
			t.Errorf("request %d should be allowed", i)
		}
	}
	if limiter.Allow() {
		t.Error("6th request should be denied")
	}
}

func TestLimiterRefill(t *testing.T) {
	limiter := New(100, 10)

	for i := 0; i < 10; i++ {
		limiter.Allow()
	}
	if limiter.Allow() {
		t.Error("should be empty")
	}

	// 100ms should add ~10 tokens
	time.Sleep(100 * time.Millisecond)

	if !limiter.Allow() {
		t.Error("should have tokens after refill")
	}
}

func TestLimiterWait(t *testing.T) {
	limiter := New(100, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 6; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	// One burst token, then 5 more at 10ms each.
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Wait did not pace calls: %v", elapsed)
	}
}

func TestLimiterWaitCanceled(t *testing.T) {
	limiter := New(10, 1)
	limiter.Allow()
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error, got %v", err)
	}

	// The canceled reservation is returned, so the next token is due after
	// one interval rather than two.
	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 180*time.Millisecond {
		t.Errorf("canceled wait kept its reservation: %v", elapsed)
	}
}

func TestLimiterNil(t *testing.T) {
	limiter := New(0, 10)
	if limiter != nil {
		t.Fatal("zero rate should return a nil limiter")
	}
	if !limiter.Allow() {
		t.Error("nil limiter should always allow")
	}
	if err := limiter.Wait(context.Background()); err != nil {
		t.Errorf("nil limiter Wait should not fail: %v", err)
	}
	if limiter.Rate() != 0 {
		t.Error("nil limiter rate should be 0")
	}
}

func TestLimiterConcurrent(t *testing.T) {
	limiter := New(1000, 100)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// Roughly the burst capacity, plus whatever refilled meanwhile.
	if allowed < 100 || allowed > 150 {
		t.Errorf("expected about 100 allowed, got %d", allowed)
	}
}
