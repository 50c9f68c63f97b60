package rate

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTokenBucketFirstWaitImmediate(t *testing.T) {
	tb := NewTokenBucket(1)
	defer tb.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := tb.Wait(ctx); err != nil {
		t.Fatalf("first wait: %v", err)
	}
}

func TestTokenBucketCanceled(t *testing.T) {
	tb := NewTokenBucket(1)
	defer tb.Stop()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatalf("drain initial token: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := tb.Wait(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestTokenBucketStopTwice(t *testing.T) {
	tb := NewTokenBucket(10)
	tb.Stop()
	tb.Stop()
}

func TestNew(t *testing.T) {
	lim, stop := New(0)
	defer stop()
	if _, ok := lim.(Unlimited); !ok {
		t.Fatalf("expected Unlimited for rps=0, got %T", lim)
	}

	lim, stop = New(5)
	defer stop()
	if _, ok := lim.(*TokenBucket); !ok {
		t.Fatalf("expected *TokenBucket for rps=5, got %T", lim)
	}
}
