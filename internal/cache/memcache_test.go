package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemCacheGetMiss(t *testing.T) {
	c := NewMem()
	_, err := c.Get(context.Background(), "missing")
	if !errors.Is(err, ErrMiss) {
		t.Fatalf("Get on missing key = %v, want ErrMiss", err)
	}
}

func TestMemCacheSetGetRoundTrip(t *testing.T) {
	c := NewMem()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("Get = %q, want %q", got, "v")
	}
}

func TestMemCacheExpiry(t *testing.T) {
	c := NewMem()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Nanosecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(time.Millisecond)
	if _, err := c.Get(ctx, "k"); !errors.Is(err, ErrMiss) {
		t.Fatalf("Get after expiry = %v, want ErrMiss", err)
	}
}

func TestMemCacheIncrCounter(t *testing.T) {
	c := NewMem()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := c.IncrCounter(ctx, "budget", 1, time.Hour); err != nil {
			t.Fatalf("IncrCounter: %v", err)
		}
	}

	got, err := c.GetCounter(ctx, "budget")
	if err != nil {
		t.Fatalf("GetCounter: %v", err)
	}
	if got != 5 {
		t.Fatalf("GetCounter = %d, want 5", got)
	}
}

func TestMemCacheAtomicSwapReplacesValue(t *testing.T) {
	c := NewMem()
	ctx := context.Background()

	_ = c.Set(ctx, "snapshot", []byte("gen1"), time.Minute)
	if err := c.AtomicSwap(ctx, "snapshot", []byte("gen2"), time.Minute); err != nil {
		t.Fatalf("AtomicSwap: %v", err)
	}

	got, err := c.Get(ctx, "snapshot")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "gen2" {
		t.Fatalf("Get = %q, want %q", got, "gen2")
	}
}

func TestMemCacheGetCounterMissingIsZero(t *testing.T) {
	c := NewMem()
	got, err := c.GetCounter(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetCounter: %v", err)
	}
	if got != 0 {
		t.Fatalf("GetCounter = %d, want 0", got)
	}
}
