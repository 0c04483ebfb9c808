package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_Disabled(t *testing.T) {
	l := New(0, 0)
	if !l.Allow() {
		t.Error("disabled limiter should always allow")
	}
	if err := l.Wait(context.Background()); err != nil {
		t.Errorf("disabled limiter Wait: %v", err)
	}
}

func TestLimiter_BurstThenBlock(t *testing.T) {
	l := New(1, 1)
	if !l.Allow() {
		t.Fatal("first Allow() should succeed within burst")
	}
	if l.Allow() {
		t.Fatal("second immediate Allow() should be denied")
	}
}

func TestLimiter_WaitTimeout(t *testing.T) {
	l := New(0.001, 1)
	l.Allow() // consume the burst token
	if err := l.WaitTimeout(20 * time.Millisecond); err == nil {
		t.Error("expected WaitTimeout to time out with a near-zero rate")
	}
}
