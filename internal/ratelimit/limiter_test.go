// SPDX-License-Identifier: MIT

package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestUpstreamBurst(t *testing.T) {
	u := NewUpstream("test", 1, 5)

	allowed := 0
	for i := 0; i < 10; i++ {
		if u.Allow() {
			allowed++
		}
	}
	if allowed < 4 || allowed > 6 {
		t.Errorf("expected ~5 requests through a burst of 5, got %d", allowed)
	}
}

func TestUpstreamWaitHonorsContext(t *testing.T) {
	// 1 req/s, burst 1: the second Wait would block for ~1s.
	u := NewUpstream("test", 1, 1)
	if err := u.Wait(context.Background()); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := u.Wait(ctx)
	if err == nil {
		t.Fatal("expected context error from throttled wait")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("wait did not honor the deadline, took %v", elapsed)
	}
}

func TestNilUpstreamIsUnlimited(t *testing.T) {
	var u *Upstream
	if !u.Allow() {
		t.Error("nil upstream must allow")
	}
	if err := u.Wait(context.Background()); err != nil {
		t.Errorf("nil upstream wait: %v", err)
	}
}
