package engine

import (
	"testing"
	"time"
)

func TestRateLimiter_MinuteWindow(t *testing.T) {
	r := newRateLimiter(RateLimit{PerSecond: 10, PerMinute: 15})
	now := time.Unix(1_700_000_000, 0)

	allowed := 0
	for s := 0; s < 3; s++ {
		at := now.Add(time.Duration(s) * time.Second)
		for i := 0; i < 10; i++ {
			if r.allow("a.example", at) {
				allowed++
			}
		}
	}
	// 15 burst plus one refill every four seconds.
	if allowed != 15 {
		t.Fatalf("allowed %d requests, want 15", allowed)
	}
}

func TestRateLimiter_DeniedRequestKeepsSecondToken(t *testing.T) {
	r := newRateLimiter(RateLimit{PerSecond: 2, PerMinute: 3})
	now := time.Unix(1_700_000_000, 0)

	r.allow("a.example", now)
	r.allow("a.example", now)

	later := now.Add(time.Second)
	if !r.allow("a.example", later) {
		t.Fatal("third request denied")
	}
	// The minute window is exhausted now.
	if r.allow("a.example", later) {
		t.Fatal("fourth request allowed past the minute window")
	}
	if got := r.hosts["a.example"].second.TokensAt(later); got < 0.99 {
		t.Fatalf("second window has %.2f tokens after a denied request, want 1", got)
	}
}

func TestRateLimiter_Prune(t *testing.T) {
	r := newRateLimiter(DefaultRateLimit)
	now := time.Unix(1_700_000_000, 0)
	r.allow("old.example", now)
	r.allow("new.example", now.Add(2*time.Minute))

	r.prune(now.Add(2*time.Minute + time.Second))
	if _, ok := r.hosts["old.example"]; ok {
		t.Error("idle host kept")
	}
	if _, ok := r.hosts["new.example"]; !ok {
		t.Error("recent host pruned")
	}
}

func TestSkipRateLimit(t *testing.T) {
	for _, m := range []string{"eth_chainId", "personal_sign", "wallet_addEthereumChain", "wallet_getPermissions"} {
		if !skipRateLimit(m) {
			t.Errorf("%s should skip the rate limit", m)
		}
	}
	if skipRateLimit("eth_getBalance") {
		t.Error("eth_getBalance should be rate limited")
	}
}
