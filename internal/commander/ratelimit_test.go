package commander

import "testing"

func TestLimiterDeniesAfterBurstExhausted(t *testing.T) {
	l := &Limiter{
		byIP:          newLimiterSet(0, 2),
		byToken:       newLimiterSet(0, 2),
		expensiveByIP: newLimiterSet(0, 1),
		expensiveByTk: newLimiterSet(0, 1),
	}

	if !l.Allow("1.2.3.4", "", false) {
		t.Fatal("first request should be allowed within burst")
	}
	if !l.Allow("1.2.3.4", "", false) {
		t.Fatal("second request should be allowed within burst")
	}
	if l.Allow("1.2.3.4", "", false) {
		t.Fatal("third request should be denied once burst is exhausted")
	}
}

func TestLimiterTracksIPAndTokenIndependently(t *testing.T) {
	l := NewLimiter()

	if !l.Allow("10.0.0.1", "abcd1234", false) {
		t.Fatal("expected first request for a fresh ip+token to be allowed")
	}
	// A different IP reusing the same token still draws from the shared
	// token bucket, independent of the per-IP bucket.
	if !l.Allow("10.0.0.2", "abcd1234", false) {
		t.Fatal("expected request from a different ip with the same token to be allowed")
	}
}

func TestLimiterAppliesTighterExpensiveBudget(t *testing.T) {
	l := &Limiter{
		byIP:          newLimiterSet(0, 5),
		byToken:       newLimiterSet(0, 5),
		expensiveByIP: newLimiterSet(0, 1),
		expensiveByTk: newLimiterSet(0, 1),
	}

	if !l.Allow("1.2.3.4", "", true) {
		t.Fatal("first expensive request should be allowed within the tighter burst")
	}
	if l.Allow("1.2.3.4", "", true) {
		t.Fatal("second expensive request should be denied by the tighter budget")
	}
	// Ordinary (non-expensive) operations draw from a separate bucket.
	if !l.Allow("1.2.3.4", "", false) {
		t.Fatal("ordinary operation should not be throttled by the expensive budget")
	}
}
