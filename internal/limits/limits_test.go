package limits

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestMessageLimiterBurstThenThrottle(t *testing.T) {
	m := NewMessageLimiter(1, 3)

	for i := 0; i < 3; i++ {
		if !m.Allow() {
			t.Fatalf("message %d should fit in the burst", i)
		}
	}
	if m.Allow() {
		t.Fatal("fourth message should be throttled")
	}
}

func TestConnectionRateLimiterPerIP(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{
		IPRate:  1,
		IPBurst: 2,
		Logger:  zerolog.Nop(),
	})
	defer l.Stop()

	if !l.Allow("10.0.0.1") || !l.Allow("10.0.0.1") {
		t.Fatal("burst attempts should be allowed")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("third attempt should be rejected")
	}

	// Other hosts are unaffected.
	if !l.Allow("10.0.0.2") {
		t.Fatal("a different IP gets its own bucket")
	}
}

func TestConnectionRateLimiterStopIdempotent(t *testing.T) {
	l := NewConnectionRateLimiter(ConnectionRateLimiterConfig{Logger: zerolog.Nop()})
	l.Stop()
	l.Stop()
}

func TestResourceGuardConnectionCap(t *testing.T) {
	var conns int64
	rg := NewResourceGuard(2, 0, &conns, zerolog.Nop())

	if ok, _ := rg.ShouldAcceptConnection(); !ok {
		t.Fatal("empty server should accept")
	}

	atomic.StoreInt64(&conns, 2)
	ok, reason := rg.ShouldAcceptConnection()
	if ok {
		t.Fatal("server at capacity should reject")
	}
	if reason == "" {
		t.Fatal("rejection should carry a reason")
	}

	atomic.StoreInt64(&conns, 1)
	if ok, _ := rg.ShouldAcceptConnection(); !ok {
		t.Fatal("server below capacity should accept again")
	}
}

func TestResourceGuardCPUThreshold(t *testing.T) {
	var conns int64
	rg := NewResourceGuard(100, 85, &conns, zerolog.Nop())

	rg.currentCPU.Store(90.0)
	if ok, _ := rg.ShouldAcceptConnection(); ok {
		t.Fatal("CPU above threshold should reject")
	}

	rg.currentCPU.Store(50.0)
	if ok, _ := rg.ShouldAcceptConnection(); !ok {
		t.Fatal("CPU below threshold should accept")
	}
}

func TestResourceGuardCPUThresholdDisabled(t *testing.T) {
	var conns int64
	rg := NewResourceGuard(100, 0, &conns, zerolog.Nop())

	rg.currentCPU.Store(99.0)
	if ok, _ := rg.ShouldAcceptConnection(); !ok {
		t.Fatal("threshold 0 disables the CPU check")
	}
}

func TestResourceGuardMonitoringStopsOnCancel(t *testing.T) {
	var conns int64
	rg := NewResourceGuard(100, 85, &conns, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	rg.StartMonitoring(ctx, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()
}
