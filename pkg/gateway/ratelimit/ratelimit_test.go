package ratelimit

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew_DisabledConfigReturnsNil(t *testing.T) {
	l := New(Config{})
	if l != nil {
		t.Fatalf("expected nil limiter for empty config")
	}
	dec := l.AcquireBridge("1.2.3.4", time.Now())
	if !dec.Allowed || dec.Permit == nil {
		t.Fatalf("nil limiter must admit, got %+v", dec)
	}
	dec.Permit.Release()
}

func TestAcquireBridge_EnforcesConcurrency(t *testing.T) {
	l := New(Config{MaxBridgesPerClient: 1})
	now := time.Now()

	first := l.AcquireBridge("c1", now)
	if !first.Allowed || first.Permit == nil {
		t.Fatalf("first allowed=%v permit=%v", first.Allowed, first.Permit)
	}
	if second := l.AcquireBridge("c1", now); second.Allowed {
		t.Fatalf("second should be denied")
	}
	if other := l.AcquireBridge("c2", now); !other.Allowed {
		t.Fatalf("other client should be allowed")
	}

	first.Permit.Release()
	first.Permit.Release()
	if third := l.AcquireBridge("c1", now); !third.Allowed {
		t.Fatalf("third should be allowed after release")
	}
}

func TestAcquireBridge_TokenBucket(t *testing.T) {
	l := New(Config{ConnectsPerSec: 1, Burst: 2})
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 2; i++ {
		if dec := l.AcquireBridge("c1", now); !dec.Allowed {
			t.Fatalf("attempt %d denied within burst", i)
		}
	}
	dec := l.AcquireBridge("c1", now)
	if dec.Allowed {
		t.Fatalf("expected denial after burst")
	}
	if dec.RetryAfter != 1 {
		t.Fatalf("retryAfter=%d, want 1", dec.RetryAfter)
	}
	if dec := l.AcquireBridge("c1", now.Add(time.Second)); !dec.Allowed {
		t.Fatalf("expected refill after one second")
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest("GET", "/realtime", nil)
	r.RemoteAddr = "203.0.113.9:51234"
	if got := ClientKey(r); got != "203.0.113.9" {
		t.Fatalf("ClientKey=%q", got)
	}
	r.RemoteAddr = "garbage"
	if got := ClientKey(r); got != "unknown" {
		t.Fatalf("ClientKey=%q, want unknown", got)
	}
}
