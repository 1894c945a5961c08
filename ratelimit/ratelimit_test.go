package ratelimit

import (
	"net"
	"testing"
	"time"
)

func TestLimiter(t *testing.T) {
	l := &Limiter{
		WindowLimits: []WindowLimit{
			{
				Window: time.Minute,
				Limits: [...]int64{2, 4, 6},
			},
		},
	}

	now := time.Now()
	check := func(exp bool, ip net.IP, tm time.Time, n int64) {
		t.Helper()
		ok := l.CanAdd(ip, tm, n)
		if ok != exp {
			t.Fatalf("canadd, got %v, expected %v", ok, exp)
		}
		ok = l.Add(ip, tm, n)
		if ok != exp {
			t.Fatalf("add, got %v, expected %v", ok, exp)
		}
	}
	check(false, net.ParseIP("10.0.0.1"), now, 3) // past limit
	check(true, net.ParseIP("10.0.0.1"), now, 1)
	check(false, net.ParseIP("10.0.0.1"), now, 2) // now past limit
	check(true, net.ParseIP("10.0.0.1"), now, 1)
	check(false, net.ParseIP("10.0.0.1"), now, 1) // now past limit

	next := now.Add(time.Minute)
	check(true, net.ParseIP("10.0.0.1"), next, 2)  // next minute, should have reset
	check(true, net.ParseIP("10.0.0.2"), next, 2)  // other ip
	check(false, net.ParseIP("10.0.0.3"), next, 2) // yet another ip, ipmasked2 was consumed
	check(true, net.ParseIP("10.0.1.4"), next, 2)  // using ipmasked3
	check(false, net.ParseIP("10.0.2.4"), next, 2) // ipmasked3 consumed
	l.Reset(net.ParseIP("10.0.1.4"), next)
	if !l.CanAdd(net.ParseIP("10.0.1.4"), next, 2) {
		t.Fatalf("reset did not free up count for ip")
	}
	check(true, net.ParseIP("10.0.2.4"), next, 2) // ipmasked3 available again
}

func TestKeyedLimiter(t *testing.T) {
	l := &KeyedLimiter{Window: time.Minute, Limit: 2}
	now := time.Now()

	if !l.Add("alice", now, 1) || !l.Add("alice", now, 1) {
		t.Fatalf("adds within limit failed")
	}
	if l.Add("alice", now, 1) {
		t.Fatalf("add past limit succeeded")
	}
	if !l.Add("bob", now, 2) {
		t.Fatalf("other key should have its own count")
	}

	next := now.Add(time.Minute)
	if !l.Add("alice", next, 2) {
		t.Fatalf("new window should have reset counts")
	}

	l.Reset("alice", next)
	if !l.Add("alice", next, 2) {
		t.Fatalf("reset did not clear count")
	}
}
