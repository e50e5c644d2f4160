package accept

import (
	"net"
	"testing"
)

func TestClientLimiterInvariant(t *testing.T) {
	l := NewClientLimiter(2)
	ip := "203.0.113.5"

	if got := l.Count(ip); got != 0 {
		t.Fatalf("fresh limiter: count = %d, want 0", got)
	}
	if !l.Acquire(ip) || !l.Acquire(ip) {
		t.Fatalf("first two acquires should succeed")
	}
	if l.Acquire(ip) {
		t.Fatalf("third acquire should fail at cap 2")
	}

	l.Release(ip)
	if got := l.Count(ip); got != 1 {
		t.Fatalf("count after one release = %d, want 1", got)
	}
	l.Release(ip)
	if got := l.Count(ip); got != 0 {
		t.Fatalf("count must be exactly 0 once every reservation is released, got %d", got)
	}
}

func TestClientLimiterUnlimited(t *testing.T) {
	l := NewClientLimiter(0)
	for i := 0; i < 1000; i++ {
		if !l.Acquire("198.51.100.1") {
			t.Fatalf("a zero/negative max must never reject")
		}
	}
}

func TestQueueLimiterInvariant(t *testing.T) {
	q := NewQueueLimiter(2)

	if got := q.Count(); got != 0 {
		t.Fatalf("fresh limiter: count = %d, want 0", got)
	}
	if !q.Acquire() || !q.Acquire() {
		t.Fatalf("first two acquires should succeed")
	}
	if q.Acquire() {
		t.Fatalf("third acquire should fail at cap 2")
	}

	q.Release()
	if got := q.Count(); got != 1 {
		t.Fatalf("count after one release = %d, want 1", got)
	}
	if !q.Acquire() {
		t.Fatalf("acquire should succeed again once a slot frees up")
	}
}

func TestQueueLimiterUnlimited(t *testing.T) {
	q := NewQueueLimiter(0)
	for i := 0; i < 1000; i++ {
		if !q.Acquire() {
			t.Fatalf("a zero/negative max must never reject")
		}
	}
}

func TestACLAllowsOnlyTrustedCIDRs(t *testing.T) {
	_, n, err := net.ParseCIDR("198.51.100.0/24")
	if err != nil {
		t.Fatalf("bad CIDR: %v", err)
	}
	acl := NewACL([]*net.IPNet{n})

	if !acl.Allows(net.ParseIP("198.51.100.42")) {
		t.Fatalf("expected address inside the trusted block to be allowed")
	}
	if acl.Allows(net.ParseIP("203.0.113.1")) {
		t.Fatalf("expected address outside every trusted block to be rejected")
	}
}

func TestACLNilAllowsEverything(t *testing.T) {
	var acl *ACL
	if !acl.Allows(net.ParseIP("1.2.3.4")) {
		t.Fatalf("a nil ACL must allow every source")
	}
}
