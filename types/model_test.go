package types

import (
	"net"
	"testing"
)

func TestResponseContentMatches(t *testing.T) {
	id := &IDState{OriginalID: 42, QName: "Example.COM.", QType: 1, QClass: 1}

	cases := []struct {
		name              string
		respID            uint16
		qname             string
		qtype, qclass     uint16
		want              bool
	}{
		{"exact", 42, "example.com.", 1, 1, true},
		{"case-insensitive", 42, "EXAMPLE.com.", 1, 1, true},
		{"wrong id", 99, "example.com.", 1, 1, false},
		{"wrong qname", 42, "other.com.", 1, 1, false},
		{"wrong qtype", 42, "example.com.", 28, 1, false},
		{"wrong qclass", 42, "example.com.", 1, 3, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := ResponseContentMatches(id, c.respID, c.qname, c.qtype, c.qclass)
			if got != c.want {
				t.Errorf("got %v, want %v", got, c.want)
			}
		})
	}
}

func TestResponseContentMatchesNilID(t *testing.T) {
	if ResponseContentMatches(nil, 1, "a.", 1, 1) {
		t.Fatalf("a nil in-flight ID must never match")
	}
}

func TestEndpointConfigExpectsProxyProtocolFrom(t *testing.T) {
	_, cidr, err := net.ParseCIDR("10.0.0.0/8")
	if err != nil {
		t.Fatalf("bad test CIDR: %v", err)
	}
	ep := &EndpointConfig{ExpectProxyProtocolFrom: []*net.IPNet{cidr}}

	if !ep.ExpectsProxyProtocolFrom(net.ParseIP("10.1.2.3")) {
		t.Fatalf("10.1.2.3 should be inside 10.0.0.0/8")
	}
	if ep.ExpectsProxyProtocolFrom(net.ParseIP("192.168.1.1")) {
		t.Fatalf("192.168.1.1 should not be inside 10.0.0.0/8")
	}
}
