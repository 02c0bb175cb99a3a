package guard

import (
	"context"
	"net"
	"testing"
)

type fakeResolver struct {
	addrs map[string][]net.IPAddr
	err   error
}

func (f *fakeResolver) LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs[host], nil
}

func TestClassifyKnownRanges(t *testing.T) {
	cases := []struct {
		ip   string
		want Classification
	}{
		{"8.8.8.8", ClassPublic},
		{"127.0.0.1", ClassLoopback},
		{"10.0.0.5", ClassPrivate},
		{"172.16.0.5", ClassPrivate},
		{"192.168.1.5", ClassPrivate},
		{"169.254.1.1", ClassLinkLocal},
		{"224.0.0.1", ClassMulticast},
		{"100.64.0.1", ClassCGNAT},
		{"0.0.0.0", ClassUnspecified},
		{"255.255.255.255", ClassBroadcast},
		{"::1", ClassLoopback},
		{"fc00::1", ClassPrivate},
		{"fe80::1", ClassLinkLocal},
		{"::ffff:127.0.0.1", ClassLoopback},
		{"::ffff:10.0.0.1", ClassPrivate},
	}
	for _, c := range cases {
		got := Classify(net.ParseIP(c.ip))
		if got != c.want {
			t.Errorf("Classify(%s) = %s, want %s", c.ip, got, c.want)
		}
	}
}

func TestResolvePublicHost(t *testing.T) {
	r := &fakeResolver{addrs: map[string][]net.IPAddr{
		"example.com": {{IP: net.ParseIP("93.184.216.34")}},
	}}
	g := New(r, 0)
	ep, err := g.Resolve(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Forbidden {
		t.Fatalf("expected public endpoint to be allowed")
	}
}

func TestResolveRebindToLoopbackIsForbidden(t *testing.T) {
	r := &fakeResolver{addrs: map[string][]net.IPAddr{
		"internal.test": {{IP: net.ParseIP("127.0.0.1")}},
	}}
	g := New(r, 0)
	ep, err := g.Resolve(context.Background(), "internal.test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ep.Forbidden || ep.Reason != ClassLoopback {
		t.Fatalf("expected forbidden/loopback, got forbidden=%v reason=%s", ep.Forbidden, ep.Reason)
	}
}

func TestResolveMixedAddressesAnyNonPublicPoisonsEndpoint(t *testing.T) {
	r := &fakeResolver{addrs: map[string][]net.IPAddr{
		"mixed.test": {
			{IP: net.ParseIP("93.184.216.34")},
			{IP: net.ParseIP("10.0.0.1")},
		},
	}}
	g := New(r, 0)
	ep, err := g.Resolve(context.Background(), "mixed.test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ep.Forbidden {
		t.Fatalf("expected endpoint with any non-public address to be forbidden")
	}
}

func TestResolveLiteralIPSkipsDNS(t *testing.T) {
	g := New(&fakeResolver{err: context.DeadlineExceeded}, 0)
	ep, err := g.Resolve(context.Background(), "127.0.0.1")
	if err != nil {
		t.Fatalf("literal IP must not touch the resolver: %v", err)
	}
	if !ep.Forbidden {
		t.Fatalf("expected loopback literal to be forbidden")
	}
}
