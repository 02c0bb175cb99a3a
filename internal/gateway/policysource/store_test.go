package policysource

import (
	"context"
	"testing"
	"time"

	"pep/internal/gateway/policy"
)

type stubSource struct {
	docs []*policy.Document
	i    int
}

func (s *stubSource) Load(ctx context.Context) (*policy.Document, error) {
	d := s.docs[s.i]
	if s.i < len(s.docs)-1 {
		s.i++
	}
	return d, nil
}

func TestStoreSetAndCurrent(t *testing.T) {
	a := (&policy.Document{AllowedHosts: []string{"a.example.com"}}).Normalize()
	b := (&policy.Document{AllowedHosts: []string{"b.example.com"}}).Normalize()

	store := NewStore(a)
	if store.Current().Fingerprint() != a.Fingerprint() {
		t.Fatalf("expected initial document a")
	}
	store.Set(b)
	if store.Current().Fingerprint() != b.Fingerprint() {
		t.Fatalf("expected document b after Set")
	}
}

func TestReloaderPicksUpPeriodicReload(t *testing.T) {
	a := (&policy.Document{AllowedHosts: []string{"a.example.com"}}).Normalize()
	b := (&policy.Document{AllowedHosts: []string{"b.example.com"}}).Normalize()
	src := &stubSource{docs: []*policy.Document{a, b}}
	store := NewStore(a)
	r := NewReloader(src, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx, 10*time.Millisecond)
	defer cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if store.Current().Fingerprint() == b.Fingerprint() {
			r.Stop()
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.Stop()
	t.Fatalf("reloader never picked up the second document")
}

func TestReloaderStopIsIdempotent(t *testing.T) {
	a := (&policy.Document{AllowedHosts: []string{"a.example.com"}}).Normalize()
	store := NewStore(a)
	r := NewReloader(&stubSource{docs: []*policy.Document{a}}, store, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx, 0)
	time.Sleep(5 * time.Millisecond)
	r.Stop()
	r.Stop()
}
