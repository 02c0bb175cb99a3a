package policy

import (
	"testing"

	"pep/internal/gateway/gwerr"
)

func mustParse(t *testing.T, raw string) Request {
	t.Helper()
	u, err := ParseURL(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return Request{Method: "GET", URL: u, DeclaredBodyLen: 0}
}

func TestEmptyAllowlistDeniesEverything(t *testing.T) {
	doc := (&Document{}).Normalize()
	e := NewEngine()
	d := e.Evaluate(doc, mustParse(t, "https://example.com/"))
	if d.Allow {
		t.Fatalf("expected deny, got allow")
	}
	if d.Code != gwerr.CodeDeniedByPolicy {
		t.Fatalf("expected %s, got %s", gwerr.CodeDeniedByPolicy, d.Code)
	}
}

func TestSuffixMatch(t *testing.T) {
	doc := (&Document{AllowedHosts: []string{"example.com"}}).Normalize()
	e := NewEngine()
	for _, host := range []string{"example.com", "api.example.com", "example.com."} {
		d := e.Evaluate(doc, mustParse(t, "https://"+host+"/v1"))
		if !d.Allow {
			t.Fatalf("host %q: expected allow, got deny %s", host, d.Code)
		}
	}
	d := e.Evaluate(doc, mustParse(t, "https://evil.com/"))
	if d.Allow {
		t.Fatalf("evil.com: expected deny")
	}
}

func TestInvalidScheme(t *testing.T) {
	doc := (&Document{AllowedHosts: []string{"example.com"}}).Normalize()
	e := NewEngine()
	d := e.Evaluate(doc, mustParse(t, "ftp://example.com/"))
	if d.Allow || d.Code != gwerr.CodeInvalidURL {
		t.Fatalf("expected invalid_url, got allow=%v code=%s", d.Allow, d.Code)
	}
}

func TestInvalidMethod(t *testing.T) {
	doc := (&Document{AllowedHosts: []string{"example.com"}}).Normalize()
	e := NewEngine()
	req := mustParse(t, "https://example.com/")
	req.Method = "TRACE"
	d := e.Evaluate(doc, req)
	if d.Allow || d.Code != gwerr.CodeInvalidMethod {
		t.Fatalf("expected invalid_method, got allow=%v code=%s", d.Allow, d.Code)
	}
}

func TestRequestCapExceeded(t *testing.T) {
	doc := (&Document{AllowedHosts: []string{"example.com"}, MaxRequestBytes: 10}).Normalize()
	e := NewEngine()
	req := mustParse(t, "https://example.com/")
	req.DeclaredBodyLen = 11
	d := e.Evaluate(doc, req)
	if d.Allow || d.Code != gwerr.CodeConstraintViolated {
		t.Fatalf("expected constraint_violation, got allow=%v code=%s", d.Allow, d.Code)
	}
	req.DeclaredBodyLen = 10
	d = e.Evaluate(doc, req)
	if !d.Allow {
		t.Fatalf("expected allow at exact cap, got deny %s", d.Code)
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := (&Document{AllowedHosts: []string{"b.com", "a.com"}}).Normalize()
	b := (&Document{AllowedHosts: []string{"a.com", "b.com"}}).Normalize()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("expected equal fingerprints regardless of input order")
	}
	c := (&Document{AllowedHosts: []string{"a.com", "b.com"}, MaxRedirects: 3}).Normalize()
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatalf("expected different fingerprints for different caps")
	}
}
