package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"pep/internal/gateway/gwerr"
)

func TestRoundTripRequest(t *testing.T) {
	buf := &bytes.Buffer{}
	c := New(buf, 1<<20)
	body := "aGVsbG8="
	want := &Request{
		Method:     "POST",
		URL:        "https://example.com/x",
		Headers:    []HeaderPair{{"Accept", "*/*"}, {"X-Test", "1"}},
		BodyBase64: &body,
	}
	if err := c.writeFrame(mustMarshalRequest(t, want)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := c.ReadRequest()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Method != want.Method || got.URL != want.URL || *got.BodyBase64 != *want.BodyBase64 {
		t.Fatalf("mismatch: got %+v want %+v", got, want)
	}
	if len(got.Headers) != 2 || got.Headers[0] != want.Headers[0] || got.Headers[1] != want.Headers[1] {
		t.Fatalf("header order not preserved: %v", got.Headers)
	}
}

func TestReadRequestDefaultsAbsentFields(t *testing.T) {
	buf := &bytes.Buffer{}
	c := New(buf, 1<<20)
	payload := []byte(`{"method":"GET","url":"https://example.com/"}`)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)

	got, err := c.ReadRequest()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Headers == nil || len(got.Headers) != 0 {
		t.Fatalf("expected empty headers default, got %v", got.Headers)
	}
	if got.BodyBase64 != nil {
		t.Fatalf("expected nil body default")
	}
}

func TestOversizedFrameRejected(t *testing.T) {
	buf := &bytes.Buffer{}
	c := New(buf, 10)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 11)
	buf.Write(lenBuf[:])
	buf.Write(make([]byte, 11))

	_, err := c.ReadRequest()
	if gwerr.CodeOf(err) != gwerr.CodeInvalidFrame {
		t.Fatalf("expected invalid_frame, got %v", err)
	}
}

func TestTruncatedFrameRejected(t *testing.T) {
	buf := &bytes.Buffer{}
	c := New(buf, 1<<20)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 100)
	buf.Write(lenBuf[:])
	buf.Write([]byte("short"))

	_, err := c.ReadRequest()
	if gwerr.CodeOf(err) != gwerr.CodeInvalidFrame {
		t.Fatalf("expected invalid_frame, got %v", err)
	}
}

func TestCleanEOFBetweenTurns(t *testing.T) {
	buf := &bytes.Buffer{}
	c := New(buf, 1<<20)
	_, err := c.ReadRequest()
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF on empty stream, got %v", err)
	}
}

func TestWriteResponseErrorEnvelope(t *testing.T) {
	buf := &bytes.Buffer{}
	c := New(buf, 1<<20)
	resp := ErrorResponse(gwerr.CodeDeniedByPolicy, "host not allowed")
	if err := c.WriteResponse(resp); err != nil {
		t.Fatalf("write: %v", err)
	}
	if resp.Status != 0 || resp.BodyBase64 != nil || len(resp.Headers) != 0 {
		t.Fatalf("error envelope shape violated: %+v", resp)
	}
}

func TestGuestSideWriteRequestReadResponse(t *testing.T) {
	buf := &bytes.Buffer{}
	c := New(buf, 1<<20)
	if err := c.WriteRequest(&Request{Method: "GET", URL: "https://example.com/"}); err != nil {
		t.Fatalf("write request: %v", err)
	}
	got, err := c.ReadRequest()
	if err != nil {
		t.Fatalf("read request: %v", err)
	}
	if got.Method != "GET" || got.URL != "https://example.com/" {
		t.Fatalf("unexpected request: %+v", got)
	}

	buf.Reset()
	body := "aGk="
	if err := c.WriteResponse(&Response{Status: 200, Headers: []HeaderPair{}, BodyBase64: &body}); err != nil {
		t.Fatalf("write response: %v", err)
	}
	resp, err := c.ReadResponse()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Status != 200 || resp.BodyBase64 == nil || *resp.BodyBase64 != body {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func mustMarshalRequest(t *testing.T, r *Request) []byte {
	t.Helper()
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
