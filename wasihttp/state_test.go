package wasihttp

import (
	"net/http"
	"strings"
	"testing"

	"github.com/wasmgate/wasmgate/bufpool"
)

func newTestState(req *Request) *State {
	return NewState(req, DefaultLimits(), bufpool.New(4, 1024))
}

func TestResponseDefaultsTo204(t *testing.T) {
	s := newTestState(&Request{Method: "GET", Path: "/"})
	resp := s.Response()
	if resp.Status != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.Status)
	}
}

func TestExplicitStatusWins(t *testing.T) {
	s := newTestState(&Request{Method: "GET", Path: "/"})
	s.setStatus(418)
	if got := s.Response().Status; got != 418 {
		t.Errorf("status = %d, want 418", got)
	}
}

func TestOutOfRangeStatusIgnored(t *testing.T) {
	s := newTestState(&Request{Method: "GET", Path: "/"})
	s.setStatus(42)
	s.setStatus(9000)
	if got := s.Response().Status; got != http.StatusNoContent {
		t.Errorf("status = %d, want 204", got)
	}
}

func TestHeaderCapEnforced(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxHeaders = 2
	s := NewState(&Request{}, limits, bufpool.New(4, 1024))

	s.setHeader("A", "1")
	s.setHeader("B", "2")
	s.setHeader("C", "3")
	if got := len(s.Response().Headers); got != 2 {
		t.Errorf("headers = %d, want 2", got)
	}
}

func TestHeaderLengthCaps(t *testing.T) {
	limits := DefaultLimits()
	limits.MaxHeaderName = 4
	limits.MaxHeaderValue = 4
	s := NewState(&Request{}, limits, bufpool.New(4, 1024))

	s.setHeader("toolong", "v")
	s.setHeader("ok", strings.Repeat("v", 5))
	s.setHeader("", "v")
	s.setHeader("ok", "fine")

	h := s.Response().Headers
	if len(h) != 1 || h.Get("ok") != "fine" {
		t.Errorf("headers = %v", h)
	}
}

func TestHeaderNamesSortedAndJoined(t *testing.T) {
	req := &Request{Headers: http.Header{}}
	req.Headers.Set("Zeta", "1")
	req.Headers.Set("Alpha", "2")
	s := newTestState(req)

	got := string(s.headerNames())
	if got != "Alpha\x00Zeta" {
		t.Errorf("names = %q", got)
	}
}

func TestHeaderValueLookup(t *testing.T) {
	req := &Request{Headers: http.Header{}}
	req.Headers.Set("Content-Type", "application/json")
	s := newTestState(req)

	if v, ok := s.headerValue("content-type"); !ok || v != "application/json" {
		t.Errorf("value = %q, ok = %v", v, ok)
	}
	if _, ok := s.headerValue("missing"); ok {
		t.Error("missing header reported present")
	}
}
