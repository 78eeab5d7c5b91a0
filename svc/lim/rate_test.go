package lim

import (
	"net/http/httptest"
	"testing"
)

func TestGetRealIPNoProxies(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.5:1234"
	r.Header.Set("X-Forwarded-For", "198.51.100.9")
	if ip := GetRealIP(r, nil); ip != "203.0.113.5" {
		t.Errorf("GetRealIP = %q, want socket address when no proxies trusted", ip)
	}
}

func TestGetRealIPTrustedProxy(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:443"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.2")
	ip := GetRealIP(r, []string{"10.0.0.0/8"})
	if ip != "198.51.100.9" {
		t.Errorf("GetRealIP = %q, want first untrusted hop", ip)
	}
}

func TestGetRealIPUntrustedPeerIgnoresHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "198.51.100.9:80"
	r.Header.Set("X-Forwarded-For", "1.2.3.4")
	if ip := GetRealIP(r, []string{"10.0.0.0/8"}); ip != "198.51.100.9" {
		t.Errorf("GetRealIP = %q, header from untrusted peer must be ignored", ip)
	}
}

func TestGetRealIPSkipsGarbageHops(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:443"
	r.Header.Set("X-Forwarded-For", "198.51.100.9, not-an-ip, 10.0.0.2")
	if ip := GetRealIP(r, []string{"10.0.0.0/8"}); ip != "198.51.100.9" {
		t.Errorf("GetRealIP = %q", ip)
	}
}

func TestLocalLimiterFailsClosed(t *testing.T) {
	l := New(60, 2, 2, nil, nil)
	defer l.Stop()
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.5:1234"

	allowed := 0
	for i := 0; i < 10; i++ {
		if res := l.CheckLimit(r, "view"); res.Allowed {
			allowed++
		}
	}
	if allowed == 0 {
		t.Error("no request allowed at all")
	}
	if allowed > 2 {
		t.Errorf("%d requests allowed, burst is 2", allowed)
	}
}

func TestNewPanicsOnBadProxy(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic on invalid trusted proxy")
		}
	}()
	New(60, 10, 5, nil, []string{"not-an-ip"})
}
