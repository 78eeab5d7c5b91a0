package util

import (
	"strings"
	"testing"
)

func TestRedactIPv4(t *testing.T) {
	if got := RedactIP("203.0.113.45"); got != "203.0.113.0" {
		t.Errorf("RedactIP = %q", got)
	}
	if got := RedactIP("203.0.113.45:8080"); got != "203.0.113.0" {
		t.Errorf("RedactIP with port = %q", got)
	}
}

func TestRedactIPv6(t *testing.T) {
	got := RedactIP("2001:db8:85a3::8a2e:370:7334")
	if !strings.HasPrefix(got, "2001:db8:") {
		t.Errorf("RedactIP = %q, want network prefix kept", got)
	}
	if strings.Contains(got, "7334") {
		t.Errorf("RedactIP = %q, host bits leaked", got)
	}
}

func TestRedactIPUnparseable(t *testing.T) {
	got := RedactIP("garbage")
	if !strings.HasPrefix(got, "hash:") {
		t.Errorf("RedactIP = %q, want hashed fallback", got)
	}
}

func TestRedactPasteContent(t *testing.T) {
	if got := RedactPasteContent(""); got != "" {
		t.Errorf("empty = %q", got)
	}
	if got := RedactPasteContent("short secret"); got != "[REDACTED]" {
		t.Errorf("short = %q", got)
	}
	long := strings.Repeat("a", 30) + "tail-bytes"
	got := RedactPasteContent(long)
	if strings.Contains(got, strings.Repeat("a", 15)) {
		t.Errorf("long = %q, middle leaked", got)
	}
}
