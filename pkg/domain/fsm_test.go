package domain

import (
	"errors"
	"testing"
)

func TestValidateTransitionAllPairs(t *testing.T) {
	statuses := []Status{StatusActive, StatusViewed, StatusExpired, StatusDeleted}
	allowed := map[[2]Status]bool{
		{StatusActive, StatusViewed}:  true,
		{StatusActive, StatusExpired}: true,
		{StatusActive, StatusDeleted}: true,
		{StatusViewed, StatusExpired}: true,
		{StatusViewed, StatusDeleted}: true,
	}
	for _, from := range statuses {
		for _, to := range statuses {
			err := ValidateTransition(from, to)
			want := from == to || allowed[[2]Status{from, to}]
			if want && err != nil {
				t.Errorf("ValidateTransition(%s, %s) = %v, want nil", from, to, err)
			}
			if !want && err == nil {
				t.Errorf("ValidateTransition(%s, %s) = nil, want error", from, to)
			}
		}
	}
}

func TestValidateTransitionErrorNamesStates(t *testing.T) {
	err := ValidateTransition(StatusExpired, StatusActive)
	var terr *TransitionError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if terr.From != StatusExpired || terr.To != StatusActive {
		t.Errorf("TransitionError = {%s, %s}, want {EXPIRED, ACTIVE}", terr.From, terr.To)
	}
}

func TestValidateTransitionUnknownStates(t *testing.T) {
	cases := [][2]Status{
		{"CORRUPT", StatusExpired},
		{StatusActive, "CORRUPT"},
		{"", StatusActive},
		{"active", StatusViewed},
	}
	for _, c := range cases {
		err := ValidateTransition(c[0], c[1])
		var terr *TransitionError
		if !errors.As(err, &terr) {
			t.Errorf("ValidateTransition(%q, %q) = %v, want TransitionError", c[0], c[1], err)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	if StatusActive.Terminal() || StatusViewed.Terminal() {
		t.Error("ACTIVE and VIEWED must not be terminal")
	}
	if !StatusExpired.Terminal() || !StatusDeleted.Terminal() {
		t.Error("EXPIRED and DELETED must be terminal")
	}
}

func TestParseStatus(t *testing.T) {
	for _, raw := range []string{"ACTIVE", "VIEWED", "EXPIRED", "DELETED"} {
		s, err := ParseStatus(raw)
		if err != nil {
			t.Errorf("ParseStatus(%q) = %v, want nil", raw, err)
		}
		if string(s) != raw {
			t.Errorf("ParseStatus(%q) = %q", raw, s)
		}
	}
	for _, raw := range []string{"", "active", "REMOVED", "ACTIVE "} {
		if _, err := ParseStatus(raw); err == nil {
			t.Errorf("ParseStatus(%q) = nil error, want error", raw)
		}
	}
}
