package models

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusWaiting, StatusActive, true},
		{StatusWaiting, StatusClosed, true},
		{StatusWaiting, StatusEnded, true},
		{StatusWaiting, StatusAbandoned, true},
		{StatusActive, StatusClosed, true},
		{StatusActive, StatusEnded, true},
		{StatusActive, StatusAbandoned, true},
		// 终态没有出边
		{StatusClosed, StatusActive, false},
		{StatusClosed, StatusWaiting, false},
		{StatusEnded, StatusActive, false},
		{StatusAbandoned, StatusWaiting, false},
		// active 不能回 waiting
		{StatusActive, StatusWaiting, false},
		{"bogus", StatusActive, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%q, %q) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []string{StatusClosed, StatusAbandoned, StatusEnded} {
		if !IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = false", s)
		}
	}
	for _, s := range []string{StatusWaiting, StatusActive, ""} {
		if IsTerminal(s) {
			t.Errorf("IsTerminal(%q) = true", s)
		}
	}
}

func TestValidStatus(t *testing.T) {
	for _, s := range []string{StatusWaiting, StatusActive, StatusClosed, StatusAbandoned, StatusEnded} {
		if !ValidStatus(s) {
			t.Errorf("ValidStatus(%q) = false", s)
		}
	}
	if ValidStatus("pending") {
		t.Error(`ValidStatus("pending") = true`)
	}
}
