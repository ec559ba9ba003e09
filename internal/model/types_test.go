package model

import (
	"errors"
	"strings"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDown, "down"},
		{StateToggling, "toggling"},
		{StateUp, "up"},
		{StateToggle, "toggle"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestParseStateRejectsUnknown(t *testing.T) {
	if _, err := ParseState("sideways"); err == nil {
		t.Fatal("expected error for unknown state")
	}
	s, err := ParseState("up")
	if err != nil || s != StateUp {
		t.Fatalf("ParseState(up) = %v, %v", s, err)
	}
}

func TestStateResolve(t *testing.T) {
	if got := StateToggle.Resolve(StateUp); got != StateDown {
		t.Fatalf("toggle from up resolved to %s", got)
	}
	if got := StateToggle.Resolve(StateDown); got != StateUp {
		t.Fatalf("toggle from down resolved to %s", got)
	}
	if got := StateUp.Resolve(StateUp); got != StateUp {
		t.Fatalf("explicit up resolved to %s", got)
	}
}

func TestValidateName(t *testing.T) {
	valid := []string{"wg0", "home", "a_b=c+d.e-f", strings.Repeat("x", MaxNameLength)}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v", name, err)
		}
	}
	invalid := []string{"", "has space", "slash/name", strings.Repeat("x", MaxNameLength+1), "ünicode"}
	for _, name := range invalid {
		err := ValidateName(name)
		if !errors.Is(err, ErrInvalidName) {
			t.Errorf("ValidateName(%q) = %v, want ErrInvalidName", name, err)
		}
	}
}

func TestSanitizeName(t *testing.T) {
	if got := SanitizeName("my tunnel/one!"); got != "mytunnelone" {
		t.Fatalf("SanitizeName = %q", got)
	}
	if got := SanitizeName(strings.Repeat("ab", 20)); len(got) != MaxNameLength {
		t.Fatalf("SanitizeName length = %d", len(got))
	}
}

func TestStatisticsTotals(t *testing.T) {
	s := Statistics{Peers: []PeerStats{{RxBytes: 10, TxBytes: 1}, {RxBytes: 5, TxBytes: 2}}}
	if s.TotalRx() != 15 || s.TotalTx() != 3 {
		t.Fatalf("totals = %d/%d", s.TotalRx(), s.TotalTx())
	}
}
