package status

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to ID
		want     bool
	}{
		{InQueue, Processing, true},
		{InQueue, Accepted, false},
		{Processing, Accepted, true},
		{Processing, WrongAnswer, true},
		{Processing, TimeLimitExceeded, true},
		{Processing, RuntimeError, true},
		{Processing, InQueue, false},
		{Accepted, Processing, false},
		{Accepted, WrongAnswer, false},
		{RuntimeError, RuntimeError, true},
		{ID(9), Processing, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalSet(t *testing.T) {
	var terminal []ID
	for _, id := range All() {
		if id.IsTerminal() {
			terminal = append(terminal, id)
		}
	}
	want := []ID{Accepted, WrongAnswer, TimeLimitExceeded, RuntimeError}
	if len(terminal) != len(want) {
		t.Fatalf("unexpected terminal set: %v", terminal)
	}
	for i := range want {
		if terminal[i] != want[i] {
			t.Fatalf("unexpected terminal set: %v", terminal)
		}
	}
}

func TestString(t *testing.T) {
	if TimeLimitExceeded.String() != "Time Limit Exceeded" {
		t.Fatalf("unexpected name: %s", TimeLimitExceeded)
	}
	if ID(42).String() != "Unknown(42)" {
		t.Fatalf("unexpected name for unknown id: %s", ID(42))
	}
}
